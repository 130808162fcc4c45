package model

import (
	"fmt"
	"log"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Profile describes the capability limits of a single model.
type Profile struct {
	Model             string `yaml:"model" json:"model"`
	MaxOutput         int    `yaml:"max_output" json:"max_output"`
	ContextWindow     int    `yaml:"context_window" json:"context_window"`
	SupportsStreaming bool   `yaml:"streaming" json:"streaming"`
}

// DefaultProfile is returned for identifiers the registry does not know.
var DefaultProfile = Profile{
	Model:             "default",
	MaxOutput:         4096,
	ContextWindow:     8192,
	SupportsStreaming: true,
}

// DefaultOutputRatio is applied to MaxOutput when a caller does not request an output size.
const DefaultOutputRatio = 0.8

var builtinProfiles = []Profile{
	{Model: "deepseek:deepseek-chat", MaxOutput: 8192, ContextWindow: 32768, SupportsStreaming: true},
	{Model: "deepseek:deepseek-reasoner", MaxOutput: 8192, ContextWindow: 65536, SupportsStreaming: false},
	{Model: "openai:gpt-4o-mini", MaxOutput: 16384, ContextWindow: 128000, SupportsStreaming: true},
	{Model: "openai:gpt-4o", MaxOutput: 16384, ContextWindow: 128000, SupportsStreaming: true},
	{Model: "openai:o1-mini", MaxOutput: 65536, ContextWindow: 128000, SupportsStreaming: false},
}

// Registry is a read-only table of model profiles. It is safe for concurrent use
// because nothing mutates it after construction.
type Registry struct {
	profiles map[string]Profile
	logger   *log.Logger
}

// NewRegistry builds a registry from the built-in table plus any extra rows.
// Extra rows replace built-in rows with the same identifier.
func NewRegistry(extra ...Profile) *Registry {
	r := &Registry{
		profiles: make(map[string]Profile, len(builtinProfiles)+len(extra)),
		logger:   log.New(log.Writer(), "[MODEL] ", log.LstdFlags),
	}
	for _, p := range builtinProfiles {
		r.profiles[p.Model] = p
	}
	for _, p := range extra {
		id := strings.TrimSpace(p.Model)
		if id == "" {
			continue
		}
		p.Model = id
		r.profiles[id] = p
	}
	return r
}

type profileFile struct {
	Profiles []Profile `yaml:"profiles"`
}

// LoadRegistry reads profile overrides from a YAML file and merges them over the
// built-in table. An empty path yields the built-in registry.
func LoadRegistry(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return NewRegistry(), nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var pf profileFile
	if err := yaml.Unmarshal(b, &pf); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i, p := range pf.Profiles {
		if strings.TrimSpace(p.Model) == "" {
			return nil, fmt.Errorf("parse %s: profiles[%d].model is required", path, i)
		}
		if p.MaxOutput <= 0 || p.ContextWindow <= 0 {
			return nil, fmt.Errorf("parse %s: profile %s needs positive max_output and context_window", path, p.Model)
		}
	}
	return NewRegistry(pf.Profiles...), nil
}

// Lookup returns the profile for modelID, or DefaultProfile when unknown.
func (r *Registry) Lookup(modelID string) Profile {
	if r != nil {
		if p, ok := r.profiles[strings.TrimSpace(modelID)]; ok {
			return p
		}
	}
	return DefaultProfile
}

// Known reports whether modelID has an explicit profile.
func (r *Registry) Known(modelID string) bool {
	if r == nil {
		return false
	}
	_, ok := r.profiles[strings.TrimSpace(modelID)]
	return ok
}

// ClampOutput bounds a requested output size to the profile limit. A non-positive
// request means "unspecified" and resolves to 80% of the limit.
func (p Profile) ClampOutput(requested int) int {
	if requested <= 0 {
		return int(float64(p.MaxOutput) * DefaultOutputRatio)
	}
	if requested > p.MaxOutput {
		return p.MaxOutput
	}
	return requested
}

// ContextUsage is the fraction of modelID's context window that text occupies.
func (r *Registry) ContextUsage(text, modelID string) float64 {
	p := r.Lookup(modelID)
	if p.ContextWindow <= 0 {
		return 0
	}
	usage := float64(EstimateTokens(text)) / float64(p.ContextWindow)
	if usage > 0.9 && r != nil {
		r.logger.Printf("context usage for %s at %.1f%% of window", modelID, usage*100)
	}
	return usage
}
