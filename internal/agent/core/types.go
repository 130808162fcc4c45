package core

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/ameureka/ai-deepresearch-agent/internal/agent/telemetry"
	"github.com/ameureka/ai-deepresearch-agent/provider"
)

// Role identifies which agent handles a plan step.
type Role string

const (
	RoleResearch Role = "research"
	RoleWriter   Role = "writer"
	RoleEditor   Role = "editor"
)

func (r Role) Valid() bool {
	return r == RoleResearch || r == RoleWriter || r == RoleEditor
}

// AgentName is the name recorded in history and events.
func (r Role) AgentName() string {
	if !r.Valid() {
		return "unknown_agent"
	}
	return string(r) + "_agent"
}

// PlanStep is one instruction of a plan. Role is empty when the planner could
// not tag it; the executor then falls back to keyword matching.
type PlanStep struct {
	Description string `json:"description"`
	Role        Role   `json:"role,omitempty"`
}

// HistoryEntry is the record of one executed step.
type HistoryEntry struct {
	Step    string   `json:"step"`
	Task    string   `json:"task"`
	Role    Role     `json:"role"`
	Output  string   `json:"output"`
	Model   string   `json:"model,omitempty"`
	Sources []string `json:"sources,omitempty"`
	// Items are the titles a research step collected.
	Items   []string `json:"items,omitempty"`
}

// AgentRequest is the input of a role agent.
type AgentRequest struct {
	Prompt string // enriched task prompt
	Topic  string
	Step   string
	Model  string // empty uses the agent default
	Costs  *telemetry.CostTracker

	// History holds the steps executed so far, oldest first.
	History []HistoryEntry
}

// AgentOutput is what a role agent produced. A failed model call is reported
// through Content carrying the model-error marker, not through an error.
type AgentOutput struct {
	Content    string
	Model      string
	Sources    []string
	Items      []string
	Transcript []provider.Message
}

// Agent is a role agent.
type Agent interface {
	Role() Role
	Run(ctx context.Context, req AgentRequest) (AgentOutput, error)
}

var (
	ErrUnknownStep  = errors.New("unrecognized step")
	ErrModelFailure = errors.New("model failure")
)

// UnknownStepError names the step that no role could be resolved for.
type UnknownStepError struct {
	Step string
}

func (e *UnknownStepError) Error() string {
	return fmt.Sprintf("unrecognized step type: %q", e.Step)
}

func (e *UnknownStepError) Is(target error) bool { return target == ErrUnknownStep }

const modelErrorPrefix = "[Model Error: "

// ModelErrorMarker is the output an agent returns when its model call failed.
func ModelErrorMarker(msg string) string {
	return modelErrorPrefix + msg + "]"
}

// ParseModelError reports whether output is a model-error marker and returns its message.
func ParseModelError(output string) (string, bool) {
	s := strings.TrimSpace(output)
	if !strings.HasPrefix(s, modelErrorPrefix) {
		return "", false
	}
	return strings.TrimSuffix(strings.TrimPrefix(s, modelErrorPrefix), "]"), true
}
