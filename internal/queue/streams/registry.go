package streams

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v5"
)

type schemaKey struct {
	eventType string
	version   string
}

// SchemaRegistry holds compiled payload schemas per event type and version.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[schemaKey]*jsonschema.Schema
}

func NewSchemaRegistry() *SchemaRegistry {
	return &SchemaRegistry{schemas: make(map[schemaKey]*jsonschema.Schema)}
}

// Register compiles schemaBytes for eventType/version, replacing any previous entry.
func (r *SchemaRegistry) Register(eventType, version string, schemaBytes []byte) error {
	if eventType == "" || version == "" {
		return fmt.Errorf("event type and version must be provided")
	}
	if len(schemaBytes) == 0 {
		return fmt.Errorf("schema for %s %s is empty", eventType, version)
	}
	url := fmt.Sprintf("%s.%s.json", eventType, version)
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(url, bytes.NewReader(schemaBytes)); err != nil {
		return fmt.Errorf("add schema resource: %w", err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}
	r.mu.Lock()
	r.schemas[schemaKey{eventType, version}] = compiled
	r.mu.Unlock()
	return nil
}

// Validate checks payload against the schema registered for eventType/version.
func (r *SchemaRegistry) Validate(eventType, version string, payload []byte) error {
	r.mu.RLock()
	schema, ok := r.schemas[schemaKey{eventType, version}]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("no schema registered for event %q version %q", eventType, version)
	}
	if len(payload) == 0 {
		return fmt.Errorf("payload is empty")
	}
	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("payload validation failed: %w", err)
	}
	return nil
}

// EventTypes lists the registered event types, sorted.
func (r *SchemaRegistry) EventTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	seen := make(map[string]struct{}, len(r.schemas))
	var out []string
	for k := range r.schemas {
		if _, ok := seen[k.eventType]; !ok {
			seen[k.eventType] = struct{}{}
			out = append(out, k.eventType)
		}
	}
	sort.Strings(out)
	return out
}
