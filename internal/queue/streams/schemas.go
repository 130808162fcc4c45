package streams

import "fmt"

const (
	// EventTaskEnqueued carries a task id for the serial consumer.
	EventTaskEnqueued = "research.task.enqueued"
	// EventTaskShutdown is the sentinel that stops the consumer.
	EventTaskShutdown = "research.task.shutdown"

	PayloadV1 = "v1"
)

// Definition describes a schema entry managed by the registry.
type Definition struct {
	EventType string
	Version   string
	Schema    []byte
}

var baseDefinitions = []Definition{
	{
		EventType: EventTaskEnqueued,
		Version:   PayloadV1,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["task_id"],
  "properties": {
    "task_id": {"type": "string", "minLength": 1},
    "user_id": {"type": "string"},
    "retry_count": {"type": "integer", "minimum": 0}
  },
  "additionalProperties": true
}`),
	},
	{
		EventType: EventTaskShutdown,
		Version:   PayloadV1,
		Schema: []byte(`{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["reason"],
  "properties": {
    "reason": {"type": "string"}
  },
  "additionalProperties": true
}`),
	},
}

// BaseDefinitions returns the built-in schema definitions.
func BaseDefinitions() []Definition {
	defs := make([]Definition, len(baseDefinitions))
	copy(defs, baseDefinitions)
	return defs
}

// RegisterBaseSchemas loads the task queue schemas into the provided registry.
func RegisterBaseSchemas(reg *SchemaRegistry) error {
	if reg == nil {
		return fmt.Errorf("registry is nil")
	}
	for _, def := range baseDefinitions {
		if err := reg.Register(def.EventType, def.Version, def.Schema); err != nil {
			return fmt.Errorf("register %s %s: %w", def.EventType, def.Version, err)
		}
	}
	return nil
}

// NewTaskSchemaRegistry returns a registry holding the base schemas.
func NewTaskSchemaRegistry() (*SchemaRegistry, error) {
	reg := NewSchemaRegistry()
	if err := RegisterBaseSchemas(reg); err != nil {
		return nil, err
	}
	return reg, nil
}
