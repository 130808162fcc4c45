package streams

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is the message wrapper stored under the "envelope" field of a stream entry.
type Envelope struct {
	EventID        string          `json:"event_id"`
	EventType      string          `json:"event_type"`
	OccurredAt     time.Time       `json:"occurred_at"`
	TraceID        string          `json:"trace_id,omitempty"`
	Attempt        int             `json:"attempt"`
	PayloadVersion string          `json:"payload_version"`
	Data           json.RawMessage `json:"data"`
}

// TaskPayload is the body of a research.task.enqueued envelope.
type TaskPayload struct {
	TaskID     string `json:"task_id"`
	UserID     string `json:"user_id,omitempty"`
	RetryCount int    `json:"retry_count"`
}

// NewEnvelope marshals payload into a v1 envelope of the given type.
func NewEnvelope(eventType string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s payload: %w", eventType, err)
	}
	return Envelope{
		EventID:        uuid.NewString(),
		EventType:      eventType,
		OccurredAt:     time.Now().UTC(),
		PayloadVersion: PayloadV1,
		Data:           data,
	}, nil
}

// ValidateBasic checks the envelope fields before schema validation.
func (e *Envelope) ValidateBasic() error {
	switch {
	case e.EventID == "":
		return fmt.Errorf("event_id is required")
	case e.EventType == "":
		return fmt.Errorf("event_type is required")
	case e.PayloadVersion == "":
		return fmt.Errorf("payload_version is required")
	case e.Attempt < 0:
		return fmt.Errorf("attempt must be >= 0")
	case len(e.Data) == 0:
		return fmt.Errorf("data payload is required")
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	return nil
}

func (e *Envelope) Marshal() ([]byte, error) {
	if err := e.ValidateBasic(); err != nil {
		return nil, err
	}
	return json.Marshal(e)
}

// Decode unmarshals the payload into v.
func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", e.EventType, err)
	}
	return nil
}

// UnmarshalEnvelope parses and validates a stored envelope.
func UnmarshalEnvelope(b []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return env, fmt.Errorf("unmarshal envelope: %w", err)
	}
	if err := env.ValidateBasic(); err != nil {
		return env, err
	}
	return env, nil
}
