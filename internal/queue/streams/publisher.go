package streams

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Publisher appends schema-checked envelopes to Redis streams.
type Publisher struct {
	client   *redis.Client
	registry *SchemaRegistry
}

// PublishOption adjusts the XADD arguments.
type PublishOption func(*redis.XAddArgs)

// WithMaxLenApprox trims the stream to roughly maxLen entries.
func WithMaxLenApprox(maxLen int64) PublishOption {
	return func(args *redis.XAddArgs) {
		if maxLen > 0 {
			args.MaxLen = maxLen
			args.Approx = true
		}
	}
}

func NewPublisher(client *redis.Client, registry *SchemaRegistry) *Publisher {
	return &Publisher{client: client, registry: registry}
}

// Publish validates envelope and appends it to stream, returning the entry id.
func (p *Publisher) Publish(ctx context.Context, stream string, envelope Envelope, opts ...PublishOption) (string, error) {
	if stream == "" {
		return "", fmt.Errorf("stream name is required")
	}
	if envelope.EventID == "" {
		envelope.EventID = uuid.NewString()
	}
	if envelope.OccurredAt.IsZero() {
		envelope.OccurredAt = time.Now().UTC()
	}
	if err := envelope.ValidateBasic(); err != nil {
		return "", err
	}
	if p.registry != nil {
		if err := p.registry.Validate(envelope.EventType, envelope.PayloadVersion, envelope.Data); err != nil {
			return "", err
		}
	}

	raw, err := envelope.Marshal()
	if err != nil {
		return "", err
	}
	args := &redis.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"envelope": raw},
	}
	for _, opt := range opts {
		opt(args)
	}
	id, err := p.client.XAdd(ctx, args).Result()
	if err != nil {
		return "", fmt.Errorf("xadd: %w", err)
	}
	recordPublished(ctx, stream, envelope.EventType)
	return id, nil
}

// PublishPayload wraps payload in a v1 envelope of eventType and publishes it.
func (p *Publisher) PublishPayload(ctx context.Context, stream, eventType string, payload any, opts ...PublishOption) (string, error) {
	env, err := NewEnvelope(eventType, payload)
	if err != nil {
		return "", err
	}
	return p.Publish(ctx, stream, env, opts...)
}
