package streams

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Consumer reads envelopes from a stream as one member of a consumer group.
type Consumer struct {
	client   *redis.Client
	registry *SchemaRegistry
	group    string
	name     string
}

// ConsumerOption adjusts the XREADGROUP arguments.
type ConsumerOption func(*redis.XReadGroupArgs)

// WithBlock sets how long a read waits for new entries.
func WithBlock(d time.Duration) ConsumerOption {
	return func(args *redis.XReadGroupArgs) {
		if d > 0 {
			args.Block = d
		}
	}
}

// WithoutBlock makes a read return immediately when nothing is waiting.
func WithoutBlock() ConsumerOption {
	return func(args *redis.XReadGroupArgs) { args.Block = -1 }
}

// WithCount caps the number of entries returned by one read.
func WithCount(n int64) ConsumerOption {
	return func(args *redis.XReadGroupArgs) {
		if n > 0 {
			args.Count = n
		}
	}
}

func NewConsumer(client *redis.Client, registry *SchemaRegistry, group, name string) *Consumer {
	return &Consumer{client: client, registry: registry, group: group, name: name}
}

// EnsureGroup creates the group, and the stream, if missing.
func EnsureGroup(ctx context.Context, client *redis.Client, stream, group string) error {
	if stream == "" || group == "" {
		return fmt.Errorf("stream and group must be provided")
	}
	if err := client.XGroupCreateMkStream(ctx, stream, group, "0").Err(); err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return fmt.Errorf("xgroup create: %w", err)
	}
	return nil
}

// Message is a decoded stream entry.
type Message struct {
	Stream   string
	ID       string
	Envelope Envelope
}

// Read returns new entries for this consumer. An empty result means the block
// timeout elapsed.
func (c *Consumer) Read(ctx context.Context, stream string, opts ...ConsumerOption) ([]Message, error) {
	return c.ReadStreams(ctx, []string{stream}, opts...)
}

// ReadStreams waits on several streams at once. The group must exist on each
// of them; results keep the order of streams.
func (c *Consumer) ReadStreams(ctx context.Context, streams []string, opts ...ConsumerOption) ([]Message, error) {
	if len(streams) == 0 {
		return nil, fmt.Errorf("stream name is required")
	}
	keys := make([]string, 0, 2*len(streams))
	for _, st := range streams {
		if err := c.check(st); err != nil {
			return nil, err
		}
		keys = append(keys, st)
	}
	for range streams {
		keys = append(keys, ">")
	}
	args := &redis.XReadGroupArgs{
		Group:    c.group,
		Consumer: c.name,
		Streams:  keys,
	}
	for _, opt := range opts {
		opt(args)
	}
	res, err := c.client.XReadGroup(ctx, args).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup: %w", err)
	}
	var out []Message
	for _, st := range res {
		for _, msg := range st.Messages {
			if decoded, ok := c.decodeMessage(ctx, st.Stream, msg); ok {
				out = append(out, decoded)
			}
		}
	}
	return out, nil
}

func (c *Consumer) Ack(ctx context.Context, stream string, ids ...string) error {
	if len(ids) == 0 {
		return nil
	}
	if err := c.client.XAck(ctx, stream, c.group, ids...).Err(); err != nil {
		return fmt.Errorf("xack: %w", err)
	}
	recordAcked(ctx, stream, len(ids))
	return nil
}

// LagMetrics returns lag details for the configured consumer group.
func (c *Consumer) LagMetrics(ctx context.Context, stream string) (LagMetrics, error) {
	return GroupLag(ctx, c.client, stream, c.group)
}

// AutoClaim takes over entries another consumer left pending for at least
// minIdle. The returned cursor continues the scan.
func (c *Consumer) AutoClaim(ctx context.Context, stream string, minIdle time.Duration, start string, count int64) ([]Message, string, error) {
	if err := c.check(stream); err != nil {
		return nil, "", err
	}
	args := &redis.XAutoClaimArgs{
		Stream:   stream,
		Group:    c.group,
		Consumer: c.name,
		MinIdle:  minIdle,
		Start:    start,
	}
	if count > 0 {
		args.Count = count
	}
	msgs, next, err := c.client.XAutoClaim(ctx, args).Result()
	if err != nil {
		return nil, "", fmt.Errorf("xautoclaim: %w", err)
	}
	var out []Message
	for _, msg := range msgs {
		if decoded, ok := c.decodeMessage(ctx, stream, msg); ok {
			out = append(out, decoded)
		}
	}
	return out, next, nil
}

func (c *Consumer) check(stream string) error {
	if stream == "" {
		return fmt.Errorf("stream name is required")
	}
	if c.group == "" || c.name == "" {
		return fmt.Errorf("consumer group and name must be configured")
	}
	return nil
}

// decodeMessage acks and skips entries that cannot be decoded or fail schema
// validation, so they are never redelivered.
func (c *Consumer) decodeMessage(ctx context.Context, stream string, msg redis.XMessage) (Message, bool) {
	drop := func(reason string) (Message, bool) {
		_ = c.client.XAck(ctx, stream, c.group, msg.ID).Err()
		recordDropped(ctx, stream, reason)
		return Message{}, false
	}
	raw, ok := msg.Values["envelope"]
	if !ok {
		return drop("missing_envelope")
	}
	var data []byte
	switch v := raw.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return drop("encoding")
		}
		data = b
	}
	env, err := UnmarshalEnvelope(data)
	if err != nil {
		return drop("envelope")
	}
	if c.registry != nil {
		if err := c.registry.Validate(env.EventType, env.PayloadVersion, env.Data); err != nil {
			return drop("schema")
		}
	}
	return Message{Stream: stream, ID: msg.ID, Envelope: env}, true
}
