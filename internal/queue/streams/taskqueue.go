package streams

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/ameureka/ai-deepresearch-agent/internal/task"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	DefaultTaskStream = "research.task.enqueued"
	DefaultTaskGroup  = "research-workers"
	DefaultBlock      = 5 * time.Second
)

// ShutdownPayload is the body of the sentinel envelope.
type ShutdownPayload struct {
	Reason   string `json:"reason"`
	Consumer string `json:"consumer,omitempty"`
}

// TaskQueueConfig names the stream and group of a TaskQueue. An empty
// Consumer gets a random name.
type TaskQueueConfig struct {
	Stream   string
	Group    string
	Consumer string
	Block    time.Duration
	// ClaimIdle, when positive, lets the first Next take over entries another
	// consumer left unacknowledged for that long.
	ClaimIdle time.Duration
	MaxLen    int64
}

// TaskQueue implements task.Queue over a Redis stream consumer group. Entries
// are acknowledged by Job.Ack once the task finished.
type TaskQueue struct {
	cfg       TaskQueueConfig
	client    *redis.Client
	publisher *Publisher
	consumer  *Consumer
	logger    *log.Logger
	started   time.Time
	buffered  []Message
	claimed   bool

	// control carries sentinels addressed to this consumer only.
	control  string
	closeID  string
	draining bool
	drained  bool
}

type TaskQueueOption func(*TaskQueue)

func WithQueueLogger(l *log.Logger) TaskQueueOption {
	return func(q *TaskQueue) {
		if l != nil {
			q.logger = l
		}
	}
}

func NewTaskQueue(ctx context.Context, client *redis.Client, cfg TaskQueueConfig, opts ...TaskQueueOption) (*TaskQueue, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	if cfg.Stream == "" {
		cfg.Stream = DefaultTaskStream
	}
	if cfg.Group == "" {
		cfg.Group = DefaultTaskGroup
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "worker-" + uuid.NewString()[:8]
	}
	if cfg.Block <= 0 {
		cfg.Block = DefaultBlock
	}
	reg, err := NewTaskSchemaRegistry()
	if err != nil {
		return nil, err
	}
	control := ControlStream(cfg.Stream, cfg.Consumer)
	for _, st := range []string{cfg.Stream, control} {
		if err := EnsureGroup(ctx, client, st, cfg.Group); err != nil {
			return nil, err
		}
	}
	q := &TaskQueue{
		cfg:       cfg,
		client:    client,
		publisher: NewPublisher(client, reg),
		consumer:  NewConsumer(client, reg, cfg.Group, cfg.Consumer),
		logger:    log.New(log.Writer(), "[QUEUE] ", log.LstdFlags),
		started:   time.Now().UTC(),
		control:   control,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

// ControlStream names the per-consumer stream that carries its shutdown sentinel.
func ControlStream(stream, consumer string) string {
	return stream + ":control:" + consumer
}

func (q *TaskQueue) Enqueue(ctx context.Context, taskID string) error {
	if taskID == "" {
		return fmt.Errorf("task id is required")
	}
	_, err := q.publisher.PublishPayload(ctx, q.cfg.Stream, EventTaskEnqueued, TaskPayload{TaskID: taskID}, WithMaxLenApprox(q.cfg.MaxLen))
	if err != nil {
		return fmt.Errorf("enqueue %s: %w", taskID, err)
	}
	return nil
}

// Next blocks until a task entry arrives. Once this consumer's sentinel is
// read it drains the entries queued before it and then returns
// task.ErrQueueClosed.
func (q *TaskQueue) Next(ctx context.Context) (task.Job, error) {
	for {
		if err := ctx.Err(); err != nil {
			return task.Job{}, err
		}
		if len(q.buffered) == 0 {
			if q.drained {
				return task.Job{}, task.ErrQueueClosed
			}
			msgs, err := q.fetch(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return task.Job{}, ctx.Err()
				}
				return task.Job{}, err
			}
			if q.draining && len(msgs) == 0 {
				q.finish(ctx)
				continue
			}
			q.buffered = msgs
			continue
		}
		msg := q.buffered[0]
		q.buffered = q.buffered[1:]

		switch {
		case msg.Stream == q.control && msg.Envelope.EventType == EventTaskShutdown:
			var p ShutdownPayload
			_ = msg.Envelope.Decode(&p)
			_ = q.consumer.Ack(ctx, q.control, msg.ID)
			if msg.Envelope.OccurredAt.Before(q.started) {
				q.logger.Printf("ignoring stale shutdown sentinel %s", msg.ID)
				continue
			}
			q.logger.Printf("shutdown sentinel received (%s), draining", p.Reason)
			q.draining = true
			q.closeID = msg.ID
		case msg.Stream == q.cfg.Stream && msg.Envelope.EventType == EventTaskEnqueued:
			var p TaskPayload
			if err := msg.Envelope.Decode(&p); err != nil {
				q.logger.Printf("dropping entry %s: %v", msg.ID, err)
				_ = q.consumer.Ack(ctx, msg.Stream, msg.ID)
				continue
			}
			if q.draining && laterEntry(msg.ID, q.closeID) {
				// taken after the sentinel; run it, then stop
				q.finish(ctx)
			}
			id := msg.ID
			return task.NewJob(p.TaskID, func(ctx context.Context) error {
				return q.consumer.Ack(ctx, q.cfg.Stream, id)
			}), nil
		default:
			q.logger.Printf("dropping entry %s of type %s", msg.ID, msg.Envelope.EventType)
			_ = q.consumer.Ack(ctx, msg.Stream, msg.ID)
		}
	}
}

func (q *TaskQueue) fetch(ctx context.Context) ([]Message, error) {
	if q.draining {
		return q.consumer.Read(ctx, q.cfg.Stream, WithoutBlock(), WithCount(1))
	}
	if !q.claimed {
		q.claimed = true
		if q.cfg.ClaimIdle > 0 {
			msgs, _, err := q.consumer.AutoClaim(ctx, q.cfg.Stream, q.cfg.ClaimIdle, "0-0", 16)
			if err != nil {
				q.logger.Printf("warn: reclaim pending entries failed: %v", err)
			} else if len(msgs) > 0 {
				q.logger.Printf("reclaimed %d pending entr(ies)", len(msgs))
				return msgs, nil
			}
		}
	}
	return q.consumer.ReadStreams(ctx, []string{q.cfg.Stream, q.control}, WithBlock(q.cfg.Block), WithCount(1))
}

// finish marks the queue closed and removes the control stream.
func (q *TaskQueue) finish(ctx context.Context) {
	q.drained = true
	if err := q.client.Del(ctx, q.control).Err(); err != nil {
		q.logger.Printf("warn: remove %s: %v", q.control, err)
	}
}

// laterEntry reports whether stream entry id a was added after b. Both ids
// come from the same server clock.
func laterEntry(a, b string) bool {
	am, as := splitEntryID(a)
	bm, bs := splitEntryID(b)
	if am != bm {
		return am > bm
	}
	return as > bs
}

func splitEntryID(id string) (ms, seq uint64) {
	head, tail, _ := strings.Cut(id, "-")
	ms, _ = strconv.ParseUint(head, 10, 64)
	seq, _ = strconv.ParseUint(tail, 10, 64)
	return ms, seq
}

// Close publishes the shutdown sentinel on this consumer's control stream.
func (q *TaskQueue) Close(ctx context.Context) error {
	_, err := q.publisher.PublishPayload(ctx, q.control, EventTaskShutdown,
		ShutdownPayload{Reason: "shutdown", Consumer: q.cfg.Consumer}, WithMaxLenApprox(16))
	if err != nil {
		return fmt.Errorf("publish shutdown sentinel: %w", err)
	}
	return nil
}

// Stats reports the group's pending and lag counts.
func (q *TaskQueue) Stats(ctx context.Context) (LagMetrics, error) {
	return q.consumer.LagMetrics(ctx, q.cfg.Stream)
}

var _ task.Queue = (*TaskQueue)(nil)
