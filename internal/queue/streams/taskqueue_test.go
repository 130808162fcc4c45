package streams

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"testing"
	"time"

	"github.com/ameureka/ai-deepresearch-agent/internal/task"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcRedis "github.com/testcontainers/testcontainers-go/modules/redis"
	"github.com/testcontainers/testcontainers-go/wait"
)

func startRedis(t *testing.T) *redis.Client {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()
	c, err := tcRedis.RunContainer(ctx, testcontainers.WithWaitStrategy(wait.ForListeningPort("6379/tcp")))
	if err != nil {
		t.Fatalf("redis container: %v", err)
	}
	t.Cleanup(func() { _ = c.Terminate(ctx) })
	host, err := c.Host(ctx)
	if err != nil {
		t.Fatalf("redis host: %v", err)
	}
	port, err := c.MappedPort(ctx, "6379")
	if err != nil {
		t.Fatalf("redis port: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: fmt.Sprintf("%s:%s", host, port.Port())})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestTaskQueueFIFOAndShutdown(t *testing.T) {
	client := startRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	q, err := NewTaskQueue(ctx, client, TaskQueueConfig{Stream: "test.tasks", Group: "g", Consumer: "c1", Block: 200 * time.Millisecond},
		WithQueueLogger(log.New(io.Discard, "", 0)))
	if err != nil {
		t.Fatalf("NewTaskQueue: %v", err)
	}
	for _, id := range []string{"a", "b"} {
		if err := q.Enqueue(ctx, id); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if err := q.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for _, want := range []string{"a", "b"} {
		job, err := q.Next(ctx)
		if err != nil || job.TaskID != want {
			t.Fatalf("expected %s, got %+v %v", want, job, err)
		}
		if err := job.Ack(ctx); err != nil {
			t.Fatalf("Ack: %v", err)
		}
	}
	if _, err := q.Next(ctx); !errors.Is(err, task.ErrQueueClosed) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	stats, err := q.Stats(ctx)
	if err != nil || stats.Pending != 0 {
		t.Fatalf("everything must be acked: %+v %v", stats, err)
	}
}

func TestTaskQueueIgnoresForeignSentinelAndMalformedEntries(t *testing.T) {
	client := startRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	quiet := WithQueueLogger(log.New(io.Discard, "", 0))

	q, err := NewTaskQueue(ctx, client, TaskQueueConfig{Stream: "test.tasks2", Group: "g", Consumer: "c1", Block: 200 * time.Millisecond}, quiet)
	if err != nil {
		t.Fatalf("NewTaskQueue: %v", err)
	}
	other, err := NewTaskQueue(ctx, client, TaskQueueConfig{Stream: "test.tasks2", Group: "g", Consumer: "c2"}, quiet)
	if err != nil {
		t.Fatalf("NewTaskQueue: %v", err)
	}
	if err := other.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := client.XAdd(ctx, &redis.XAddArgs{Stream: "test.tasks2", Values: map[string]interface{}{"junk": "1"}}).Err(); err != nil {
		t.Fatalf("xadd: %v", err)
	}
	if err := q.Enqueue(ctx, "task-1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	job, err := q.Next(ctx)
	if err != nil || job.TaskID != "task-1" {
		t.Fatalf("expected task-1, got %+v %v", job, err)
	}

	short, stop := context.WithTimeout(ctx, time.Second)
	defer stop()
	if _, err := q.Next(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected an idle queue to wait, got %v", err)
	}
}

func TestTaskQueueSentinelOnlyStopsItsConsumer(t *testing.T) {
	client := startRedis(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	quiet := WithQueueLogger(log.New(io.Discard, "", 0))
	cfg := TaskQueueConfig{Stream: "test.tasks3", Group: "g", Block: 200 * time.Millisecond}

	cfg.Consumer = "c1"
	first, err := NewTaskQueue(ctx, client, cfg, quiet)
	if err != nil {
		t.Fatalf("NewTaskQueue: %v", err)
	}
	cfg.Consumer = "c2"
	second, err := NewTaskQueue(ctx, client, cfg, quiet)
	if err != nil {
		t.Fatalf("NewTaskQueue: %v", err)
	}
	if err := second.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// c1 reads first and must not see c2's sentinel
	short, stop := context.WithTimeout(ctx, time.Second)
	defer stop()
	if _, err := first.Next(short); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("c1 must keep waiting, got %v", err)
	}
	if _, err := second.Next(ctx); !errors.Is(err, task.ErrQueueClosed) {
		t.Fatalf("c2 must stop, got %v", err)
	}
	if n, err := client.Exists(ctx, ControlStream("test.tasks3", "c2")).Result(); err != nil || n != 0 {
		t.Fatalf("control stream must be removed after shutdown: %d %v", n, err)
	}

	if err := first.Enqueue(ctx, "task-1"); err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	job, err := first.Next(ctx)
	if err != nil || job.TaskID != "task-1" {
		t.Fatalf("c1 must still receive work, got %+v %v", job, err)
	}
}

func TestLaterEntry(t *testing.T) {
	cases := []struct {
		a, b string
		want bool
	}{
		{"1700000000001-0", "1700000000000-5", true},
		{"1700000000000-6", "1700000000000-5", true},
		{"1700000000000-5", "1700000000000-5", false},
		{"1699999999999-9", "1700000000000-0", false},
	}
	for _, c := range cases {
		if got := laterEntry(c.a, c.b); got != c.want {
			t.Fatalf("laterEntry(%s, %s) = %v", c.a, c.b, got)
		}
	}
}

func TestTaskQueueRejectsEmptyID(t *testing.T) {
	client := startRedis(t)
	q, err := NewTaskQueue(context.Background(), client, TaskQueueConfig{})
	if err != nil {
		t.Fatalf("NewTaskQueue: %v", err)
	}
	if err := q.Enqueue(context.Background(), ""); err == nil {
		t.Fatalf("expected empty id to be rejected")
	}
}
