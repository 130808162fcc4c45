package task

import (
	"context"
	"sync"
)

// Job is one dequeued task id. Ack must be called once processing finished.
type Job struct {
	TaskID string
	ack    func(context.Context) error
}

// NewJob binds an acknowledgement callback to a task id.
func NewJob(taskID string, ack func(context.Context) error) Job {
	return Job{TaskID: taskID, ack: ack}
}

func (j Job) Ack(ctx context.Context) error {
	if j.ack == nil {
		return nil
	}
	return j.ack(ctx)
}

// Queue is the FIFO of task ids consumed by a single worker. Next returns
// ErrQueueClosed once the shutdown sentinel is reached.
type Queue interface {
	Enqueue(ctx context.Context, taskID string) error
	Next(ctx context.Context) (Job, error)
	Close(ctx context.Context) error
}

// shutdownSentinel is never a valid task id.
const shutdownSentinel = "\x00shutdown"

// MemoryQueue is a buffered-channel queue for single-process deployments.
type MemoryQueue struct {
	mu     sync.RWMutex
	closed bool
	ch     chan string
}

func NewMemoryQueue(size int) *MemoryQueue {
	if size <= 0 {
		size = 128
	}
	return &MemoryQueue{ch: make(chan string, size)}
}

func (q *MemoryQueue) Enqueue(ctx context.Context, taskID string) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrQueueClosed
	}
	select {
	case q.ch <- taskID:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (q *MemoryQueue) Next(ctx context.Context) (Job, error) {
	select {
	case id := <-q.ch:
		if id == shutdownSentinel {
			return Job{}, ErrQueueClosed
		}
		return Job{TaskID: id}, nil
	case <-ctx.Done():
		return Job{}, ctx.Err()
	}
}

// Close rejects further Enqueue calls and places the sentinel behind any
// queued ids, so the consumer drains them before exiting.
func (q *MemoryQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	q.mu.Unlock()
	select {
	case q.ch <- shutdownSentinel:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len is the number of ids waiting, sentinel included.
func (q *MemoryQueue) Len() int { return len(q.ch) }
