package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/ameureka/ai-deepresearch-agent/internal/task"
)

// ErrStopTimeout is returned by Stop when the consumer loop did not exit in time.
var ErrStopTimeout = errors.New("worker did not stop before timeout")

// Processor consumes task ids from a queue strictly one at a time.
type Processor struct {
	logger *log.Logger
	queue  task.Queue
	runner TaskRunner
	tracer trace.Tracer

	processedCounter otelmetric.Int64Counter
	errorCounter     otelmetric.Int64Counter
	ackCounter       otelmetric.Int64Counter

	mu      sync.Mutex
	started bool
	done    chan struct{}
	// errorBackoff is the pause after a failed dequeue.
	errorBackoff time.Duration
}

// NewProcessor constructs a Processor.
func NewProcessor(logger *log.Logger, q task.Queue, runner TaskRunner, meter otelmetric.Meter, tracer trace.Tracer) *Processor {
	if logger == nil {
		logger = log.New(log.Writer(), "[WORKER] ", log.LstdFlags)
	}
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("worker")
	}

	proc := &Processor{
		logger:       logger,
		queue:        q,
		runner:       runner,
		tracer:       tracer,
		done:         make(chan struct{}),
		errorBackoff: time.Second,
	}
	if meter != nil {
		var err error
		proc.processedCounter, err = meter.Int64Counter("worker_tasks_processed")
		if err != nil {
			logger.Printf("warn: create processed counter failed: %v", err)
		}
		proc.errorCounter, err = meter.Int64Counter("worker_task_errors")
		if err != nil {
			logger.Printf("warn: create error counter failed: %v", err)
		}
		proc.ackCounter, err = meter.Int64Counter("worker_ack_failures")
		if err != nil {
			logger.Printf("warn: create ack counter failed: %v", err)
		}
	}
	return proc
}

// Start blocks, processing queued tasks until the queue delivers its shutdown
// sentinel or the context is cancelled. It may only be called once.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("worker already started")
	}
	p.started = true
	p.mu.Unlock()
	defer close(p.done)

	p.logger.Printf("worker processor starting")
	for {
		job, err := p.queue.Next(ctx)
		switch {
		case errors.Is(err, task.ErrQueueClosed):
			p.logger.Printf("worker processor stopping: queue closed")
			return nil
		case err != nil && ctx.Err() != nil:
			p.logger.Printf("worker processor stopping: %v", ctx.Err())
			return nil
		case err != nil:
			p.logger.Printf("error reading queue: %v", err)
			select {
			case <-ctx.Done():
			case <-time.After(p.errorBackoff):
			}
			continue
		}

		p.handle(ctx, job)
	}
}

func (p *Processor) handle(ctx context.Context, job task.Job) {
	ctx, span := p.tracer.Start(ctx, "worker.handle_task", trace.WithAttributes(attribute.String("task.id", job.TaskID)))
	defer span.End()

	if err := p.runner.Process(ctx, job.TaskID); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.logger.Printf("error processing task %s: %v", job.TaskID, err)
		if p.errorCounter != nil {
			p.errorCounter.Add(ctx, 1)
		}
	} else if p.processedCounter != nil {
		p.processedCounter.Add(ctx, 1)
	}
	// failures are acked too; the task record carries the outcome
	if err := job.Ack(ctx); err != nil {
		p.logger.Printf("warn: failed to ack task %s: %v", job.TaskID, err)
		if p.ackCounter != nil {
			p.ackCounter.Add(ctx, 1)
		}
	}
}

// Stop closes the queue so the loop drains what is already queued, then waits
// up to timeout for Start to return.
func (p *Processor) Stop(ctx context.Context, timeout time.Duration) error {
	closeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	if err := p.queue.Close(closeCtx); err != nil {
		return fmt.Errorf("close queue: %w", err)
	}

	p.mu.Lock()
	started := p.started
	p.mu.Unlock()
	if !started {
		return nil
	}
	select {
	case <-p.done:
		return nil
	case <-closeCtx.Done():
		return ErrStopTimeout
	}
}
