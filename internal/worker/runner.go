package worker

import (
	"context"

	"github.com/ameureka/ai-deepresearch-agent/internal/task"
)

// TaskRunner executes one dequeued task to completion.
type TaskRunner interface {
	Process(ctx context.Context, taskID string) error
}

// RunnerFunc adapts a function to TaskRunner.
type RunnerFunc func(ctx context.Context, taskID string) error

func (f RunnerFunc) Process(ctx context.Context, taskID string) error { return f(ctx, taskID) }

var _ TaskRunner = (*task.Orchestrator)(nil)
