package task

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/ameureka/ai-deepresearch-agent/internal/agent/core"
	"github.com/ameureka/ai-deepresearch-agent/internal/agent/telemetry"
	"github.com/ameureka/ai-deepresearch-agent/internal/resilience"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const (
	DefaultMaxStreams = 4

	modeQueued = "queued"
	modeInline = "inline"
)

var tracer = otel.Tracer("deepresearch/internal/task")

var (
	metricsOnce      sync.Once
	completedCounter otelmetric.Int64Counter
	failedCounter    otelmetric.Int64Counter
)

func initMetrics() {
	meter := otel.Meter("deepresearch/internal/task")
	var err error
	completedCounter, err = meter.Int64Counter("tasks_completed_total",
		otelmetric.WithDescription("Research tasks that produced a report"))
	if err != nil {
		log.Printf("task metrics init: tasks_completed_total: %v", err)
	}
	failedCounter, err = meter.Int64Counter("tasks_failed_total",
		otelmetric.WithDescription("Research tasks that ended in failure"))
	if err != nil {
		log.Printf("task metrics init: tasks_failed_total: %v", err)
	}
}

// Planner produces the role-tagged steps for a topic.
type Planner interface {
	Plan(ctx context.Context, topic, model string, costs *telemetry.CostTracker) ([]core.PlanStep, error)
}

// StepRunner executes one plan step.
type StepRunner interface {
	RunStep(ctx context.Context, step core.PlanStep, in core.StepInput) (core.HistoryEntry, error)
}

// SubmitRequest is a new report request.
type SubmitRequest struct {
	Prompt string
	Model  string
	UserID string
}

// ExecutionError is returned when a task ends in failure. Step is the 1-based
// failing step, zero when planning failed.
type ExecutionError struct {
	Step int
	Err  error
}

func (e *ExecutionError) Error() string {
	if e.Step == 0 {
		return fmt.Sprintf("planning failed: %v", e.Err)
	}
	return fmt.Sprintf("step %d failed: %v", e.Step, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// Orchestrator owns the task lifecycle. Queued tasks run through Process,
// called by a single consumer; Stream runs a task inline for the caller.
type Orchestrator struct {
	repo       Repository
	queue      Queue
	planner    Planner
	executor   StepRunner
	logger     *log.Logger
	now        func() time.Time
	newID      func() string
	streams    chan struct{}
	prices     map[string]telemetry.Price
	trackCosts bool
}

type Option func(*Orchestrator)

func WithQueue(q Queue) Option {
	return func(o *Orchestrator) { o.queue = q }
}

func WithLogger(l *log.Logger) Option {
	return func(o *Orchestrator) {
		if l != nil {
			o.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}

func WithIDGenerator(fn func() string) Option {
	return func(o *Orchestrator) {
		if fn != nil {
			o.newID = fn
		}
	}
}

// WithMaxStreams bounds the number of concurrent inline executions.
func WithMaxStreams(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.streams = make(chan struct{}, n)
		}
	}
}

// WithCostTracking enables per-task cost summaries priced with prices
// (telemetry.DefaultPrices when nil).
func WithCostTracking(enabled bool, prices map[string]telemetry.Price) Option {
	return func(o *Orchestrator) {
		o.trackCosts = enabled
		o.prices = prices
	}
}

func NewOrchestrator(repo Repository, planner Planner, executor StepRunner, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		repo:       repo,
		planner:    planner,
		executor:   executor,
		logger:     log.New(log.Writer(), "[ORCH] ", log.LstdFlags),
		now:        func() time.Time { return time.Now().UTC() },
		newID:      uuid.NewString,
		streams:    make(chan struct{}, DefaultMaxStreams),
		trackCosts: true,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Submit creates a queued task and enqueues it. Execution is asynchronous.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (Task, error) {
	prompt, err := NormalizePrompt(req.Prompt)
	if err != nil {
		return Task{}, err
	}
	if o.queue == nil {
		return Task{}, fmt.Errorf("submit: no task queue configured")
	}
	now := o.now()
	t := New(o.newID(), prompt, strings.TrimSpace(req.Model), req.UserID, now)
	t.Queue.EnqueuedAt = &now
	if err := o.repo.Create(ctx, t); err != nil {
		return Task{}, fmt.Errorf("create task: %w", err)
	}
	if err := o.queue.Enqueue(ctx, t.ID); err != nil {
		// nothing will ever dequeue it, so the record goes too
		if derr := o.repo.Delete(context.WithoutCancel(ctx), t.ID); derr != nil {
			o.logger.Printf("task %s: rollback after enqueue failure: %v", t.ID, derr)
		}
		return Task{}, fmt.Errorf("enqueue task %s: %w", t.ID, err)
	}
	o.logger.Printf("task %s queued", t.ID)
	return t, nil
}

func (o *Orchestrator) Get(ctx context.Context, id string) (Task, error) {
	t, ok, err := o.repo.Get(ctx, id)
	if err != nil {
		return Task{}, fmt.Errorf("get task %s: %w", id, err)
	}
	if !ok {
		return Task{}, ErrNotFound
	}
	return t, nil
}

func (o *Orchestrator) List(ctx context.Context, opts ListOptions) ([]Task, error) {
	return o.repo.List(ctx, opts)
}

// Resubmit resets a failed task to queued, counting the retry, and enqueues it again.
func (o *Orchestrator) Resubmit(ctx context.Context, id string) (Task, error) {
	t, err := o.Get(ctx, id)
	if err != nil {
		return Task{}, err
	}
	if t.Status != StatusFailed {
		return t, fmt.Errorf("%w: only failed tasks can be resubmitted, task is %s", ErrInvalidTransition, t.Status)
	}
	if o.queue == nil {
		return t, fmt.Errorf("resubmit: no task queue configured")
	}
	prev := t.Clone()
	if err := t.Transition(StatusQueued, o.now()); err != nil {
		return t, err
	}
	if err := o.repo.Save(ctx, t); err != nil {
		return t, fmt.Errorf("save task %s: %w", id, err)
	}
	if err := o.queue.Enqueue(ctx, t.ID); err != nil {
		// put the failed record back so the task can be resubmitted later
		prev.AddEvent(Event{Time: o.now(), Type: EventError, Message: "Resubmission could not be queued"})
		if serr := o.repo.Save(context.WithoutCancel(ctx), prev); serr != nil {
			o.logger.Printf("task %s: restore after enqueue failure: %v", id, serr)
		}
		return prev, fmt.Errorf("enqueue task %s: %w", t.ID, err)
	}
	o.logger.Printf("task %s resubmitted (retry %d)", t.ID, t.Queue.RetryCount)
	return t, nil
}

// Process executes a queued task to completion, persisting after every
// transition. Task failures are recorded on the task, not returned; the error
// result is reserved for storage problems.
func (o *Orchestrator) Process(ctx context.Context, id string) error {
	t, err := o.Get(ctx, id)
	if err != nil {
		return err
	}
	if t.Status != StatusQueued {
		o.logger.Printf("task %s is %s, skipping", id, t.Status)
		return nil
	}
	persist := func(ctx context.Context, t *Task, ev Event) error {
		if err := o.repo.Save(ctx, *t); err != nil {
			o.logger.Printf("task %s: save after %s event failed: %v", t.ID, ev.Type, err)
		}
		return nil
	}
	if err := o.execute(ctx, &t, modeQueued, persist); err != nil {
		o.logger.Printf("task %s failed: %v", id, err)
	}
	if err := o.repo.Save(ctx, t); err != nil {
		return fmt.Errorf("save task %s: %w", id, err)
	}
	return nil
}

// Stream runs a task inline, handing each event to emit before moving on.
// It fails with ErrTooManyStreams when every slot is taken. An error from emit
// stops the run. The returned error is the execution failure, if any, after its
// error event was emitted.
func (o *Orchestrator) Stream(ctx context.Context, req SubmitRequest, emit func(Event) error) error {
	prompt, err := NormalizePrompt(req.Prompt)
	if err != nil {
		return err
	}
	select {
	case o.streams <- struct{}{}:
		defer func() { <-o.streams }()
	default:
		return ErrTooManyStreams
	}
	t := New(o.newID(), prompt, strings.TrimSpace(req.Model), req.UserID, o.now())
	return o.execute(ctx, &t, modeInline, func(ctx context.Context, t *Task, ev Event) error {
		return emit(ev)
	})
}

type recordFunc func(ctx context.Context, t *Task, ev Event) error

func (o *Orchestrator) record(ctx context.Context, t *Task, rec recordFunc, ev Event) error {
	ev.Time = o.now()
	t.AddEvent(ev)
	return rec(ctx, t, ev)
}

// execute is the plan, run, record loop shared by both delivery modes.
func (o *Orchestrator) execute(ctx context.Context, t *Task, mode string, rec recordFunc) error {
	ctx, span := tracer.Start(ctx, "orchestrator.Execute", trace.WithAttributes(
		attribute.String("task_id", t.ID),
		attribute.String("mode", mode),
	))
	defer span.End()
	metricsOnce.Do(initMetrics)

	var costs *telemetry.CostTracker
	if o.trackCosts {
		costs = telemetry.NewCostTracker(o.prices)
	}

	if err := t.Transition(StatusRunning, o.now()); err != nil {
		return err
	}
	o.logger.Printf("task %s running (%s)", t.ID, mode)
	if err := o.record(ctx, t, rec, Event{Type: EventStart, Message: "Task started", Data: map[string]any{"prompt": t.Prompt}}); err != nil {
		return err
	}

	plan, err := o.planner.Plan(ctx, t.Prompt, t.Model, costs)
	if err != nil {
		return o.fail(ctx, t, rec, span, mode, 0, err, costs)
	}
	now := o.now()
	t.Steps = make([]string, len(plan))
	t.Progress.Steps = make([]StepState, len(plan))
	for i, s := range plan {
		t.Steps[i] = s.Description
		t.Progress.Steps[i] = StepState{Description: s.Description, Role: string(s.Role), Status: StepPending, UpdatedAt: now}
	}
	t.Progress.TotalSteps = len(plan)
	t.Progress.Cost = summaryOf(costs)
	if err := o.record(ctx, t, rec, Event{
		Type:    EventPlan,
		Total:   len(plan),
		Message: fmt.Sprintf("Plan ready with %d steps", len(plan)),
		Data:    map[string]any{"steps": append([]string(nil), t.Steps...)},
	}); err != nil {
		return err
	}

	total := len(plan)
	var history []core.HistoryEntry
	for i, step := range plan {
		n := i + 1
		t.Progress.CurrentStep = n
		o.setStep(t, i, StepRunning, "")
		if err := o.record(ctx, t, rec, Event{Type: EventProgress, Step: n, Total: total, Message: step.Description}); err != nil {
			return err
		}

		entry, err := o.executor.RunStep(ctx, step, core.StepInput{
			Topic:   t.Prompt,
			History: history,
			Model:   t.Model,
			Costs:   costs,
		})
		if err != nil {
			o.setStep(t, i, StepError, "")
			return o.fail(ctx, t, rec, span, mode, n, err, costs)
		}
		history = append(history, entry)
		o.setStep(t, i, StepDone, entry.Model)
		t.Progress.Steps[i].Role = string(entry.Role)
		t.Progress.CompletedSteps = n
		t.Progress.Cost = summaryOf(costs)
		if err := o.record(ctx, t, rec, Event{
			Type:    EventProgress,
			Step:    n,
			Total:   total,
			Message: fmt.Sprintf("Completed step %d/%d with %s", n, total, entry.Role.AgentName()),
			Data:    map[string]any{"role": string(entry.Role), "model": entry.Model},
		}); err != nil {
			return err
		}
	}

	t.Report = BuildReport(history)
	t.Progress.Cost = summaryOf(costs)
	if err := t.Transition(StatusCompleted, o.now()); err != nil {
		return err
	}
	if completedCounter != nil {
		completedCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("mode", mode)))
	}
	o.logger.Printf("task %s completed with %d steps", t.ID, total)
	return o.record(ctx, t, rec, Event{Type: EventDone, Message: "Report ready", Data: map[string]any{"report": t.Report}})
}

func (o *Orchestrator) setStep(t *Task, i int, status StepStatus, model string) {
	if i < 0 || i >= len(t.Progress.Steps) {
		return
	}
	t.Progress.Steps[i].Status = status
	t.Progress.Steps[i].UpdatedAt = o.now()
	if model != "" {
		t.Progress.Steps[i].Model = model
	}
}

func (o *Orchestrator) fail(ctx context.Context, t *Task, rec recordFunc, span trace.Span, mode string, step int, cause error, costs *telemetry.CostTracker) error {
	execErr := &ExecutionError{Step: step, Err: cause}
	span.RecordError(cause)
	span.SetStatus(codes.Error, "task failed")
	o.logger.Printf("task %s: %v", t.ID, execErr)

	msg := PublicMessage(cause)
	if step > 0 {
		msg = fmt.Sprintf("Step %d failed: %s", step, msg)
	} else {
		msg = "Planning failed: " + msg
	}
	t.Progress.Cost = summaryOf(costs)
	if err := t.Transition(StatusFailed, o.now()); err != nil {
		o.logger.Printf("task %s: %v", t.ID, err)
	}
	if failedCounter != nil {
		failedCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("mode", mode)))
	}
	if err := o.record(ctx, t, rec, Event{Type: EventError, Step: step, Total: t.Progress.TotalSteps, Message: msg}); err != nil {
		o.logger.Printf("task %s: error event not delivered: %v", t.ID, err)
	}
	return execErr
}

// PublicMessage maps an execution error to a message safe to show callers.
func PublicMessage(err error) string {
	var ie *resilience.InvokeError
	switch {
	case errors.Is(err, core.ErrUnknownStep):
		return "the plan contained an unrecognized step"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "the task was interrupted before it finished"
	case errors.Is(err, core.ErrModelFailure), errors.As(err, &ie):
		return "the model backend failed after retries"
	default:
		return "the task failed due to an internal error"
	}
}

// BuildReport returns the final step's output followed by a "Sources
// consulted" list of research URLs the output does not already cite.
func BuildReport(history []core.HistoryEntry) string {
	if len(history) == 0 {
		return ""
	}
	final := strings.TrimSpace(history[len(history)-1].Output)
	seen := make(map[string]struct{})
	var missing []string
	for _, h := range history {
		if h.Role != core.RoleResearch {
			continue
		}
		for _, u := range h.Sources {
			if _, ok := seen[u]; ok || u == "" {
				continue
			}
			seen[u] = struct{}{}
			if !strings.Contains(final, u) {
				missing = append(missing, u)
			}
		}
	}
	if len(missing) == 0 {
		return final
	}
	var b strings.Builder
	b.WriteString(final)
	b.WriteString("\n\n## Sources consulted\n")
	for _, u := range missing {
		fmt.Fprintf(&b, "\n- <%s>", u)
	}
	return b.String()
}

func summaryOf(c *telemetry.CostTracker) *telemetry.Summary {
	if c == nil {
		return nil
	}
	s := c.Summary()
	return &s
}
