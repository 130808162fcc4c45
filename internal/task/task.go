package task

import (
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ameureka/ai-deepresearch-agent/internal/agent/telemetry"
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Finished reports whether s is terminal.
func (s Status) Finished() bool { return s == StatusCompleted || s == StatusFailed }

// StepStatus mirrors the state of one plan step.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepDone    StepStatus = "done"
	StepError   StepStatus = "error"
)

// EventType names a lifecycle event.
type EventType string

const (
	EventStart    EventType = "start"
	EventPlan     EventType = "plan"
	EventProgress EventType = "progress"
	EventDone     EventType = "done"
	EventError    EventType = "error"
)

const (
	MinPromptLength = 10
	MaxPromptLength = 5000
)

var (
	ErrNotFound          = errors.New("task not found")
	ErrInvalidTransition = errors.New("invalid task status transition")
	ErrQueueClosed       = errors.New("task queue closed")
	ErrTooManyStreams    = errors.New("too many concurrent streams")
	ErrInvalidPrompt     = errors.New("invalid prompt")
)

// Event is one entry of the append-only progress log. Step is 1-based and
// zero when the event is not tied to a step.
type Event struct {
	Time    time.Time      `json:"time"`
	Type    EventType      `json:"type"`
	Step    int            `json:"step,omitempty"`
	Total   int            `json:"total,omitempty"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// Payload is the body sent for the event on a push stream.
func (e Event) Payload() map[string]any {
	out := map[string]any{}
	switch e.Type {
	case EventStart:
		out["prompt"] = e.Data["prompt"]
	case EventPlan:
		out["steps"] = e.Data["steps"]
	case EventProgress:
		out["step"] = e.Step
		out["total"] = e.Total
		out["message"] = e.Message
	case EventDone:
		out["report"] = e.Data["report"]
	case EventError:
		out["message"] = e.Message
		if e.Step > 0 {
			out["step"] = e.Step
		}
	}
	return out
}

var requiredFields = map[EventType][]string{
	EventStart:    {"prompt"},
	EventPlan:     {"steps"},
	EventProgress: {"step", "total", "message"},
	EventDone:     {"report"},
	EventError:    {"message"},
}

// Validate checks that the event type is known and its payload carries the
// fields a stream consumer relies on.
func (e Event) Validate() error {
	fields, ok := requiredFields[e.Type]
	if !ok {
		return fmt.Errorf("unknown event type %q", e.Type)
	}
	p := e.Payload()
	for _, f := range fields {
		if v, ok := p[f]; !ok || v == nil {
			return fmt.Errorf("event %s is missing %q", e.Type, f)
		}
	}
	return nil
}

// StepState is the per-step view kept in the progress record.
type StepState struct {
	Description string     `json:"description"`
	Role        string     `json:"role,omitempty"`
	Status      StepStatus `json:"status"`
	Model       string     `json:"model,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Progress is the pollable execution state of a task.
type Progress struct {
	CurrentStep    int                `json:"current_step"`
	TotalSteps     int                `json:"total_steps"`
	CompletedSteps int                `json:"completed_steps"`
	Steps          []StepState        `json:"steps,omitempty"`
	Events         []Event            `json:"events"`
	Cost           *telemetry.Summary `json:"cost,omitempty"`
}

// QueueInfo is the queue metadata of a task.
type QueueInfo struct {
	EnqueuedAt *time.Time `json:"enqueued_at,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	RetryCount int        `json:"retry_count"`
}

// Task is a report request and everything recorded while executing it.
type Task struct {
	ID          string     `json:"task_id"`
	UserID      string     `json:"user_id,omitempty"`
	Prompt      string     `json:"prompt"`
	Model       string     `json:"model,omitempty"`
	Status      Status     `json:"status"`
	Steps       []string   `json:"steps"`
	Progress    Progress   `json:"progress"`
	Report      string     `json:"report,omitempty"`
	Queue       QueueInfo  `json:"queue"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	FailedAt    *time.Time `json:"failed_at,omitempty"`
}

// New returns a queued task.
func New(id, prompt, model, userID string, now time.Time) Task {
	return Task{
		ID:        id,
		UserID:    userID,
		Prompt:    prompt,
		Model:     model,
		Status:    StatusQueued,
		Progress:  Progress{Events: []Event{}},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

var transitions = map[Status][]Status{
	StatusQueued:  {StatusRunning},
	StatusRunning: {StatusCompleted, StatusFailed},
	StatusFailed:  {StatusQueued},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Transition moves the task to status to and stamps the matching timestamps.
func (t *Task) Transition(to Status, now time.Time) error {
	if !CanTransition(t.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, t.Status, to)
	}
	t.Status = to
	t.UpdatedAt = now
	switch to {
	case StatusQueued:
		t.Queue.RetryCount++
		t.Queue.EnqueuedAt = &now
		t.Queue.StartedAt = nil
		t.Queue.FinishedAt = nil
		t.StartedAt = nil
		t.FailedAt = nil
		t.Report = ""
		t.Steps = nil
		t.Progress = Progress{Events: []Event{}}
	case StatusRunning:
		t.StartedAt = &now
		t.Queue.StartedAt = &now
	case StatusCompleted:
		t.CompletedAt = &now
		t.Queue.FinishedAt = &now
	case StatusFailed:
		t.FailedAt = &now
		t.Queue.FinishedAt = &now
	}
	return nil
}

// AddEvent appends ev to the progress log.
func (t *Task) AddEvent(ev Event) {
	t.Progress.Events = append(t.Progress.Events, ev)
	t.UpdatedAt = ev.Time
}

// Clone returns a deep copy so stored tasks are never shared.
func (t Task) Clone() Task {
	c := t
	c.Steps = append([]string(nil), t.Steps...)
	c.Progress.Steps = append([]StepState(nil), t.Progress.Steps...)
	c.Progress.Events = append([]Event{}, t.Progress.Events...)
	if t.Progress.Cost != nil {
		cost := *t.Progress.Cost
		c.Progress.Cost = &cost
	}
	return c
}

// NormalizePrompt trims p and checks its length bounds.
func NormalizePrompt(p string) (string, error) {
	p = strings.TrimSpace(p)
	n := utf8.RuneCountInString(p)
	if n == 0 {
		return "", fmt.Errorf("%w: prompt is empty", ErrInvalidPrompt)
	}
	if n < MinPromptLength {
		return "", fmt.Errorf("%w: prompt must be at least %d characters", ErrInvalidPrompt, MinPromptLength)
	}
	if n > MaxPromptLength {
		return "", fmt.Errorf("%w: prompt must be at most %d characters", ErrInvalidPrompt, MaxPromptLength)
	}
	return p, nil
}
