package task

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestTransitions(t *testing.T) {
	allowed := map[[2]Status]bool{
		{StatusQueued, StatusRunning}:    true,
		{StatusRunning, StatusCompleted}: true,
		{StatusRunning, StatusFailed}:    true,
		{StatusFailed, StatusQueued}:     true,
	}
	all := []Status{StatusQueued, StatusRunning, StatusCompleted, StatusFailed}
	for _, from := range all {
		for _, to := range all {
			if got := CanTransition(from, to); got != allowed[[2]Status{from, to}] {
				t.Fatalf("CanTransition(%s, %s) = %v", from, to, got)
			}
		}
	}

	now := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	tk := New("t1", "prompt text here", "", "", now)
	if err := tk.Transition(StatusCompleted, now); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("queued tasks cannot skip running: %v", err)
	}
	if err := tk.Transition(StatusRunning, now.Add(time.Second)); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	if tk.StartedAt == nil || tk.Queue.StartedAt == nil || !tk.UpdatedAt.Equal(now.Add(time.Second)) {
		t.Fatalf("running timestamps missing: %+v", tk)
	}
	_ = tk.Transition(StatusFailed, now.Add(2*time.Second))
	if tk.FailedAt == nil || tk.Queue.FinishedAt == nil {
		t.Fatalf("failure timestamps missing: %+v", tk)
	}
	tk.AddEvent(Event{Time: now, Type: EventError, Message: "x"})
	if err := tk.Transition(StatusQueued, now.Add(3*time.Second)); err != nil {
		t.Fatalf("resubmit transition: %v", err)
	}
	if tk.Queue.RetryCount != 1 || tk.FailedAt != nil || tk.StartedAt != nil || len(tk.Progress.Events) != 0 {
		t.Fatalf("resubmission must reset the run: %+v", tk)
	}
}

func TestEventValidate(t *testing.T) {
	ok := []Event{
		{Type: EventStart, Data: map[string]any{"prompt": "p"}},
		{Type: EventPlan, Data: map[string]any{"steps": []string{"a"}}},
		{Type: EventProgress, Step: 1, Total: 3, Message: "m"},
		{Type: EventDone, Data: map[string]any{"report": "r"}},
		{Type: EventError, Message: "boom"},
	}
	for _, ev := range ok {
		if err := ev.Validate(); err != nil {
			t.Fatalf("%s: %v", ev.Type, err)
		}
	}
	bad := []Event{
		{Type: "heartbeat"},
		{Type: EventStart},
		{Type: EventDone, Data: map[string]any{}},
	}
	for _, ev := range bad {
		if err := ev.Validate(); err == nil {
			t.Fatalf("expected %+v to be rejected", ev)
		}
	}
	p := Event{Type: EventError, Step: 2, Message: "m"}.Payload()
	if p["step"] != 2 || p["message"] != "m" {
		t.Fatalf("unexpected payload %v", p)
	}
}

func TestNormalizePrompt(t *testing.T) {
	if p, err := NormalizePrompt("  a valid topic  "); err != nil || p != "a valid topic" {
		t.Fatalf("unexpected %q %v", p, err)
	}
	// ten CJK characters pass the rune-based bound
	if _, err := NormalizePrompt("人工智能在医疗中的应用"); err != nil {
		t.Fatalf("CJK prompt rejected: %v", err)
	}
	if _, err := NormalizePrompt("\n\t "); !errors.Is(err, ErrInvalidPrompt) {
		t.Fatalf("whitespace-only prompt accepted")
	}
}

func TestMemoryRepository(t *testing.T) {
	ctx := context.Background()
	r := NewMemoryRepository()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		tk := New(id, "prompt text", "", "u1", base.Add(time.Duration(i)*time.Hour))
		if id == "c" {
			tk.UserID = "u2"
		}
		if err := r.Create(ctx, tk); err != nil {
			t.Fatalf("Create: %v", err)
		}
	}
	if _, ok, err := r.Get(ctx, "zzz"); ok || err != nil {
		t.Fatalf("unknown id must be ok=false")
	}
	if err := r.Save(ctx, Task{ID: "zzz"}); !errors.Is(err, ErrNotFound) {
		t.Fatalf("saving unknown task: %v", err)
	}

	got, _, _ := r.Get(ctx, "a")
	got.Steps = append(got.Steps, "mutated")
	again, _, _ := r.Get(ctx, "a")
	if len(again.Steps) != 0 {
		t.Fatalf("stored task shares memory with callers")
	}

	list, _ := r.List(ctx, ListOptions{UserID: "u1"})
	if len(list) != 2 || list[0].ID != "b" {
		t.Fatalf("expected newest first for u1, got %+v", list)
	}
	list, _ = r.List(ctx, ListOptions{Limit: 1})
	if len(list) != 1 || list[0].ID != "c" {
		t.Fatalf("limit not applied: %+v", list)
	}

	a, _, _ := r.Get(ctx, "a")
	_ = a.Transition(StatusRunning, base)
	_ = a.Transition(StatusCompleted, base)
	_ = r.Save(ctx, a)
	list, _ = r.List(ctx, ListOptions{Statuses: []Status{StatusCompleted}})
	if len(list) != 1 || list[0].ID != "a" {
		t.Fatalf("status filter: %+v", list)
	}

	n, err := r.PruneFinishedBefore(ctx, base.Add(time.Minute))
	if err != nil || n != 1 {
		t.Fatalf("expected one pruned task, got %d %v", n, err)
	}
	if _, ok, _ := r.Get(ctx, "a"); ok {
		t.Fatalf("pruned task still present")
	}
	if n, _ := r.PruneFinishedBefore(ctx, base.Add(24*time.Hour)); n != 0 {
		t.Fatalf("queued tasks must never be pruned")
	}
}

func TestMemoryQueue(t *testing.T) {
	ctx := context.Background()
	q := NewMemoryQueue(4)
	for _, id := range []string{"1", "2"} {
		if err := q.Enqueue(ctx, id); err != nil {
			t.Fatalf("Enqueue: %v", err)
		}
	}
	if err := q.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := q.Enqueue(ctx, "3"); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("enqueue after close: %v", err)
	}
	for _, want := range []string{"1", "2"} {
		job, err := q.Next(ctx)
		if err != nil || job.TaskID != want {
			t.Fatalf("expected %s, got %+v %v", want, job, err)
		}
		if err := job.Ack(ctx); err != nil {
			t.Fatalf("memory jobs ack trivially: %v", err)
		}
	}
	if _, err := q.Next(ctx); !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("expected sentinel, got %v", err)
	}
	if err := q.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}

	cctx, cancel := context.WithCancel(ctx)
	cancel()
	if _, err := NewMemoryQueue(1).Next(cctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("Next must honour the context: %v", err)
	}
}

func TestJobAck(t *testing.T) {
	acked := false
	j := NewJob("x", func(context.Context) error { acked = true; return nil })
	if err := j.Ack(context.Background()); err != nil || !acked {
		t.Fatalf("ack callback not invoked")
	}
}
