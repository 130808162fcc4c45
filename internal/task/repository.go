package task

import (
	"context"
	"sort"
	"sync"
	"time"
)

// ListOptions filters List results.
type ListOptions struct {
	UserID   string
	Statuses []Status
	Limit    int
}

// Repository persists task records. Get returns ok=false for unknown ids.
type Repository interface {
	Create(ctx context.Context, t Task) error
	Get(ctx context.Context, id string) (Task, bool, error)
	Save(ctx context.Context, t Task) error
	List(ctx context.Context, opts ListOptions) ([]Task, error)
	Delete(ctx context.Context, id string) error
}

// Pruner deletes finished tasks; it backs the retention sweep.
type Pruner interface {
	PruneFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// MemoryRepository keeps tasks in process memory.
type MemoryRepository struct {
	mu    sync.RWMutex
	tasks map[string]Task
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{tasks: make(map[string]Task)}
}

func (r *MemoryRepository) Create(ctx context.Context, t Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasks[t.ID] = t.Clone()
	return nil
}

func (r *MemoryRepository) Get(ctx context.Context, id string) (Task, bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return Task{}, false, nil
	}
	return t.Clone(), true, nil
}

func (r *MemoryRepository) Save(ctx context.Context, t Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.tasks[t.ID]; !ok {
		return ErrNotFound
	}
	r.tasks[t.ID] = t.Clone()
	return nil
}

func (r *MemoryRepository) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tasks, id)
	return nil
}

// List returns matching tasks, newest first.
func (r *MemoryRepository) List(ctx context.Context, opts ListOptions) ([]Task, error) {
	r.mu.RLock()
	out := make([]Task, 0, len(r.tasks))
	for _, t := range r.tasks {
		if opts.UserID != "" && t.UserID != opts.UserID {
			continue
		}
		if len(opts.Statuses) > 0 && !containsStatus(opts.Statuses, t.Status) {
			continue
		}
		out = append(out, t.Clone())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if opts.Limit > 0 && len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (r *MemoryRepository) PruneFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, t := range r.tasks {
		if t.Status.Finished() && t.UpdatedAt.Before(cutoff) {
			delete(r.tasks, id)
			n++
		}
	}
	return n, nil
}

func containsStatus(list []Status, s Status) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}
