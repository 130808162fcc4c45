package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ameureka/ai-deepresearch-agent/internal/task"
	"github.com/lib/pq"
)

// Store persists research tasks in Postgres.
type Store struct {
	DB *sql.DB
}

var (
	_ task.Repository = (*Store)(nil)
	_ task.Pruner     = (*Store)(nil)
)

func New(ctx context.Context) (*Store, error) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		host := getenvDefault("POSTGRES_HOST", "localhost")
		port := getenvDefault("POSTGRES_PORT", "5432")
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		db := os.Getenv("POSTGRES_DB")
		ssl := getenvDefault("POSTGRES_SSLMODE", "disable")
		dsn = fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=%s", user, pass, host, port, db, ssl)
	}
	return NewWithDSN(ctx, dsn)
}

// NewWithDSN constructs the Store using an explicit Postgres DSN
func NewWithDSN(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{DB: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

func getenvDefault(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

const taskColumns = `id, user_id, prompt, model, status, steps, progress, report, queue, created_at, updated_at, started_at, completed_at, failed_at`

// Create inserts a new task row.
func (s *Store) Create(ctx context.Context, t task.Task) error {
	if strings.TrimSpace(t.ID) == "" {
		return fmt.Errorf("task id required")
	}
	steps, progress, queue, err := encodeTask(t)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx, `
INSERT INTO research_tasks (`+taskColumns+`)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
`, t.ID, nullableString(t.UserID), t.Prompt, nullableString(t.Model), string(t.Status),
		steps, progress, nullableString(t.Report), queue,
		t.CreatedAt, t.UpdatedAt, nullableTime(t.StartedAt), nullableTime(t.CompletedAt), nullableTime(t.FailedAt))
	if err != nil {
		return fmt.Errorf("insert task %s: %w", t.ID, err)
	}
	return nil
}

// Get fetches a task by id. ok is false when the row does not exist.
func (s *Store) Get(ctx context.Context, id string) (task.Task, bool, error) {
	if strings.TrimSpace(id) == "" {
		return task.Task{}, false, nil
	}
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM research_tasks WHERE id=$1`, id)
	t, err := scanTask(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return task.Task{}, false, nil
		}
		return task.Task{}, false, err
	}
	return t, true, nil
}

// Save overwrites the mutable columns of an existing task.
func (s *Store) Save(ctx context.Context, t task.Task) error {
	steps, progress, queue, err := encodeTask(t)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `
UPDATE research_tasks
SET status=$2, steps=$3, progress=$4, report=$5, queue=$6, updated_at=$7,
    started_at=$8, completed_at=$9, failed_at=$10
WHERE id=$1
`, t.ID, string(t.Status), steps, progress, nullableString(t.Report), queue, t.UpdatedAt,
		nullableTime(t.StartedAt), nullableTime(t.CompletedAt), nullableTime(t.FailedAt))
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return task.ErrNotFound
	}
	return nil
}

// List returns tasks newest first, optionally filtered by owner and status.
func (s *Store) List(ctx context.Context, opts task.ListOptions) ([]task.Task, error) {
	var (
		where []string
		args  []any
	)
	if opts.UserID != "" {
		args = append(args, opts.UserID)
		where = append(where, fmt.Sprintf("user_id=$%d", len(args)))
	}
	if len(opts.Statuses) > 0 {
		statuses := make([]string, len(opts.Statuses))
		for i, st := range opts.Statuses {
			statuses[i] = string(st)
		}
		args = append(args, pq.Array(statuses))
		where = append(where, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	q := `SELECT ` + taskColumns + ` FROM research_tasks`
	if len(where) > 0 {
		q += ` WHERE ` + strings.Join(where, " AND ")
	}
	q += ` ORDER BY created_at DESC`
	if opts.Limit > 0 {
		args = append(args, opts.Limit)
		q += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	rows, err := s.DB.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []task.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Delete removes a task row. A missing row is not an error.
func (s *Store) Delete(ctx context.Context, id string) error {
	if _, err := s.DB.ExecContext(ctx, `DELETE FROM research_tasks WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

// PruneFinishedBefore deletes completed and failed tasks last updated before cutoff.
func (s *Store) PruneFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, fmt.Errorf("cutoff must be provided")
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM research_tasks WHERE status = ANY($1) AND updated_at < $2`,
		pq.Array([]string{string(task.StatusCompleted), string(task.StatusFailed)}), cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (task.Task, error) {
	var (
		t                              task.Task
		status                         string
		userID, model, report          sql.NullString
		stepsB, progressB, queueB      []byte
		startedAt, completedAt, failed sql.NullTime
	)
	if err := row.Scan(&t.ID, &userID, &t.Prompt, &model, &status, &stepsB, &progressB, &report, &queueB,
		&t.CreatedAt, &t.UpdatedAt, &startedAt, &completedAt, &failed); err != nil {
		return task.Task{}, err
	}
	t.Status = task.Status(status)
	t.UserID = userID.String
	t.Model = model.String
	t.Report = report.String
	if len(stepsB) > 0 {
		if err := json.Unmarshal(stepsB, &t.Steps); err != nil {
			return task.Task{}, fmt.Errorf("decode steps for %s: %w", t.ID, err)
		}
	}
	if len(progressB) > 0 {
		if err := json.Unmarshal(progressB, &t.Progress); err != nil {
			return task.Task{}, fmt.Errorf("decode progress for %s: %w", t.ID, err)
		}
	}
	if len(queueB) > 0 {
		if err := json.Unmarshal(queueB, &t.Queue); err != nil {
			return task.Task{}, fmt.Errorf("decode queue info for %s: %w", t.ID, err)
		}
	}
	t.StartedAt = timePtr(startedAt)
	t.CompletedAt = timePtr(completedAt)
	t.FailedAt = timePtr(failed)
	return t, nil
}

func encodeTask(t task.Task) (steps, progress, queue []byte, err error) {
	if t.Steps == nil {
		t.Steps = []string{}
	}
	if t.Progress.Events == nil {
		t.Progress.Events = []task.Event{}
	}
	if steps, err = json.Marshal(t.Steps); err != nil {
		return nil, nil, nil, fmt.Errorf("encode steps: %w", err)
	}
	if progress, err = json.Marshal(t.Progress); err != nil {
		return nil, nil, nil, fmt.Errorf("encode progress: %w", err)
	}
	if queue, err = json.Marshal(t.Queue); err != nil {
		return nil, nil, nil, fmt.Errorf("encode queue info: %w", err)
	}
	return steps, progress, queue, nil
}

func nullableString(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) any {
	if t == nil || t.IsZero() {
		return nil
	}
	return *t
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
