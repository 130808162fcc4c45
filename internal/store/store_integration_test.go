package store_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/testcontainers/testcontainers-go"
	tcPostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/ameureka/ai-deepresearch-agent/internal/store"
	"github.com/ameureka/ai-deepresearch-agent/internal/task"
)

func TestStoreRoundTripAgainstPostgres(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	ctx := context.Background()

	pgC, err := tcPostgres.RunContainer(ctx,
		tcPostgres.WithDatabase("deepresearch"),
		tcPostgres.WithUsername("deepresearch"),
		tcPostgres.WithPassword("deepresearch"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	if err != nil {
		t.Fatalf("postgres container: %v", err)
	}
	defer func() { _ = pgC.Terminate(ctx) }()

	host, err := pgC.Host(ctx)
	if err != nil {
		t.Fatalf("postgres host: %v", err)
	}
	port, err := pgC.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("postgres port: %v", err)
	}
	dsn := fmt.Sprintf("postgres://deepresearch:deepresearch@%s:%s/deepresearch?sslmode=disable", host, port.Port())

	// the listening port opens before postgres accepts connections
	var m *migrate.Migrate
	for i := 0; i < 20; i++ {
		if m, err = migrate.New("file://../../migrations", dsn); err == nil {
			break
		}
		time.Sleep(250 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		t.Fatalf("migrate up: %v", err)
	}

	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		t.Fatalf("store init: %v", err)
	}
	defer st.Close()

	now := time.Now().UTC().Truncate(time.Millisecond)
	tk := task.New("it-1", "Quantum computing survey", "", "user-9", now)
	if err := st.Create(ctx, tk); err != nil {
		t.Fatalf("Create: %v", err)
	}

	tk.Steps = []string{"Research agent: collect papers", "Writer agent: draft"}
	if err := tk.Transition(task.StatusRunning, now.Add(time.Second)); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	tk.AddEvent(task.Event{Time: now, Type: task.EventStart, Data: map[string]any{"prompt": tk.Prompt}})
	if err := tk.Transition(task.StatusCompleted, now.Add(2*time.Second)); err != nil {
		t.Fatalf("Transition: %v", err)
	}
	tk.Report = "# Report"
	if err := st.Save(ctx, tk); err != nil {
		t.Fatalf("Save: %v", err)
	}

	got, ok, err := st.Get(ctx, "it-1")
	if err != nil || !ok {
		t.Fatalf("Get: ok=%v err=%v", ok, err)
	}
	if got.Status != task.StatusCompleted || got.Report != "# Report" || len(got.Steps) != 2 {
		t.Fatalf("unexpected task %+v", got)
	}
	if got.CompletedAt == nil || len(got.Progress.Events) != 1 {
		t.Fatalf("completion state lost: %+v", got)
	}

	list, err := st.List(ctx, task.ListOptions{UserID: "user-9", Statuses: []task.Status{task.StatusCompleted}})
	if err != nil || len(list) != 1 {
		t.Fatalf("List: %d %v", len(list), err)
	}

	n, err := st.PruneFinishedBefore(ctx, now.Add(time.Hour))
	if err != nil || n != 1 {
		t.Fatalf("prune: %d %v", n, err)
	}
	if _, ok, _ := st.Get(ctx, "it-1"); ok {
		t.Fatal("pruned task still present")
	}
}
