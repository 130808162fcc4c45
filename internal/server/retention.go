package server

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorhill/cronexpr"

	"github.com/ameureka/ai-deepresearch-agent/config"
	"github.com/ameureka/ai-deepresearch-agent/internal/task"
)

// Sweeper prunes finished tasks on a cron schedule.
type Sweeper struct {
	Pruner   task.Pruner
	Schedule string
	MaxAge   time.Duration
	Interval time.Duration

	logger *log.Logger
	now    func() time.Time
	last   *time.Time
	stop   chan struct{}
	wg     sync.WaitGroup
}

// NewSweeper validates the schedule up front.
func NewSweeper(p task.Pruner, cfg config.RetentionConfig) (*Sweeper, error) {
	if p == nil {
		return nil, fmt.Errorf("retention: pruner is nil")
	}
	if _, err := cronexpr.Parse(cfg.Schedule); err != nil {
		return nil, fmt.Errorf("retention schedule %q: %w", cfg.Schedule, err)
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		Pruner:   p,
		Schedule: cfg.Schedule,
		MaxAge:   cfg.MaxAge,
		Interval: interval,
		logger:   log.New(log.Writer(), "[RETENTION] ", log.LstdFlags),
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

func (s *Sweeper) Start() {
	s.stop = make(chan struct{})
	ticker := time.NewTicker(s.Interval)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-s.stop:
				return
			case <-ticker.C:
				if _, err := s.Tick(context.Background()); err != nil {
					s.logger.Printf("sweep failed: %v", err)
				}
			}
		}
	}()
}

func (s *Sweeper) Stop() {
	if s.stop == nil {
		return
	}
	close(s.stop)
	s.wg.Wait()
	s.stop = nil
}

// Tick runs a sweep when one is due and returns the number of pruned tasks.
func (s *Sweeper) Tick(ctx context.Context) (int64, error) {
	now := s.now()
	if s.last == nil {
		// the first tick only anchors the schedule
		s.last = &now
		return 0, nil
	}
	if !isDue(s.Schedule, s.last, now) {
		return 0, nil
	}
	n, err := s.Pruner.PruneFinishedBefore(ctx, now.Add(-s.MaxAge))
	if err != nil {
		return 0, err
	}
	s.last = &now
	s.logger.Printf("pruned %d finished tasks older than %s", n, s.MaxAge)
	return n, nil
}

// isDue reports whether cronSpec fires between last and now.
// Supports "@daily", "@hourly", and standard 5-field cron expressions.
func isDue(cronSpec string, last *time.Time, now time.Time) bool {
	if last == nil {
		return true
	}
	switch cronSpec {
	case "@daily":
		return now.Sub(*last) >= 24*time.Hour
	case "@hourly":
		return now.Sub(*last) >= time.Hour
	}
	expr, err := cronexpr.Parse(cronSpec)
	if err != nil {
		return now.Sub(*last) >= 24*time.Hour
	}
	next := expr.Next(*last)
	return !next.IsZero() && !next.After(now)
}
