package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ameureka/ai-deepresearch-agent/internal/task"
)

const defaultHeartbeat = 15 * time.Second

// sseWriter frames events on a text/event-stream response. Headers are sent
// with the first write so that errors before it can still be plain JSON.
type sseWriter struct {
	mu      sync.Mutex
	w       *echo.Response
	started bool
}

func (s *sseWriter) begin() {
	if s.started {
		return
	}
	h := s.w.Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache, no-transform")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.started = true
}

// Event validates ev and writes it as "event: <type>\ndata: <json>\n\n".
func (s *sseWriter) Event(ev task.Event) error {
	if err := ev.Validate(); err != nil {
		return fmt.Errorf("refusing to send event: %w", err)
	}
	data, err := json.Marshal(ev.Payload())
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.begin()
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	s.w.Flush()
	return nil
}

// Heartbeat writes a comment line once the stream is open.
func (s *sseWriter) Heartbeat() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	if _, err := fmt.Fprint(s.w, ": heartbeat\n\n"); err != nil {
		return err
	}
	s.w.Flush()
	return nil
}

func (s *sseWriter) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Stream
//
//	@Summary		Run a research report inline
//	@Description	Streams start, plan, progress, done and error events as server-sent events
//	@Tags			research
//	@Accept			json
//	@Produce		text/event-stream
//	@Param			payload	body	ResearchRequest	true	"Report request"
//	@Failure		400		{object}	HTTPError
//	@Failure		429		{object}	HTTPError
//	@Router			/api/research/stream [post]
func (h *TasksHandler) stream(c echo.Context) error {
	req, err := h.bindResearch(c)
	if err != nil {
		return err
	}
	ctx := c.Request().Context()
	sw := &sseWriter{w: c.Response()}

	interval := h.Heartbeat
	if interval <= 0 {
		interval = defaultHeartbeat
	}
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = sw.Heartbeat()
			}
		}
	}()

	err = h.Tasks.Stream(ctx, task.SubmitRequest{Prompt: req.Prompt, Model: req.Model, UserID: userID(c)}, sw.Event)
	close(done)
	wg.Wait()

	if err == nil {
		return nil
	}
	if !sw.Started() {
		switch {
		case errors.Is(err, task.ErrTooManyStreams):
			return echo.NewHTTPError(http.StatusTooManyRequests, "too many concurrent streams, retry later")
		case errors.Is(err, task.ErrInvalidPrompt):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "stream failed")
	}
	// the error event already went out; the stream just ends
	var execErr *task.ExecutionError
	if !errors.As(err, &execErr) {
		c.Logger().Errorf("stream aborted: %v", err)
	}
	return nil
}
