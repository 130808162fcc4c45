package server

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ameureka/ai-deepresearch-agent/internal/chunking"
	"github.com/ameureka/ai-deepresearch-agent/internal/model"
	"github.com/ameureka/ai-deepresearch-agent/internal/queue/streams"
	"github.com/ameureka/ai-deepresearch-agent/internal/task"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// TasksHandler serves report submission, progress queries and the inline stream.
type TasksHandler struct {
	Tasks     TaskService
	Registry  *model.Registry
	Chunker   *chunking.Manager
	Queue     task.Queue
	CostPer1K float64
	Heartbeat time.Duration
	// Scoped restricts reads to the authenticated caller's tasks.
	Scoped bool
}

func (h *TasksHandler) Register(g *echo.Group) {
	g.POST("/tasks", h.submit)
	g.GET("/tasks", h.list)
	g.GET("/tasks/:id", h.get)
	g.POST("/tasks/:id/retry", h.retry)
	g.POST("/stream", h.stream)
	g.POST("/estimate", h.estimate)
	g.GET("/queue", h.queueStats)
}

// Submit
//
//	@Summary	Queue a research report
//	@Tags		research
//	@Accept		json
//	@Produce	json
//	@Param		payload	body		ResearchRequest	true	"Report request"
//	@Success	202		{object}	TaskAccepted
//	@Failure	400		{object}	HTTPError
//	@Failure	500		{object}	HTTPError
//	@Router		/api/research/tasks [post]
func (h *TasksHandler) submit(c echo.Context) error {
	req, err := h.bindResearch(c)
	if err != nil {
		return err
	}
	t, err := h.Tasks.Submit(c.Request().Context(), task.SubmitRequest{Prompt: req.Prompt, Model: req.Model, UserID: userID(c)})
	if err != nil {
		if errors.Is(err, task.ErrInvalidPrompt) {
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		}
		if errors.Is(err, task.ErrQueueClosed) {
			return echo.NewHTTPError(http.StatusServiceUnavailable, "task queue is shutting down")
		}
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to queue task")
	}
	return c.JSON(http.StatusAccepted, TaskAccepted{TaskID: t.ID, Status: t.Status})
}

// List
//
//	@Summary	List research tasks, newest first
//	@Tags		research
//	@Produce	json
//	@Param		status	query		string	false	"Comma separated statuses"
//	@Param		limit	query		int		false	"Page size (default 50)"
//	@Success	200		{object}	TaskListResponse
//	@Router		/api/research/tasks [get]
func (h *TasksHandler) list(c echo.Context) error {
	opts := task.ListOptions{Limit: defaultListLimit}
	if h.Scoped {
		opts.UserID = userID(c)
	}
	if s := c.QueryParam("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return echo.NewHTTPError(http.StatusBadRequest, "limit must be a positive integer")
		}
		if n > maxListLimit {
			n = maxListLimit
		}
		opts.Limit = n
	}
	if s := c.QueryParam("status"); s != "" {
		for _, part := range strings.Split(s, ",") {
			st := task.Status(strings.TrimSpace(part))
			switch st {
			case task.StatusQueued, task.StatusRunning, task.StatusCompleted, task.StatusFailed:
				opts.Statuses = append(opts.Statuses, st)
			default:
				return echo.NewHTTPError(http.StatusBadRequest, "unknown status "+string(st))
			}
		}
	}
	tasks, err := h.Tasks.List(c.Request().Context(), opts)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, "failed to list tasks")
	}
	if tasks == nil {
		tasks = []task.Task{}
	}
	return c.JSON(http.StatusOK, TaskListResponse{Tasks: tasks, Count: len(tasks)})
}

// Get
//
//	@Summary	Task status, progress and report
//	@Tags		research
//	@Produce	json
//	@Param		id	path		string	true	"Task ID"
//	@Success	200	{object}	task.Task
//	@Failure	404	{object}	HTTPError
//	@Router		/api/research/tasks/{id} [get]
func (h *TasksHandler) get(c echo.Context) error {
	t, err := h.Tasks.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return taskError(err)
	}
	if !h.owns(c, t) {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}
	return c.JSON(http.StatusOK, t)
}

// Retry
//
//	@Summary	Resubmit a failed task
//	@Tags		research
//	@Produce	json
//	@Param		id	path		string	true	"Task ID"
//	@Success	202	{object}	TaskAccepted
//	@Failure	404	{object}	HTTPError
//	@Failure	409	{object}	HTTPError
//	@Router		/api/research/tasks/{id}/retry [post]
func (h *TasksHandler) retry(c echo.Context) error {
	ctx := c.Request().Context()
	id := c.Param("id")
	existing, err := h.Tasks.Get(ctx, id)
	if err != nil {
		return taskError(err)
	}
	if !h.owns(c, existing) {
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	}
	t, err := h.Tasks.Resubmit(ctx, id)
	if err != nil {
		return taskError(err)
	}
	return c.JSON(http.StatusAccepted, TaskAccepted{TaskID: t.ID, Status: t.Status})
}

// Estimate
//
//	@Summary	Chunking and cost projection for a text
//	@Tags		research
//	@Accept		json
//	@Produce	json
//	@Param		payload	body		EstimateRequest	true	"Text to estimate"
//	@Success	200		{object}	chunking.Estimate
//	@Failure	400		{object}	HTTPError
//	@Router		/api/research/estimate [post]
func (h *TasksHandler) estimate(c echo.Context) error {
	var req EstimateRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Text) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "text is required")
	}
	modelID := strings.TrimSpace(req.Model)
	if modelID != "" && !h.validModel(modelID) {
		return echo.NewHTTPError(http.StatusBadRequest, "unknown model "+modelID)
	}
	return c.JSON(http.StatusOK, h.Chunker.EstimateCost(req.Text, modelID, h.CostPer1K))
}

// QueueStats
//
//	@Summary	Task backlog
//	@Tags		research
//	@Produce	json
//	@Success	200	{object}	QueueStatsResponse
//	@Router		/api/research/queue [get]
func (h *TasksHandler) queueStats(c echo.Context) error {
	switch q := h.Queue.(type) {
	case *streams.TaskQueue:
		m, err := q.Stats(c.Request().Context())
		if err != nil {
			return echo.NewHTTPError(http.StatusBadGateway, "queue stats unavailable")
		}
		return c.JSON(http.StatusOK, QueueStatsResponse{Backend: "redis", Pending: m.Pending, Lag: m.Lag, OldestIdle: m.OldestIdle})
	case *task.MemoryQueue:
		return c.JSON(http.StatusOK, QueueStatsResponse{Backend: "memory", Pending: int64(q.Len())})
	default:
		return echo.NewHTTPError(http.StatusNotFound, "queue stats not available")
	}
}

func (h *TasksHandler) bindResearch(c echo.Context) (ResearchRequest, error) {
	var req ResearchRequest
	if err := c.Bind(&req); err != nil {
		return req, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	prompt, err := task.NormalizePrompt(req.Prompt)
	if err != nil {
		return req, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	req.Prompt = prompt
	req.Model = strings.TrimSpace(req.Model)
	if req.Model != "" && !h.validModel(req.Model) {
		return req, echo.NewHTTPError(http.StatusBadRequest, "model must be a known model or provider:name")
	}
	return req, nil
}

// validModel accepts registry models and explicit provider:name identifiers.
func (h *TasksHandler) validModel(id string) bool {
	if h.Registry.Known(id) {
		return true
	}
	family, name, ok := strings.Cut(id, ":")
	return ok && strings.TrimSpace(family) != "" && strings.TrimSpace(name) != ""
}

func (h *TasksHandler) owns(c echo.Context, t task.Task) bool {
	return !h.Scoped || t.UserID == userID(c)
}

func userID(c echo.Context) string {
	uid, _ := c.Get("user_id").(string)
	return uid
}

func taskError(err error) error {
	switch {
	case errors.Is(err, task.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "task not found")
	case errors.Is(err, task.ErrInvalidTransition):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, task.ErrQueueClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "task queue is shutting down")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "task storage error")
	}
}
