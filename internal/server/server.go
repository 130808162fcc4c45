package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ameureka/ai-deepresearch-agent/config"
	"github.com/ameureka/ai-deepresearch-agent/internal/chunking"
	"github.com/ameureka/ai-deepresearch-agent/internal/model"
	"github.com/ameureka/ai-deepresearch-agent/internal/runtime"
	"github.com/ameureka/ai-deepresearch-agent/internal/task"
)

// TaskService is the orchestrator surface the HTTP layer depends on.
type TaskService interface {
	Submit(ctx context.Context, req task.SubmitRequest) (task.Task, error)
	Get(ctx context.Context, id string) (task.Task, error)
	List(ctx context.Context, opts task.ListOptions) ([]task.Task, error)
	Resubmit(ctx context.Context, id string) (task.Task, error)
	Stream(ctx context.Context, req task.SubmitRequest, emit func(task.Event) error) error
}

var _ TaskService = (*task.Orchestrator)(nil)

// Deps are the collaborators shared by the handlers.
type Deps struct {
	Tasks    TaskService
	Registry *model.Registry
	Chunker  *chunking.Manager
	Queue    task.Queue
	// Metrics serves /metrics; the default Prometheus handler when nil.
	Metrics http.Handler
}

type Server struct {
	Echo   *echo.Echo
	cfg    *config.Config
	logger *log.Logger
}

// New builds the echo server with every route mounted.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	if deps.Tasks == nil {
		return nil, fmt.Errorf("task service is required")
	}
	if deps.Registry == nil {
		deps.Registry = model.NewRegistry()
	}
	if deps.Chunker == nil {
		deps.Chunker = chunking.NewManager(deps.Registry, chunking.Config{Enabled: true})
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	logger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		logger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, HTTPError{Error: msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Authorization", "Cookie"},
		AllowCredentials: true,
	}))

	e.GET("/healthz", func(c echo.Context) error { return c.String(http.StatusOK, "ok") })
	metrics := deps.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	e.GET("/metrics", echo.WrapHandler(metrics))

	api := e.Group("/api")
	research := api.Group("/research")
	if cfg.Server.AuthEnabled {
		secret, err := runtime.LoadJWTSecret(cfg)
		if err != nil {
			return nil, err
		}
		ah := &AuthHandler{Hashes: cfg.Server.APIKeyHashes, Secret: secret, TTL: cfg.Server.TokenTTL}
		ah.Register(api.Group("/auth"))
		research.Use(runtime.EchoAuthMiddleware(secret))
	}

	th := &TasksHandler{
		Tasks:     deps.Tasks,
		Registry:  deps.Registry,
		Chunker:   deps.Chunker,
		Queue:     deps.Queue,
		CostPer1K: cfg.Chunking.CostPer1K,
		Heartbeat: cfg.Server.HeartbeatInterval,
		Scoped:    cfg.Server.AuthEnabled,
	}
	th.Register(research)

	return &Server{Echo: e, cfg: cfg, logger: logger}, nil
}

// Start blocks serving on addr, server.address when empty.
func (s *Server) Start(addr string) error {
	if addr == "" {
		addr = s.cfg.Server.Address
	}
	if addr != "" && !strings.Contains(addr, ":") {
		addr = ":" + addr
	}
	s.logger.Printf("listening on %s", addr)
	if err := s.Echo.Start(addr); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.Echo.Shutdown(ctx)
}
