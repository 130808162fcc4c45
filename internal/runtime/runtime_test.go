package runtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ameureka/ai-deepresearch-agent/config"
	"github.com/ameureka/ai-deepresearch-agent/internal/task"
	"github.com/ameureka/ai-deepresearch-agent/provider"
)

func loadDefaults(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.Load("")
	if err != nil {
		t.Fatalf("config.Load: %v", err)
	}
	return cfg
}

func TestBuildPostgresDSN(t *testing.T) {
	cfg := loadDefaults(t)
	if _, err := BuildPostgresDSN(cfg); err == nil {
		t.Fatal("expected error without host/dbname")
	}
	cfg.Storage.Postgres.Host = "db"
	cfg.Storage.Postgres.DBName = "research"
	cfg.Storage.Postgres.User = "u"
	cfg.Storage.Postgres.Password = "p"
	dsn, err := BuildPostgresDSN(cfg)
	if err != nil {
		t.Fatalf("BuildPostgresDSN: %v", err)
	}
	if dsn != "postgres://u:p@db:5432/research?sslmode=disable" {
		t.Fatalf("unexpected dsn %q", dsn)
	}
	cfg.Storage.Postgres.URL = "postgres://override"
	if dsn, _ := BuildPostgresDSN(cfg); dsn != "postgres://override" {
		t.Fatalf("url must win, got %q", dsn)
	}
}

func TestJWTRoundTrip(t *testing.T) {
	secret := []byte("s3cret")
	tok, err := SignJWT("user-1", secret, time.Hour)
	if err != nil {
		t.Fatalf("SignJWT: %v", err)
	}
	sub, err := ParseJWT(tok, secret)
	if err != nil || sub != "user-1" {
		t.Fatalf("ParseJWT: %q %v", sub, err)
	}
	if _, err := ParseJWT(tok, []byte("other")); err == nil {
		t.Fatal("token verified with the wrong secret")
	}
	expired, _ := SignJWT("user-1", secret, -time.Minute)
	if _, err := ParseJWT(expired, secret); err == nil {
		t.Fatal("expired token accepted")
	}
}

func TestEchoAuthMiddleware(t *testing.T) {
	secret := []byte("s3cret")
	e := echo.New()
	e.GET("/me", func(c echo.Context) error {
		sub, _ := SubjectFromContext(c.Request().Context())
		return c.String(http.StatusOK, sub)
	}, EchoAuthMiddleware(secret))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/me", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rec.Code)
	}

	tok, _ := SignJWT("user-7", secret, time.Hour)
	req := httptest.NewRequest(http.MethodGet, "/me", nil)
	req.Header.Set("Authorization", "Bearer "+tok)
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK || rec.Body.String() != "user-7" {
		t.Fatalf("unexpected response %d %q", rec.Code, rec.Body.String())
	}

	req = httptest.NewRequest(http.MethodGet, "/me", nil)
	req.AddCookie(&http.Cookie{Name: "auth", Value: tok})
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("cookie token rejected: %d", rec.Code)
	}
}

func TestLoadJWTSecret(t *testing.T) {
	cfg := loadDefaults(t)
	if _, err := LoadJWTSecret(cfg); err == nil {
		t.Fatal("expected error for empty secret")
	}
	cfg.Server.JWTSecret = " abc "
	if s, err := LoadJWTSecret(cfg); err != nil || string(s) != "abc" {
		t.Fatalf("unexpected %q %v", s, err)
	}
}

type nopProvider struct{}

func (nopProvider) ChatCompletion(ctx context.Context, req provider.Request) (provider.Response, error) {
	return provider.Response{Content: "ok", Model: req.Model}, nil
}

func TestBuildPipelineAndBackends(t *testing.T) {
	cfg := loadDefaults(t)
	p, err := BuildPipeline(cfg, nopProvider{})
	if err != nil {
		t.Fatalf("BuildPipeline: %v", err)
	}
	if p.Planner == nil || p.Executor == nil || p.Chunker == nil || p.Registry == nil {
		t.Fatalf("incomplete pipeline %+v", p)
	}
	if !p.Registry.Known("deepseek:deepseek-chat") {
		t.Fatal("built-in profiles missing")
	}

	backends, err := NewBackends(cfg.LLM)
	if err != nil || len(backends) != 2 {
		t.Fatalf("NewBackends: %d %v", len(backends), err)
	}
	cfg.LLM.Providers = map[string]config.LLMProvider{"x": {Type: "grpc"}}
	if _, err := NewBackends(cfg.LLM); err == nil || !strings.Contains(err.Error(), "unsupported") {
		t.Fatalf("expected unsupported provider error, got %v", err)
	}

	cfg.LLM.ProfilesFile = "/does/not/exist.yaml"
	if _, err := BuildPipeline(cfg, nopProvider{}); err == nil {
		t.Fatal("expected registry load error")
	}
}

func TestOpenMemoryBackends(t *testing.T) {
	ctx := context.Background()
	cfg := loadDefaults(t)
	repo, closeRepo, err := OpenRepository(ctx, cfg)
	if err != nil {
		t.Fatalf("OpenRepository: %v", err)
	}
	defer closeRepo()
	if _, ok := repo.(*task.MemoryRepository); !ok {
		t.Fatalf("expected memory repository, got %T", repo)
	}
	q, closeQueue, err := OpenQueue(ctx, cfg, "c1")
	if err != nil {
		t.Fatalf("OpenQueue: %v", err)
	}
	defer closeQueue()
	if _, ok := q.(*task.MemoryQueue); !ok {
		t.Fatalf("expected memory queue, got %T", q)
	}

	p, _ := BuildPipeline(cfg, nopProvider{})
	orch := NewOrchestrator(cfg, p, repo, q)
	tk, err := orch.Submit(ctx, task.SubmitRequest{Prompt: "AI in healthcare"})
	if err != nil || tk.Status != task.StatusQueued {
		t.Fatalf("Submit: %+v %v", tk, err)
	}
}

func TestTelemetryDisabled(t *testing.T) {
	cfg := loadDefaults(t)
	tel, meter, tracer, err := SetupTelemetry(context.Background(), cfg.Telemetry, TelemetryOptions{ServiceName: "test"})
	if err != nil || meter == nil || tracer == nil {
		t.Fatalf("SetupTelemetry: %v", err)
	}
	if tel.Handler() == nil {
		t.Fatal("expected default metrics handler")
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestTelemetryPrometheusOnly(t *testing.T) {
	cfg := loadDefaults(t)
	cfg.Telemetry.Enabled = true
	tel, meter, tracer, err := SetupTelemetry(context.Background(), cfg.Telemetry, TelemetryOptions{ServiceName: "test", ServiceVersion: "dev"})
	if err != nil {
		t.Fatalf("SetupTelemetry: %v", err)
	}
	defer func() { _ = tel.Shutdown(context.Background()) }()

	counter, err := meter.Int64Counter("research_probe")
	if err != nil {
		t.Fatalf("counter: %v", err)
	}
	counter.Add(context.Background(), 3)
	_, span := tracer.Start(context.Background(), "probe")
	span.End()

	rec := httptest.NewRecorder()
	tel.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "research_probe_total") {
		t.Fatalf("counter not exported: %d %s", rec.Code, rec.Body.String())
	}
}
