package runtime

import (
	"context"
	"fmt"
	"log"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/ameureka/ai-deepresearch-agent/config"
	"github.com/ameureka/ai-deepresearch-agent/internal/agent/core"
	"github.com/ameureka/ai-deepresearch-agent/internal/agent/telemetry"
	"github.com/ameureka/ai-deepresearch-agent/internal/chunking"
	"github.com/ameureka/ai-deepresearch-agent/internal/fallback"
	"github.com/ameureka/ai-deepresearch-agent/internal/model"
	"github.com/ameureka/ai-deepresearch-agent/internal/queue/streams"
	"github.com/ameureka/ai-deepresearch-agent/internal/resilience"
	"github.com/ameureka/ai-deepresearch-agent/internal/sources"
	"github.com/ameureka/ai-deepresearch-agent/internal/store"
	"github.com/ameureka/ai-deepresearch-agent/internal/task"
	"github.com/ameureka/ai-deepresearch-agent/provider"
	"github.com/ameureka/ai-deepresearch-agent/provider/openai"
)

// Pipeline is the assembled model stack shared by both delivery modes.
type Pipeline struct {
	Registry *model.Registry
	Chunker  *chunking.Manager
	Caller   *core.Caller
	Planner  *core.Planner
	Executor *core.Executor
	Prices   map[string]telemetry.Price
}

// NewBackends builds one OpenAI-compatible client per configured provider family.
func NewBackends(cfg config.LLMConfig) (map[string]provider.Provider, error) {
	out := make(map[string]provider.Provider, len(cfg.Providers))
	for family, p := range cfg.Providers {
		switch strings.ToLower(strings.TrimSpace(p.Type)) {
		case "", "openai":
			out[family] = openai.NewClient(p.APIKey, p.BaseURL, p.Timeout)
		default:
			return nil, fmt.Errorf("unsupported provider type %q for %s", p.Type, family)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no llm providers configured")
	}
	return out, nil
}

// BuildPipeline wires registry, resilience, fallback, chunking, retrieval tools
// and role agents from cfg. backend overrides the configured providers when
// non-nil.
func BuildPipeline(cfg *config.Config, backend provider.Provider) (*Pipeline, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	registry, err := model.LoadRegistry(cfg.LLM.ProfilesFile)
	if err != nil {
		return nil, fmt.Errorf("model registry: %w", err)
	}
	if backend == nil {
		backends, err := NewBackends(cfg.LLM)
		if err != nil {
			return nil, err
		}
		backend = provider.NewRouter(backends, cfg.LLM.Fallback.PrimaryFamily)
	}

	invoker := resilience.NewInvoker(backend, registry,
		resilience.WithMaxAttempts(cfg.Retry.MaxAttempts),
		resilience.WithBaseWait(cfg.Retry.BaseWait),
	)
	fb := fallback.New(
		fallback.WithModel(cfg.LLM.Fallback.Model),
		fallback.WithPrimaryFamily(cfg.LLM.Fallback.PrimaryFamily),
		fallback.WithMaxRetries(cfg.LLM.Fallback.MaxRetries),
	)
	chunker := chunking.NewManager(registry, chunking.Config{
		Enabled:      cfg.Chunking.Enabled,
		Threshold:    cfg.Chunking.Threshold,
		MaxChunkSize: cfg.Chunking.MaxChunkSize,
		Overlap:      cfg.Chunking.Overlap,
	})
	caller := core.NewCaller(invoker, core.WithFallback(fb), core.WithChunking(chunker))

	src := cfg.Sources
	set := sources.NewSet(
		sources.NewTavily(src.TavilyAPIKey, src.TavilyEndpoint, src.Timeout),
		sources.NewArxiv(src.ArxivEndpoint, src.Timeout),
		sources.NewWikipedia(src.WikipediaEndpoint, src.Timeout),
	)
	researchOpts := []core.ResearchOption{
		core.WithMaxResults(src.MaxResults),
		core.WithEvidenceTopK(src.EvidenceTopK),
	}
	if src.Fetch.Enabled {
		researchOpts = append(researchOpts, core.WithFetcher(sources.NewBrowserFetcher(src.Fetch.Timeout, src.Fetch.MaxChars), src.Fetch.TopN))
	}

	routing := cfg.LLM.Routing
	executor := core.NewExecutor(
		core.NewResearchAgent(caller, set, routing.Researcher, researchOpts...),
		core.NewWriterAgent(caller, routing.Writer),
		core.NewEditorAgent(caller, routing.Editor),
	)
	return &Pipeline{
		Registry: registry,
		Chunker:  chunker,
		Caller:   caller,
		Planner:  core.NewPlanner(caller, routing.Planner),
		Executor: executor,
		Prices:   telemetry.DefaultPrices,
	}, nil
}

// OpenRepository returns the task repository selected by storage.backend.
// The returned close func releases the database handle, if any.
func OpenRepository(ctx context.Context, cfg *config.Config) (task.Repository, func() error, error) {
	if cfg.Storage.Backend != config.BackendPostgres {
		return task.NewMemoryRepository(), func() error { return nil }, nil
	}
	dsn, err := BuildPostgresDSN(cfg)
	if err != nil {
		return nil, nil, err
	}
	st, err := store.NewWithDSN(ctx, dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("postgres: %w", err)
	}
	return st, st.Close, nil
}

// NewRedisClient connects and pings the configured Redis.
func NewRedisClient(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	rdb := redis.NewClient(&redis.Options{Addr: cfg.Addr(), Password: cfg.Password, DB: cfg.DB})
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis connection failed (%s): %w", cfg.Addr(), err)
	}
	return rdb, nil
}

// OpenQueue returns the task queue selected by queue.backend. consumer names
// the stream consumer and is ignored by the in-process queue.
func OpenQueue(ctx context.Context, cfg *config.Config, consumer string) (task.Queue, func() error, error) {
	if cfg.Queue.Backend != config.BackendRedis {
		return task.NewMemoryQueue(cfg.Queue.Size), func() error { return nil }, nil
	}
	rdb, err := NewRedisClient(ctx, cfg.Storage.Redis)
	if err != nil {
		return nil, nil, err
	}
	q, err := streams.NewTaskQueue(ctx, rdb, streams.TaskQueueConfig{
		Stream:    cfg.Queue.Stream,
		Group:     cfg.Queue.Group,
		Consumer:  consumer,
		Block:     cfg.Queue.Block,
		ClaimIdle: cfg.Queue.ClaimIdle,
	}, streams.WithQueueLogger(log.New(log.Writer(), "[QUEUE] ", log.LstdFlags)))
	if err != nil {
		_ = rdb.Close()
		return nil, nil, err
	}
	return q, rdb.Close, nil
}

// NewOrchestrator assembles the task orchestrator over repo and queue.
func NewOrchestrator(cfg *config.Config, p *Pipeline, repo task.Repository, q task.Queue) *task.Orchestrator {
	return task.NewOrchestrator(repo, p.Planner, p.Executor,
		task.WithQueue(q),
		task.WithMaxStreams(cfg.Server.MaxInlineStreams),
		task.WithCostTracking(cfg.Telemetry.CostTracking, p.Prices),
	)
}
