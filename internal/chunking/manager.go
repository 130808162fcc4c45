package chunking

import (
	"context"
	"fmt"
	"log"
	"sync"

	"github.com/ameureka/ai-deepresearch-agent/internal/model"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
)

const (
	DefaultThreshold = 0.8
	DefaultCostPer1K = 0.14
)

var tracer = otel.Tracer("deepresearch/internal/chunking")

var (
	metricsOnce  sync.Once
	chunkCounter otelmetric.Int64Counter
)

func initMetrics() {
	meter := otel.Meter("deepresearch/internal/chunking")
	chunkCounter, _ = meter.Int64Counter("chunking_chunks_total")
}

// Processor handles one prompt, either the full text or a single chunk prompt.
type Processor func(ctx context.Context, prompt string) (string, error)

// Config holds the knobs of the context manager.
type Config struct {
	Enabled      bool
	Threshold    float64
	MaxChunkSize int
	Overlap      int
}

func DefaultConfig() Config {
	return Config{
		Enabled:      true,
		Threshold:    DefaultThreshold,
		MaxChunkSize: DefaultMaxChunkSize,
		Overlap:      DefaultOverlap,
	}
}

// Manager decides whether a text fits a model's context and, when it does not,
// runs the processor chunk by chunk and merges the results.
type Manager struct {
	registry *model.Registry
	cfg      Config
	splitter Splitter
	logger   *log.Logger
}

type Option func(*Manager)

func WithLogger(l *log.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

func NewManager(registry *model.Registry, cfg Config, opts ...Option) *Manager {
	if registry == nil {
		registry = model.NewRegistry()
	}
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	m := &Manager{
		registry: registry,
		cfg:      cfg,
		splitter: NewSplitter(cfg.MaxChunkSize, cfg.Overlap),
		logger:   log.New(log.Writer(), "[CHUNK] ", log.LstdFlags),
	}
	m.cfg.MaxChunkSize = m.splitter.MaxChunkSize
	m.cfg.Overlap = m.splitter.Overlap
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *Manager) Config() Config { return m.cfg }

func (m *Manager) threshold(modelID string) int {
	return int(float64(m.registry.Lookup(modelID).ContextWindow) * m.cfg.Threshold)
}

// ShouldChunk reports whether text exceeds the usable share of modelID's window.
func (m *Manager) ShouldChunk(text, modelID string) bool {
	if !m.cfg.Enabled {
		return false
	}
	tokens := model.EstimateTokens(text)
	limit := m.threshold(modelID)
	if tokens > limit {
		m.logger.Printf("text of ~%d tokens exceeds %d (%.0f%% of %s window), chunking", tokens, limit, m.cfg.Threshold*100, modelID)
		return true
	}
	return false
}

// Process runs fn over text directly, or per chunk when the text is too large
// for modelID or force is set.
func (m *Manager) Process(ctx context.Context, text, modelID string, fn Processor, force bool) (string, error) {
	if !force && !m.ShouldChunk(text, modelID) {
		return fn(ctx, text)
	}
	ctx, span := tracer.Start(ctx, "chunking.Process")
	defer span.End()

	chunks := m.splitter.Chunks(text)
	span.SetAttributes(attribute.String("model", modelID), attribute.Int("chunks", len(chunks)))
	m.logger.Printf("processing %d chunk(s) for %s (~%d tokens)", len(chunks), modelID, model.EstimateTokens(text))
	metricsOnce.Do(initMetrics)

	results := make([]string, 0, len(chunks))
	for _, c := range chunks {
		if err := ctx.Err(); err != nil {
			return "", err
		}
		m.logger.Printf("chunk %d/%d", c.Index+1, c.Total)
		out, err := fn(ctx, BuildPrompt(c, ""))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "chunk failed")
			return "", fmt.Errorf("chunk %d/%d: %w", c.Index+1, c.Total, err)
		}
		if chunkCounter != nil {
			chunkCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("model", modelID)))
		}
		results = append(results, out)
	}
	return Merge(results), nil
}

// Estimate is the planning-time cost projection for a text.
type Estimate struct {
	InputTokens   int     `json:"input_tokens"`
	TotalTokens   int     `json:"total_tokens_with_overhead"`
	NeedsChunking bool    `json:"needs_chunking"`
	NumChunks     int     `json:"num_chunks"`
	APICalls      int     `json:"api_calls"`
	CostUSD       float64 `json:"estimated_cost_usd"`
	ContextUsage  float64 `json:"context_usage"`
}

// EstimateCost projects how many calls and tokens processing text would take.
// costPer1K is the input price per thousand tokens; non-positive uses the default.
func (m *Manager) EstimateCost(text, modelID string, costPer1K float64) Estimate {
	if costPer1K <= 0 {
		costPer1K = DefaultCostPer1K
	}
	tokens := model.EstimateTokens(text)
	est := Estimate{
		InputTokens:  tokens,
		TotalTokens:  tokens,
		NumChunks:    1,
		APICalls:     1,
		ContextUsage: m.registry.ContextUsage(text, modelID),
	}
	if m.ShouldChunk(text, modelID) {
		n := tokens/m.cfg.MaxChunkSize + 1
		est.NeedsChunking = true
		est.NumChunks = n
		est.APICalls = n
		est.TotalTokens = tokens + (n-1)*m.cfg.Overlap
	}
	est.CostUSD = float64(est.TotalTokens) / 1000 * costPer1K
	return est
}
