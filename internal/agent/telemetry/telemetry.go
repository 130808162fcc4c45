package telemetry

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/ameureka/ai-deepresearch-agent/provider"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

// Price is USD per one million tokens.
type Price struct {
	Input  float64 `json:"input"`
	Output float64 `json:"output"`
}

// DefaultPrices is the built-in price table.
var DefaultPrices = map[string]Price{
	"deepseek:deepseek-chat":     {Input: 0.14, Output: 0.28},
	"deepseek:deepseek-reasoner": {Input: 0.55, Output: 2.19},
	"openai:gpt-4o-mini":         {Input: 0.15, Output: 0.60},
	"openai:gpt-4o":              {Input: 2.50, Output: 10.00},
	"openai:o1-mini":             {Input: 3.00, Output: 12.00},
}

// Call is one tracked model call.
type Call struct {
	Time             time.Time `json:"time"`
	Model            string    `json:"model"`
	Agent            string    `json:"agent,omitempty"`
	PromptTokens     int       `json:"prompt_tokens"`
	CompletionTokens int       `json:"completion_tokens"`
	Cost             float64   `json:"cost"`
}

// ModelSummary aggregates calls for one model.
type ModelSummary struct {
	Cost             float64 `json:"cost"`
	Calls            int     `json:"calls"`
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	AvgCostPerCall   float64 `json:"avg_cost_per_call"`
}

// Summary is the per-task cost report stored with the task progress.
type Summary struct {
	TotalCost  float64                 `json:"total_cost"`
	TotalCalls int                     `json:"total_calls"`
	ByModel    map[string]ModelSummary `json:"by_model,omitempty"`
}

// Comparison reports the savings of the tracked spend against a baseline.
type Comparison struct {
	Current           float64 `json:"current_cost"`
	Baseline          float64 `json:"baseline_cost"`
	Savings           float64 `json:"savings"`
	SavingsPercentage float64 `json:"savings_percentage"`
}

var (
	metricsOnce sync.Once
	costCounter otelmetric.Float64Counter
	tokenCount  otelmetric.Int64Counter
)

func initMetrics() {
	meter := otel.Meter("deepresearch/internal/agent/telemetry")
	costCounter, _ = meter.Float64Counter("llm_cost_usd_total")
	tokenCount, _ = meter.Int64Counter("llm_tokens_total")
}

// CostTracker accumulates token usage and cost. One tracker is created per task.
type CostTracker struct {
	mu      sync.Mutex
	prices  map[string]Price
	calls   []Call
	byModel map[string]*ModelSummary
	logger  *log.Logger
	now     func() time.Time
}

func NewCostTracker(prices map[string]Price) *CostTracker {
	if prices == nil {
		prices = DefaultPrices
	}
	return &CostTracker{
		prices:  prices,
		byModel: make(map[string]*ModelSummary),
		logger:  log.New(log.Writer(), "[COST] ", log.LstdFlags),
		now:     time.Now,
	}
}

// Track records one call and returns its cost. Unknown models cost zero but
// are still counted.
func (t *CostTracker) Track(model string, promptTokens, completionTokens int, agent string) float64 {
	if t == nil {
		return 0
	}
	price, ok := t.prices[model]
	if !ok {
		t.logger.Printf("no price for %s, recording zero cost", model)
	}
	cost := float64(promptTokens)/1e6*price.Input + float64(completionTokens)/1e6*price.Output

	t.mu.Lock()
	t.calls = append(t.calls, Call{
		Time:             t.now(),
		Model:            model,
		Agent:            agent,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		Cost:             cost,
	})
	s := t.byModel[model]
	if s == nil {
		s = &ModelSummary{}
		t.byModel[model] = s
	}
	s.Calls++
	s.Cost += cost
	s.PromptTokens += promptTokens
	s.CompletionTokens += completionTokens
	t.mu.Unlock()

	metricsOnce.Do(initMetrics)
	attrs := otelmetric.WithAttributes(attribute.String("model", model), attribute.String("agent", agent))
	if costCounter != nil {
		costCounter.Add(context.Background(), cost, attrs)
	}
	if tokenCount != nil {
		tokenCount.Add(context.Background(), int64(promptTokens+completionTokens), attrs)
	}
	t.logger.Printf("%s: $%.6f (%d in, %d out)", model, cost, promptTokens, completionTokens)
	return cost
}

// UsageHook adapts the tracker to the model invoker's usage callback.
func (t *CostTracker) UsageHook(agent string) func(ctx context.Context, model string, u provider.Usage) {
	return func(ctx context.Context, model string, u provider.Usage) {
		t.Track(model, u.PromptTokens, u.CompletionTokens, agent)
	}
}

func (t *CostTracker) Summary() Summary {
	if t == nil {
		return Summary{}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := Summary{ByModel: make(map[string]ModelSummary, len(t.byModel))}
	for model, s := range t.byModel {
		m := *s
		if m.Calls > 0 {
			m.AvgCostPerCall = m.Cost / float64(m.Calls)
		}
		out.ByModel[model] = m
		out.TotalCost += m.Cost
		out.TotalCalls += m.Calls
	}
	return out
}

// Calls returns a copy of the call history.
func (t *CostTracker) Calls() []Call {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Call(nil), t.calls...)
}

// Compare reports savings against baseline costs keyed by model.
func (t *CostTracker) Compare(baseline map[string]float64) Comparison {
	current := t.Summary().TotalCost
	var base float64
	for _, v := range baseline {
		base += v
	}
	c := Comparison{Current: current, Baseline: base, Savings: base - current}
	if base > 0 {
		c.SavingsPercentage = (base - current) / base * 100
	}
	return c
}
