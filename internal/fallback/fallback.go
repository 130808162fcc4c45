package fallback

import (
	"context"
	"log"
	"strings"
	"sync"

	"github.com/ameureka/ai-deepresearch-agent/internal/resilience"
	"github.com/ameureka/ai-deepresearch-agent/provider"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"
)

const (
	DefaultModel         = "openai:gpt-4o-mini"
	DefaultPrimaryFamily = "deepseek"
	DefaultMaxRetries    = 1
)

var (
	metricsOnce         sync.Once
	substitutionCounter otelmetric.Int64Counter
)

func initMetrics() {
	meter := otel.Meter("deepresearch/internal/fallback")
	substitutionCounter, _ = meter.Int64Counter("llm_fallback_substitutions_total")
}

// Call runs one agent invocation against model.
type Call func(ctx context.Context, model string) (string, error)

// Substitution is reported each time the controller swaps models.
type Substitution struct {
	From  string
	To    string
	Class resilience.Class
	Err   error
}

// Controller re-runs a failed primary-family call against a fallback model.
type Controller struct {
	fallbackModel string
	primaryFamily string
	maxRetries    int
	logger        *log.Logger
	onSubstitute  func(Substitution)
}

type Option func(*Controller)

func WithModel(model string) Option {
	return func(c *Controller) {
		if strings.TrimSpace(model) != "" {
			c.fallbackModel = strings.TrimSpace(model)
		}
	}
}

func WithPrimaryFamily(family string) Option {
	return func(c *Controller) {
		if strings.TrimSpace(family) != "" {
			c.primaryFamily = strings.ToLower(strings.TrimSpace(family))
		}
	}
}

// WithMaxRetries sets how many substitutions are allowed per call. Zero disables fallback.
func WithMaxRetries(n int) Option {
	return func(c *Controller) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(c *Controller) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithSubstitutionHook(fn func(Substitution)) Option {
	return func(c *Controller) { c.onSubstitute = fn }
}

func New(opts ...Option) *Controller {
	c := &Controller{
		fallbackModel: DefaultModel,
		primaryFamily: DefaultPrimaryFamily,
		maxRetries:    DefaultMaxRetries,
		logger:        log.New(log.Writer(), "[FALLBACK] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Model is the substitute identifier.
func (c *Controller) Model() string { return c.fallbackModel }

// Eligible reports whether a failure on model may be retried on the fallback.
func (c *Controller) Eligible(model string) bool {
	if c.maxRetries <= 0 || model == c.fallbackModel {
		return false
	}
	family, name := provider.SplitModel(model)
	if family != "" {
		return family == c.primaryFamily
	}
	return strings.Contains(strings.ToLower(name), c.primaryFamily)
}

// Do runs call on model. When it fails and the model is eligible, call is re-run
// on the fallback model; any failure after substitution is returned unchanged.
func (c *Controller) Do(ctx context.Context, model string, call Call) (string, error) {
	out, err := call(ctx, model)
	if err == nil {
		return out, nil
	}
	if ctx.Err() != nil || !c.Eligible(model) {
		return "", err
	}

	class := resilience.Classify(err)
	switch {
	case class == resilience.ClassInvalidParam:
		c.logger.Printf("%s rejected parameters, not substituting: %v", model, err)
		return "", err
	case class.Transient():
		c.logger.Printf("%s connection failure, switching to %s immediately", model, c.fallbackModel)
	default:
		c.logger.Printf("%s failed (%s), switching to %s", model, class, c.fallbackModel)
	}

	metricsOnce.Do(initMetrics)
	for i := 0; i < c.maxRetries; i++ {
		if substitutionCounter != nil {
			substitutionCounter.Add(ctx, 1, otelmetric.WithAttributes(
				attribute.String("from", model),
				attribute.String("to", c.fallbackModel),
				attribute.String("class", string(class)),
			))
		}
		if c.onSubstitute != nil {
			c.onSubstitute(Substitution{From: model, To: c.fallbackModel, Class: class, Err: err})
		}
		out, err = call(ctx, c.fallbackModel)
		if err == nil {
			c.logger.Printf("fallback %s succeeded", c.fallbackModel)
			return out, nil
		}
		c.logger.Printf("fallback %s failed: %v", c.fallbackModel, err)
		if ctx.Err() != nil {
			break
		}
	}
	return "", err
}

// Wrap binds the controller to call so it can be composed with other stages.
func (c *Controller) Wrap(call Call) Call {
	return func(ctx context.Context, model string) (string, error) {
		return c.Do(ctx, model, call)
	}
}
