package resilience

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/ameureka/ai-deepresearch-agent/internal/model"
	"github.com/ameureka/ai-deepresearch-agent/provider"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	otelmetric "go.opentelemetry.io/otel/metric"
)

const (
	DefaultMaxAttempts = 3
	DefaultBaseWait    = 2 * time.Second
)

var invokeTracer = otel.Tracer("deepresearch/internal/resilience")

var (
	metricsOnce     sync.Once
	attemptCounter  otelmetric.Int64Counter
	failureCounter  otelmetric.Int64Counter
	metricsInitFail error
)

func initMetrics() {
	meter := otel.Meter("deepresearch/internal/resilience")
	var err error
	attemptCounter, err = meter.Int64Counter("llm_invoke_attempts_total")
	if err != nil {
		metricsInitFail = err
		return
	}
	failureCounter, err = meter.Int64Counter("llm_invoke_failures_total")
	if err != nil {
		metricsInitFail = err
	}
}

// InvokeError is returned once every attempt has failed.
type InvokeError struct {
	Model    string
	Attempts int
	Class    Class
	Err      error
}

func (e *InvokeError) Error() string {
	return fmt.Sprintf("invoke %s failed after %d attempt(s) (%s): %v", e.Model, e.Attempts, e.Class, e.Err)
}

func (e *InvokeError) Unwrap() error { return e.Err }

// Attempt describes one dispatch to the backend.
type Attempt struct {
	Model     string
	Number    int
	MaxTokens int
	Class     Class // empty on success
	Wait      time.Duration
	Err       error
}

// UsageFunc observes a successful response, typically for cost tracking.
type UsageFunc func(ctx context.Context, modelID string, usage provider.Usage)

// Invoker wraps a provider with output clamping, classification and retry.
type Invoker struct {
	provider    provider.Provider
	registry    *model.Registry
	maxAttempts int
	baseWait    time.Duration
	sleep       func(ctx context.Context, d time.Duration) error
	logger      *log.Logger
	onAttempt   func(Attempt)
	onUsage     UsageFunc
}

// Option configures an Invoker.
type Option func(*Invoker)

func WithMaxAttempts(n int) Option {
	return func(i *Invoker) {
		if n > 0 {
			i.maxAttempts = n
		}
	}
}

func WithBaseWait(d time.Duration) Option {
	return func(i *Invoker) {
		if d >= 0 {
			i.baseWait = d
		}
	}
}

// WithSleep replaces the wait function; tests use it to record backoff.
func WithSleep(fn func(ctx context.Context, d time.Duration) error) Option {
	return func(i *Invoker) {
		if fn != nil {
			i.sleep = fn
		}
	}
}

func WithLogger(l *log.Logger) Option {
	return func(i *Invoker) {
		if l != nil {
			i.logger = l
		}
	}
}

func WithAttemptHook(fn func(Attempt)) Option {
	return func(i *Invoker) { i.onAttempt = fn }
}

func WithUsageHook(fn UsageFunc) Option {
	return func(i *Invoker) { i.onUsage = fn }
}

// NewInvoker builds an Invoker around p.
func NewInvoker(p provider.Provider, registry *model.Registry, opts ...Option) *Invoker {
	if registry == nil {
		registry = model.NewRegistry()
	}
	inv := &Invoker{
		provider:    p,
		registry:    registry,
		maxAttempts: DefaultMaxAttempts,
		baseWait:    DefaultBaseWait,
		sleep:       sleepContext,
		logger:      log.New(log.Writer(), "[INVOKE] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(inv)
	}
	return inv
}

// Registry exposes the profile table used for clamping.
func (i *Invoker) Registry() *model.Registry { return i.registry }

// Invoke dispatches req with retries. The requested output size is clamped to
// the model profile before the first attempt.
func (i *Invoker) Invoke(ctx context.Context, req provider.Request) (provider.Response, error) {
	metricsOnce.Do(initMetrics)
	ctx, span := invokeTracer.Start(ctx, "resilience.Invoke")
	defer span.End()
	span.SetAttributes(attribute.String("model", req.Model))

	profile := i.registry.Lookup(req.Model)
	req.MaxTokens = profile.ClampOutput(req.MaxTokens)

	var (
		lastErr   error
		lastClass Class
		halvings  int
		made      int
	)
	for attempt := 1; attempt <= i.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			lastErr, lastClass = err, ClassTimeout
			break
		}
		i.logger.Printf("calling %s (attempt %d/%d) max_tokens=%d", req.Model, attempt, i.maxAttempts, req.MaxTokens)
		made++
		if attemptCounter != nil {
			attemptCounter.Add(ctx, 1, otelmetric.WithAttributes(attribute.String("model", req.Model)))
		}

		resp, err := i.provider.ChatCompletion(ctx, req)
		if err == nil {
			i.logger.Printf("%s succeeded on attempt %d", req.Model, attempt)
			i.observe(Attempt{Model: req.Model, Number: attempt, MaxTokens: req.MaxTokens})
			if i.onUsage != nil {
				i.onUsage(ctx, req.Model, resp.Usage)
			}
			span.SetAttributes(attribute.Int("attempts", attempt))
			return resp, nil
		}

		class := Classify(err)
		lastErr, lastClass = err, class
		if failureCounter != nil {
			failureCounter.Add(ctx, 1, otelmetric.WithAttributes(
				attribute.String("model", req.Model),
				attribute.String("class", string(class)),
			))
		}
		rec := Attempt{Model: req.Model, Number: attempt, MaxTokens: req.MaxTokens, Class: class, Err: err}
		i.logger.Printf("%s failed (%s) on attempt %d/%d: %s", req.Model, class, attempt, i.maxAttempts, truncate(err.Error(), 200))

		if attempt == i.maxAttempts {
			i.observe(rec)
			break
		}

		if class == ClassInvalidParam {
			if req.MaxTokens > 1 {
				old := req.MaxTokens
				req.MaxTokens = old / 2
				i.logger.Printf("invalid parameter, lowering max_tokens %d -> %d", old, req.MaxTokens)
			}
			halvings++
			i.observe(rec)
			continue
		}
		// every failed attempt except a halving counts towards the exponent
		backoff := attempt - 1 - halvings
		switch class {
		case ClassConnection, ClassTimeout:
			rec.Wait = i.baseWait * time.Duration(1<<backoff)
		case ClassRateLimit:
			rec.Wait = i.baseWait * time.Duration(1<<backoff) * 2
		}
		i.observe(rec)
		if rec.Wait > 0 {
			i.logger.Printf("waiting %s before retrying %s", rec.Wait, req.Model)
			if err := i.sleep(ctx, rec.Wait); err != nil {
				lastErr, lastClass = err, ClassTimeout
				break
			}
		}
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no attempts made")
		lastClass = ClassOther
	}
	ierr := &InvokeError{Model: req.Model, Attempts: made, Class: lastClass, Err: lastErr}
	span.RecordError(ierr)
	span.SetStatus(codes.Error, string(lastClass))
	i.logger.Printf("%s exhausted retries: %v", req.Model, lastErr)
	return provider.Response{}, ierr
}

func (i *Invoker) observe(a Attempt) {
	if i.onAttempt != nil {
		i.onAttempt(a)
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
