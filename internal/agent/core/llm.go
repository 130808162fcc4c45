package core

import (
	"context"
	"log"

	"github.com/ameureka/ai-deepresearch-agent/internal/agent/telemetry"
	"github.com/ameureka/ai-deepresearch-agent/internal/chunking"
	"github.com/ameureka/ai-deepresearch-agent/internal/fallback"
	"github.com/ameureka/ai-deepresearch-agent/provider"
)

// Invoker is one resilient model call; *resilience.Invoker implements it.
type Invoker interface {
	Invoke(ctx context.Context, req provider.Request) (provider.Response, error)
}

// CallRequest describes a single agent-level completion.
type CallRequest struct {
	Agent       string
	Model       string
	System      string
	Prompt      string
	Temperature *float64
	MaxTokens   int
	// Chunk lets oversized prompts go through the context manager.
	Chunk bool
	Costs *telemetry.CostTracker
}

// CallResult carries the completion and the model that produced it, which
// differs from the requested one after a fallback substitution.
type CallResult struct {
	Content    string
	Model      string
	Transcript []provider.Message
}

// Caller composes the model stages: fallback around resilience, with chunking
// applied per model when the prompt does not fit.
type Caller struct {
	invoker  Invoker
	fallback *fallback.Controller
	chunker  *chunking.Manager
	logger   *log.Logger
}

type CallerOption func(*Caller)

func WithFallback(c *fallback.Controller) CallerOption {
	return func(x *Caller) { x.fallback = c }
}

func WithChunking(m *chunking.Manager) CallerOption {
	return func(x *Caller) { x.chunker = m }
}

func WithCallerLogger(l *log.Logger) CallerOption {
	return func(x *Caller) {
		if l != nil {
			x.logger = l
		}
	}
}

func NewCaller(inv Invoker, opts ...CallerOption) *Caller {
	c := &Caller{
		invoker: inv,
		logger:  log.New(log.Writer(), "[AGENT] ", log.LstdFlags),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Complete runs req through the stage stack. Errors that survive both retry
// and fallback are returned to the caller.
func (c *Caller) Complete(ctx context.Context, req CallRequest) (CallResult, error) {
	var res CallResult
	once := func(ctx context.Context, model string) (string, error) {
		res.Model = model
		invoke := func(ctx context.Context, prompt string) (string, error) {
			msgs := make([]provider.Message, 0, 2)
			if req.System != "" {
				msgs = append(msgs, provider.Message{Role: "system", Content: req.System})
			}
			msgs = append(msgs, provider.Message{Role: "user", Content: prompt})
			resp, err := c.invoker.Invoke(ctx, provider.Request{
				Model:       model,
				Messages:    msgs,
				MaxTokens:   req.MaxTokens,
				Temperature: req.Temperature,
			})
			if err != nil {
				return "", err
			}
			req.Costs.Track(model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens, req.Agent)
			res.Transcript = append(msgs, provider.Message{Role: "assistant", Content: resp.Content})
			return resp.Content, nil
		}
		if req.Chunk && c.chunker != nil {
			return c.chunker.Process(ctx, req.Prompt, model, invoke, false)
		}
		return invoke(ctx, req.Prompt)
	}

	var (
		out string
		err error
	)
	if c.fallback != nil {
		out, err = c.fallback.Do(ctx, req.Model, once)
	} else {
		out, err = once(ctx, req.Model)
	}
	if err != nil {
		c.logger.Printf("%s call on %s failed: %v", req.Agent, res.Model, err)
		return CallResult{Model: res.Model}, err
	}
	res.Content = out
	return res, nil
}
