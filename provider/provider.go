package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// Message is one turn of a chat conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a single chat completion call. Model is the fully qualified
// identifier ("deepseek:deepseek-chat"). MaxTokens <= 0 means unset.
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature *float64
}

// Usage reports token accounting returned by the backend.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Response is the text produced by the backend.
type Response struct {
	Model   string
	Content string
	Usage   Usage
}

// Provider is the interface that all LLM backends must satisfy
type Provider interface {
	ChatCompletion(ctx context.Context, req Request) (Response, error)
}

// StatusError is returned when the backend answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	body := e.Body
	if len(body) > 300 {
		body = body[:300]
	}
	return fmt.Sprintf("status %d: %s", e.StatusCode, body)
}

// ErrUnknownProvider is returned when a model identifier names no configured backend.
var ErrUnknownProvider = errors.New("unknown provider")

// SplitModel separates "family:name" into its parts. Identifiers without a
// family prefix return an empty family.
func SplitModel(id string) (family, name string) {
	id = strings.TrimSpace(id)
	if i := strings.Index(id, ":"); i > 0 {
		return strings.ToLower(id[:i]), id[i+1:]
	}
	return "", id
}

// Temperature returns a pointer to t, for building requests inline.
func Temperature(t float64) *float64 { return &t }

// Router dispatches requests to a backend chosen by the model family prefix.
type Router struct {
	backends map[string]Provider
	fallback string
}

// NewRouter builds a router over the given backends keyed by family. defaultFamily
// is used for identifiers without a prefix.
func NewRouter(backends map[string]Provider, defaultFamily string) *Router {
	m := make(map[string]Provider, len(backends))
	for k, v := range backends {
		m[strings.ToLower(k)] = v
	}
	return &Router{backends: m, fallback: strings.ToLower(defaultFamily)}
}

// ChatCompletion forwards the request to the family backend with the family prefix stripped.
func (r *Router) ChatCompletion(ctx context.Context, req Request) (Response, error) {
	family, name := SplitModel(req.Model)
	if family == "" {
		family = r.fallback
	}
	backend, ok := r.backends[family]
	if !ok {
		return Response{}, fmt.Errorf("%w: %q", ErrUnknownProvider, family)
	}
	inner := req
	inner.Model = name
	resp, err := backend.ChatCompletion(ctx, inner)
	if err != nil {
		return Response{}, err
	}
	resp.Model = req.Model
	return resp, nil
}

// Has reports whether a backend is registered for family.
func (r *Router) Has(family string) bool {
	_, ok := r.backends[strings.ToLower(family)]
	return ok
}
