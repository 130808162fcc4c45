package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ameureka/ai-deepresearch-agent/provider"
)

func TestChatCompletionParsesContentAndUsage(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer secret" {
			t.Errorf("missing bearer token")
		}
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"model":"deepseek-chat","choices":[{"message":{"role":"assistant","content":"hello"}}],"usage":{"prompt_tokens":12,"completion_tokens":3}}`))
	}))
	defer srv.Close()

	c := NewClient("secret", srv.URL+"/v1/", time.Second)
	resp, err := c.ChatCompletion(context.Background(), provider.Request{
		Model:       "deepseek-chat",
		Messages:    []provider.Message{{Role: "user", Content: "hi"}},
		MaxTokens:   100,
		Temperature: provider.Temperature(0),
	})
	if err != nil {
		t.Fatalf("ChatCompletion: %v", err)
	}
	if resp.Content != "hello" || resp.Usage.PromptTokens != 12 || resp.Usage.CompletionTokens != 3 {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if got["model"] != "deepseek-chat" || got["max_tokens"].(float64) != 100 {
		t.Fatalf("unexpected request body: %v", got)
	}
	if v, ok := got["temperature"]; !ok || v.(float64) != 0 {
		t.Fatalf("temperature 0 must be sent explicitly: %v", got)
	}
}

func TestChatCompletionStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"type":"rate_limit"}}`))
	}))
	defer srv.Close()

	c := NewClient("k", srv.URL, time.Second)
	_, err := c.ChatCompletion(context.Background(), provider.Request{Model: "gpt-4o-mini"})
	var se *provider.StatusError
	if !errors.As(err, &se) || se.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected StatusError 429, got %v", err)
	}
}

func TestChatCompletionNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer srv.Close()

	c := NewClient("k", srv.URL, time.Second)
	if _, err := c.ChatCompletion(context.Background(), provider.Request{Model: "m"}); err == nil {
		t.Fatalf("expected error for empty choices")
	}
}
