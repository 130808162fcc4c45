package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ameureka/ai-deepresearch-agent/provider"
	"github.com/tidwall/gjson"
)

const (
	OpenAIBaseURL   = "https://api.openai.com/v1"
	DeepSeekBaseURL = "https://api.deepseek.com/v1"
)

// client implements provider.Provider against any OpenAI-compatible
// /chat/completions endpoint.
type client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

// request represents a request to the chat completions API
type request struct {
	Model       string             `json:"model"`
	Messages    []provider.Message `json:"messages"`
	Temperature *float64           `json:"temperature,omitempty"`
	MaxTokens   int                `json:"max_tokens,omitempty"`
}

// NewClient creates a chat completion client. An empty baseURL targets OpenAI.
func NewClient(apiKey, baseURL string, timeout time.Duration) *client {
	if baseURL == "" {
		baseURL = OpenAIBaseURL
	}
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &client{
		apiKey:     apiKey,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

// ChatCompletion sends one non-streaming completion request.
func (c *client) ChatCompletion(ctx context.Context, in provider.Request) (provider.Response, error) {
	body := request{
		Model:       in.Model,
		Messages:    in.Messages,
		Temperature: in.Temperature,
		MaxTokens:   in.MaxTokens,
	}
	jsonData, err := json.Marshal(body)
	if err != nil {
		return provider.Response{}, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewBuffer(jsonData))
	if err != nil {
		return provider.Response{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return provider.Response{}, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return provider.Response{}, fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return provider.Response{}, &provider.StatusError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	if !gjson.ValidBytes(raw) {
		return provider.Response{}, fmt.Errorf("failed to parse response: invalid json")
	}

	parsed := gjson.ParseBytes(raw)
	content := parsed.Get("choices.0.message.content")
	if !content.Exists() {
		return provider.Response{}, fmt.Errorf("no choices in response")
	}
	return provider.Response{
		Model:   parsed.Get("model").String(),
		Content: content.String(),
		Usage: provider.Usage{
			PromptTokens:     int(parsed.Get("usage.prompt_tokens").Int()),
			CompletionTokens: int(parsed.Get("usage.completion_tokens").Int()),
		},
	}, nil
}

var _ provider.Provider = (*client)(nil)
