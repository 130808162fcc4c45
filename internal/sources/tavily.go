package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const TavilyEndpoint = "https://api.tavily.com/search"

// Tavily is the general web search tool.
type Tavily struct {
	APIKey   string
	Endpoint string
	client   *http.Client
}

func NewTavily(apiKey, endpoint string, timeout time.Duration) *Tavily {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = TavilyEndpoint
	}
	return &Tavily{APIKey: apiKey, Endpoint: endpoint, client: newHTTPClient(timeout)}
}

func (t *Tavily) Name() string { return "tavily" }

func (t *Tavily) Search(ctx context.Context, query string, maxResults int) []Record {
	if strings.TrimSpace(t.APIKey) == "" {
		return errorRecords(t.Name(), errors.New("tavily api key is not configured"))
	}
	body, _ := json.Marshal(map[string]any{
		"api_key":     t.APIKey,
		"query":       query,
		"max_results": clampResults(maxResults),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.Endpoint, bytes.NewReader(body))
	if err != nil {
		return errorRecords(t.Name(), err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	resp, err := t.client.Do(req)
	if err != nil {
		return errorRecords(t.Name(), fmt.Errorf("tavily request: %w", err))
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return errorRecords(t.Name(), err)
	}
	if resp.StatusCode/100 != 2 {
		return errorRecords(t.Name(), fmt.Errorf("tavily status %d", resp.StatusCode))
	}
	if !gjson.ValidBytes(raw) {
		return errorRecords(t.Name(), errors.New("tavily returned invalid json"))
	}
	var out []Record
	gjson.GetBytes(raw, "results").ForEach(func(_, r gjson.Result) bool {
		out = append(out, Record{
			Source:  t.Name(),
			Title:   r.Get("title").String(),
			URL:     r.Get("url").String(),
			Content: r.Get("content").String(),
			Score:   r.Get("score").Float(),
		})
		return true
	})
	return out
}
