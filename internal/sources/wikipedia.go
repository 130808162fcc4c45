package sources

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/tidwall/gjson"
)

const WikipediaEndpoint = "https://en.wikipedia.org/w/api.php"

// Wikipedia returns the intro summary of the best matching article.
type Wikipedia struct {
	Endpoint  string
	Sentences int
	client    *http.Client
}

func NewWikipedia(endpoint string, timeout time.Duration) *Wikipedia {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = WikipediaEndpoint
	}
	return &Wikipedia{Endpoint: endpoint, Sentences: 5, client: newHTTPClient(timeout)}
}

func (w *Wikipedia) Name() string { return "wikipedia" }

func (w *Wikipedia) Search(ctx context.Context, query string, maxResults int) []Record {
	q := url.Values{}
	q.Set("action", "query")
	q.Set("format", "json")
	q.Set("generator", "search")
	q.Set("gsrsearch", query)
	q.Set("gsrlimit", "1")
	q.Set("prop", "extracts|info")
	q.Set("inprop", "url")
	q.Set("exintro", "1")
	q.Set("explaintext", "1")
	q.Set("exsentences", fmt.Sprint(w.Sentences))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, w.Endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return errorRecords(w.Name(), err)
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := w.client.Do(req)
	if err != nil {
		return errorRecords(w.Name(), fmt.Errorf("wikipedia request: %w", err))
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 2<<20))
	if err != nil {
		return errorRecords(w.Name(), err)
	}
	if resp.StatusCode/100 != 2 {
		return errorRecords(w.Name(), fmt.Errorf("wikipedia status %d", resp.StatusCode))
	}
	var out []Record
	gjson.GetBytes(raw, "query.pages").ForEach(func(_, p gjson.Result) bool {
		out = append(out, Record{
			Source:  w.Name(),
			Title:   p.Get("title").String(),
			URL:     p.Get("fullurl").String(),
			Content: strings.TrimSpace(p.Get("extract").String()),
		})
		return len(out) < clampResults(maxResults)
	})
	if len(out) == 0 {
		return errorRecords(w.Name(), errors.New("no wikipedia article matched"))
	}
	return out
}
