package sources

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"
)

const (
	DefaultMaxResults = 5
	DefaultTimeout    = 15 * time.Second
	userAgent         = "DeepResearchAgent/1.0 (+https://github.com/ameureka/ai-deepresearch-agent)"
)

// Record is one retrieval result. A record with Error set stands in for a
// failed search; tools never return Go errors to the caller.
type Record struct {
	Source    string   `json:"source"`
	Title     string   `json:"title,omitempty"`
	URL       string   `json:"url,omitempty"`
	Content   string   `json:"content,omitempty"`
	Authors   []string `json:"authors,omitempty"`
	Published string   `json:"published,omitempty"`
	PDFURL    string   `json:"link_pdf,omitempty"`
	Score     float64  `json:"score,omitempty"`
	Error     string   `json:"error,omitempty"`
}

func (r Record) Failed() bool { return r.Error != "" }

// Searcher is the retrieval tool contract.
type Searcher interface {
	Name() string
	Search(ctx context.Context, query string, maxResults int) []Record
}

func errorRecords(source string, err error) []Record {
	return []Record{{Source: source, Error: err.Error()}}
}

// URLs returns the distinct non-empty URLs in records, in order.
func URLs(records []Record) []string {
	seen := make(map[string]struct{}, len(records))
	var out []string
	for _, r := range records {
		u := strings.TrimSpace(r.URL)
		if u == "" || r.Failed() {
			continue
		}
		if _, ok := seen[u]; ok {
			continue
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}
	return out
}

// Format renders records as a numbered list for a model prompt.
func Format(records []Record) string {
	var b strings.Builder
	n := 0
	for _, r := range records {
		if r.Failed() {
			fmt.Fprintf(&b, "- [%s error] %s\n", r.Source, r.Error)
			continue
		}
		n++
		fmt.Fprintf(&b, "%d. [%s] %s", n, r.Source, r.Title)
		if len(r.Authors) > 0 {
			fmt.Fprintf(&b, " (%s)", strings.Join(r.Authors, ", "))
		}
		if r.Published != "" {
			fmt.Fprintf(&b, " %s", r.Published)
		}
		if r.URL != "" {
			fmt.Fprintf(&b, "\n   URL: %s", r.URL)
		}
		if c := strings.TrimSpace(r.Content); c != "" {
			fmt.Fprintf(&b, "\n   %s", clip(c, 600))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// Set runs several searchers for one query.
type Set struct {
	searchers []Searcher
	logger    *log.Logger
}

func NewSet(searchers ...Searcher) *Set {
	var list []Searcher
	for _, s := range searchers {
		if s != nil {
			list = append(list, s)
		}
	}
	return &Set{searchers: list, logger: log.New(log.Writer(), "[SOURCES] ", log.LstdFlags)}
}

func (s *Set) Names() []string {
	out := make([]string, 0, len(s.searchers))
	for _, x := range s.searchers {
		out = append(out, x.Name())
	}
	return out
}

func (s *Set) Len() int { return len(s.searchers) }

// Mentioned returns the searchers whose name (up to the first underscore)
// occurs in text, e.g. "search on arXiv" selects "arxiv".
func (s *Set) Mentioned(text string) *Set {
	text = strings.ToLower(text)
	var list []Searcher
	for _, x := range s.searchers {
		key := strings.ToLower(x.Name())
		if i := strings.IndexByte(key, '_'); i > 0 {
			key = key[:i]
		}
		if key != "" && strings.Contains(text, key) {
			list = append(list, x)
		}
	}
	return &Set{searchers: list, logger: s.logger}
}

// Result is what one searcher returned for one query.
type Result struct {
	Tool       string
	Query      string
	MaxResults int
	Records    []Record
}

// OK reports whether at least one record is not an error stand-in.
func (r Result) OK() bool {
	for _, rec := range r.Records {
		if !rec.Failed() {
			return true
		}
	}
	return false
}

// Query runs every searcher in order for query.
func (s *Set) Query(ctx context.Context, query string, maxResults int) []Result {
	out := make([]Result, 0, len(s.searchers))
	for _, x := range s.searchers {
		recs := x.Search(ctx, query, maxResults)
		failed := 0
		for _, r := range recs {
			if r.Failed() {
				failed++
			}
		}
		s.logger.Printf("%s returned %d record(s), %d error(s) for %q", x.Name(), len(recs)-failed, failed, clip(query, 80))
		out = append(out, Result{Tool: x.Name(), Query: query, MaxResults: maxResults, Records: recs})
	}
	return out
}

// SearchAll queries every searcher in order and concatenates the records.
func (s *Set) SearchAll(ctx context.Context, query string, maxResults int) []Record {
	var out []Record
	for _, res := range s.Query(ctx, query, maxResults) {
		out = append(out, res.Records...)
	}
	return out
}

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

func clampResults(n int) int {
	if n <= 0 {
		return DefaultMaxResults
	}
	return n
}

func clip(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
