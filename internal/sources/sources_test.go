package sources

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestTavilySearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["api_key"] != "k" || body["query"] != "ai healthcare" || body["max_results"] != float64(2) {
			t.Errorf("unexpected request body %v", body)
		}
		_, _ = w.Write([]byte(`{"results":[{"title":"A","url":"https://a.example","content":"alpha","score":0.9},{"title":"B","url":"https://b.example","content":"beta"}]}`))
	}))
	defer srv.Close()

	recs := NewTavily("k", srv.URL, time.Second).Search(context.Background(), "ai healthcare", 2)
	if len(recs) != 2 || recs[0].Title != "A" || recs[1].URL != "https://b.example" || recs[0].Source != "tavily" {
		t.Fatalf("unexpected records %+v", recs)
	}
}

func TestTavilyErrorsBecomeRecords(t *testing.T) {
	recs := NewTavily("", "", time.Second).Search(context.Background(), "q", 1)
	if len(recs) != 1 || !recs[0].Failed() {
		t.Fatalf("missing key must produce an error record, got %+v", recs)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	}))
	defer srv.Close()
	recs = NewTavily("k", srv.URL, time.Second).Search(context.Background(), "q", 1)
	if len(recs) != 1 || !strings.Contains(recs[0].Error, "502") {
		t.Fatalf("expected status error record, got %+v", recs)
	}
}

const atomSample = `<?xml version="1.0" encoding="UTF-8"?>
<feed xmlns="http://www.w3.org/2005/Atom">
  <entry>
    <id>http://arxiv.org/abs/2401.00001v1</id>
    <published>2024-01-02T10:00:00Z</published>
    <title>Deep Learning
      for Diagnosis</title>
    <summary>  We study models.  </summary>
    <author><name>Ada Lovelace</name></author>
    <author><name>Alan Turing</name></author>
    <link href="http://arxiv.org/abs/2401.00001v1" rel="alternate" type="text/html"/>
  </entry>
</feed>`

func TestArxivSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("search_query"); got != "all:medical imaging" {
			t.Errorf("unexpected query %q", got)
		}
		w.Header().Set("Content-Type", "application/atom+xml")
		_, _ = w.Write([]byte(atomSample))
	}))
	defer srv.Close()

	recs := NewArxiv(srv.URL, time.Second).Search(context.Background(), "medical imaging", 3)
	if len(recs) != 1 {
		t.Fatalf("expected 1 record, got %+v", recs)
	}
	r := recs[0]
	if r.Title != "Deep Learning for Diagnosis" || r.Published != "2024-01-02" || len(r.Authors) != 2 {
		t.Fatalf("unexpected record %+v", r)
	}
	if r.PDFURL != "https://arxiv.org/pdf/2401.00001v1.pdf" {
		t.Fatalf("unexpected pdf url %q", r.PDFURL)
	}
}

func TestArxivMalformedFeed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("<feed><entry>"))
	}))
	defer srv.Close()
	recs := NewArxiv(srv.URL, time.Second).Search(context.Background(), "x", 1)
	if len(recs) != 1 || !recs[0].Failed() {
		t.Fatalf("malformed feed must yield an error record, got %+v", recs)
	}
}

func TestWikipediaSearch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("gsrsearch") != "Go language" {
			t.Errorf("unexpected search %q", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"query":{"pages":{"123":{"title":"Go (programming language)","fullurl":"https://en.wikipedia.org/wiki/Go","extract":" Go is a language. "}}}}`))
	}))
	defer srv.Close()
	recs := NewWikipedia(srv.URL, time.Second).Search(context.Background(), "Go language", 1)
	if len(recs) != 1 || recs[0].Title != "Go (programming language)" || recs[0].Content != "Go is a language." {
		t.Fatalf("unexpected records %+v", recs)
	}

	empty := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"batchcomplete":""}`))
	}))
	defer empty.Close()
	recs = NewWikipedia(empty.URL, time.Second).Search(context.Background(), "zzzz", 1)
	if len(recs) != 1 || !recs[0].Failed() {
		t.Fatalf("no match must be an error record, got %+v", recs)
	}
}

func TestRankPrefersMatchingRecords(t *testing.T) {
	records := []Record{
		{Source: "tavily", Title: "Cooking pasta", Content: "boil water and add salt", URL: "https://1"},
		{Source: "tavily", Error: "timeout"},
		{Source: "tavily", Title: "Gardening basics", Content: "plant seeds in spring", URL: "https://2"},
		{Source: "arxiv", Title: "Transformers in radiology", Content: "transformer models improve radiology diagnosis", URL: "https://3"},
	}
	ranked, err := Rank(records, "radiology transformer diagnosis", 2)
	if err != nil {
		t.Fatalf("Rank: %v", err)
	}
	if len(ranked) != 2 {
		t.Fatalf("expected top 2, got %d", len(ranked))
	}
	if ranked[0].URL != "https://3" {
		t.Fatalf("matching record should rank first, got %+v", ranked[0])
	}
	for _, r := range ranked {
		if r.Failed() || r.Score <= 0 {
			t.Fatalf("unexpected ranked record %+v", r)
		}
	}

	none, err := Rank([]Record{{Error: "x"}}, "q", 3)
	if err != nil || len(none) != 0 {
		t.Fatalf("only error records must rank to nothing: %v %v", none, err)
	}
}

func TestURLsAndFormat(t *testing.T) {
	recs := []Record{
		{Source: "tavily", Title: "A", URL: "https://a"},
		{Source: "arxiv", Title: "B", URL: "https://a"},
		{Source: "wikipedia", Error: "nope"},
		{Source: "arxiv", Title: "C", URL: "https://c", Authors: []string{"X"}},
	}
	urls := URLs(recs)
	if len(urls) != 2 || urls[0] != "https://a" || urls[1] != "https://c" {
		t.Fatalf("unexpected urls %v", urls)
	}
	text := Format(recs)
	if !strings.Contains(text, "1. [tavily] A") || !strings.Contains(text, "[wikipedia error] nope") || !strings.Contains(text, "(X)") {
		t.Fatalf("unexpected formatting:\n%s", text)
	}
}

type stubSearcher struct {
	name string
	recs []Record
}

func (s stubSearcher) Name() string { return s.name }
func (s stubSearcher) Search(ctx context.Context, q string, n int) []Record {
	return s.recs
}

func TestSetSearchAll(t *testing.T) {
	set := NewSet(stubSearcher{name: "a", recs: []Record{{Title: "1"}}}, nil, stubSearcher{name: "b", recs: []Record{{Error: "e"}}})
	if names := set.Names(); len(names) != 2 {
		t.Fatalf("nil searchers must be skipped, got %v", names)
	}
	if recs := set.SearchAll(context.Background(), "q", 3); len(recs) != 2 {
		t.Fatalf("unexpected records %+v", recs)
	}
}

func TestSetMentionedAndQuery(t *testing.T) {
	set := NewSet(
		stubSearcher{name: "tavily", recs: []Record{{Title: "web"}}},
		stubSearcher{name: "arxiv_search_tool", recs: []Record{{Error: "down"}}},
	)
	sub := set.Mentioned("For each collected item, search on arXiv")
	if names := sub.Names(); len(names) != 1 || names[0] != "arxiv_search_tool" {
		t.Fatalf("Mentioned = %v", names)
	}
	if set.Mentioned("nothing relevant").Len() != 0 {
		t.Fatal("unexpected match")
	}
	res := set.Query(context.Background(), "q", 4)
	if len(res) != 2 || res[0].Tool != "tavily" || res[0].MaxResults != 4 || !res[0].OK() || res[1].OK() {
		t.Fatalf("unexpected results %+v", res)
	}
}

type stubFetcher struct {
	pages map[string]Page
	calls int
}

func (f *stubFetcher) Fetch(ctx context.Context, u string) (Page, error) {
	f.calls++
	if p, ok := f.pages[u]; ok {
		return p, nil
	}
	return Page{URL: u, Status: 599}, nil
}

func TestEnrich(t *testing.T) {
	f := &stubFetcher{pages: map[string]Page{"https://a": {Status: 200, Text: "a much longer article body"}}}
	recs := []Record{{URL: "https://a", Content: "short"}, {Error: "x"}, {URL: "https://b", Content: "keep"}, {URL: "https://c"}}
	out := Enrich(context.Background(), f, recs, 2)
	if out[0].Content != "a much longer article body" || out[2].Content != "keep" {
		t.Fatalf("unexpected enrichment %+v", out)
	}
	if f.calls != 2 {
		t.Fatalf("expected 2 fetches, got %d", f.calls)
	}
	if recs[0].Content != "short" {
		t.Fatalf("input records must not be mutated")
	}
}

func TestBrowserFetcherRenderFailure(t *testing.T) {
	f := NewBrowserFetcher(time.Second, 100)
	f.render = func(ctx context.Context, u string) (string, error) { return "", errors.New("no chrome") }
	page, err := f.Fetch(context.Background(), "https://example.com")
	if err != nil || page.Status != 599 {
		t.Fatalf("render failure must be status 599, got %+v %v", page, err)
	}
	if _, err := f.Fetch(context.Background(), " "); err == nil {
		t.Fatalf("blank url must error")
	}
}

func TestBrowserFetcherExtractsArticle(t *testing.T) {
	body := strings.Repeat("<p>Clinical decision support systems use machine learning to assist physicians with diagnosis and triage in busy hospitals.</p>", 8)
	f := NewBrowserFetcher(time.Second, 50)
	f.render = func(ctx context.Context, u string) (string, error) {
		return "<html><head><title>AI in Clinics</title></head><body><article>" + body + "</article></body></html>", nil
	}
	page, err := f.Fetch(context.Background(), "https://example.com/a")
	if err != nil || page.Status != 200 {
		t.Fatalf("unexpected result %+v %v", page, err)
	}
	if len([]rune(page.Text)) > 50 {
		t.Fatalf("text must be capped, got %d runes", len([]rune(page.Text)))
	}
}
