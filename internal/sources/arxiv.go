package sources

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const ArxivEndpoint = "https://export.arxiv.org/api/query"

// Arxiv queries the arXiv Atom API.
type Arxiv struct {
	Endpoint string
	client   *http.Client
}

func NewArxiv(endpoint string, timeout time.Duration) *Arxiv {
	if strings.TrimSpace(endpoint) == "" {
		endpoint = ArxivEndpoint
	}
	return &Arxiv{Endpoint: endpoint, client: newHTTPClient(timeout)}
}

func (a *Arxiv) Name() string { return "arxiv" }

type atomFeed struct {
	Entries []atomEntry `xml:"entry"`
}

type atomEntry struct {
	ID        string `xml:"id"`
	Title     string `xml:"title"`
	Summary   string `xml:"summary"`
	Published string `xml:"published"`
	Authors   []struct {
		Name string `xml:"name"`
	} `xml:"author"`
	Links []struct {
		Href  string `xml:"href,attr"`
		Title string `xml:"title,attr"`
	} `xml:"link"`
}

func (a *Arxiv) Search(ctx context.Context, query string, maxResults int) []Record {
	q := url.Values{}
	q.Set("search_query", "all:"+query)
	q.Set("start", "0")
	q.Set("max_results", fmt.Sprint(clampResults(maxResults)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.Endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return errorRecords(a.Name(), err)
	}
	req.Header.Set("User-Agent", userAgent)
	resp, err := a.client.Do(req)
	if err != nil {
		return errorRecords(a.Name(), fmt.Errorf("arxiv request: %w", err))
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return errorRecords(a.Name(), fmt.Errorf("arxiv status %d", resp.StatusCode))
	}
	var feed atomFeed
	if err := xml.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&feed); err != nil {
		return errorRecords(a.Name(), fmt.Errorf("arxiv feed: %w", err))
	}
	out := make([]Record, 0, len(feed.Entries))
	for _, e := range feed.Entries {
		rec := Record{
			Source:  a.Name(),
			Title:   collapseSpace(e.Title),
			URL:     strings.TrimSpace(e.ID),
			Content: collapseSpace(e.Summary),
		}
		if len(e.Published) >= 10 {
			rec.Published = e.Published[:10]
		}
		for _, au := range e.Authors {
			if n := strings.TrimSpace(au.Name); n != "" {
				rec.Authors = append(rec.Authors, n)
			}
		}
		for _, l := range e.Links {
			if l.Title == "pdf" {
				rec.PDFURL = l.Href
				break
			}
		}
		if rec.PDFURL == "" && rec.URL != "" {
			rec.PDFURL = PDFURL(rec.URL)
		}
		out = append(out, rec)
	}
	return out
}

// PDFURL turns an arXiv abstract URL into its PDF URL.
func PDFURL(absURL string) string {
	u := strings.Replace(strings.TrimSpace(absURL), "http://", "https://", 1)
	if strings.Contains(u, "/pdf/") && strings.HasSuffix(u, ".pdf") {
		return u
	}
	u = strings.Replace(u, "/abs/", "/pdf/", 1)
	if !strings.HasSuffix(u, ".pdf") {
		u += ".pdf"
	}
	return u
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
