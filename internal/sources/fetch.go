package sources

import (
	"context"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/chromedp/chromedp"
	"github.com/go-shiori/go-readability"
)

// Page is the readable text of a fetched URL.
type Page struct {
	URL    string `json:"url"`
	Title  string `json:"title,omitempty"`
	Byline string `json:"byline,omitempty"`
	Text   string `json:"text,omitempty"`
	Status int    `json:"status"`
}

// Fetcher retrieves article text for a URL.
type Fetcher interface {
	Fetch(ctx context.Context, rawURL string) (Page, error)
}

// BrowserFetcher renders pages in headless Chrome and extracts the article body.
type BrowserFetcher struct {
	Timeout  time.Duration
	MaxChars int
	// render is swapped in tests; nil uses chromedp.
	render func(ctx context.Context, rawURL string) (string, error)
}

func NewBrowserFetcher(timeout time.Duration, maxChars int) *BrowserFetcher {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxChars <= 0 {
		maxChars = 20000
	}
	return &BrowserFetcher{Timeout: timeout, MaxChars: maxChars}
}

// Fetch never fails on page errors; a page that cannot be rendered comes back
// with status 599 and no text.
func (f *BrowserFetcher) Fetch(ctx context.Context, rawURL string) (Page, error) {
	if strings.TrimSpace(rawURL) == "" {
		return Page{}, errors.New("invalid url")
	}
	ctx, cancel := context.WithTimeout(ctx, f.Timeout)
	defer cancel()

	render := f.render
	if render == nil {
		render = renderHTML
	}
	html, err := render(ctx, rawURL)
	if err != nil {
		return Page{URL: rawURL, Status: 599}, nil
	}
	article, err := readability.FromReader(strings.NewReader(html), parseURL(rawURL))
	if err != nil {
		return Page{URL: rawURL, Status: 200}, nil
	}
	text := strings.TrimSpace(article.TextContent)
	if r := []rune(text); len(r) > f.MaxChars {
		text = string(r[:f.MaxChars])
	}
	return Page{
		URL:    rawURL,
		Title:  strings.TrimSpace(article.Title),
		Byline: strings.TrimSpace(article.Byline),
		Text:   text,
		Status: 200,
	}, nil
}

func renderHTML(ctx context.Context, rawURL string) (string, error) {
	opts := append(chromedp.DefaultExecAllocatorOptions[:],
		chromedp.Flag("headless", true),
		chromedp.UserAgent(userAgent),
	)
	actx, cancelAlloc := chromedp.NewExecAllocator(ctx, opts...)
	defer cancelAlloc()
	bctx, cancelBrowser := chromedp.NewContext(actx)
	defer cancelBrowser()

	var html string
	err := chromedp.Run(bctx,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	return html, err
}

func parseURL(raw string) *url.URL {
	u, err := url.Parse(raw)
	if err != nil {
		return &url.URL{}
	}
	return u
}

// Enrich replaces the content of the first n records with fetched page text
// when the fetch produced more than the search snippet.
func Enrich(ctx context.Context, f Fetcher, records []Record, n int) []Record {
	if f == nil || n <= 0 {
		return records
	}
	out := make([]Record, len(records))
	copy(out, records)
	done := 0
	for i := range out {
		if done >= n {
			break
		}
		if out[i].Failed() || out[i].URL == "" {
			continue
		}
		done++
		page, err := f.Fetch(ctx, out[i].URL)
		if err != nil || page.Status != 200 || len(page.Text) <= len(out[i].Content) {
			continue
		}
		out[i].Content = page.Text
	}
	return out
}
