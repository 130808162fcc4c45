package sources

import (
	"fmt"
	"sort"
	"strings"

	"github.com/blevesearch/bleve"
)

const rrfK = 60 // reciprocal-rank-fusion constant

type evidenceDoc struct {
	Title   string `json:"title"`
	Content string `json:"content"`
	Source  string `json:"source"`
}

// Rank orders records by relevance to query and keeps the best k. The BM25
// ranking from an in-memory bleve index is fused with the order the tools
// returned, so that results the index cannot match still compete.
// Error records are dropped.
func Rank(records []Record, query string, k int) ([]Record, error) {
	var usable []Record
	for _, r := range records {
		if !r.Failed() {
			usable = append(usable, r)
		}
	}
	if k <= 0 || k > len(usable) {
		k = len(usable)
	}
	if len(usable) == 0 {
		return nil, nil
	}

	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("evidence index: %w", err)
	}
	defer index.Close()
	for i, r := range usable {
		doc := evidenceDoc{Title: r.Title, Content: r.Content, Source: r.Source}
		if err := index.Index(docID(i), doc); err != nil {
			return nil, fmt.Errorf("index record %d: %w", i, err)
		}
	}

	fused := make(map[int]float64, len(usable))
	for i := range usable {
		fused[i] += 1.0 / float64(rrfK+i+1)
	}
	if q := strings.TrimSpace(query); q != "" {
		req := bleve.NewSearchRequestOptions(bleve.NewMatchQuery(q), k*3, 0, false)
		res, err := index.Search(req)
		if err != nil {
			return nil, fmt.Errorf("evidence search: %w", err)
		}
		for rank, hit := range res.Hits {
			var i int
			if _, err := fmt.Sscanf(hit.ID, "rec-%d", &i); err != nil {
				continue
			}
			fused[i] += 1.0 / float64(rrfK+rank+1)
		}
	}

	order := make([]int, 0, len(usable))
	for i := range usable {
		order = append(order, i)
	}
	sort.SliceStable(order, func(a, b int) bool { return fused[order[a]] > fused[order[b]] })

	out := make([]Record, 0, k)
	for _, i := range order[:k] {
		r := usable[i]
		r.Score = fused[i]
		out = append(out, r)
	}
	return out, nil
}

func docID(i int) string { return fmt.Sprintf("rec-%d", i) }
