package search

import (
	"context"
	"strings"

	"github.com/mtzanidakis/deepr/internal/research"
)

// Static serves canned results. Queries are matched case-insensitively by
// substring against the keys, so "solar" answers "solar microgrids costs".
// It backs offline runs and demos.
type Static struct {
	results map[string][]research.Item
}

func NewStatic(results map[string][]research.Item) *Static {
	norm := make(map[string][]research.Item, len(results))
	for k, v := range results {
		norm[strings.ToLower(k)] = v
	}
	return &Static{results: norm}
}

func (s *Static) Search(ctx context.Context, query string, maxResults int) ([]research.Item, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	q := strings.ToLower(query)

	var out []research.Item
	if items, ok := s.results[q]; ok {
		out = items
	} else {
		best := ""
		for k := range s.results {
			if strings.Contains(q, k) && len(k) > len(best) {
				best = k
			}
		}
		if best != "" {
			out = s.results[best]
		}
	}

	if maxResults > 0 && len(out) > maxResults {
		out = out[:maxResults]
	}
	return append([]research.Item{}, out...), nil
}
