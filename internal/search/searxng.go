package search

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mtzanidakis/deepr/internal/config"
	"github.com/mtzanidakis/deepr/internal/research"
)

const userAgent = "deepr/1.0 (research agent)"

// SearXNG queries a SearXNG instance through its JSON API.
type SearXNG struct {
	baseURL string
	cfg     config.SearchConfig
	http    *http.Client
}

func NewSearXNG(cfg config.SearchConfig) *SearXNG {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &SearXNG{
		baseURL: strings.TrimRight(strings.TrimSpace(cfg.URL), "/"),
		cfg:     cfg,
		http: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("too many redirects")
				}
				return nil
			},
		},
	}
}

type searxResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// Search returns up to maxResults items. Provider failures are logged and
// reported as an empty result set so a broken search backend surfaces as an
// empty task rather than a failed one.
func (s *SearXNG) Search(ctx context.Context, query string, maxResults int) ([]research.Item, error) {
	items, err := s.fetch(ctx, query, maxResults)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		slog.Warn("search provider error", "query", query, "error", err)
		return []research.Item{}, nil
	}
	return items, nil
}

func (s *SearXNG) fetch(ctx context.Context, query string, maxResults int) ([]research.Item, error) {
	if s.baseURL == "" {
		return nil, fmt.Errorf("search url is not configured")
	}
	if maxResults <= 0 {
		maxResults = s.cfg.MaxResults
	}

	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("safesearch", strconv.Itoa(s.cfg.SafeSearch))
	if s.cfg.Language != "" {
		params.Set("language", s.cfg.Language)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.baseURL+"/search?"+params.Encode(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %s", resp.Status)
	}

	var decoded searxResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}

	items := make([]research.Item, 0, maxResults)
	seen := make(map[string]struct{}, len(decoded.Results))
	for _, r := range decoded.Results {
		if len(items) == maxResults {
			break
		}
		if _, dup := seen[r.URL]; dup && r.URL != "" {
			continue
		}
		seen[r.URL] = struct{}{}
		items = append(items, research.Item{
			Title:   strings.TrimSpace(r.Title),
			URL:     r.URL,
			Snippet: strings.TrimSpace(r.Content),
		})
	}
	return items, nil
}
