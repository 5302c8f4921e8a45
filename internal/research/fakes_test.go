package research

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

var errBoom = errors.New("boom")

// fakeGen answers plan prompts with planJSON, condense prompts with a summary
// built from the query and write prompts with reportText.
type fakeGen struct {
	planJSON   string
	planErr    error
	condense   func(prompt string) (string, error)
	reportText string
	writeErr   error

	mu          sync.Mutex
	writeCalls  int
	writePrompt string
}

func (g *fakeGen) Generate(ctx context.Context, prompt, system string, jsonMode bool) (string, error) {
	switch {
	case jsonMode:
		return g.planJSON, g.planErr
	case system == writerSystemPrompt:
		g.mu.Lock()
		g.writeCalls++
		g.writePrompt = prompt
		g.mu.Unlock()
		return g.reportText, g.writeErr
	default:
		if g.condense != nil {
			return g.condense(prompt)
		}
		return "HOOK: something striking about " + firstLine(prompt) + "\nFACTS: one, two\nINSIGHT: it matters", nil
	}
}

func (g *fakeGen) WriteCalls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.writeCalls
}

func firstLine(s string) string {
	line, _, _ := strings.Cut(s, "\n")
	return line
}

// fakeSearch returns items per query with optional per-query latency.
type fakeSearch struct {
	results map[string][]Item
	errs    map[string]error
	delays  map[string]time.Duration
	calls   atomic.Int64
}

func (s *fakeSearch) Search(ctx context.Context, query string, maxResults int) ([]Item, error) {
	s.calls.Add(1)
	if d, ok := s.delays[query]; ok {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err, ok := s.errs[query]; ok {
		return nil, err
	}
	items := s.results[query]
	if len(items) > maxResults {
		items = items[:maxResults]
	}
	return items, nil
}

func makeItems(n int, prefix string) []Item {
	out := make([]Item, n)
	for i := range out {
		out[i] = Item{
			Title:   fmt.Sprintf("%s title %d", prefix, i+1),
			URL:     fmt.Sprintf("https://example.com/%s/%d", prefix, i+1),
			Snippet: fmt.Sprintf("%s snippet %d with enough words to be useful", prefix, i+1),
		}
	}
	return out
}

func planJSON(queries ...string) string {
	var sb strings.Builder
	sb.WriteString(`{"searches": [`)
	for i, q := range queries {
		if i > 0 {
			sb.WriteString(",")
		}
		fmt.Fprintf(&sb, `{"query": %q, "reason": "r%d"}`, q, i+1)
	}
	sb.WriteString("]}")
	return sb.String()
}

func collect(o *Orchestrator, topic string) []Snapshot {
	var out []Snapshot
	for s := range o.Run(context.Background(), topic) {
		out = append(out, s)
	}
	return out
}

func stages(snaps []Snapshot) []Stage {
	out := make([]Stage, len(snaps))
	for i, s := range snaps {
		out[i] = s.Stage
	}
	return out
}
