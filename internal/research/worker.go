package research

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
)

const (
	DefaultMaxResults   = 5
	DefaultContextItems = 4

	snippetFallbackLen = 200
)

const condenseSystemPrompt = `You are a research assistant preparing material for a journalist.

From these search results, extract:

1. **HOOK MATERIAL** - One surprising statistic or bold claim that would grab attention
2. **KEY FACTS** - 2-3 specific facts with numbers, names, or concrete details
3. **INSIGHT** - One interesting implication or "what this means"

Format your response exactly like this:
HOOK: [the surprising stat or claim]
FACTS: [bullet the key facts]
INSIGHT: [the deeper meaning]

Be specific. Use actual numbers and names from the results.`

var preambles = []string{"Here", "Based on", "I found", "The search"}

type WorkerOptions struct {
	MaxResults   int
	ContextItems int
	// SnippetFallback turns a failed condensation into a success carrying
	// the first raw snippet.
	SnippetFallback bool
}

// Worker runs a single task: search, then condense.
type Worker struct {
	search Searcher
	gen    Generator
	opts   WorkerOptions
}

func NewWorker(search Searcher, gen Generator, opts WorkerOptions) *Worker {
	if opts.MaxResults <= 0 {
		opts.MaxResults = DefaultMaxResults
	}
	if opts.ContextItems <= 0 {
		opts.ContextItems = DefaultContextItems
	}
	return &Worker{search: search, gen: gen, opts: opts}
}

// Run never returns an error: failures are folded into the outcome status.
func (w *Worker) Run(ctx context.Context, task Task) TaskOutcome {
	out := TaskOutcome{Index: task.Index}

	items, err := w.search.Search(ctx, task.Query, w.opts.MaxResults)
	if err != nil {
		slog.Error("search failed", "task", task.Index, "query", task.Query, "error", err)
		out.Status = TaskFailed
		out.Err = fmt.Errorf("search: %w", err)
		return out
	}
	if len(items) == 0 {
		slog.Warn("search returned no results", "task", task.Index, "query", task.Query)
		out.Status = TaskEmpty
		return out
	}
	out.RawItems = items

	summary, err := w.gen.Generate(ctx, condensePrompt(task.Query, items, w.opts.ContextItems), condenseSystemPrompt, false)
	if err != nil {
		slog.Error("condense failed", "task", task.Index, "error", err)
		if w.opts.SnippetFallback {
			out.Status = TaskSucceeded
			out.Summary = "FACTS: " + truncateRunes(items[0].Snippet, snippetFallbackLen)
			return out
		}
		out.Status = TaskFailed
		out.Err = fmt.Errorf("condense: %w", err)
		return out
	}

	summary = StripPreamble(summary)
	if summary == "" {
		out.Status = TaskEmpty
		return out
	}

	out.Status = TaskSucceeded
	out.Summary = summary
	slog.Info("task summarized", "task", task.Index, "sources", len(items), "chars", len(summary))
	return out
}

// StripPreamble removes a generic lead-in line such as "Here is..." from a
// generated summary.
func StripPreamble(summary string) string {
	summary = strings.TrimSpace(summary)
	for _, p := range preambles {
		if !strings.HasPrefix(summary, p) {
			continue
		}
		if _, rest, ok := strings.Cut(summary, "\n"); ok {
			summary = strings.TrimSpace(rest)
		}
	}
	return summary
}

func condensePrompt(query string, items []Item, limit int) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Search: '%s'\n\nResults:", query)
	for i, it := range items {
		if i == limit {
			break
		}
		fmt.Fprintf(&sb, "\n• %s\n  %s\n", it.Title, it.Snippet)
	}
	sb.WriteString("\n\nExtract the best material for a report:")
	return sb.String()
}
