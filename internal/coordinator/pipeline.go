package coordinator

import (
	"github.com/mtzanidakis/deepr/internal/config"
	"github.com/mtzanidakis/deepr/internal/llm"
	"github.com/mtzanidakis/deepr/internal/research"
	"github.com/mtzanidakis/deepr/internal/search"
)

// NewPipeline wires the research stages to the configured LLM endpoint and
// SearXNG instance.
func NewPipeline(cfg *config.Config) *research.Orchestrator {
	gen := llm.NewClient(cfg.LLM)
	searcher := search.NewSearXNG(cfg.Search)
	return BuildOrchestrator(cfg.Research, cfg.Search.MaxResults, gen, searcher)
}

// BuildOrchestrator assembles planner, worker and writer around the given
// collaborators. A non-zero seed makes task counts and fallback picks
// reproducible.
func BuildOrchestrator(rc config.ResearchConfig, maxResults int, gen research.Generator, searcher research.Searcher) *research.Orchestrator {
	planOpts := research.PlannerOptions{Strict: rc.StrictPlanning}
	if rc.Seed != 0 {
		planOpts.Counts = research.NewRandomCount(rc.Seed)
		planOpts.Picker = research.NewShufflePick(rc.Seed)
	}

	planner := research.NewPlanner(gen, planOpts)
	worker := research.NewWorker(searcher, gen, research.WorkerOptions{
		MaxResults:      maxResults,
		ContextItems:    rc.ContextItems,
		SnippetFallback: rc.SnippetFallback,
	})
	writer := research.NewWriter(gen)

	return research.NewOrchestrator(planner, worker, writer, research.Options{
		Tick:           rc.Tick,
		MaxConcurrency: rc.MaxConcurrency,
		StrategyPause:  rc.StrategyPause,
		CompletePause:  rc.CompletePause,
	})
}
