package research

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"

	"github.com/mtzanidakis/deepr/internal/llm"
)

const (
	MinTasks = 3
	MaxTasks = 7

	// minValidTasks is the smallest plan accepted from the generator.
	minValidTasks = 2
)

// CountPolicy decides how many tasks a plan asks for.
type CountPolicy interface {
	Count() int
}

// FixedCount always asks for the same number of tasks.
type FixedCount int

func (c FixedCount) Count() int { return int(c) }

// RandomCount picks uniformly from [MinTasks, MaxTasks].
type RandomCount struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewRandomCount(seed uint64) *RandomCount {
	return &RandomCount{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

func (c *RandomCount) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return MinTasks + c.rng.IntN(MaxTasks-MinTasks+1)
}

// PoolPicker selects k queries from the fallback pool.
type PoolPicker interface {
	Pick(pool []string, k int) []string
}

// FirstK takes the pool in order.
type FirstK struct{}

func (FirstK) Pick(pool []string, k int) []string {
	if k > len(pool) {
		k = len(pool)
	}
	return append([]string(nil), pool[:k]...)
}

// ShufflePick samples k distinct entries using a seeded generator.
type ShufflePick struct {
	mu  sync.Mutex
	rng *rand.Rand
}

func NewShufflePick(seed uint64) *ShufflePick {
	return &ShufflePick{rng: rand.New(rand.NewPCG(seed, seed^0xbf58476d1ce4e5b9))}
}

func (p *ShufflePick) Pick(pool []string, k int) []string {
	if k > len(pool) {
		k = len(pool)
	}
	p.mu.Lock()
	perm := p.rng.Perm(len(pool))
	p.mu.Unlock()

	out := make([]string, 0, k)
	for _, i := range perm[:k] {
		out = append(out, pool[i])
	}
	return out
}

type PlannerOptions struct {
	Counts CountPolicy
	Picker PoolPicker
	// Strict makes a failed generation call a planning failure instead of
	// a reason to use the fallback pool. Unparseable output still falls back.
	Strict bool
}

// Planner turns a topic into an ordered list of search tasks.
type Planner struct {
	gen  Generator
	opts PlannerOptions
}

func NewPlanner(gen Generator, opts PlannerOptions) *Planner {
	if opts.Counts == nil {
		opts.Counts = NewRandomCount(rand.Uint64())
	}
	if opts.Picker == nil {
		opts.Picker = NewShufflePick(rand.Uint64())
	}
	return &Planner{gen: gen, opts: opts}
}

type planResponse struct {
	Searches []struct {
		Query  string `json:"query"`
		Reason string `json:"reason"`
	} `json:"searches"`
}

// Plan returns between 2 and MaxTasks tasks. It fails for a blank topic, and
// in strict mode when the generator itself errors.
func (p *Planner) Plan(ctx context.Context, topic string) ([]Task, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, ErrEmptyTopic
	}

	count := clampCount(p.opts.Counts.Count())
	slog.Info("planning searches", "topic", topic, "count", count)

	if p.gen != nil {
		resp, err := p.gen.Generate(ctx, planPrompt(topic, count), "", true)
		if err != nil && p.opts.Strict {
			return nil, fmt.Errorf("generate plan: %w", err)
		}
		if err == nil {
			tasks, perr := parsePlan(resp, count)
			if perr == nil {
				slog.Info("plan ready", "topic", topic, "tasks", len(tasks))
				return tasks, nil
			}
			err = perr
		}
		slog.Warn("plan generation unusable, using fallback", "topic", topic, "error", err)
	}

	return p.fallback(topic, count), nil
}

func parsePlan(resp string, count int) ([]Task, error) {
	var parsed planResponse
	if err := json.Unmarshal([]byte(llm.ExtractJSON(resp)), &parsed); err != nil {
		return nil, fmt.Errorf("parse plan: %w", err)
	}

	tasks := make([]Task, 0, count)
	for _, s := range parsed.Searches {
		if len(tasks) == count {
			break
		}
		q := strings.TrimSpace(s.Query)
		if q == "" {
			continue
		}
		tasks = append(tasks, Task{
			Index:  len(tasks) + 1,
			Query:  q,
			Reason: strings.TrimSpace(s.Reason),
		})
	}
	if len(tasks) < minValidTasks {
		return nil, fmt.Errorf("plan has %d valid searches, need %d", len(tasks), minValidTasks)
	}
	return tasks, nil
}

func (p *Planner) fallback(topic string, count int) []Task {
	picks := p.opts.Picker.Pick(FallbackPool(topic), count)
	tasks := make([]Task, len(picks))
	for i, q := range picks {
		tasks[i] = Task{Index: i + 1, Query: q, Reason: "fallback"}
	}
	return tasks
}

// FallbackPool is the fixed set of template queries used when planning
// through the generator fails.
func FallbackPool(topic string) []string {
	return []string{
		topic + " statistics data",
		topic + " benefits advantages",
		topic + " problems issues",
		topic + " examples",
		topic + " expert analysis",
		topic + " latest developments",
		topic + " comparison",
	}
}

func clampCount(n int) int {
	switch {
	case n < minValidTasks:
		return minValidTasks
	case n > MaxTasks:
		return MaxTasks
	}
	return n
}

func planPrompt(topic string, count int) string {
	return fmt.Sprintf(`Create exactly %d search queries for: %s

Output JSON: {"searches": [{"query": "term", "reason": "why"}]}

Make them specific and diverse. JSON only:`, count, topic)
}
