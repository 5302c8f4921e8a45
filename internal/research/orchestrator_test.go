package research

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func newTestOrchestrator(gen *fakeGen, search Searcher, count int, opts Options) *Orchestrator {
	if opts.Tick == 0 {
		opts.Tick = 5 * time.Millisecond
	}
	return NewOrchestrator(
		NewPlanner(gen, PlannerOptions{Counts: FixedCount(count), Picker: FirstK{}}),
		NewWorker(search, gen, WorkerOptions{}),
		NewWriter(gen),
		opts,
	)
}

func TestRunOrdersSummariesByTaskIndex(t *testing.T) {
	queries := []string{"q1", "q2", "q3", "q4", "q5"}

	for seed := range uint64(5) {
		t.Run(fmt.Sprintf("seed %d", seed), func(t *testing.T) {
			// Each seed assigns the latencies in a different order, so the
			// workers finish in a different order every time.
			rng := rand.New(rand.NewPCG(seed, 1))
			search := &fakeSearch{results: map[string][]Item{}, delays: map[string]time.Duration{}}
			for i, slot := range rng.Perm(len(queries)) {
				q := queries[i]
				search.results[q] = makeItems(2, q)
				search.delays[q] = time.Duration(slot*8+1) * time.Millisecond
			}
			gen := &fakeGen{planJSON: planJSON(queries...), reportText: "Report body."}

			var mu sync.Mutex
			var finished []int
			o := newTestOrchestrator(gen, search, len(queries), Options{}).WithHooks(Hooks{
				OnOutcome: func(task Task, _ TaskOutcome) {
					mu.Lock()
					finished = append(finished, task.Index)
					mu.Unlock()
				},
			})
			snaps := collect(o, "ordering")

			last := snaps[len(snaps)-1]
			if last.Stage != StageDone {
				t.Fatalf("expected done, got %s (%s)", last.Stage, last.Subtitle)
			}
			if len(finished) != len(queries) {
				t.Fatalf("expected %d outcomes, got %d", len(queries), len(finished))
			}

			prompt := gen.writePrompt
			pos := -1
			for _, q := range queries {
				i := strings.Index(prompt, "Search: '"+q+"'")
				if i < 0 {
					t.Fatalf("summary for %s missing from prompt", q)
				}
				if i < pos {
					t.Fatalf("summary for %s out of order (finish order %v)", q, finished)
				}
				pos = i
			}
		})
	}
}

func TestRunCompletesAllTasks(t *testing.T) {
	queries := make([]string, MaxTasks)
	search := &fakeSearch{results: map[string][]Item{}, delays: map[string]time.Duration{}}
	for i := range queries {
		q := fmt.Sprintf("query %d", i+1)
		queries[i] = q
		search.results[q] = makeItems(1, q)
		search.delays[q] = time.Duration((i*7)%5) * 3 * time.Millisecond
	}
	gen := &fakeGen{planJSON: planJSON(queries...), reportText: "Body."}

	var outcomes atomic.Int64
	o := newTestOrchestrator(gen, search, MaxTasks, Options{}).WithHooks(Hooks{
		OnOutcome: func(Task, TaskOutcome) { outcomes.Add(1) },
	})
	snaps := collect(o, "completion")

	if outcomes.Load() != MaxTasks {
		t.Errorf("expected %d outcomes, got %d", MaxTasks, outcomes.Load())
	}
	if search.calls.Load() != MaxTasks {
		t.Errorf("expected %d searches, got %d", MaxTasks, search.calls.Load())
	}

	var complete *Snapshot
	for i := range snaps {
		if snaps[i].Stage == StageSearchComplete {
			complete = &snaps[i]
		}
	}
	if complete == nil {
		t.Fatal("no search-complete snapshot")
	}
	if want := fmt.Sprintf("%d/%d successful", MaxTasks, MaxTasks); complete.Subtitle != want {
		t.Errorf("subtitle = %q, want %q", complete.Subtitle, want)
	}
	if len(complete.Details) != maxPreviews {
		t.Errorf("expected %d previews, got %d", maxPreviews, len(complete.Details))
	}
}

func TestRunStageOrder(t *testing.T) {
	search := &fakeSearch{results: map[string][]Item{
		"a": makeItems(3, "a"),
		"b": makeItems(3, "b"),
		"c": makeItems(3, "c"),
	}, delays: map[string]time.Duration{"a": 20 * time.Millisecond}}
	gen := &fakeGen{planJSON: planJSON("a", "b", "c"), reportText: "Body."}

	snaps := collect(newTestOrchestrator(gen, search, 3, Options{}), "order")

	got := stages(snaps)
	for i := 1; i < len(got); i++ {
		if got[i].Before(got[i-1]) {
			t.Fatalf("stage %s after %s: %v", got[i], got[i-1], got)
		}
	}
	for _, want := range []Stage{StagePlanning, StageStrategy, StageSearching, StageSearchComplete, StageWriting, StageDone} {
		if !slices.Contains(got, want) {
			t.Errorf("missing stage %s in %v", want, got)
		}
	}
	for i, s := range snaps[:len(snaps)-1] {
		if s.Stage.Terminal() {
			t.Errorf("terminal snapshot at position %d", i)
		}
	}
}

func TestRunNoData(t *testing.T) {
	search := &fakeSearch{
		results: map[string][]Item{},
		errs:    map[string]error{"b": errBoom},
	}
	gen := &fakeGen{planJSON: planJSON("a", "b", "c"), reportText: "unused"}

	snaps := collect(newTestOrchestrator(gen, search, 3, Options{}), "nothing here")

	last := snaps[len(snaps)-1]
	if last.Stage != StageNoData {
		t.Fatalf("expected no data, got %s", last.Stage)
	}
	if last.Subtitle != "Try a different topic" {
		t.Errorf("unexpected subtitle %q", last.Subtitle)
	}
	if gen.WriteCalls() != 0 {
		t.Errorf("writer called %d times", gen.WriteCalls())
	}
}

func TestRunSolarMicrogrids(t *testing.T) {
	queries := []string{"microgrid costs", "microgrid reliability", "microgrid policy"}
	search := &fakeSearch{results: map[string][]Item{
		"microgrid costs":  makeItems(4, "costs"),
		"microgrid policy": makeItems(2, "policy"),
	}}
	gen := &fakeGen{planJSON: planJSON(queries...), reportText: "Microgrids are spreading.\n\nThey keep the lights on."}

	var reported Report
	o := newTestOrchestrator(gen, search, 3, Options{}).WithHooks(Hooks{
		OnReport: func(r Report) { reported = r },
	})
	snaps := collect(o, "solar microgrids")

	last := snaps[len(snaps)-1]
	if last.Stage != StageDone {
		t.Fatalf("expected done, got %s", last.Stage)
	}
	if last.FinalReport == "" || last.FinalReport != reported.Body {
		t.Fatalf("final report mismatch: %q vs %q", last.FinalReport, reported.Body)
	}
	if !strings.HasPrefix(last.FinalReport, "# Solar Microgrids\n\n") {
		t.Errorf("unexpected report heading: %q", last.FinalReport)
	}
	if !slices.Contains(last.Details, "📚 Based on 2 sources") {
		t.Errorf("unexpected details %v", last.Details)
	}

	if gen.WriteCalls() != 1 {
		t.Fatalf("expected one write call, got %d", gen.WriteCalls())
	}
	prompt := gen.writePrompt
	costs := strings.Index(prompt, "Search: 'microgrid costs'")
	policy := strings.Index(prompt, "Search: 'microgrid policy'")
	if costs < 0 || policy < 0 || costs > policy {
		t.Errorf("summaries missing or out of order in prompt")
	}
	if strings.Contains(prompt, "microgrid reliability") {
		t.Error("empty task should not reach the writer")
	}

	var complete Snapshot
	for _, s := range snaps {
		if s.Stage == StageSearchComplete {
			complete = s
		}
	}
	if complete.Subtitle != "2/3 successful" {
		t.Errorf("unexpected search-complete subtitle %q", complete.Subtitle)
	}
}

func TestRunStrictPlanningFailure(t *testing.T) {
	gen := &fakeGen{planErr: errBoom}
	o := NewOrchestrator(
		NewPlanner(gen, PlannerOptions{Counts: FixedCount(3), Picker: FirstK{}, Strict: true}),
		NewWorker(&fakeSearch{}, gen, WorkerOptions{}),
		NewWriter(gen),
		Options{Tick: 5 * time.Millisecond},
	)

	snaps := collect(o, "anything")
	got := stages(snaps)
	if !slices.Equal(got, []Stage{StagePlanning, StageError}) {
		t.Fatalf("unexpected stages %v", got)
	}
	if !strings.HasPrefix(snaps[1].Subtitle, "planning: ") || !strings.Contains(snaps[1].Subtitle, "boom") {
		t.Errorf("expected error detail, got %q", snaps[1].Subtitle)
	}
}

func TestPhaseErrorUnwraps(t *testing.T) {
	err := error(&PhaseError{Stage: StageWriting, Err: errBoom})
	if err.Error() != "writing: "+errBoom.Error() {
		t.Errorf("Error() = %q", err.Error())
	}
	if !errors.Is(err, errBoom) {
		t.Error("PhaseError should unwrap to its cause")
	}
	var pe *PhaseError
	if !errors.As(err, &pe) || pe.Stage != StageWriting {
		t.Errorf("errors.As = %+v", pe)
	}
}

func TestRunWriteError(t *testing.T) {
	search := &fakeSearch{results: map[string][]Item{"a": makeItems(1, "a"), "b": makeItems(1, "b")}}
	gen := &fakeGen{planJSON: planJSON("a", "b"), writeErr: fmt.Errorf("%s", strings.Repeat("e", 300))}

	snaps := collect(newTestOrchestrator(gen, search, 2, Options{}), "write fails")
	last := snaps[len(snaps)-1]
	if last.Stage != StageError || last.Title != "❌ WRITE ERROR" {
		t.Fatalf("unexpected last snapshot %+v", last)
	}
	if n := len([]rune(last.Subtitle)); n != errorDetailLen {
		t.Errorf("expected subtitle of %d runes, got %d", errorDetailLen, n)
	}
}

// panicky panics for one query and delegates the rest.
type panicky struct {
	next  TaskRunner
	query string
}

func (p panicky) Run(ctx context.Context, task Task) TaskOutcome {
	if task.Query == p.query {
		panic("worker exploded")
	}
	return p.next.Run(ctx, task)
}

func TestRunRecoversWorkerPanic(t *testing.T) {
	search := &fakeSearch{results: map[string][]Item{"a": makeItems(1, "a"), "b": makeItems(1, "b"), "c": makeItems(1, "c")}}
	gen := &fakeGen{planJSON: planJSON("a", "b", "c"), reportText: "Body."}

	var failed atomic.Int64
	o := NewOrchestrator(
		NewPlanner(gen, PlannerOptions{Counts: FixedCount(3), Picker: FirstK{}}),
		panicky{next: NewWorker(search, gen, WorkerOptions{}), query: "b"},
		NewWriter(gen),
		Options{Tick: 5 * time.Millisecond},
	).WithHooks(Hooks{OnOutcome: func(_ Task, o TaskOutcome) {
		if o.Status == TaskFailed {
			failed.Add(1)
		}
	}})

	snaps := collect(o, "panic")
	if last := snaps[len(snaps)-1]; last.Stage != StageDone {
		t.Fatalf("expected done, got %s", last.Stage)
	}
	if failed.Load() != 1 {
		t.Errorf("expected one failed task, got %d", failed.Load())
	}
}

// gauge tracks peak concurrent searches.
type gauge struct {
	mu        sync.Mutex
	cur, peak int
}

func (g *gauge) Search(ctx context.Context, query string, maxResults int) ([]Item, error) {
	g.mu.Lock()
	g.cur++
	g.peak = max(g.peak, g.cur)
	g.mu.Unlock()

	time.Sleep(10 * time.Millisecond)

	g.mu.Lock()
	g.cur--
	g.mu.Unlock()
	return makeItems(1, query), nil
}

func TestRunMaxConcurrency(t *testing.T) {
	g := &gauge{}
	gen := &fakeGen{planJSON: planJSON("a", "b", "c", "d", "e", "f"), reportText: "Body."}

	snaps := collect(newTestOrchestrator(gen, g, 6, Options{MaxConcurrency: 2}), "capped")
	if last := snaps[len(snaps)-1]; last.Stage != StageDone {
		t.Fatalf("expected done, got %s", last.Stage)
	}
	if g.peak > 2 {
		t.Errorf("peak concurrency %d exceeds cap", g.peak)
	}
}

func TestRunConsumerBreakCancelsWorkers(t *testing.T) {
	search := &fakeSearch{
		results: map[string][]Item{"a": makeItems(1, "a"), "b": makeItems(1, "b")},
		delays:  map[string]time.Duration{"a": time.Minute, "b": time.Minute},
	}
	gen := &fakeGen{planJSON: planJSON("a", "b"), reportText: "Body."}

	var outcomes atomic.Int64
	o := newTestOrchestrator(gen, search, 2, Options{}).WithHooks(Hooks{
		OnOutcome: func(Task, TaskOutcome) { outcomes.Add(1) },
	})

	start := time.Now()
	for s := range o.Run(context.Background(), "walk away") {
		if s.Stage == StageSearching {
			break
		}
	}
	if time.Since(start) > 5*time.Second {
		t.Fatal("break did not cancel in-flight workers")
	}
	if outcomes.Load() != 2 {
		t.Errorf("expected both tasks settled, got %d", outcomes.Load())
	}
}

func TestRunContextCancelled(t *testing.T) {
	search := &fakeSearch{
		results: map[string][]Item{"a": makeItems(1, "a"), "b": makeItems(1, "b")},
		delays:  map[string]time.Duration{"a": time.Minute},
	}
	gen := &fakeGen{planJSON: planJSON("a", "b"), reportText: "Body."}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	var snaps []Snapshot
	for s := range newTestOrchestrator(gen, search, 2, Options{}).Run(ctx, "timeout") {
		snaps = append(snaps, s)
	}
	last := snaps[len(snaps)-1]
	if last.Stage != StageError || last.Title != "❌ CANCELLED" {
		t.Fatalf("unexpected last snapshot %+v", last)
	}
	if gen.WriteCalls() != 0 {
		t.Error("writer should not run after cancellation")
	}
}

func TestProgressSnapshot(t *testing.T) {
	tasks := []Task{
		{Index: 1, Query: "a very long query that goes on well past the label width"},
		{Index: 2, Query: "short"},
		{Index: 3, Query: "third"},
		{Index: 4, Query: "fourth"},
	}
	sess := NewSession("t", tasks)
	sess.Start(1)
	sess.Record(TaskOutcome{Index: 2, Status: TaskSucceeded, RawItems: makeItems(3, "x"), Summary: "s"})
	sess.Record(TaskOutcome{Index: 3, Status: TaskFailed, Err: errBoom})

	s := progressSnapshot(sess)
	if s.Title != "🔍 SEARCHING [2/4]" {
		t.Errorf("title = %q", s.Title)
	}
	if s.Subtitle != "`[█████░░░░░]` 50%" {
		t.Errorf("subtitle = %q", s.Subtitle)
	}
	want := []string{
		"**1.** a very long query that goes on well... 🔍 Searching...",
		"**2.** short... ✅ 3 sources",
		"**3.** third... ❌ Failed",
		"**4.** fourth... ⏳ Waiting...",
	}
	if !slices.Equal(s.Details, want) {
		t.Errorf("details = %q", s.Details)
	}
}

func TestRender(t *testing.T) {
	status, report := Render(Snapshot{
		Stage:       StageDone,
		Title:       "✅ DONE!",
		Subtitle:    "Report ready 👇",
		Details:     []string{"📝 1,234 characters"},
		FinalReport: "# T\n\nBody\n",
	})
	if status != "## ✅ DONE!\n\nReport ready 👇\n\n---\n\n📝 1,234 characters" {
		t.Errorf("status = %q", status)
	}
	if report != "# T\n\nBody" {
		t.Errorf("report = %q", report)
	}

	status, report = Render(Snapshot{Stage: StagePlanning, Title: "🧠 PLANNING"})
	if status != "## 🧠 PLANNING" || report != "" {
		t.Errorf("unexpected render %q %q", status, report)
	}
}

func TestFormatThousands(t *testing.T) {
	tests := map[int]string{0: "0", 999: "999", 1000: "1,000", 1234567: "1,234,567", -4200: "-4,200"}
	for in, want := range tests {
		if got := formatThousands(in); got != want {
			t.Errorf("formatThousands(%d) = %q, want %q", in, got, want)
		}
	}
}
