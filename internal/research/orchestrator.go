package research

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"
)

const DefaultTick = 400 * time.Millisecond

type Options struct {
	// Tick is the progress emission interval while tasks are in flight.
	Tick time.Duration
	// MaxConcurrency caps simultaneously running workers. Zero means one
	// goroutine per task.
	MaxConcurrency int
	// StrategyPause and CompletePause hold the strategy and search-complete
	// snapshots on screen before moving on.
	StrategyPause time.Duration
	CompletePause time.Duration
}

// Hooks observe a run without taking part in it. OnOutcome is called from
// worker goroutines and must be safe for concurrent use.
type Hooks struct {
	OnPlan    func(tasks []Task)
	OnOutcome func(task Task, outcome TaskOutcome)
	OnReport  func(report Report)
}

type TaskRunner interface {
	Run(ctx context.Context, task Task) TaskOutcome
}

type ReportWriter interface {
	Write(ctx context.Context, topic string, summaries []string) (Report, error)
}

type TaskPlanner interface {
	Plan(ctx context.Context, topic string) ([]Task, error)
}

// Orchestrator sequences planning, fan-out, aggregation and writing for one
// topic and reports progress as snapshots.
type Orchestrator struct {
	planner TaskPlanner
	worker  TaskRunner
	writer  ReportWriter
	opts    Options
	hooks   Hooks
}

func NewOrchestrator(planner TaskPlanner, worker TaskRunner, writer ReportWriter, opts Options) *Orchestrator {
	if opts.Tick <= 0 {
		opts.Tick = DefaultTick
	}
	return &Orchestrator{planner: planner, worker: worker, writer: writer, opts: opts}
}

// WithHooks returns a copy of the orchestrator that reports to h.
func (o *Orchestrator) WithHooks(h Hooks) *Orchestrator {
	c := *o
	c.hooks = h
	return &c
}

// Run returns the lazy snapshot sequence for topic. The last snapshot is
// always terminal. Breaking out of the loop cancels the run and waits for
// in-flight workers to return.
func (o *Orchestrator) Run(ctx context.Context, topic string) iter.Seq[Snapshot] {
	return func(yield func(Snapshot) bool) {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		topic = strings.TrimSpace(topic)
		slog.Info("research started", "topic", topic)

		if !yield(planningSnapshot(topic)) {
			return
		}

		tasks, err := o.planner.Plan(ctx, topic)
		if err != nil {
			slog.Error("planning failed", "topic", topic, "error", err)
			yield(errorSnapshot("❌ ERROR", &PhaseError{Stage: StagePlanning, Err: err}))
			return
		}
		if o.hooks.OnPlan != nil {
			o.hooks.OnPlan(tasks)
		}

		if !yield(strategySnapshot(tasks)) {
			return
		}
		if !sleepCtx(ctx, o.opts.StrategyPause) {
			yield(cancelledSnapshot(ctx.Err()))
			return
		}

		sess := NewSession(topic, tasks)
		done := o.fanOut(ctx, sess)

		ticker := time.NewTicker(o.opts.Tick)
		defer ticker.Stop()
		for sess.Completed() < sess.Total() {
			if !yield(progressSnapshot(sess)) {
				cancel()
				<-done
				return
			}
			select {
			case <-ticker.C:
			case <-done:
			}
		}
		<-done

		if ctx.Err() != nil {
			yield(cancelledSnapshot(ctx.Err()))
			return
		}

		agg := Collect(sess)
		slog.Info("search complete", "topic", topic, "succeeded", agg.Succeeded, "total", agg.Total)
		if !yield(searchCompleteSnapshot(agg)) {
			return
		}
		if !sleepCtx(ctx, o.opts.CompletePause) {
			yield(cancelledSnapshot(ctx.Err()))
			return
		}

		if agg.Succeeded == 0 {
			yield(Snapshot{Stage: StageNoData, Title: "❌ NO DATA", Subtitle: "Try a different topic"})
			return
		}

		if !yield(writingSnapshot(agg)) {
			return
		}

		report, err := o.writer.Write(ctx, topic, agg.Summaries)
		if err != nil {
			slog.Error("writing failed", "topic", topic, "error", err)
			yield(errorSnapshot("❌ WRITE ERROR", &PhaseError{Stage: StageWriting, Err: err}))
			return
		}
		if o.hooks.OnReport != nil {
			o.hooks.OnReport(report)
		}

		slog.Info("research done", "topic", topic, "chars", len(report.Body))
		yield(Snapshot{
			Stage:    StageDone,
			Title:    "✅ DONE!",
			Subtitle: "Report ready 👇",
			Details: []string{
				fmt.Sprintf("📝 %s characters", formatThousands(utf8.RuneCountInString(report.Body))),
				fmt.Sprintf("📚 Based on %d sources", agg.Succeeded),
			},
			FinalReport: report.Body,
		})
	}
}

// fanOut starts one goroutine per task and returns a channel closed once
// every task has settled.
func (o *Orchestrator) fanOut(ctx context.Context, sess *Session) <-chan struct{} {
	var sem chan struct{}
	if o.opts.MaxConcurrency > 0 {
		sem = make(chan struct{}, o.opts.MaxConcurrency)
	}

	var wg sync.WaitGroup
	for _, task := range sess.Tasks {
		wg.Add(1)
		go func(task Task) {
			defer wg.Done()

			if sem != nil {
				select {
				case sem <- struct{}{}:
					defer func() { <-sem }()
				case <-ctx.Done():
					o.settle(sess, task, TaskOutcome{Index: task.Index, Status: TaskFailed, Err: ctx.Err()})
					return
				}
			}

			sess.Start(task.Index)
			o.settle(sess, task, o.runTask(ctx, task))
		}(task)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	return done
}

func (o *Orchestrator) runTask(ctx context.Context, task Task) (out TaskOutcome) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("task panicked", "task", task.Index, "panic", r)
			out = TaskOutcome{Index: task.Index, Status: TaskFailed, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	out = o.worker.Run(ctx, task)
	out.Index = task.Index
	if !out.Status.Terminal() {
		out.Err = fmt.Errorf("worker returned non-terminal status %q", out.Status)
		out.Status = TaskFailed
	}
	return out
}

func (o *Orchestrator) settle(sess *Session, task Task, out TaskOutcome) {
	if !sess.Record(out) {
		return
	}
	if o.hooks.OnOutcome != nil {
		o.hooks.OnOutcome(task, out)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
