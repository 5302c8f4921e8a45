// Package coordinator runs research pipelines on behalf of the gateway's
// front-ends. It persists every run, publishes its snapshots on the bus and
// bounds how many runs execute at once.
package coordinator

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/deepr/internal/natsbus"
	"github.com/mtzanidakis/deepr/internal/research"
	"github.com/mtzanidakis/deepr/internal/store"
)

const (
	SourceAPI      = "api"
	SourceCLI      = "cli"
	SourceTelegram = "telegram"
	SourceSchedule = "schedule"
)

// RunOptions tag a run with where it came from.
type RunOptions struct {
	Source     string
	ScheduleID string
}

// FinishListener is called once a run has settled and been saved.
type FinishListener func(run store.ResearchRun)

type Coordinator struct {
	store  *store.Store
	client *natsbus.Client

	mu   sync.RWMutex
	orch *research.Orchestrator

	sem chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	runsMu  sync.Mutex
	running map[string]context.CancelFunc

	listenerMu sync.RWMutex
	listeners  []FinishListener
}

// New returns a coordinator. client may be nil, in which case no events are
// published. maxRuns below one allows a single run at a time.
func New(s *store.Store, client *natsbus.Client, orch *research.Orchestrator, maxRuns int) *Coordinator {
	if maxRuns < 1 {
		maxRuns = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		store:   s,
		client:  client,
		orch:    orch,
		sem:     make(chan struct{}, maxRuns),
		ctx:     ctx,
		cancel:  cancel,
		running: make(map[string]context.CancelFunc),
	}
}

// SetOrchestrator swaps the pipeline used by runs started from now on.
// Runs already in flight keep the one they started with.
func (c *Coordinator) SetOrchestrator(o *research.Orchestrator) {
	c.mu.Lock()
	c.orch = o
	c.mu.Unlock()
}

func (c *Coordinator) orchestrator() *research.Orchestrator {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.orch
}

// OnFinish registers a listener for settled runs.
func (c *Coordinator) OnFinish(fn FinishListener) {
	c.listenerMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.listenerMu.Unlock()
}

// Submit saves a new run and executes it in the background. The returned
// run reflects the state at submission.
func (c *Coordinator) Submit(topic string, opts RunOptions) (*store.ResearchRun, error) {
	run, err := c.newRun(topic, opts)
	if err != nil {
		return nil, err
	}
	submitted := *run

	// Use the coordinator context so the run outlives the request.
	ctx, cancel := context.WithCancel(c.ctx)
	c.track(run.ID, cancel)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()
		c.execute(ctx, run, nil)
	}()

	return &submitted, nil
}

// Run executes a run synchronously, handing every snapshot to onSnapshot
// before it moves on. It returns the settled run.
func (c *Coordinator) Run(ctx context.Context, topic string, opts RunOptions, onSnapshot func(research.Snapshot)) (*store.ResearchRun, error) {
	run, err := c.newRun(topic, opts)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.track(run.ID, cancel)

	c.execute(ctx, run, onSnapshot)
	return run, nil
}

// Cancel stops a running run. It reports whether the run was in flight.
func (c *Coordinator) Cancel(id string) bool {
	c.runsMu.Lock()
	cancel, ok := c.running[id]
	c.runsMu.Unlock()
	if ok {
		cancel()
	}
	return ok
}

// Running returns the number of runs in flight, queued ones included.
func (c *Coordinator) Running() int {
	c.runsMu.Lock()
	defer c.runsMu.Unlock()
	return len(c.running)
}

// Close cancels every background run and waits for them to settle.
func (c *Coordinator) Close() {
	c.cancel()
	c.wg.Wait()
}

func (c *Coordinator) newRun(topic string, opts RunOptions) (*store.ResearchRun, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, research.ErrEmptyTopic
	}
	if opts.Source == "" {
		opts.Source = SourceAPI
	}

	run := &store.ResearchRun{
		ID:         uuid.New().String(),
		Topic:      topic,
		Source:     opts.Source,
		ScheduleID: opts.ScheduleID,
		Status:     store.RunRunning,
		Stage:      string(research.StagePlanning),
		StartedAt:  time.Now().UTC(),
	}
	if err := c.store.SaveRun(run); err != nil {
		return nil, err
	}

	c.publishEvent(run.ID, EventStarted, map[string]any{
		"topic":  run.Topic,
		"source": run.Source,
	})
	return run, nil
}

func (c *Coordinator) track(id string, cancel context.CancelFunc) {
	c.runsMu.Lock()
	c.running[id] = cancel
	c.runsMu.Unlock()
}

func (c *Coordinator) untrack(id string) {
	c.runsMu.Lock()
	delete(c.running, id)
	c.runsMu.Unlock()
}

func (c *Coordinator) execute(ctx context.Context, run *store.ResearchRun, onSnapshot func(research.Snapshot)) {
	emit := func(snap research.Snapshot) {
		c.publishSnapshot(run.ID, snap)
		if onSnapshot != nil {
			onSnapshot(snap)
		}
	}

	select {
	case c.sem <- struct{}{}:
		defer func() { <-c.sem }()
	case <-ctx.Done():
		snap := research.Snapshot{Stage: research.StageError, Title: "❌ CANCELLED", Subtitle: ctx.Err().Error()}
		emit(snap)
		c.finish(run, snap, true, 0)
		return
	}

	slog.Info("research run started", "id", run.ID, "topic", run.Topic, "source", run.Source)

	var succeeded atomic.Int32
	hooks := research.Hooks{
		OnPlan: func(tasks []research.Task) {
			run.Total = len(tasks)
			rows := make([]store.RunTask, 0, len(tasks))
			for _, t := range tasks {
				rows = append(rows, store.RunTask{
					RunID:  run.ID,
					Index:  t.Index,
					Query:  t.Query,
					Reason: t.Reason,
					Status: string(research.TaskPending),
				})
			}
			if err := c.store.SaveRunTasks(run.ID, rows); err != nil {
				slog.Warn("failed to save run tasks", "id", run.ID, "error", err)
			}
		},
		OnOutcome: func(task research.Task, out research.TaskOutcome) {
			if out.Status == research.TaskSucceeded {
				succeeded.Add(1)
			}
			err := c.store.UpdateRunTask(store.RunTask{
				RunID:   run.ID,
				Index:   task.Index,
				Query:   task.Query,
				Status:  string(out.Status),
				Sources: len(out.RawItems),
				Summary: out.Summary,
				Error:   out.Error(),
			})
			if err != nil {
				slog.Warn("failed to update run task", "id", run.ID, "task", task.Index, "error", err)
			}
		},
		OnReport: func(r research.Report) {
			run.ReportTitle = r.Title
		},
	}

	var last research.Snapshot
	for snap := range c.orchestrator().WithHooks(hooks).Run(ctx, run.Topic) {
		last = snap
		emit(snap)
		if snap.Stage.Terminal() {
			continue
		}
		if err := c.store.UpdateRunStage(run.ID, string(snap.Stage), int(succeeded.Load()), run.Total); err != nil {
			slog.Warn("failed to update run stage", "id", run.ID, "error", err)
		}
	}

	c.finish(run, last, ctx.Err() != nil, int(succeeded.Load()))
}

func (c *Coordinator) finish(run *store.ResearchRun, snap research.Snapshot, cancelled bool, succeeded int) {
	c.untrack(run.ID)

	run.Stage = string(snap.Stage)
	run.Succeeded = succeeded
	switch {
	case snap.Stage == research.StageDone:
		run.Status = store.RunCompleted
		run.Report = snap.FinalReport
	case snap.Stage == research.StageNoData:
		run.Status = store.RunNoData
	case cancelled:
		run.Status = store.RunCancelled
		run.Error = snap.Subtitle
	default:
		run.Status = store.RunFailed
		run.Error = snap.Subtitle
	}
	now := time.Now().UTC()
	run.CompletedAt = &now

	if err := c.store.SaveRun(run); err != nil {
		slog.Error("failed to save run", "id", run.ID, "error", err)
	}
	if run.ScheduleID != "" {
		if err := c.store.SetScheduleLastStatus(run.ScheduleID, run.ID, run.Status, run.Error); err != nil {
			slog.Warn("failed to update schedule status", "schedule", run.ScheduleID, "error", err)
		}
	}

	c.publishEvent(run.ID, EventFinished, map[string]any{
		"status":    run.Status,
		"stage":     run.Stage,
		"succeeded": run.Succeeded,
		"total":     run.Total,
		"title":     run.ReportTitle,
	})

	slog.Info("research run finished", "id", run.ID, "status", run.Status, "succeeded", run.Succeeded, "total", run.Total)

	c.listenerMu.RLock()
	listeners := append([]FinishListener(nil), c.listeners...)
	c.listenerMu.RUnlock()
	for _, fn := range listeners {
		fn(*run)
	}
}

func (c *Coordinator) publishSnapshot(runID string, snap research.Snapshot) {
	c.publishEvent(runID, EventSnapshot, snap)
}

func (c *Coordinator) publishEvent(runID, eventType string, data any) {
	if c.client == nil {
		return
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return
	}
	event := Event{
		Type:       eventType,
		ResearchID: runID,
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		Data:       raw,
	}
	if err := c.client.PublishJSON(natsbus.TopicEventsResearch(runID), event); err != nil {
		slog.Warn("failed to publish research event", "id", runID, "type", eventType, "error", err)
	}
}
