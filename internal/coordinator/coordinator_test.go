package coordinator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mtzanidakis/deepr/internal/config"
	"github.com/mtzanidakis/deepr/internal/natsbus"
	"github.com/mtzanidakis/deepr/internal/research"
	"github.com/mtzanidakis/deepr/internal/store"
	"github.com/nats-io/nats.go"
)

const fakeReport = "Solar microgrids now power entire villages for less than diesel ever did. " +
	"Costs have dropped sharply across the last decade.\n\n" +
	"Installations in 42 countries show the same pattern.\n\n" +
	"The grid of the future may be many small ones."

// fakeGen plans three searches, condenses any results and writes a fixed
// report.
var fakeGen = research.GeneratorFunc(func(ctx context.Context, prompt, system string, jsonMode bool) (string, error) {
	switch {
	case jsonMode:
		return `{"searches":[{"query":"q1","reason":"r1"},{"query":"q2","reason":"r2"},{"query":"q3","reason":"r3"}]}`, nil
	case strings.Contains(system, "journalist writing"):
		return fakeReport, nil
	default:
		return "HOOK: a surprising number appears. FACTS: 42 installations in 2025. INSIGHT: costs keep falling.", nil
	}
})

var oneHit = research.SearcherFunc(func(ctx context.Context, query string, maxResults int) ([]research.Item, error) {
	return []research.Item{{Title: "t " + query, URL: "https://example.com/" + query, Snippet: "snippet for " + query}}, nil
})

var noHits = research.SearcherFunc(func(ctx context.Context, query string, maxResults int) ([]research.Item, error) {
	return nil, nil
})

func testOrchestrator(searcher research.Searcher) *research.Orchestrator {
	return BuildOrchestrator(config.ResearchConfig{
		Tick:         5 * time.Millisecond,
		ContextItems: 4,
		Seed:         7,
	}, 5, fakeGen, searcher)
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestClient(t *testing.T) *natsbus.Client {
	t.Helper()
	bus, err := natsbus.New(config.NATSConfig{Port: -1, DataDir: t.TempDir()})
	if err != nil {
		t.Fatalf("create bus: %v", err)
	}
	t.Cleanup(bus.Close)
	client, err := natsbus.NewClient(bus)
	if err != nil {
		t.Fatalf("create client: %v", err)
	}
	t.Cleanup(client.Close)
	return client
}

// finished returns a channel that receives every settled run.
func finished(c *Coordinator) <-chan store.ResearchRun {
	ch := make(chan store.ResearchRun, 8)
	c.OnFinish(func(run store.ResearchRun) { ch <- run })
	return ch
}

func waitRun(t *testing.T, ch <-chan store.ResearchRun) store.ResearchRun {
	t.Helper()
	select {
	case run := <-ch:
		return run
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for run to finish")
		return store.ResearchRun{}
	}
}

func TestRunPersistsCompletedRun(t *testing.T) {
	s := newTestStore(t)
	c := New(s, nil, testOrchestrator(oneHit), 2)
	defer c.Close()

	var snaps []research.Snapshot
	run, err := c.Run(context.Background(), "  solar microgrids ", RunOptions{Source: SourceCLI}, func(snap research.Snapshot) {
		snaps = append(snaps, snap)
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if run.Status != store.RunCompleted {
		t.Fatalf("expected completed, got %s (%s)", run.Status, run.Error)
	}
	if run.Topic != "solar microgrids" {
		t.Errorf("expected trimmed topic, got %q", run.Topic)
	}
	if run.Succeeded != 3 || run.Total != 3 {
		t.Errorf("expected 3/3, got %d/%d", run.Succeeded, run.Total)
	}
	if run.ReportTitle != "Solar Microgrids" {
		t.Errorf("unexpected title %q", run.ReportTitle)
	}
	if len(snaps) == 0 || snaps[len(snaps)-1].Stage != research.StageDone {
		t.Fatalf("expected final done snapshot, got %+v", snaps)
	}

	got, err := s.GetRun(run.ID)
	if err != nil || got == nil {
		t.Fatalf("get run: %v", err)
	}
	if got.Status != store.RunCompleted || got.Source != SourceCLI || got.CompletedAt == nil {
		t.Errorf("unexpected stored run %+v", got)
	}
	if got.Report != run.Report || got.Report == "" {
		t.Error("expected report to be stored")
	}

	tasks, err := s.GetRunTasks(run.ID)
	if err != nil {
		t.Fatalf("get tasks: %v", err)
	}
	if len(tasks) != 3 {
		t.Fatalf("expected 3 tasks, got %d", len(tasks))
	}
	for i, task := range tasks {
		if task.Index != i+1 || task.Status != string(research.TaskSucceeded) || task.Sources != 1 {
			t.Errorf("unexpected task %+v", task)
		}
		if task.Reason == "" || task.Summary == "" {
			t.Errorf("expected reason and summary on task %d", task.Index)
		}
	}
}

func TestRunEmptyTopic(t *testing.T) {
	c := New(newTestStore(t), nil, testOrchestrator(oneHit), 1)
	defer c.Close()

	if _, err := c.Run(context.Background(), "   ", RunOptions{}, nil); !errors.Is(err, research.ErrEmptyTopic) {
		t.Errorf("expected ErrEmptyTopic, got %v", err)
	}
	if _, err := c.Submit("", RunOptions{}); !errors.Is(err, research.ErrEmptyTopic) {
		t.Errorf("expected ErrEmptyTopic, got %v", err)
	}
}

func TestRunNoData(t *testing.T) {
	s := newTestStore(t)
	c := New(s, nil, testOrchestrator(noHits), 1)
	defer c.Close()

	run, err := c.Run(context.Background(), "obscure topic", RunOptions{}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != store.RunNoData || run.Stage != string(research.StageNoData) {
		t.Errorf("expected no_data, got %s/%s", run.Status, run.Stage)
	}
	if run.Source != SourceAPI {
		t.Errorf("expected default source, got %s", run.Source)
	}
}

func TestSetOrchestratorAffectsNewRuns(t *testing.T) {
	c := New(newTestStore(t), nil, testOrchestrator(oneHit), 1)
	defer c.Close()

	c.SetOrchestrator(testOrchestrator(noHits))
	run, err := c.Run(context.Background(), "topic", RunOptions{}, nil)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if run.Status != store.RunNoData {
		t.Errorf("expected swapped pipeline to find nothing, got %s", run.Status)
	}
}

func TestSubmitPublishesEvents(t *testing.T) {
	client := newTestClient(t)
	c := New(newTestStore(t), client, testOrchestrator(oneHit), 1)
	defer c.Close()

	events := make(chan Event, 64)
	_, err := client.Subscribe(natsbus.TopicEventsResearches, func(msg *nats.Msg) {
		if e, err := DecodeEvent(msg.Data); err == nil {
			events <- e
		}
	})
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	client.Flush()

	run, err := c.Submit("solar microgrids", RunOptions{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if run.Status != store.RunRunning {
		t.Errorf("expected running at submission, got %s", run.Status)
	}

	var got []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case e := <-events:
			if e.ResearchID != run.ID {
				t.Errorf("event for unexpected run %s", e.ResearchID)
			}
			got = append(got, e)
		case <-timeout:
			t.Fatalf("timeout waiting for finish event, got %d events", len(got))
		}
		if got[len(got)-1].Type == EventFinished {
			break
		}
	}

	if got[0].Type != EventStarted {
		t.Errorf("expected first event %s, got %s", EventStarted, got[0].Type)
	}
	snap, err := got[1].Snapshot()
	if err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Stage != research.StagePlanning {
		t.Errorf("expected planning snapshot first, got %s", snap.Stage)
	}
	last, err := got[len(got)-2].Snapshot()
	if err != nil || last.Stage != research.StageDone || last.FinalReport == "" {
		t.Errorf("expected done snapshot before finish, got %+v (%v)", last, err)
	}
	fin, err := got[len(got)-1].Finished()
	if err != nil {
		t.Fatalf("decode finish: %v", err)
	}
	if fin.Status != store.RunCompleted || fin.Succeeded != 3 {
		t.Errorf("unexpected finish data %+v", fin)
	}
}

func TestCancelRun(t *testing.T) {
	blocking := research.SearcherFunc(func(ctx context.Context, query string, maxResults int) ([]research.Item, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	s := newTestStore(t)
	c := New(s, nil, testOrchestrator(blocking), 1)
	done := finished(c)

	run, err := c.Submit("slow topic", RunOptions{})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if c.Running() != 1 {
		t.Errorf("expected one run in flight, got %d", c.Running())
	}
	if !c.Cancel(run.ID) {
		t.Fatal("expected run to be cancellable")
	}

	got := waitRun(t, done)
	if got.Status != store.RunCancelled {
		t.Errorf("expected cancelled, got %s", got.Status)
	}
	c.Close()

	if c.Running() != 0 {
		t.Errorf("expected no runs in flight, got %d", c.Running())
	}
	if c.Cancel(run.ID) {
		t.Error("settled run should not be cancellable")
	}
	stored, _ := s.GetRun(run.ID)
	if stored == nil || stored.Status != store.RunCancelled {
		t.Errorf("expected cancelled run in store, got %+v", stored)
	}
}

func TestCloseCancelsBackgroundRuns(t *testing.T) {
	blocking := research.SearcherFunc(func(ctx context.Context, query string, maxResults int) ([]research.Item, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	c := New(newTestStore(t), nil, testOrchestrator(blocking), 1)
	done := finished(c)

	if _, err := c.Submit("first", RunOptions{}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := c.Submit("second", RunOptions{}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	c.Close()

	for range 2 {
		if run := waitRun(t, done); run.Status != store.RunCancelled {
			t.Errorf("expected cancelled, got %s", run.Status)
		}
	}
}

func TestMaxRunsBoundsConcurrentRuns(t *testing.T) {
	var active, peak atomic.Int32
	gauge := research.SearcherFunc(func(ctx context.Context, query string, maxResults int) ([]research.Item, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		return oneHit(ctx, query, maxResults)
	})

	c := New(newTestStore(t), nil, testOrchestrator(gauge), 1)
	defer c.Close()
	done := finished(c)

	for i := range 3 {
		if _, err := c.Submit(fmt.Sprintf("topic %d", i), RunOptions{}); err != nil {
			t.Fatalf("submit: %v", err)
		}
	}
	for range 3 {
		if run := waitRun(t, done); run.Status != store.RunCompleted {
			t.Errorf("expected completed, got %s", run.Status)
		}
	}

	// One run at a time, each with three tasks.
	if p := peak.Load(); p > 3 {
		t.Errorf("expected at most 3 concurrent searches, got %d", p)
	}
}

func TestScheduledRunUpdatesSchedule(t *testing.T) {
	s := newTestStore(t)
	c := New(s, nil, testOrchestrator(noHits), 1)
	defer c.Close()

	sch, err := c.CreateSchedule("", "weekly digest", "every 1h")
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	if _, err := c.Run(context.Background(), sch.Topic, RunOptions{Source: SourceSchedule, ScheduleID: sch.ID}, nil); err != nil {
		t.Fatalf("run: %v", err)
	}

	got, err := s.GetSchedule(sch.ID)
	if err != nil || got == nil {
		t.Fatalf("get schedule: %v", err)
	}
	if got.LastStatus != store.RunNoData {
		t.Errorf("expected last status no_data, got %q", got.LastStatus)
	}
}

func TestCreateSchedule(t *testing.T) {
	s := newTestStore(t)
	c := New(s, nil, testOrchestrator(oneHit), 1)
	defer c.Close()

	before := time.Now()
	sch, err := c.CreateSchedule("", "  fusion news ", "every 1h")
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}
	if sch.Name != "fusion news" || sch.Topic != "fusion news" {
		t.Errorf("unexpected name/topic %q/%q", sch.Name, sch.Topic)
	}
	if sch.Status != store.ScheduleActive || sch.NextRunAt == nil {
		t.Fatalf("expected active schedule with next run, got %+v", sch)
	}
	if d := sch.NextRunAt.Sub(before); d < 59*time.Minute || d > 61*time.Minute {
		t.Errorf("expected next run in about an hour, got %s", d)
	}

	stored, _ := s.GetSchedule(sch.ID)
	if stored == nil || stored.Schedule != `{"kind":"interval","interval_ms":3600000}` {
		t.Errorf("unexpected stored schedule %+v", stored)
	}

	tests := []struct {
		topic, raw, want string
	}{
		{"", "every 1h", "topic is empty"},
		{"x", "every 1s", "at least"},
		{"x", "nonsense", "invalid schedule"},
	}
	for _, tt := range tests {
		if _, err := c.CreateSchedule("", tt.topic, tt.raw); err == nil || !strings.Contains(err.Error(), tt.want) {
			t.Errorf("CreateSchedule(%q, %q): expected %q, got %v", tt.topic, tt.raw, tt.want, err)
		}
	}
}

func TestSetScheduleStatus(t *testing.T) {
	s := newTestStore(t)
	c := New(s, nil, testOrchestrator(oneHit), 1)
	defer c.Close()

	sch, err := c.CreateSchedule("daily", "fusion news", "0 9 * * *")
	if err != nil {
		t.Fatalf("create schedule: %v", err)
	}

	paused, err := c.SetScheduleStatus(sch.ID, store.SchedulePaused)
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if paused.NextRunAt != nil {
		t.Error("paused schedule should have no next run")
	}

	resumed, err := c.SetScheduleStatus(sch.ID, store.ScheduleActive)
	if err != nil {
		t.Fatalf("resume: %v", err)
	}
	if resumed.NextRunAt == nil {
		t.Error("resumed schedule should have a next run")
	}
	stored, _ := s.GetSchedule(sch.ID)
	if stored.Status != store.ScheduleActive || stored.NextRunAt == nil {
		t.Errorf("unexpected stored schedule %+v", stored)
	}

	if _, err := c.SetScheduleStatus(sch.ID, "bogus"); err == nil {
		t.Error("expected error for unknown status")
	}
	if _, err := c.SetScheduleStatus("missing", store.SchedulePaused); err == nil {
		t.Error("expected error for missing schedule")
	}
}

func ipc(t *testing.T, client *natsbus.Client, cmdType string, p IPCPayload) IPCResponse {
	t.Helper()
	raw, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	var resp IPCResponse
	if err := client.RequestJSON(ctx, natsbus.TopicIPCResearch, IPCCommand{Type: cmdType, Payload: raw}, &resp); err != nil {
		t.Fatalf("ipc %s: %v", cmdType, err)
	}
	return resp
}

func TestIPC(t *testing.T) {
	client := newTestClient(t)
	c := New(newTestStore(t), client, testOrchestrator(oneHit), 1)
	defer c.Close()
	done := finished(c)

	sub, err := c.ServeIPC()
	if err != nil {
		t.Fatalf("serve ipc: %v", err)
	}
	defer sub.Unsubscribe()
	client.Flush()

	resp := ipc(t, client, "submit", IPCPayload{Topic: "solar microgrids"})
	if !resp.OK || resp.Run == nil {
		t.Fatalf("submit failed: %+v", resp)
	}
	runID := resp.Run.ID
	waitRun(t, done)

	resp = ipc(t, client, "get_run", IPCPayload{ID: runID})
	if !resp.OK || resp.Run.Status != store.RunCompleted || len(resp.Tasks) != 3 {
		t.Errorf("unexpected get_run reply %+v", resp)
	}

	resp = ipc(t, client, "list_runs", IPCPayload{})
	if !resp.OK || len(resp.Runs) != 1 || resp.Runs[0].ID != runID {
		t.Errorf("unexpected list_runs reply %+v", resp)
	}

	resp = ipc(t, client, "create_schedule", IPCPayload{Name: "hourly", Topic: "fusion", Schedule: "every 1h"})
	if !resp.OK || resp.Schedule == nil {
		t.Fatalf("create_schedule failed: %+v", resp)
	}
	schID := resp.Schedule.ID

	resp = ipc(t, client, "list_schedules", IPCPayload{})
	if !resp.OK || len(resp.Schedules) != 1 || resp.Schedules[0].Name != "hourly" {
		t.Errorf("unexpected list_schedules reply %+v", resp)
	}

	resp = ipc(t, client, "delete_schedule", IPCPayload{ID: schID})
	if !resp.OK {
		t.Errorf("delete_schedule failed: %+v", resp)
	}
	resp = ipc(t, client, "list_schedules", IPCPayload{})
	if len(resp.Schedules) != 0 {
		t.Errorf("expected no schedules, got %d", len(resp.Schedules))
	}

	errorCases := []struct {
		cmd  string
		p    IPCPayload
		want string
	}{
		{"submit", IPCPayload{}, "topic is empty"},
		{"get_run", IPCPayload{}, "id is required"},
		{"get_run", IPCPayload{ID: "missing"}, "run not found"},
		{"cancel_run", IPCPayload{ID: runID}, "not in flight"},
		{"create_schedule", IPCPayload{Topic: "x"}, "required"},
		{"delete_schedule", IPCPayload{}, "id is required"},
		{"bogus", IPCPayload{}, "unknown command: bogus"},
	}
	for _, tt := range errorCases {
		resp := ipc(t, client, tt.cmd, tt.p)
		if resp.OK || !strings.Contains(resp.Error, tt.want) {
			t.Errorf("%s: expected error containing %q, got %+v", tt.cmd, tt.want, resp)
		}
	}
}

func TestIPCInvalidCommand(t *testing.T) {
	client := newTestClient(t)
	c := New(newTestStore(t), client, testOrchestrator(oneHit), 1)
	defer c.Close()

	if _, err := c.ServeIPC(); err != nil {
		t.Fatalf("serve ipc: %v", err)
	}
	client.Flush()

	msg, err := client.Request(natsbus.TopicIPCResearch, []byte("not json"), 3*time.Second)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	var resp IPCResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Error != "invalid command" {
		t.Errorf("expected invalid command, got %+v", resp)
	}
}

func TestServeIPCWithoutClient(t *testing.T) {
	c := New(newTestStore(t), nil, testOrchestrator(oneHit), 1)
	defer c.Close()
	if _, err := c.ServeIPC(); err == nil {
		t.Error("expected error without NATS client")
	}
}

func TestEventDecoding(t *testing.T) {
	e, err := DecodeEvent([]byte(`{"type":"research_snapshot","research_id":"r1","timestamp":"t","data":{"stage":"writing","title":"✍️ WRITING REPORT"}}`))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	snap, err := e.Snapshot()
	if err != nil {
		t.Fatalf("snapshot: %v", err)
	}
	if snap.Stage != research.StageWriting || snap.Title != "✍️ WRITING REPORT" {
		t.Errorf("unexpected snapshot %+v", snap)
	}
	if _, err := e.Finished(); err == nil {
		t.Error("expected error decoding snapshot as finish")
	}
	if _, err := DecodeEvent([]byte("{")); err == nil {
		t.Error("expected decode error")
	}
}
