package scheduler

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/mtzanidakis/deepr/internal/config"
	"github.com/mtzanidakis/deepr/internal/coordinator"
	"github.com/mtzanidakis/deepr/internal/natsbus"
	"github.com/mtzanidakis/deepr/internal/schedule"
	"github.com/mtzanidakis/deepr/internal/store"
)

const defaultPollInterval = 30 * time.Second

// Submitter starts a research run in the background.
type Submitter interface {
	Submit(topic string, opts coordinator.RunOptions) (*store.ResearchRun, error)
}

type Scheduler struct {
	store      *store.Store
	runs       Submitter
	natsClient *natsbus.Client

	mu           sync.Mutex
	pollInterval time.Duration
	reloadCh     chan struct{}
}

// New returns a scheduler. client may be nil.
func New(s *store.Store, runs Submitter, client *natsbus.Client, cfg config.SchedulerConfig) *Scheduler {
	return &Scheduler{
		store:        s,
		runs:         runs,
		natsClient:   client,
		pollInterval: cfg.PollInterval,
		reloadCh:     make(chan struct{}, 1),
	}
}

// UpdateConfig updates the poll interval, then signals the run loop to
// reset its ticker.
func (s *Scheduler) UpdateConfig(pollInterval time.Duration) {
	s.mu.Lock()
	s.pollInterval = pollInterval
	s.mu.Unlock()
	select {
	case s.reloadCh <- struct{}{}:
	default:
	}
}

func (s *Scheduler) interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pollInterval <= 0 {
		return defaultPollInterval
	}
	return s.pollInterval
}

func (s *Scheduler) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval())
	defer ticker.Stop()

	slog.Info("scheduler started", "poll_interval", s.interval())

	for {
		select {
		case <-ctx.Done():
			slog.Info("scheduler stopped")
			return
		case <-s.reloadCh:
			ticker.Reset(s.interval())
			slog.Info("scheduler config reloaded", "poll_interval", s.interval())
		case <-ticker.C:
			s.poll(time.Now())
		}
	}
}

func (s *Scheduler) poll(now time.Time) {
	due, err := s.store.GetDueSchedules(now)
	if err != nil {
		slog.Error("failed to get due schedules", "error", err)
		return
	}

	for _, sch := range due {
		s.fire(sch, now)
	}
}

func (s *Scheduler) fire(sch store.Schedule, now time.Time) {
	slog.Info("firing schedule", "id", sch.ID, "name", sch.Name, "topic", sch.Topic)

	var lastStatus, lastError, runID string
	run, err := s.runs.Submit(sch.Topic, coordinator.RunOptions{
		Source:     coordinator.SourceSchedule,
		ScheduleID: sch.ID,
	})
	if err != nil {
		lastStatus = store.RunFailed
		lastError = err.Error()
		slog.Error("scheduled run failed to start", "id", sch.ID, "error", err)
	} else {
		lastStatus = run.Status
		runID = run.ID
	}

	nextRun := schedule.Next(sch.Schedule, now)

	if err := s.store.UpdateScheduleRun(sch.ID, lastStatus, lastError, runID, nextRun); err != nil {
		slog.Error("failed to update schedule run", "id", sch.ID, "error", err)
	}

	s.publishFiredEvent(sch, lastStatus, runID)

	// One-off schedules are done once they have no next run.
	if nextRun == nil {
		slog.Info("no next run, marking schedule as completed", "id", sch.ID, "name", sch.Name)
		if err := s.store.UpdateScheduleStatus(sch.ID, store.ScheduleCompleted, nil); err != nil {
			slog.Error("failed to complete schedule", "id", sch.ID, "error", err)
		}
	}
}

func (s *Scheduler) publishFiredEvent(sch store.Schedule, status, runID string) {
	if s.natsClient == nil {
		return
	}

	event := map[string]any{
		"type":      "schedule_fired",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data": map[string]any{
			"id":          sch.ID,
			"name":        sch.Name,
			"status":      status,
			"research_id": runID,
		},
	}

	data, err := json.Marshal(event)
	if err != nil {
		return
	}

	_ = s.natsClient.Publish(natsbus.TopicEventsSchedule, data)
}
