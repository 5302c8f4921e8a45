package coordinator

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mtzanidakis/deepr/internal/research"
	"github.com/mtzanidakis/deepr/internal/schedule"
	"github.com/mtzanidakis/deepr/internal/store"
)

// CreateSchedule validates and stores a recurring research topic. An empty
// name defaults to the topic.
func (c *Coordinator) CreateSchedule(name, topic, raw string) (*store.Schedule, error) {
	topic = strings.TrimSpace(topic)
	if topic == "" {
		return nil, research.ErrEmptyTopic
	}
	now := time.Now()
	normalized, err := schedule.Normalize(raw, now)
	if err != nil {
		return nil, fmt.Errorf("invalid schedule: %w", err)
	}
	name = strings.TrimSpace(name)
	if name == "" {
		name = topic
	}

	sch := &store.Schedule{
		ID:        uuid.New().String(),
		Name:      name,
		Topic:     topic,
		Schedule:  normalized,
		Status:    store.ScheduleActive,
		NextRunAt: schedule.Next(normalized, now),
		CreatedAt: now.UTC(),
	}
	if err := c.store.SaveSchedule(sch); err != nil {
		return nil, err
	}
	return sch, nil
}

// SetScheduleStatus pauses or resumes a schedule. Resuming recomputes the
// next run from now.
func (c *Coordinator) SetScheduleStatus(id, status string) (*store.Schedule, error) {
	sch, err := c.store.GetSchedule(id)
	if err != nil {
		return nil, err
	}
	if sch == nil {
		return nil, fmt.Errorf("schedule %s not found", id)
	}

	switch status {
	case store.SchedulePaused:
		sch.NextRunAt = nil
	case store.ScheduleActive:
		sch.NextRunAt = schedule.Next(sch.Schedule, time.Now())
		if sch.NextRunAt == nil {
			return nil, fmt.Errorf("schedule %s has no future runs", id)
		}
	default:
		return nil, fmt.Errorf("unknown schedule status: %s", status)
	}
	sch.Status = status

	if err := c.store.UpdateScheduleStatus(id, status, sch.NextRunAt); err != nil {
		return nil, err
	}
	return sch, nil
}
