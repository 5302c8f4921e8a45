package store

import (
	"database/sql"
	"fmt"
	"time"
)

const (
	ScheduleActive    = "active"
	SchedulePaused    = "paused"
	ScheduleCompleted = "completed"
)

type Schedule struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Topic      string     `json:"topic"`
	Schedule   string     `json:"schedule"`
	Status     string     `json:"status"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	LastRunID  string     `json:"last_run_id,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

const scheduleColumns = `id, name, topic, schedule, status, next_run_at, last_run_at,
	last_status, last_error, last_run_id, created_at`

func scanSchedule(sc scanner) (*Schedule, error) {
	sch := &Schedule{}
	var lastStatus, lastError, lastRunID sql.NullString
	err := sc.Scan(&sch.ID, &sch.Name, &sch.Topic, &sch.Schedule, &sch.Status,
		&sch.NextRunAt, &sch.LastRunAt, &lastStatus, &lastError, &lastRunID, &sch.CreatedAt)
	if err != nil {
		return nil, err
	}
	sch.LastStatus = lastStatus.String
	sch.LastError = lastError.String
	sch.LastRunID = lastRunID.String
	return sch, nil
}

func (s *Store) SaveSchedule(sch *Schedule) error {
	_, err := s.db.Exec(`
		INSERT INTO schedules (id, name, topic, schedule, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			topic = excluded.topic,
			schedule = excluded.schedule,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		sch.ID, sch.Name, sch.Topic, sch.Schedule, sch.Status, sch.NextRunAt)
	if err != nil {
		return fmt.Errorf("save schedule: %w", err)
	}
	return nil
}

func (s *Store) GetSchedule(id string) (*Schedule, error) {
	row := s.db.QueryRow(`SELECT `+scheduleColumns+` FROM schedules WHERE id = ?`, id)
	sch, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return sch, nil
}

func (s *Store) ListSchedules() ([]Schedule, error) {
	return s.querySchedules(`SELECT ` + scheduleColumns + ` FROM schedules ORDER BY created_at, rowid`)
}

// GetDueSchedules returns active schedules whose next run is at or before now.
func (s *Store) GetDueSchedules(now time.Time) ([]Schedule, error) {
	return s.querySchedules(`
		SELECT `+scheduleColumns+` FROM schedules
		WHERE status = 'active' AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at`, now)
}

func (s *Store) querySchedules(query string, args ...any) ([]Schedule, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, *sch)
	}
	return out, rows.Err()
}

// UpdateScheduleRun records a firing and moves the schedule to its next run.
// If the run it names already settled, its final status is kept.
func (s *Store) UpdateScheduleRun(id, lastStatus, lastError, lastRunID string, nextRunAt *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE schedules
		SET last_run_at = CURRENT_TIMESTAMP,
			last_status = CASE WHEN `+settledRun+` THEN last_status ELSE ? END,
			last_error = CASE WHEN `+settledRun+` THEN last_error ELSE ? END,
			last_run_id = ?, next_run_at = ?
		WHERE id = ?`,
		lastRunID, lastStatus, lastRunID, nullString(lastError),
		nullString(lastRunID), nextRunAt, id)
	if err != nil {
		return fmt.Errorf("update schedule run: %w", err)
	}
	return nil
}

const settledRun = `last_run_id = ? AND last_status IN ('completed', 'no_data', 'failed', 'cancelled')`

// SetScheduleLastStatus records the outcome of a scheduled run once it
// settles.
func (s *Store) SetScheduleLastStatus(id, runID, lastStatus, lastError string) error {
	_, err := s.db.Exec(`UPDATE schedules SET last_run_id = ?, last_status = ?, last_error = ? WHERE id = ?`,
		nullString(runID), lastStatus, nullString(lastError), id)
	if err != nil {
		return fmt.Errorf("set schedule last status: %w", err)
	}
	return nil
}

func (s *Store) UpdateScheduleStatus(id, status string, nextRunAt *time.Time) error {
	_, err := s.db.Exec(`UPDATE schedules SET status = ?, next_run_at = ? WHERE id = ?`, status, nextRunAt, id)
	if err != nil {
		return fmt.Errorf("update schedule status: %w", err)
	}
	return nil
}

func (s *Store) DeleteSchedule(id string) error {
	_, err := s.db.Exec(`DELETE FROM schedules WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	return nil
}
