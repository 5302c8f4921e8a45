package store

import (
	"database/sql"
	"fmt"
	"time"
)

const (
	RunRunning   = "running"
	RunCompleted = "completed"
	RunNoData    = "no_data"
	RunFailed    = "failed"
	RunCancelled = "cancelled"
)

type ResearchRun struct {
	ID          string     `json:"id"`
	Topic       string     `json:"topic"`
	Source      string     `json:"source"`
	ScheduleID  string     `json:"schedule_id,omitempty"`
	Status      string     `json:"status"`
	Stage       string     `json:"stage"`
	Succeeded   int        `json:"succeeded"`
	Total       int        `json:"total"`
	ReportTitle string     `json:"report_title,omitempty"`
	Report      string     `json:"report,omitempty"`
	Error       string     `json:"error,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// RunTask is the persisted state of one planned search within a run.
type RunTask struct {
	RunID   string `json:"run_id"`
	Index   int    `json:"index"`
	Query   string `json:"query"`
	Reason  string `json:"reason,omitempty"`
	Status  string `json:"status"`
	Sources int    `json:"sources"`
	Summary string `json:"summary,omitempty"`
	Error   string `json:"error,omitempty"`
}

const runColumns = `id, topic, source, schedule_id, status, stage, succeeded, total,
	report_title, report, error, started_at, completed_at`

func scanRun(sc scanner) (*ResearchRun, error) {
	r := &ResearchRun{}
	var scheduleID, title, report, errText sql.NullString
	err := sc.Scan(&r.ID, &r.Topic, &r.Source, &scheduleID, &r.Status, &r.Stage, &r.Succeeded, &r.Total,
		&title, &report, &errText, &r.StartedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	r.ScheduleID = scheduleID.String
	r.ReportTitle = title.String
	r.Report = report.String
	r.Error = errText.String
	return r, nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func (s *Store) SaveRun(r *ResearchRun) error {
	_, err := s.db.Exec(`
		INSERT INTO research_runs (id, topic, source, schedule_id, status, stage, succeeded, total, report_title, report, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			stage = excluded.stage,
			succeeded = excluded.succeeded,
			total = excluded.total,
			report_title = excluded.report_title,
			report = excluded.report,
			error = excluded.error,
			completed_at = CASE WHEN excluded.status != 'running' THEN CURRENT_TIMESTAMP ELSE completed_at END`,
		r.ID, r.Topic, r.Source, nullString(r.ScheduleID), r.Status, r.Stage, r.Succeeded, r.Total,
		nullString(r.ReportTitle), nullString(r.Report), nullString(r.Error))
	if err != nil {
		return fmt.Errorf("save run: %w", err)
	}
	return nil
}

func (s *Store) GetRun(id string) (*ResearchRun, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM research_runs WHERE id = ?`, id)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns the most recent runs first. A limit of zero or less
// returns every run.
func (s *Store) ListRuns(limit int) ([]ResearchRun, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.Query(`SELECT `+runColumns+` FROM research_runs ORDER BY started_at DESC, rowid DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var runs []ResearchRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// UpdateRunStage records progress for a running run.
func (s *Store) UpdateRunStage(id, stage string, succeeded, total int) error {
	_, err := s.db.Exec(`UPDATE research_runs SET stage = ?, succeeded = ?, total = ? WHERE id = ?`,
		stage, succeeded, total, id)
	if err != nil {
		return fmt.Errorf("update run stage: %w", err)
	}
	return nil
}

// MarkInterruptedRuns fails runs left in the running state by a previous
// process.
func (s *Store) MarkInterruptedRuns() (int64, error) {
	res, err := s.db.Exec(`
		UPDATE research_runs
		SET status = 'failed', error = 'interrupted by restart', completed_at = CURRENT_TIMESTAMP
		WHERE status = 'running'`)
	if err != nil {
		return 0, fmt.Errorf("mark interrupted runs: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) DeleteRun(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM run_tasks WHERE run_id = ?`, id); err != nil {
		return fmt.Errorf("delete run tasks: %w", err)
	}
	if _, err := tx.Exec(`DELETE FROM research_runs WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete run: %w", err)
	}
	return tx.Commit()
}

// SaveRunTasks stores the plan of a run, replacing any earlier plan.
func (s *Store) SaveRunTasks(runID string, tasks []RunTask) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM run_tasks WHERE run_id = ?`, runID); err != nil {
		return fmt.Errorf("clear run tasks: %w", err)
	}
	for _, t := range tasks {
		status := t.Status
		if status == "" {
			status = "pending"
		}
		if _, err := tx.Exec(`
			INSERT INTO run_tasks (run_id, idx, query, reason, status, sources, summary, error)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			runID, t.Index, t.Query, nullString(t.Reason), status, t.Sources,
			nullString(t.Summary), nullString(t.Error)); err != nil {
			return fmt.Errorf("insert run task: %w", err)
		}
	}
	return tx.Commit()
}

// UpdateRunTask records the outcome of one task.
func (s *Store) UpdateRunTask(t RunTask) error {
	_, err := s.db.Exec(`
		UPDATE run_tasks SET status = ?, sources = ?, summary = ?, error = ?
		WHERE run_id = ? AND idx = ?`,
		t.Status, t.Sources, nullString(t.Summary), nullString(t.Error), t.RunID, t.Index)
	if err != nil {
		return fmt.Errorf("update run task: %w", err)
	}
	return nil
}

func (s *Store) GetRunTasks(runID string) ([]RunTask, error) {
	rows, err := s.db.Query(`
		SELECT run_id, idx, query, reason, status, sources, summary, error
		FROM run_tasks WHERE run_id = ? ORDER BY idx`, runID)
	if err != nil {
		return nil, fmt.Errorf("get run tasks: %w", err)
	}
	defer rows.Close()

	var tasks []RunTask
	for rows.Next() {
		var t RunTask
		var reason, summary, errText sql.NullString
		if err := rows.Scan(&t.RunID, &t.Index, &t.Query, &reason, &t.Status, &t.Sources, &summary, &errText); err != nil {
			return nil, fmt.Errorf("scan run task: %w", err)
		}
		t.Reason = reason.String
		t.Summary = summary.String
		t.Error = errText.String
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// RunStats counts runs per status.
func (s *Store) RunStats() (map[string]int, error) {
	rows, err := s.db.Query(`SELECT status, COUNT(*) FROM research_runs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("run stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, err
		}
		stats[status] = n
	}
	return stats, rows.Err()
}
