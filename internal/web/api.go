package web

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/mtzanidakis/deepr/internal/coordinator"
	"github.com/mtzanidakis/deepr/internal/research"
	"github.com/mtzanidakis/deepr/internal/schedule"
	"github.com/mtzanidakis/deepr/internal/store"
)

const defaultRunLimit = 50

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Research runs
	mux.HandleFunc("GET /api/research", s.listRuns)
	mux.HandleFunc("POST /api/research", s.createRun)
	mux.HandleFunc("GET /api/research/{id}", s.getRun)
	mux.HandleFunc("GET /api/research/{id}/report", s.getRunReport)
	mux.HandleFunc("DELETE /api/research/{id}", s.deleteRun)

	// Schedules
	mux.HandleFunc("GET /api/schedules", s.listSchedules)
	mux.HandleFunc("POST /api/schedules", s.createSchedule)
	mux.HandleFunc("PUT /api/schedules/{id}", s.updateSchedule)
	mux.HandleFunc("DELETE /api/schedules/{id}", s.deleteSchedule)

	// Secrets
	mux.HandleFunc("GET /api/secrets", s.listSecrets)
	mux.HandleFunc("POST /api/secrets", s.createSecret)
	mux.HandleFunc("DELETE /api/secrets/{id}", s.deleteSecret)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	limit := defaultRunLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			jsonError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	runs, err := s.store.ListRuns(limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(runs))
	for _, run := range runs {
		out = append(out, runToAPI(run))
	}
	jsonResponse(w, out)
}

func (s *Server) createRun(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Topic string `json:"topic"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	run, err := s.coord.Submit(body.Topic, coordinator.RunOptions{Source: coordinator.SourceAPI})
	if errors.Is(err, research.ErrEmptyTopic) {
		jsonError(w, "topic is required", http.StatusBadRequest)
		return
	}
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(runToAPI(*run))
}

func (s *Server) getRun(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r.PathValue("id"))
	if !ok {
		return
	}
	tasks, err := s.store.GetRunTasks(run.ID)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if tasks == nil {
		tasks = []store.RunTask{}
	}

	out := runToAPI(*run)
	out["report"] = run.Report
	out["tasks"] = tasks
	jsonResponse(w, out)
}

func (s *Server) getRunReport(w http.ResponseWriter, r *http.Request) {
	run, ok := s.lookupRun(w, r.PathValue("id"))
	if !ok {
		return
	}
	if run.Report == "" {
		jsonError(w, "run has no report", http.StatusConflict)
		return
	}

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Header().Set("Content-Disposition", fmt.Sprintf("inline; filename=%q", reportFilename(run)))
	fmt.Fprintln(w, run.Report)
}

// deleteRun cancels a run in flight, or removes a settled one.
func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if s.coord.Cancel(id) {
		jsonResponse(w, map[string]string{"status": "cancelling"})
		return
	}
	if _, ok := s.lookupRun(w, id); !ok {
		return
	}
	if err := s.store.DeleteRun(id); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) lookupRun(w http.ResponseWriter, id string) (*store.ResearchRun, bool) {
	run, err := s.store.GetRun(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return nil, false
	}
	if run == nil {
		jsonError(w, "run not found", http.StatusNotFound)
		return nil, false
	}
	return run, true
}

func (s *Server) listSchedules(w http.ResponseWriter, r *http.Request) {
	schedules, err := s.store.ListSchedules()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(schedules))
	for _, sch := range schedules {
		out = append(out, scheduleToAPI(sch))
	}
	jsonResponse(w, out)
}

func (s *Server) createSchedule(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string `json:"name"`
		Topic    string `json:"topic"`
		Schedule string `json:"schedule"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Topic == "" || body.Schedule == "" {
		jsonError(w, "topic and schedule are required", http.StatusBadRequest)
		return
	}

	sch, err := s.coord.CreateSchedule(body.Name, body.Topic, body.Schedule)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, scheduleToAPI(*sch))
}

func (s *Server) updateSchedule(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	existing, err := s.store.GetSchedule(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if existing == nil {
		jsonError(w, "schedule not found", http.StatusNotFound)
		return
	}

	var body struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	sch, err := s.coord.SetScheduleStatus(id, body.Status)
	if err != nil {
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, scheduleToAPI(*sch))
}

func (s *Server) deleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSchedule(r.PathValue("id")); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	stats, _ := s.store.RunStats()
	schedules, _ := s.store.ListSchedules()

	activeSchedules := 0
	for _, sch := range schedules {
		if sch.Status == store.ScheduleActive {
			activeSchedules++
		}
	}

	natsStatus := "disabled"
	if s.nats != nil {
		natsStatus = "ok"
	}

	status := map[string]any{
		"status":           "ok",
		"runs_in_flight":   s.coord.Running(),
		"runs":             stats,
		"active_schedules": activeSchedules,
		"ws_clients":       s.hub.Clients(),
		"model":            s.model,
		"uptime":           formatUptime(time.Since(s.startedAt)),
		"nats":             natsStatus,
		"timestamp":        time.Now().UTC(),
		"version":          s.version,
	}

	jsonResponse(w, status)
}

func runToAPI(run store.ResearchRun) map[string]any {
	return map[string]any{
		"id":           run.ID,
		"topic":        run.Topic,
		"source":       run.Source,
		"schedule_id":  run.ScheduleID,
		"status":       run.Status,
		"stage":        run.Stage,
		"succeeded":    run.Succeeded,
		"total":        run.Total,
		"title":        run.ReportTitle,
		"error":        run.Error,
		"started_at":   run.StartedAt,
		"completed_at": run.CompletedAt,
	}
}

func scheduleToAPI(sch store.Schedule) map[string]any {
	return map[string]any{
		"id":          sch.ID,
		"name":        sch.Name,
		"topic":       sch.Topic,
		"schedule":    sch.Schedule,
		"description": schedule.Describe(sch.Schedule),
		"status":      sch.Status,
		"next_run_at": sch.NextRunAt,
		"last_run_at": sch.LastRunAt,
		"last_status": sch.LastStatus,
		"last_error":  sch.LastError,
		"last_run_id": sch.LastRunID,
		"created_at":  sch.CreatedAt,
	}
}

func reportFilename(run *store.ResearchRun) string {
	id := run.ID
	if len(id) > 8 {
		id = id[:8]
	}
	return "report-" + id + ".md"
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
