package api

import (
	"context"
	"net/http"
	"strconv"

	"cronpilot/internal/core"

	"github.com/go-chi/chi/v5"
)

const (
	defaultRunsLimit = 10
	maxRunsLimit     = 200
)

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	activeOnly, _ := strconv.ParseBool(r.URL.Query().Get("active"))
	tasks, err := s.app.Store.ListTasks(r.Context(), activeOnly)
	if err != nil {
		s.writeServiceError(w, "list tasks", err)
		return
	}
	resp := make([]taskResponse, 0, len(tasks))
	for _, task := range tasks {
		s.refreshNextRun(task)
		resp = append(resp, taskToResponse(task))
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": resp, "total": len(resp)})
}

func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	task, err := s.app.Registry.Register(r.Context(), req.input())
	if err != nil {
		s.writeServiceError(w, "register task", err)
		return
	}
	writeJSON(w, http.StatusCreated, taskToResponse(task))
}

func (s *Server) handleDiscoverTasks(w http.ResponseWriter, r *http.Request) {
	found, err := s.app.Registry.Discover(r.Context())
	if err != nil {
		s.writeServiceError(w, "discover tasks", err)
		return
	}
	type discovered struct {
		Name        string `json:"name"`
		FilePath    string `json:"file_path"`
		ModuleName  string `json:"module_name"`
		Description string `json:"description,omitempty"`
		Registered  bool   `json:"registered"`
	}
	resp := make([]discovered, 0, len(found))
	for _, d := range found {
		resp = append(resp, discovered(d))
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks_directory": s.app.Registry.TasksDir(),
		"tasks":           resp,
	})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	s.refreshNextRun(task)
	resp := taskToResponse(task)
	status := s.app.Scheduler.Status(task.ID)
	resp.ScheduleStatus = &scheduleStatus{
		Scheduled: status.Scheduled,
		State:     status.State,
		NextRun:   formatTimePtr(status.NextRun),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req updateScheduleRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	task, err := s.app.Registry.Update(r.Context(), chi.URLParam(r, "taskID"), req.update())
	if err != nil {
		s.writeServiceError(w, "update task", err)
		return
	}
	writeJSON(w, http.StatusOK, taskToResponse(task))
}

func (s *Server) handleDeleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.app.Registry.Delete(r.Context(), chi.URLParam(r, "taskID")); err != nil {
		s.writeServiceError(w, "delete task", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleRunTask starts a manual run. The optional body is the config object
// handed to the task's run_task.
func (s *Server) handleRunTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	var cfg map[string]any
	if !decodeJSON(w, r, &cfg, true) {
		return
	}
	// The run outlives the request.
	run, err := s.app.Coordinator.RunNow(context.WithoutCancel(r.Context()), task, cfg)
	if err != nil {
		s.writeServiceError(w, "run task", err)
		return
	}
	writeJSON(w, http.StatusAccepted, runToResponse(run))
}

func (s *Server) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	s.toggleTask(w, r, s.app.Scheduler.Pause)
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	s.toggleTask(w, r, s.app.Scheduler.Resume)
}

func (s *Server) toggleTask(w http.ResponseWriter, r *http.Request, fn func(context.Context, string) error) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	if err := fn(r.Context(), task.ID); err != nil {
		s.writeServiceError(w, "change schedule state", err)
		return
	}
	status := s.app.Scheduler.Status(task.ID)
	writeJSON(w, http.StatusOK, scheduleStatus{
		Scheduled: status.Scheduled,
		State:     status.State,
		NextRun:   formatTimePtr(status.NextRun),
	})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	task, ok := s.loadTask(w, r)
	if !ok {
		return
	}
	limit := parseIntDefault(r.URL.Query().Get("limit"), defaultRunsLimit)
	if limit <= 0 {
		limit = defaultRunsLimit
	}
	if limit > maxRunsLimit {
		limit = maxRunsLimit
	}
	offset := parseIntDefault(r.URL.Query().Get("offset"), 0)
	if offset < 0 {
		offset = 0
	}
	runs, err := s.app.Store.ListRuns(r.Context(), task.ID, limit, offset)
	if err != nil {
		s.writeServiceError(w, "list runs", err)
		return
	}
	resp := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		resp = append(resp, runToResponse(run))
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": resp, "limit": limit, "offset": offset})
}

func (s *Server) loadTask(w http.ResponseWriter, r *http.Request) (*core.Task, bool) {
	task, err := s.app.Store.GetTask(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		s.writeServiceError(w, "load task", err)
		return nil, false
	}
	return task, true
}

// refreshNextRun prefers the live trigger over the stored next_run_at.
func (s *Server) refreshNextRun(task *core.Task) {
	if next := s.app.Scheduler.NextFireTime(task.ID); next != nil {
		task.NextRunAt = next
	}
}
