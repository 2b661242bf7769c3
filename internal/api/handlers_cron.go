package api

import (
	"net/http"
	"strings"
	"time"

	"cronpilot/internal/core"
)

const (
	defaultPreviewCount = 5
	maxPreviewCount     = 20
)

// cronPreviewRequest accepts either a bare 5-field expression or a full
// schedule in the task wire shape.
type cronPreviewRequest struct {
	Expr           string          `json:"expr"`
	ScheduleType   string          `json:"schedule_type"`
	ScheduleConfig *scheduleConfig `json:"schedule_config"`
	Now            string          `json:"now,omitempty"`
	Count          int             `json:"count,omitempty"`
}

type cronPreviewResponse struct {
	Valid       bool     `json:"valid"`
	Description string   `json:"description,omitempty"`
	NextTimes   []string `json:"next_times,omitempty"`
	Message     string   `json:"message,omitempty"`
}

func (req cronPreviewRequest) spec() core.ScheduleSpec {
	if expr := strings.TrimSpace(req.Expr); expr != "" {
		return core.ScheduleSpec{Type: core.ScheduleCustom, CronExpression: expr}
	}
	return toSpec(req.ScheduleType, req.ScheduleConfig)
}

func (s *Server) handleCronPreview(w http.ResponseWriter, r *http.Request) {
	var req cronPreviewRequest
	if !decodeJSON(w, r, &req, false) {
		return
	}
	spec := req.spec()
	if spec.Type == core.ScheduleManual {
		writeJSON(w, http.StatusBadRequest, cronPreviewResponse{Valid: false, Message: "cron expression or schedule is required"})
		return
	}

	count := req.Count
	if count <= 0 {
		count = defaultPreviewCount
	}
	if count > maxPreviewCount {
		count = maxPreviewCount
	}
	base := time.Now().In(s.app.Location)
	if req.Now != "" {
		if parsed, err := time.Parse(time.RFC3339, req.Now); err == nil {
			base = parsed.In(s.app.Location)
		}
	}

	times, err := core.NextOccurrences(spec, base, count)
	if err != nil {
		writeJSON(w, http.StatusOK, cronPreviewResponse{Valid: false, Message: err.Error()})
		return
	}
	formatted := make([]string, 0, len(times))
	for _, t := range times {
		formatted = append(formatted, t.Format(time.RFC3339))
	}
	writeJSON(w, http.StatusOK, cronPreviewResponse{Valid: true, Description: spec.Describe(), NextTimes: formatted})
}

func (s *Server) handleSchedulerJobs(w http.ResponseWriter, r *http.Request) {
	type jobResponse struct {
		TaskID   string  `json:"task_id"`
		TaskName string  `json:"task_name"`
		Trigger  string  `json:"trigger"`
		NextRun  *string `json:"next_run,omitempty"`
		Paused   bool    `json:"paused"`
	}
	jobs := s.app.Scheduler.Jobs()
	resp := make([]jobResponse, 0, len(jobs))
	for _, j := range jobs {
		resp = append(resp, jobResponse{
			TaskID:   j.TaskID,
			TaskName: j.TaskName,
			Trigger:  j.Trigger,
			NextRun:  formatTimePtr(j.NextRun),
			Paused:   j.Paused,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": resp, "timezone": s.app.Location.String()})
}
