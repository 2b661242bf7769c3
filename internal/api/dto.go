package api

import (
	"encoding/json"
	"time"

	"cronpilot/internal/core"
)

// scheduleConfig carries the fields of a schedule that depend on its type.
type scheduleConfig struct {
	Hour           *int           `json:"hour,omitempty"`
	Minute         *int           `json:"minute,omitempty"`
	DayOfWeek      core.DayOfWeek `json:"day_of_week,omitempty"`
	CronExpression string         `json:"cron_expression,omitempty"`
}

func toSpec(scheduleType string, cfg *scheduleConfig) core.ScheduleSpec {
	spec := core.ScheduleSpec{Type: core.ScheduleType(scheduleType)}
	if spec.Type == "" {
		spec.Type = core.ScheduleManual
	}
	if cfg != nil {
		spec.Hour = cfg.Hour
		spec.Minute = cfg.Minute
		spec.DayOfWeek = cfg.DayOfWeek
		spec.CronExpression = cfg.CronExpression
	}
	return spec
}

type createTaskRequest struct {
	Name             string          `json:"name"`
	FilePath         string          `json:"file_path"`
	ModuleName       string          `json:"module_name"`
	Description      string          `json:"description"`
	ScheduleType     string          `json:"schedule_type"`
	ScheduleConfig   *scheduleConfig `json:"schedule_config"`
	EnvironmentPath  string          `json:"environment_path"`
	RequirementsPath string          `json:"requirements_path"`
	TimeoutSeconds   *int            `json:"timeout_seconds"`
	IsActive         *bool           `json:"is_active"`
}

func (req createTaskRequest) input() core.TaskInput {
	in := core.TaskInput{
		Name:           req.Name,
		FilePath:       req.FilePath,
		ModuleName:     req.ModuleName,
		Description:    req.Description,
		Schedule:       toSpec(req.ScheduleType, req.ScheduleConfig),
		TimeoutSeconds: req.TimeoutSeconds,
		Active:         req.IsActive,
	}
	if req.EnvironmentPath != "" {
		in.Environment = &core.EnvironmentSpec{Path: req.EnvironmentPath, RequirementsPath: req.RequirementsPath}
	}
	return in
}

// updateScheduleRequest mirrors createTaskRequest with every field optional.
// An empty environment_path removes the task's environment.
type updateScheduleRequest struct {
	Description      *string         `json:"description"`
	ScheduleType     *string         `json:"schedule_type"`
	ScheduleConfig   *scheduleConfig `json:"schedule_config"`
	EnvironmentPath  *string         `json:"environment_path"`
	RequirementsPath *string         `json:"requirements_path"`
	TimeoutSeconds   *int            `json:"timeout_seconds"`
	IsActive         *bool           `json:"is_active"`
}

func (req updateScheduleRequest) update() core.TaskUpdate {
	upd := core.TaskUpdate{
		Description:    req.Description,
		TimeoutSeconds: req.TimeoutSeconds,
		Active:         req.IsActive,
	}
	if req.ScheduleType != nil {
		spec := toSpec(*req.ScheduleType, req.ScheduleConfig)
		upd.Schedule = &spec
	}
	if req.EnvironmentPath != nil {
		env := &core.EnvironmentSpec{Path: *req.EnvironmentPath}
		if req.RequirementsPath != nil {
			env.RequirementsPath = *req.RequirementsPath
		}
		upd.Environment = env
	}
	return upd
}

type taskResponse struct {
	ID               string          `json:"id"`
	Name             string          `json:"name"`
	FilePath         string          `json:"file_path"`
	ModuleName       string          `json:"module_name"`
	Description      string          `json:"description,omitempty"`
	ScheduleType     string          `json:"schedule_type"`
	ScheduleConfig   *scheduleConfig `json:"schedule_config,omitempty"`
	Schedule         string          `json:"schedule"`
	EnvironmentPath  string          `json:"environment_path,omitempty"`
	RequirementsPath string          `json:"requirements_path,omitempty"`
	PythonExecutable string          `json:"python_executable,omitempty"`
	TimeoutSeconds   *int            `json:"timeout_seconds,omitempty"`
	IsActive         bool            `json:"is_active"`
	LastRunAt        *string         `json:"last_run_at,omitempty"`
	NextRunAt        *string         `json:"next_run_at,omitempty"`
	CreatedAt        string          `json:"created_at"`
	UpdatedAt        string          `json:"updated_at"`
	ScheduleStatus   *scheduleStatus `json:"schedule_status,omitempty"`
}

type scheduleStatus struct {
	Scheduled bool    `json:"scheduled"`
	State     string  `json:"state"`
	NextRun   *string `json:"next_run,omitempty"`
}

func taskToResponse(task *core.Task) taskResponse {
	resp := taskResponse{
		ID:             task.ID,
		Name:           task.Name,
		FilePath:       task.FilePath,
		ModuleName:     task.ModuleName,
		Description:    task.Description,
		ScheduleType:   string(task.Schedule.Type),
		Schedule:       task.Schedule.Describe(),
		TimeoutSeconds: task.TimeoutSeconds,
		IsActive:       task.Active,
		LastRunAt:      formatTimePtr(task.LastRunAt),
		NextRunAt:      formatTimePtr(task.NextRunAt),
		CreatedAt:      formatTime(task.CreatedAt),
		UpdatedAt:      formatTime(task.UpdatedAt),
	}
	if task.Schedule.Type != core.ScheduleManual {
		resp.ScheduleConfig = &scheduleConfig{
			Hour:           task.Schedule.Hour,
			Minute:         task.Schedule.Minute,
			DayOfWeek:      task.Schedule.DayOfWeek,
			CronExpression: task.Schedule.CronExpression,
		}
	}
	if env := task.Environment; env != nil {
		resp.EnvironmentPath = env.Path
		resp.RequirementsPath = env.RequirementsPath
		resp.PythonExecutable = env.PythonExecutable
	}
	return resp
}

type runResponse struct {
	ID              string          `json:"id"`
	TaskID          string          `json:"task_id"`
	Status          string          `json:"status"`
	Trigger         string          `json:"trigger"`
	StartedAt       *string         `json:"started_at,omitempty"`
	CompletedAt     *string         `json:"completed_at,omitempty"`
	DurationSeconds *float64        `json:"duration_seconds,omitempty"`
	ErrorMessage    *string         `json:"error_message,omitempty"`
	Traceback       *string         `json:"traceback,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	RawOutput       *string         `json:"raw_output,omitempty"`
	ExitCode        *int            `json:"exit_code,omitempty"`
	LogFile         string          `json:"log_file,omitempty"`
	CreatedAt       string          `json:"created_at"`
}

func runToResponse(run *core.TaskRun) runResponse {
	resp := runResponse{
		ID:              run.ID,
		TaskID:          run.TaskID,
		Status:          string(run.Status),
		Trigger:         string(run.Trigger),
		StartedAt:       formatTimePtr(run.StartedAt),
		CompletedAt:     formatTimePtr(run.CompletedAt),
		DurationSeconds: run.DurationSeconds,
		ErrorMessage:    run.ErrorMessage,
		Traceback:       run.Traceback,
		Result:          run.Result,
		RawOutput:       run.RawOutput,
		ExitCode:        run.ExitCode,
		CreatedAt:       formatTime(run.CreatedAt),
	}
	if run.LogPath != nil {
		resp.LogFile = baseName(*run.LogPath)
	}
	return resp
}

type subscriptionRequest struct {
	Email           string `json:"email"`
	NotifyOnSuccess *bool  `json:"notify_on_success"`
	NotifyOnFailure *bool  `json:"notify_on_failure"`
}

type subscriptionResponse struct {
	ID              string `json:"id"`
	TaskID          string `json:"task_id"`
	Email           string `json:"email"`
	NotifyOnSuccess bool   `json:"notify_on_success"`
	NotifyOnFailure bool   `json:"notify_on_failure"`
	CreatedAt       string `json:"created_at"`
}

func subscriptionToResponse(sub *core.Subscription) subscriptionResponse {
	return subscriptionResponse{
		ID:              sub.ID,
		TaskID:          sub.TaskID,
		Email:           sub.Email,
		NotifyOnSuccess: sub.NotifyOnSuccess,
		NotifyOnFailure: sub.NotifyOnFailure,
		CreatedAt:       formatTime(sub.CreatedAt),
	}
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := formatTime(*t)
	return &formatted
}
