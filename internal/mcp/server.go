// Package mcp exposes the scheduler as Model Context Protocol tools.
package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"cronpilot/internal/app"
	"cronpilot/internal/core"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

const (
	defaultRunsLimit    = 10
	defaultPreviewCount = 5
	timeLayout          = "2006-01-02 15:04:05 MST"
)

// Server registers the cronpilot tools on an MCP server.
type Server struct {
	app    *app.App
	mcp    *server.MCPServer
	logger *slog.Logger
}

// NewServer creates the MCP server and registers every tool.
func NewServer(a *app.App, version string) *Server {
	s := &Server{
		app:    a,
		logger: a.Logger.With("component", "mcp"),
		mcp: server.NewMCPServer(
			"cronpilot",
			version,
			server.WithToolCapabilities(true),
		),
	}
	s.registerTools()
	return s
}

// Run serves the tools on stdin/stdout until ctx is done.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("MCP server starting on stdio")
	return server.NewStdioServer(s.mcp).Listen(ctx, os.Stdin, os.Stdout)
}

// HTTPHandler serves the tools over streamable HTTP.
func (s *Server) HTTPHandler() http.Handler {
	return server.NewStreamableHTTPServer(s.mcp)
}

func (s *Server) registerTools() {
	s.mcp.AddTool(mcp.NewTool("task_list",
		mcp.WithDescription("List registered tasks with their schedule and next run time"),
		mcp.WithBoolean("active_only",
			mcp.Description("Only list active tasks"),
		),
	), s.handleTaskList)

	s.mcp.AddTool(mcp.NewTool("task_get",
		mcp.WithDescription("Show a task's configuration"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleTaskGet)

	s.mcp.AddTool(mcp.NewTool("task_run",
		mcp.WithDescription("Start a task immediately. Fails when the task is already running"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
		mcp.WithObject("config",
			mcp.Description("Config object passed to run_task"),
		),
	), s.handleTaskRun)

	s.mcp.AddTool(mcp.NewTool("task_status",
		mcp.WithDescription("Show whether a task is scheduled, paused or running"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
	), s.handleTaskStatus)

	s.mcp.AddTool(mcp.NewTool("task_runs",
		mcp.WithDescription("Show a task's run history, newest first"),
		mcp.WithString("task_id",
			mcp.Required(),
			mcp.Description("Task ID"),
		),
		mcp.WithNumber("limit",
			mcp.Description("Number of runs to return, default 10"),
			mcp.Min(1),
			mcp.Max(100),
		),
	), s.handleTaskRuns)

	s.mcp.AddTool(mcp.NewTool("run_log",
		mcp.WithDescription("Read the log of a run"),
		mcp.WithString("run_id",
			mcp.Required(),
			mcp.Description("Run ID"),
		),
		mcp.WithNumber("tail",
			mcp.Description("Only return the last N lines"),
			mcp.Min(0),
		),
	), s.handleRunLog)

	s.mcp.AddTool(mcp.NewTool("env_discover",
		mcp.WithDescription("List interpreter environments, requirements files and task projects under the tasks directory"),
		mcp.WithString("kind",
			mcp.Description("What to list, default all"),
			mcp.Enum("all", "environments", "requirements", "projects"),
		),
	), s.handleEnvDiscover)

	s.mcp.AddTool(mcp.NewTool("env_validate",
		mcp.WithDescription("Check that a directory holds a working Python environment"),
		mcp.WithString("environment_path",
			mcp.Required(),
			mcp.Description("Environment directory"),
		),
		mcp.WithString("requirements_path",
			mcp.Description("Requirements file to install into the environment"),
		),
	), s.handleEnvValidate)

	s.mcp.AddTool(mcp.NewTool("schedule_preview",
		mcp.WithDescription("Preview the next fire times of a schedule"),
		mcp.WithString("schedule_type",
			mcp.Description("Schedule type, default custom"),
			mcp.Enum("hourly", "daily", "weekly", "custom"),
		),
		mcp.WithString("cron_expression",
			mcp.Description("5-field cron expression for custom schedules, e.g. '0 9 * * 1-5'"),
		),
		mcp.WithNumber("hour",
			mcp.Description("Hour for daily and weekly schedules"),
			mcp.Min(0),
			mcp.Max(23),
		),
		mcp.WithNumber("minute",
			mcp.Description("Minute for daily and weekly schedules"),
			mcp.Min(0),
			mcp.Max(59),
		),
		mcp.WithString("day_of_week",
			mcp.Description("Weekday for weekly schedules, e.g. mon"),
		),
		mcp.WithNumber("count",
			mcp.Description("Number of fire times, default 5"),
			mcp.Min(1),
			mcp.Max(20),
		),
	), s.handleSchedulePreview)

	s.logger.Debug("MCP tools registered", "count", 9)
}

func (s *Server) handleTaskList(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	activeOnly := mcp.ParseBoolean(request, "active_only", false)
	tasks, err := s.app.Store.ListTasks(ctx, activeOnly)
	if err != nil {
		s.logger.Error("list tasks", "err", err)
		return mcp.NewToolResultError(fmt.Sprintf("failed to list tasks: %v", err)), nil
	}
	if len(tasks) == 0 {
		return mcp.NewToolResultText("No tasks found"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d tasks:\n\n", len(tasks))
	for _, t := range tasks {
		state := "active"
		if !t.Active {
			state = "inactive"
		}
		fmt.Fprintf(&b, "%s (%s)\n", t.Name, t.ID)
		fmt.Fprintf(&b, "  Schedule: %s\n", t.Schedule.Describe())
		fmt.Fprintf(&b, "  State: %s\n", state)
		if next := s.nextRun(t); next != nil {
			fmt.Fprintf(&b, "  Next run: %s\n", s.formatTime(next))
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleTaskGet(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, errResult := s.loadTask(ctx, request)
	if errResult != nil {
		return errResult, nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Task ID: %s\n", task.ID)
	fmt.Fprintf(&b, "Name: %s\n", task.Name)
	fmt.Fprintf(&b, "File: %s\n", task.FilePath)
	fmt.Fprintf(&b, "Module: %s\n", task.ModuleName)
	if task.Description != "" {
		fmt.Fprintf(&b, "Description: %s\n", task.Description)
	}
	fmt.Fprintf(&b, "Schedule: %s\n", task.Schedule.Describe())
	fmt.Fprintf(&b, "Active: %t\n", task.Active)
	if env := task.Environment; env != nil {
		fmt.Fprintf(&b, "Environment: %s\n", env.Path)
		if env.RequirementsPath != "" {
			fmt.Fprintf(&b, "Requirements: %s\n", env.RequirementsPath)
		}
	}
	if task.TimeoutSeconds != nil {
		fmt.Fprintf(&b, "Timeout: %ds\n", *task.TimeoutSeconds)
	}
	if task.LastRunAt != nil {
		fmt.Fprintf(&b, "Last run: %s\n", s.formatTime(task.LastRunAt))
	}
	if next := s.nextRun(task); next != nil {
		fmt.Fprintf(&b, "Next run: %s\n", s.formatTime(next))
	}
	fmt.Fprintf(&b, "Created: %s\n", s.formatTime(&task.CreatedAt))
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleTaskRun(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, errResult := s.loadTask(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	var cfg map[string]any
	if raw, ok := request.GetArguments()["config"]; ok && raw != nil {
		m, ok := raw.(map[string]any)
		if !ok {
			return mcp.NewToolResultError("config must be an object"), nil
		}
		cfg = m
	}

	run, err := s.app.Coordinator.RunNow(context.WithoutCancel(ctx), task, cfg)
	if err != nil {
		if errors.Is(err, core.ErrAlreadyRunning) {
			return mcp.NewToolResultError(fmt.Sprintf("task %s is already running", task.Name)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to start task: %v", err)), nil
	}
	return mcp.NewToolResultText(fmt.Sprintf("Task started\nTask ID: %s\nRun ID: %s", task.ID, run.ID)), nil
}

func (s *Server) handleTaskStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, errResult := s.loadTask(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	status := s.app.Scheduler.Status(task.ID)

	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s (%s)\n", task.Name, task.ID)
	fmt.Fprintf(&b, "Schedule: %s\n", status.State)
	if status.NextRun != nil {
		fmt.Fprintf(&b, "Next run: %s\n", s.formatTime(status.NextRun))
	}
	active, err := s.app.Store.ActiveRun(ctx, task.ID)
	switch {
	case err == nil:
		fmt.Fprintf(&b, "Running: yes (run %s)\n", active.ID)
	case errors.Is(err, core.ErrRunNotFound):
		b.WriteString("Running: no\n")
	default:
		return mcp.NewToolResultError(fmt.Sprintf("failed to load active run: %v", err)), nil
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleTaskRuns(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	task, errResult := s.loadTask(ctx, request)
	if errResult != nil {
		return errResult, nil
	}
	limit := int(mcp.ParseFloat64(request, "limit", defaultRunsLimit))
	if limit <= 0 {
		limit = defaultRunsLimit
	}
	runs, err := s.app.Store.ListRuns(ctx, task.ID, limit, 0)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to list runs: %v", err)), nil
	}
	if len(runs) == 0 {
		return mcp.NewToolResultText("No runs recorded for this task"), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Found %d runs:\n\n", len(runs))
	for _, r := range runs {
		fmt.Fprintf(&b, "[%s] %s (%s)\n", r.Status, r.ID, r.Trigger)
		if r.StartedAt != nil {
			fmt.Fprintf(&b, "  Started: %s\n", s.formatTime(r.StartedAt))
		}
		if r.DurationSeconds != nil {
			fmt.Fprintf(&b, "  Duration: %.1fs\n", *r.DurationSeconds)
		}
		if r.ErrorMessage != nil {
			fmt.Fprintf(&b, "  Error: %s\n", *r.ErrorMessage)
		}
		b.WriteString("\n")
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) handleRunLog(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	runID := mcp.ParseString(request, "run_id", "")
	run, err := s.app.Store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, core.ErrRunNotFound) {
			return mcp.NewToolResultError(fmt.Sprintf("run not found: %s", runID)), nil
		}
		return mcp.NewToolResultError(fmt.Sprintf("failed to load run: %v", err)), nil
	}
	if run.LogPath == nil {
		return mcp.NewToolResultError("run has no log"), nil
	}
	tail := int(mcp.ParseFloat64(request, "tail", 0))
	content, err := s.app.Logs.ReadContent(*run.LogPath, tail)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to read log: %v", err)), nil
	}
	return mcp.NewToolResultText(content), nil
}

func (s *Server) handleEnvDiscover(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	kind := mcp.ParseString(request, "kind", "all")
	root := s.app.Registry.TasksDir()
	envs := s.app.Environments
	out := map[string]any{"tasks_directory": root}

	var err error
	if kind == "all" || kind == "environments" {
		out["environments"], err = envs.DiscoverEnvironments(root)
	}
	if err == nil && (kind == "all" || kind == "requirements") {
		out["requirements_files"], err = envs.DiscoverRequirementsFiles(root)
	}
	if err == nil && (kind == "all" || kind == "projects") {
		out["projects"], err = envs.DiscoverTaskProjects(root)
	}
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("discovery failed: %v", err)), nil
	}
	return jsonResult(out)
}

func (s *Server) handleEnvValidate(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	envPath := strings.TrimSpace(mcp.ParseString(request, "environment_path", ""))
	if envPath == "" {
		return mcp.NewToolResultError("environment_path is required"), nil
	}
	reqPath := strings.TrimSpace(mcp.ParseString(request, "requirements_path", ""))
	return jsonResult(s.app.Environments.Validate(ctx, envPath, reqPath))
}

func (s *Server) handleSchedulePreview(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	spec := core.ScheduleSpec{
		Type:           core.ScheduleType(mcp.ParseString(request, "schedule_type", string(core.ScheduleCustom))),
		CronExpression: mcp.ParseString(request, "cron_expression", ""),
		DayOfWeek:      core.ParseDayOfWeek(mcp.ParseString(request, "day_of_week", "")),
	}
	args := request.GetArguments()
	if _, ok := args["hour"]; ok {
		hour := int(mcp.ParseFloat64(request, "hour", 0))
		spec.Hour = &hour
	}
	if _, ok := args["minute"]; ok {
		minute := int(mcp.ParseFloat64(request, "minute", 0))
		spec.Minute = &minute
	}
	count := int(mcp.ParseFloat64(request, "count", defaultPreviewCount))
	if count <= 0 {
		count = defaultPreviewCount
	}

	times, err := core.NextOccurrences(spec, time.Now().In(s.app.Location), count)
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Schedule: %s\n", spec.Describe())
	fmt.Fprintf(&b, "Timezone: %s\n\n", s.app.Location)
	b.WriteString("Next fire times:\n")
	for i, t := range times {
		fmt.Fprintf(&b, "  %d. %s\n", i+1, t.Format(timeLayout))
	}
	return mcp.NewToolResultText(b.String()), nil
}

func (s *Server) loadTask(ctx context.Context, request mcp.CallToolRequest) (*core.Task, *mcp.CallToolResult) {
	taskID := mcp.ParseString(request, "task_id", "")
	task, err := s.app.Store.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, core.ErrTaskNotFound) {
			return nil, mcp.NewToolResultError(fmt.Sprintf("task not found: %s", taskID))
		}
		return nil, mcp.NewToolResultError(fmt.Sprintf("failed to load task: %v", err))
	}
	return task, nil
}

func (s *Server) nextRun(task *core.Task) *time.Time {
	if next := s.app.Scheduler.NextFireTime(task.ID); next != nil {
		return next
	}
	return task.NextRunAt
}

func (s *Server) formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.In(s.app.Location).Format(timeLayout)
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode result: %w", err)
	}
	return mcp.NewToolResultText(string(data)), nil
}
