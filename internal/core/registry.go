package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"cronpilot/internal/environment"
	"cronpilot/internal/execution"
)

// EntryPointChecker verifies that a task file defines a callable run_task.
type EntryPointChecker interface {
	CheckEntryPoint(ctx context.Context, interpreter, filePath, module string) (*execution.EntryPoint, error)
}

// EnvironmentValidator validates an interpreter environment.
type EnvironmentValidator interface {
	Validate(ctx context.Context, envPath, requirementsPath string) environment.Validation
}

// TaskInput is a registration request.
type TaskInput struct {
	Name           string
	FilePath       string
	ModuleName     string
	Description    string
	Schedule       ScheduleSpec
	Environment    *EnvironmentSpec
	TimeoutSeconds *int
	// Active defaults to true.
	Active *bool
}

// TaskUpdate changes an existing task. Nil fields are left alone; an
// Environment with an empty Path removes the environment.
type TaskUpdate struct {
	Description    *string
	Schedule       *ScheduleSpec
	Environment    *EnvironmentSpec
	TimeoutSeconds *int
	Active         *bool
}

// DiscoveredTask is a task file found in the tasks directory.
type DiscoveredTask struct {
	Name        string
	FilePath    string
	ModuleName  string
	Description string
	Registered  bool
}

// Registry validates tasks, persists them and keeps the scheduler in step.
type Registry struct {
	store     TaskStore
	scheduler *Scheduler
	checker   EntryPointChecker
	envs      EnvironmentValidator
	logger    *slog.Logger
	tasksDir  string
	now       func() time.Time
}

func NewRegistry(store TaskStore, scheduler *Scheduler, checker EntryPointChecker, envs EnvironmentValidator, tasksDir string, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:     store,
		scheduler: scheduler,
		checker:   checker,
		envs:      envs,
		logger:    logger,
		tasksDir:  tasksDir,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// TasksDir returns the root under which tasks and environments are discovered.
func (r *Registry) TasksDir() string { return r.tasksDir }

// Register validates and stores a new task, then schedules it.
func (r *Registry) Register(ctx context.Context, in TaskInput) (*Task, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, &RegistrationError{Field: "name", Err: errors.New("name is required")}
	}
	filePath := strings.TrimSpace(in.FilePath)
	if filePath == "" {
		return nil, &RegistrationError{Field: "file_path", Err: errors.New("file_path is required")}
	}
	if !filepath.IsAbs(filePath) && r.tasksDir != "" {
		filePath = filepath.Join(r.tasksDir, filePath)
	}
	if err := in.Schedule.Validate(); err != nil {
		return nil, &RegistrationError{Field: "schedule", Err: err}
	}
	if err := checkTimeout(in.TimeoutSeconds); err != nil {
		return nil, err
	}
	if existing, err := r.store.GetTaskByName(ctx, name); err == nil && existing != nil {
		return nil, &RegistrationError{Field: "name", Err: ErrDuplicateTaskName}
	} else if err != nil && !errors.Is(err, ErrTaskNotFound) {
		return nil, fmt.Errorf("lookup task name: %w", err)
	}

	env, err := r.validateEnvironment(ctx, in.Environment)
	if err != nil {
		return nil, err
	}
	ep, err := r.checkEntryPoint(ctx, env, filePath, strings.TrimSpace(in.ModuleName))
	if err != nil {
		return nil, err
	}

	now := r.now()
	task := &Task{
		ID:             NewID(),
		Name:           name,
		FilePath:       filePath,
		ModuleName:     ep.Module,
		Description:    strings.TrimSpace(in.Description),
		Schedule:       in.Schedule,
		Environment:    env,
		TimeoutSeconds: in.TimeoutSeconds,
		Active:         in.Active == nil || *in.Active,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if task.Description == "" {
		task.Description = ep.Description
	}
	if err := r.store.InsertTask(ctx, task); err != nil {
		if errors.Is(err, ErrDuplicateTaskName) {
			return nil, &RegistrationError{Field: "name", Err: err}
		}
		return nil, fmt.Errorf("insert task: %w", err)
	}
	r.schedule(ctx, task)
	r.logger.Info("task registered", "task_id", task.ID, "name", task.Name, "schedule", task.Schedule.Describe())
	return task, nil
}

// Update applies changes to a task and re-registers its trigger.
func (r *Registry) Update(ctx context.Context, id string, upd TaskUpdate) (*Task, error) {
	task, err := r.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if upd.Schedule != nil {
		if err := upd.Schedule.Validate(); err != nil {
			return nil, &RegistrationError{Field: "schedule", Err: err}
		}
		task.Schedule = *upd.Schedule
	}
	if upd.TimeoutSeconds != nil {
		if err := checkTimeout(upd.TimeoutSeconds); err != nil {
			return nil, err
		}
		task.TimeoutSeconds = upd.TimeoutSeconds
		if *upd.TimeoutSeconds == 0 {
			task.TimeoutSeconds = nil
		}
	}
	if upd.Environment != nil {
		env, err := r.validateEnvironment(ctx, upd.Environment)
		if err != nil {
			return nil, err
		}
		task.Environment = env
	}
	if upd.Description != nil {
		task.Description = strings.TrimSpace(*upd.Description)
	}
	if upd.Active != nil {
		task.Active = *upd.Active
	}
	task.UpdatedAt = r.now()

	if err := r.store.UpdateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("update task: %w", err)
	}
	r.schedule(ctx, task)
	return task, nil
}

// Delete unschedules a task and removes it with its runs and subscriptions.
func (r *Registry) Delete(ctx context.Context, id string) error {
	r.scheduler.Unregister(id)
	if err := r.store.DeleteTask(ctx, id); err != nil {
		return err
	}
	r.logger.Info("task deleted", "task_id", id)
	return nil
}

// Discover lists the Python files directly under the tasks directory that
// pass the entry-point check.
func (r *Registry) Discover(ctx context.Context) ([]DiscoveredTask, error) {
	if r.tasksDir == "" {
		return nil, errors.New("tasks directory is not configured")
	}
	entries, err := os.ReadDir(r.tasksDir)
	if err != nil {
		return nil, fmt.Errorf("read tasks directory: %w", err)
	}
	known := map[string]bool{}
	if tasks, err := r.store.ListTasks(ctx, false); err == nil {
		for _, t := range tasks {
			known[filepath.Clean(t.FilePath)] = true
		}
	}

	var found []DiscoveredTask
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".py") || strings.HasPrefix(name, "__") {
			continue
		}
		path := filepath.Join(r.tasksDir, name)
		ep, err := r.checker.CheckEntryPoint(ctx, "", path, "")
		if err != nil {
			r.logger.Debug("skipping candidate task file", "path", path, "err", err)
			continue
		}
		found = append(found, DiscoveredTask{
			Name:        ep.Module,
			FilePath:    path,
			ModuleName:  ep.Module,
			Description: ep.Description,
			Registered:  known[filepath.Clean(path)],
		})
	}
	sort.Slice(found, func(i, j int) bool { return found[i].Name < found[j].Name })
	return found, nil
}

func (r *Registry) schedule(ctx context.Context, task *Task) {
	if err := r.scheduler.Register(ctx, task); err != nil {
		r.logger.Error("schedule task", "task_id", task.ID, "err", err)
	}
	task.NextRunAt = r.scheduler.NextFireTime(task.ID)
}

func (r *Registry) validateEnvironment(ctx context.Context, spec *EnvironmentSpec) (*EnvironmentSpec, error) {
	if spec == nil || strings.TrimSpace(spec.Path) == "" {
		return nil, nil
	}
	env := &EnvironmentSpec{Path: strings.TrimSpace(spec.Path), RequirementsPath: strings.TrimSpace(spec.RequirementsPath)}
	v := r.envs.Validate(ctx, env.Path, env.RequirementsPath)
	if !v.Valid {
		return nil, &RegistrationError{
			Field: "environment",
			Err:   &environment.EnvironmentError{Path: env.Path, Reasons: v.Errors},
		}
	}
	for _, w := range v.Warnings {
		r.logger.Warn("environment warning", "env", env.Path, "warning", w)
	}
	env.PythonExecutable = v.PythonExecutable
	return env, nil
}

func (r *Registry) checkEntryPoint(ctx context.Context, env *EnvironmentSpec, filePath, module string) (*execution.EntryPoint, error) {
	interpreter := ""
	if env != nil {
		interpreter = env.PythonExecutable
	}
	ep, err := r.checker.CheckEntryPoint(ctx, interpreter, filePath, module)
	if err != nil {
		return nil, &RegistrationError{Field: "file_path", Err: err}
	}
	if ep.Module == "" {
		ep.Module = module
	}
	if ep.Module == "" {
		ep.Module = execution.ModuleNameFromPath(filePath)
	}
	return ep, nil
}

func checkTimeout(v *int) error {
	if v != nil && *v < 0 {
		return &RegistrationError{Field: "timeout_seconds", Err: errors.New("must not be negative")}
	}
	return nil
}
