package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cronpilot/internal/core"
)

const taskColumns = `id, name, file_path, module_name, description, schedule_type, schedule_config,
	environment_path, requirements_path, python_executable, timeout_seconds, is_active,
	last_run_at, next_run_at, created_at, updated_at`

func (s *Store) InsertTask(ctx context.Context, task *core.Task) error {
	now := time.Now().UTC()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = task.CreatedAt
	config, err := encodeSchedule(task.Schedule)
	if err != nil {
		return err
	}
	envPath, reqPath, python := envColumns(task.Environment)
	_, err = s.DB.ExecContext(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.Name, task.FilePath, task.ModuleName, task.Description, string(task.Schedule.Type), config,
		envPath, reqPath, python, nullableInt(task.TimeoutSeconds), boolInt(task.Active),
		nullableTime(task.LastRunAt), nullableTime(task.NextRunAt),
		formatTime(task.CreatedAt), formatTime(task.UpdatedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return core.ErrDuplicateTaskName
		}
		return fmt.Errorf("insert task: %w", err)
	}
	return nil
}

// UpdateTask rewrites the task's definition. Run timestamps are owned by the
// scheduler and the coordinator and are left untouched.
func (s *Store) UpdateTask(ctx context.Context, task *core.Task) error {
	task.UpdatedAt = time.Now().UTC()
	config, err := encodeSchedule(task.Schedule)
	if err != nil {
		return err
	}
	envPath, reqPath, python := envColumns(task.Environment)
	res, err := s.DB.ExecContext(ctx, `
		UPDATE tasks
		SET name = ?, file_path = ?, module_name = ?, description = ?, schedule_type = ?, schedule_config = ?,
			environment_path = ?, requirements_path = ?, python_executable = ?, timeout_seconds = ?,
			is_active = ?, updated_at = ?
		WHERE id = ?
	`, task.Name, task.FilePath, task.ModuleName, task.Description, string(task.Schedule.Type), config,
		envPath, reqPath, python, nullableInt(task.TimeoutSeconds), boolInt(task.Active),
		formatTime(task.UpdatedAt), task.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return core.ErrDuplicateTaskName
		}
		return fmt.Errorf("update task: %w", err)
	}
	return expectRow(res, core.ErrTaskNotFound)
}

// DeleteTask removes the task; its runs and subscriptions go with it.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return expectRow(res, core.ErrTaskNotFound)
}

func (s *Store) GetTask(ctx context.Context, id string) (*core.Task, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrTaskNotFound
	}
	return task, err
}

func (s *Store) GetTaskByName(ctx context.Context, name string) (*core.Task, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE name = ?`, name)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrTaskNotFound
	}
	return task, err
}

func (s *Store) ListTasks(ctx context.Context, activeOnly bool) ([]*core.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if activeOnly {
		query += ` WHERE is_active = 1`
	}
	query += ` ORDER BY created_at ASC`
	rows, err := s.DB.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	tasks := []*core.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *Store) UpdateTaskNextRun(ctx context.Context, id string, nextRunAt *time.Time) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE tasks SET next_run_at = ? WHERE id = ?`, nullableTime(nextRunAt), id)
	if err != nil {
		return fmt.Errorf("update next_run_at: %w", err)
	}
	return expectRow(res, core.ErrTaskNotFound)
}

func (s *Store) UpdateTaskLastRun(ctx context.Context, id string, lastRunAt time.Time) error {
	res, err := s.DB.ExecContext(ctx, `UPDATE tasks SET last_run_at = ? WHERE id = ?`, formatTime(lastRunAt), id)
	if err != nil {
		return fmt.Errorf("update last_run_at: %w", err)
	}
	return expectRow(res, core.ErrTaskNotFound)
}

func scanTask(scanner rowScanner) (*core.Task, error) {
	var (
		task         core.Task
		scheduleType string
		config       string
		envPath      sql.NullString
		reqPath      sql.NullString
		python       sql.NullString
		timeout      sql.NullInt64
		active       int
		lastRun      sql.NullString
		nextRun      sql.NullString
		createdAt    string
		updatedAt    string
	)
	if err := scanner.Scan(&task.ID, &task.Name, &task.FilePath, &task.ModuleName, &task.Description,
		&scheduleType, &config, &envPath, &reqPath, &python, &timeout, &active,
		&lastRun, &nextRun, &createdAt, &updatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan task: %w", err)
	}
	if config != "" {
		if err := json.Unmarshal([]byte(config), &task.Schedule); err != nil {
			return nil, fmt.Errorf("decode schedule of task %s: %w", task.ID, err)
		}
	}
	task.Schedule.Type = core.ScheduleType(scheduleType)
	if envPath.Valid && envPath.String != "" {
		task.Environment = &core.EnvironmentSpec{
			Path:             envPath.String,
			RequirementsPath: reqPath.String,
			PythonExecutable: python.String,
		}
	}
	if timeout.Valid {
		v := int(timeout.Int64)
		task.TimeoutSeconds = &v
	}
	task.Active = active != 0
	task.LastRunAt = parseNullTime(lastRun)
	task.NextRunAt = parseNullTime(nextRun)
	task.CreatedAt = parseTime(createdAt)
	task.UpdatedAt = parseTime(updatedAt)
	return &task, nil
}

func encodeSchedule(spec core.ScheduleSpec) (string, error) {
	data, err := json.Marshal(spec)
	if err != nil {
		return "", fmt.Errorf("encode schedule: %w", err)
	}
	return string(data), nil
}

func envColumns(env *core.EnvironmentSpec) (any, any, any) {
	if env == nil || env.Path == "" {
		return nil, nil, nil
	}
	return env.Path, nullableString(env.RequirementsPath), nullableString(env.PythonExecutable)
}

func expectRow(res sql.Result, notFound error) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows == 0 {
		return notFound
	}
	return nil
}
