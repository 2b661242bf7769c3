package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"cronpilot/internal/core"
)

const runColumns = `id, task_id, status, run_trigger, started_at, completed_at, duration_seconds,
	error_message, traceback, result, raw_output, exit_code, log_path, created_at`

// ClaimRun inserts a pending run. The partial unique index on active runs turns
// a second concurrent claim for the same task into core.ErrAlreadyRunning.
func (s *Store) ClaimRun(ctx context.Context, run *core.TaskRun) error {
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Status == "" {
		run.Status = core.RunStatusPending
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO task_runs (id, task_id, status, run_trigger, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, run.ID, run.TaskID, string(run.Status), string(run.Trigger), formatTime(run.CreatedAt))
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err):
		return core.ErrAlreadyRunning
	case isForeignKeyViolation(err):
		return core.ErrTaskNotFound
	default:
		return fmt.Errorf("claim run: %w", err)
	}
}

func (s *Store) MarkRunStarted(ctx context.Context, id string, startedAt time.Time, logPath string) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE task_runs
		SET status = ?, started_at = ?, log_path = ?
		WHERE id = ? AND status = ?
	`, string(core.RunStatusRunning), formatTime(startedAt), nullableString(logPath), id, string(core.RunStatusPending))
	if err != nil {
		return fmt.Errorf("mark run started: %w", err)
	}
	return s.missingRunError(ctx, res, id)
}

// FinishRun writes the terminal state. Terminal runs are never rewritten.
func (s *Store) FinishRun(ctx context.Context, id string, o core.RunOutcome) error {
	if !o.Status.Terminal() {
		return fmt.Errorf("finish run: %q is not a terminal status", o.Status)
	}
	var result any
	if len(o.Result) > 0 {
		result = string(o.Result)
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE task_runs
		SET status = ?, completed_at = ?,
			duration_seconds = CASE WHEN started_at IS NULL THEN NULL ELSE ? END,
			error_message = ?, traceback = ?, result = ?, raw_output = ?, exit_code = ?
		WHERE id = ? AND status IN ('pending', 'running')
	`, string(o.Status), formatTime(o.CompletedAt), o.DurationSeconds,
		nullableString(o.ErrorMessage), nullableString(o.Traceback), result, nullableString(o.RawOutput),
		nullableInt(o.ExitCode), id)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	return s.missingRunError(ctx, res, id)
}

// missingRunError explains an update that matched no row.
func (s *Store) missingRunError(ctx context.Context, res sql.Result, id string) error {
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if rows > 0 {
		return nil
	}
	if _, err := s.GetRun(ctx, id); err != nil {
		return err
	}
	return core.ErrRunFinalized
}

func (s *Store) GetRun(ctx context.Context, id string) (*core.TaskRun, error) {
	row := s.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM task_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrRunNotFound
	}
	return run, err
}

// ActiveRun returns the task's pending or running run, if any.
func (s *Store) ActiveRun(ctx context.Context, taskID string) (*core.TaskRun, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT `+runColumns+` FROM task_runs
		WHERE task_id = ? AND status IN ('pending', 'running')
	`, taskID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, core.ErrRunNotFound
	}
	return run, err
}

// ListRuns returns a task's runs, newest first.
func (s *Store) ListRuns(ctx context.Context, taskID string, limit, offset int) ([]*core.TaskRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.DB.QueryContext(ctx, `
		SELECT `+runColumns+`
		FROM task_runs
		WHERE task_id = ?
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, taskID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()
	runs := []*core.TaskRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// FailInterruptedRuns marks every pending or running run as failed.
func (s *Store) FailInterruptedRuns(ctx context.Context, message string, at time.Time) (int, error) {
	ts := formatTime(at)
	res, err := s.DB.ExecContext(ctx, `
		UPDATE task_runs
		SET status = ?, completed_at = ?, error_message = ?,
			duration_seconds = CASE WHEN started_at IS NULL THEN NULL
				ELSE (julianday(?) - julianday(started_at)) * 86400.0 END
		WHERE status IN ('pending', 'running')
	`, string(core.RunStatusFailed), ts, message, ts)
	if err != nil {
		return 0, fmt.Errorf("fail interrupted runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	return int(n), nil
}

func scanRun(scanner rowScanner) (*core.TaskRun, error) {
	var (
		run         core.TaskRun
		status      string
		trigger     string
		startedAt   sql.NullString
		completedAt sql.NullString
		duration    sql.NullFloat64
		errMsg      sql.NullString
		traceback   sql.NullString
		result      sql.NullString
		rawOutput   sql.NullString
		exitCode    sql.NullInt64
		logPath     sql.NullString
		createdAt   string
	)
	if err := scanner.Scan(&run.ID, &run.TaskID, &status, &trigger, &startedAt, &completedAt, &duration,
		&errMsg, &traceback, &result, &rawOutput, &exitCode, &logPath, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan run: %w", err)
	}
	run.Status = core.RunStatus(status)
	run.Trigger = core.RunTrigger(trigger)
	run.StartedAt = parseNullTime(startedAt)
	run.CompletedAt = parseNullTime(completedAt)
	if duration.Valid {
		v := duration.Float64
		run.DurationSeconds = &v
	}
	run.ErrorMessage = stringPtr(errMsg)
	run.Traceback = stringPtr(traceback)
	if result.Valid && result.String != "" {
		run.Result = []byte(result.String)
	}
	run.RawOutput = stringPtr(rawOutput)
	if exitCode.Valid {
		v := int(exitCode.Int64)
		run.ExitCode = &v
	}
	run.LogPath = stringPtr(logPath)
	run.CreatedAt = parseTime(createdAt)
	return &run, nil
}
