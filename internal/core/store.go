package core

import (
	"context"
	"time"
)

// Store is the persistence the scheduler and the run coordinator rely on.
type Store interface {
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, activeOnly bool) ([]*Task, error)
	UpdateTaskNextRun(ctx context.Context, id string, nextRunAt *time.Time) error
	UpdateTaskLastRun(ctx context.Context, id string, lastRunAt time.Time) error

	// ClaimRun inserts a pending run. It fails with ErrAlreadyRunning when the
	// task already has a pending or running run.
	ClaimRun(ctx context.Context, run *TaskRun) error
	MarkRunStarted(ctx context.Context, id string, startedAt time.Time, logPath string) error
	// FinishRun moves a pending or running run to its terminal state. It fails
	// with ErrRunFinalized when the run is already terminal.
	FinishRun(ctx context.Context, id string, outcome RunOutcome) error
	GetRun(ctx context.Context, id string) (*TaskRun, error)
	// FailInterruptedRuns finalizes every pending or running run as failed.
	FailInterruptedRuns(ctx context.Context, message string, at time.Time) (int, error)
}

// TaskStore adds the writes used by task registration.
type TaskStore interface {
	Store
	GetTaskByName(ctx context.Context, name string) (*Task, error)
	InsertTask(ctx context.Context, task *Task) error
	UpdateTask(ctx context.Context, task *Task) error
	DeleteTask(ctx context.Context, id string) error
}

// Notifier is told about every finished run.
type Notifier interface {
	NotifyRun(ctx context.Context, task *Task, run *TaskRun) error
}

// NopNotifier drops every notification.
type NopNotifier struct{}

func (NopNotifier) NotifyRun(context.Context, *Task, *TaskRun) error { return nil }
