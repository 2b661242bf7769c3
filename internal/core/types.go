package core

import (
	"encoding/json"
	"time"
)

// ScheduleType selects how a task's trigger is computed.
type ScheduleType string

const (
	ScheduleManual ScheduleType = "manual"
	ScheduleHourly ScheduleType = "hourly"
	ScheduleDaily  ScheduleType = "daily"
	ScheduleWeekly ScheduleType = "weekly"
	ScheduleCustom ScheduleType = "custom"
)

// RunStatus describes the state of an individual execution.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusSuccess   RunStatus = "success"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunStatusSuccess, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// RunTrigger records what started a run.
type RunTrigger string

const (
	TriggerManual    RunTrigger = "manual"
	TriggerScheduled RunTrigger = "scheduled"
)

// ScheduleSpec is the tagged schedule variant. Only the fields relevant to
// Type are read.
type ScheduleSpec struct {
	Type           ScheduleType `json:"type"`
	Hour           *int         `json:"hour,omitempty"`
	Minute         *int         `json:"minute,omitempty"`
	DayOfWeek      DayOfWeek    `json:"day_of_week,omitempty"`
	CronExpression string       `json:"cron_expression,omitempty"`
}

// EnvironmentSpec points a task at an isolated interpreter environment.
type EnvironmentSpec struct {
	Path             string
	RequirementsPath string
	// PythonExecutable is filled in after validation and is only a cache.
	PythonExecutable string
}

// Task represents a registered unit of schedulable work.
type Task struct {
	ID             string
	Name           string
	FilePath       string
	ModuleName     string
	Description    string
	Schedule       ScheduleSpec
	Environment    *EnvironmentSpec
	TimeoutSeconds *int
	Active         bool
	LastRunAt      *time.Time
	NextRunAt      *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// TaskRun captures a single execution attempt of a task.
type TaskRun struct {
	ID              string
	TaskID          string
	Status          RunStatus
	Trigger         RunTrigger
	StartedAt       *time.Time
	CompletedAt     *time.Time
	DurationSeconds *float64
	ErrorMessage    *string
	Traceback       *string
	Result          json.RawMessage
	RawOutput       *string
	ExitCode        *int
	LogPath         *string
	CreatedAt       time.Time
}

// RunOutcome is the terminal state written when a run finishes.
type RunOutcome struct {
	Status          RunStatus
	CompletedAt     time.Time
	DurationSeconds float64
	ErrorMessage    string
	Traceback       string
	Result          json.RawMessage
	RawOutput       string
	ExitCode        *int
}

// Subscription asks for a mail when a task's run finishes.
type Subscription struct {
	ID              string
	TaskID          string
	Email           string
	NotifyOnSuccess bool
	NotifyOnFailure bool
	CreatedAt       time.Time
}
