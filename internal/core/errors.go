package core

import (
	"errors"
	"fmt"
)

var (
	ErrTaskNotFound         = errors.New("task not found")
	ErrRunNotFound          = errors.New("run not found")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrDuplicateTaskName    = errors.New("task name already exists")

	// ErrAlreadyRunning is returned when a task already has a pending or running run.
	ErrAlreadyRunning  = errors.New("task is already running")
	ErrInvalidSchedule = errors.New("invalid schedule")
	ErrNotScheduled    = errors.New("task is not scheduled")
	// ErrRunFinalized is returned when a terminal run would be modified.
	ErrRunFinalized = errors.New("run is already finalized")
	ErrShuttingDown = errors.New("shutting down")
)

// RegistrationError rejects a task before it reaches the store or the scheduler.
type RegistrationError struct {
	Field string
	Err   error
}

func (e *RegistrationError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("invalid task: %v", e.Err)
	}
	return fmt.Sprintf("invalid task %s: %v", e.Field, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }
