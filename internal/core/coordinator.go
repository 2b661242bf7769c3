package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"cronpilot/internal/environment"
	"cronpilot/internal/execution"
	"cronpilot/internal/logsink"
)

const (
	finalizeTimeout = 15 * time.Second
	maxStoredOutput = 64 << 10

	msgShutdown = "interrupted by shutdown"
	msgRestart  = "interrupted: process restarted"
)

var errShutdown = errors.New(msgShutdown)

// EnvironmentResolver picks the interpreter for a task's environment.
type EnvironmentResolver interface {
	Resolve(ctx context.Context, envPath, requirementsPath, cached string) (environment.Resolution, error)
}

// TaskExecutor runs task code and returns its result.
type TaskExecutor interface {
	Execute(ctx context.Context, req execution.Request) (*execution.Result, error)
}

// Coordinator owns the TaskRun lifecycle. It guarantees that a task never has
// more than one pending or running run.
type Coordinator struct {
	store    Store
	logs     *logsink.Sink
	envs     EnvironmentResolver
	executor TaskExecutor
	notifier Notifier
	logger   *slog.Logger
	now      func() time.Time

	locks sync.Map // taskID -> *sync.Mutex

	baseCtx context.Context
	cancel  context.CancelCauseFunc

	mu      sync.Mutex
	closing bool
	wg      sync.WaitGroup
}

// NewCoordinator wires the run coordinator. A nil notifier disables notifications.
func NewCoordinator(store Store, logs *logsink.Sink, envs EnvironmentResolver, executor TaskExecutor, notifier Notifier, logger *slog.Logger) *Coordinator {
	if notifier == nil {
		notifier = NopNotifier{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancelCause(context.Background())
	return &Coordinator{
		store:    store,
		logs:     logs,
		envs:     envs,
		executor: executor,
		notifier: notifier,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
		baseCtx:  ctx,
		cancel:   cancel,
	}
}

// RunNow claims the task, starts it in the background and returns the
// running TaskRun. It fails with ErrAlreadyRunning when the task is busy.
func (c *Coordinator) RunNow(ctx context.Context, task *Task, cfg map[string]any) (*TaskRun, error) {
	if err := c.enter(); err != nil {
		return nil, err
	}
	run, rl, err := c.begin(ctx, task, TriggerManual)
	if err != nil {
		c.wg.Done()
		return nil, err
	}
	snapshot := *run
	go func() {
		defer c.wg.Done()
		c.execute(task, run, rl, cfg)
	}()
	return &snapshot, nil
}

// Run loads the task, claims it and executes it on the calling goroutine.
// It returns the finalized TaskRun.
func (c *Coordinator) Run(ctx context.Context, taskID string, cfg map[string]any) (*TaskRun, error) {
	if err := c.enter(); err != nil {
		return nil, err
	}
	defer c.wg.Done()

	task, err := c.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load task: %w", err)
	}
	run, rl, err := c.begin(ctx, task, TriggerScheduled)
	if err != nil {
		return nil, err
	}
	return c.execute(task, run, rl, cfg), nil
}

// Shutdown stops new claims and waits for in-flight runs. When ctx expires
// first the remaining runs are canceled and recorded as cancelled.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		c.logger.Warn("shutdown grace expired, cancelling running tasks")
		c.cancel(errShutdown)
		<-done
		return ctx.Err()
	}
}

// RecoverInterrupted fails runs left pending or running by a previous process.
func (c *Coordinator) RecoverInterrupted(ctx context.Context) (int, error) {
	n, err := c.store.FailInterruptedRuns(ctx, msgRestart, c.now())
	if err != nil {
		return 0, fmt.Errorf("recover interrupted runs: %w", err)
	}
	if n > 0 {
		c.logger.Warn("marked interrupted runs as failed", "count", n)
	}
	return n, nil
}

func (c *Coordinator) enter() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closing {
		return ErrShuttingDown
	}
	c.wg.Add(1)
	return nil
}

func (c *Coordinator) taskLock(taskID string) *sync.Mutex {
	v, _ := c.locks.LoadOrStore(taskID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// begin claims the single-flight slot and moves the new run to running with
// its own log file.
func (c *Coordinator) begin(ctx context.Context, task *Task, trigger RunTrigger) (*TaskRun, *logsink.RunLog, error) {
	lock := c.taskLock(task.ID)
	lock.Lock()
	run := &TaskRun{
		ID:        NewID(),
		TaskID:    task.ID,
		Status:    RunStatusPending,
		Trigger:   trigger,
		CreatedAt: c.now(),
	}
	err := c.store.ClaimRun(ctx, run)
	lock.Unlock()
	if err != nil {
		return nil, nil, err
	}

	startedAt := c.now()
	rl, path, err := c.logs.OpenRunLog(task.ID, task.Name)
	if err != nil {
		c.abort(run, fmt.Sprintf("open run log: %v", err))
		return nil, nil, fmt.Errorf("open run log: %w", err)
	}
	if err := c.store.MarkRunStarted(ctx, run.ID, startedAt, path); err != nil {
		rl.Close()
		c.abort(run, fmt.Sprintf("mark run started: %v", err))
		return nil, nil, fmt.Errorf("mark run started: %w", err)
	}
	if err := c.store.UpdateTaskLastRun(ctx, task.ID, startedAt); err != nil {
		c.logger.Warn("update last_run_at", "task_id", task.ID, "err", err)
	}

	run.Status = RunStatusRunning
	run.StartedAt = &startedAt
	run.LogPath = &path
	return run, rl, nil
}

func (c *Coordinator) abort(run *TaskRun, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()
	if err := c.store.FinishRun(ctx, run.ID, RunOutcome{
		Status:       RunStatusFailed,
		CompletedAt:  c.now(),
		ErrorMessage: msg,
	}); err != nil {
		c.logger.Error("finish aborted run", "run_id", run.ID, "err", err)
	}
}

func (c *Coordinator) execute(task *Task, run *TaskRun, rl *logsink.RunLog, cfg map[string]any) *TaskRun {
	ctx := c.baseCtx
	logger := rl.Logger().With("run_id", run.ID)
	logger.Info("starting task", "task_id", task.ID, "task", task.Name, "trigger", string(run.Trigger))

	outcome := c.invoke(ctx, task, rl, logger, cfg)
	outcome.CompletedAt = c.now()
	outcome.DurationSeconds = outcome.CompletedAt.Sub(*run.StartedAt).Seconds()

	switch outcome.Status {
	case RunStatusSuccess:
		logger.Info("task completed", "duration_s", outcome.DurationSeconds)
	default:
		logger.Error("task failed", "status", string(outcome.Status), "duration_s", outcome.DurationSeconds, "err", outcome.ErrorMessage)
		if outcome.Traceback != "" {
			logger.Error("traceback", "trace", outcome.Traceback)
		}
	}
	if err := rl.Close(); err != nil {
		c.logger.Warn("close run log", "run_id", run.ID, "err", err)
	}
	return c.finalize(task, run, outcome)
}

func (c *Coordinator) invoke(ctx context.Context, task *Task, rl *logsink.RunLog, logger *slog.Logger, cfg map[string]any) RunOutcome {
	interpreter := ""
	if env := task.Environment; env != nil && env.Path != "" {
		res, err := c.envs.Resolve(ctx, env.Path, env.RequirementsPath, env.PythonExecutable)
		if err != nil {
			return RunOutcome{Status: RunStatusFailed, ErrorMessage: "environment: " + err.Error()}
		}
		for _, w := range res.Warnings {
			logger.Warn("environment warning", "warning", w)
		}
		interpreter = res.PythonExecutable
		logger.Info("resolved environment", "python", interpreter)
	}

	var timeout time.Duration
	if task.TimeoutSeconds != nil && *task.TimeoutSeconds > 0 {
		timeout = time.Duration(*task.TimeoutSeconds) * time.Second
	}

	result, err := c.executor.Execute(ctx, execution.Request{
		FilePath:    task.FilePath,
		ModuleName:  task.ModuleName,
		Config:      cfg,
		Interpreter: interpreter,
		Timeout:     timeout,
		Output:      rl,
	})
	if err != nil {
		return failureOutcome(ctx, err)
	}
	exit := result.ExitCode
	return RunOutcome{
		Status:    RunStatusSuccess,
		Result:    result.Data,
		RawOutput: truncateOutput(result.RawOutput),
		ExitCode:  &exit,
	}
}

func failureOutcome(ctx context.Context, err error) RunOutcome {
	if errors.Is(context.Cause(ctx), errShutdown) {
		return RunOutcome{Status: RunStatusCancelled, ErrorMessage: msgShutdown}
	}
	var execErr *execution.Error
	if !errors.As(err, &execErr) {
		return RunOutcome{Status: RunStatusFailed, ErrorMessage: err.Error()}
	}
	out := RunOutcome{
		Status:       RunStatusFailed,
		ErrorMessage: execErr.Message,
		Traceback:    execErr.Traceback,
		RawOutput:    truncateOutput(execErr.Output),
	}
	if execErr.Kind != execution.KindStart {
		code := execErr.ExitCode
		out.ExitCode = &code
	}
	return out
}

// finalize writes the terminal state, then runs the notification hook. Both
// use a fresh context so a shutdown does not lose the outcome.
func (c *Coordinator) finalize(task *Task, run *TaskRun, outcome RunOutcome) *TaskRun {
	ctx, cancel := context.WithTimeout(context.Background(), finalizeTimeout)
	defer cancel()

	if err := c.store.FinishRun(ctx, run.ID, outcome); err != nil {
		c.logger.Error("finish run", "task_id", task.ID, "run_id", run.ID, "err", err)
	}
	final, err := c.store.GetRun(ctx, run.ID)
	if err != nil {
		c.logger.Error("reload run", "run_id", run.ID, "err", err)
		final = applyOutcome(*run, outcome)
	}
	c.logger.Info("run finished", "task_id", task.ID, "run_id", run.ID, "status", string(final.Status))

	if err := c.notifier.NotifyRun(ctx, task, final); err != nil {
		c.logger.Warn("notify run", "task_id", task.ID, "run_id", run.ID, "err", err)
	}
	return final
}

func applyOutcome(run TaskRun, o RunOutcome) *TaskRun {
	completed := o.CompletedAt
	duration := o.DurationSeconds
	run.Status = o.Status
	run.CompletedAt = &completed
	run.DurationSeconds = &duration
	run.Result = o.Result
	run.ExitCode = o.ExitCode
	if o.ErrorMessage != "" {
		msg := o.ErrorMessage
		run.ErrorMessage = &msg
	}
	if o.Traceback != "" {
		tb := o.Traceback
		run.Traceback = &tb
	}
	return &run
}

func truncateOutput(s string) string {
	if len(s) <= maxStoredOutput {
		return s
	}
	return s[len(s)-maxStoredOutput:]
}
