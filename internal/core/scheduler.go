package core

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
)

const (
	defaultMaxWorkers = 4
	defaultQueueSize  = 64
)

// Job states reported by Status.
const (
	StateScheduled    = "scheduled"
	StatePaused       = "paused"
	StateNotScheduled = "not_scheduled"
)

// Runner executes a fired task to completion.
type Runner interface {
	Run(ctx context.Context, taskID string, cfg map[string]any) (*TaskRun, error)
}

// SchedulerConfig bounds the firing pool.
type SchedulerConfig struct {
	Location   *time.Location
	MaxWorkers int
	QueueSize  int
}

// JobStatus is the scheduling state of one task.
type JobStatus struct {
	Scheduled bool
	NextRun   *time.Time
	State     string
}

// JobInfo describes a registered trigger.
type JobInfo struct {
	TaskID   string
	TaskName string
	Trigger  string
	NextRun  *time.Time
	Paused   bool
}

type job struct {
	name     string
	spec     ScheduleSpec
	schedule cron.Schedule
	entryID  cron.EntryID
	paused   bool
	next     time.Time
}

// Scheduler turns schedule specs into cron triggers and hands every firing
// to a bounded worker pool.
type Scheduler struct {
	store    Store
	runner   Runner
	logger   *slog.Logger
	location *time.Location
	workers  int

	cron *cron.Cron

	mu   sync.RWMutex
	jobs map[string]*job

	queue     chan string
	stopCh    chan struct{}
	stopOnce  sync.Once
	startOnce sync.Once
	pool      sync.WaitGroup
	accepting atomic.Bool

	ctx context.Context
}

// NewScheduler constructs a scheduler with the given dependencies.
func NewScheduler(store Store, runner Runner, logger *slog.Logger, cfg SchedulerConfig) *Scheduler {
	if cfg.Location == nil {
		cfg.Location = time.Local
	}
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = defaultMaxWorkers
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    store,
		runner:   runner,
		logger:   logger,
		location: cfg.Location,
		workers:  cfg.MaxWorkers,
		cron:     cron.New(cron.WithParser(cronParser), cron.WithLocation(cfg.Location)),
		jobs:     make(map[string]*job),
		queue:    make(chan string, cfg.QueueSize),
		stopCh:   make(chan struct{}),
		ctx:      context.Background(),
	}
}

// Start launches the worker pool and the cron clock. ctx is handed to every firing.
func (s *Scheduler) Start(ctx context.Context) {
	s.startOnce.Do(func() {
		s.ctx = ctx
		s.accepting.Store(true)
		for i := 0; i < s.workers; i++ {
			s.pool.Add(1)
			go s.worker()
		}
		s.cron.Start()
	})
}

// Shutdown stops the clock and the intake of firings, then waits for firings
// in progress until ctx expires.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.accepting.Store(false)
	select {
	case <-s.cron.Stop().Done():
	case <-ctx.Done():
	}
	s.stopOnce.Do(func() { close(s.stopCh) })

	done := make(chan struct{})
	go func() {
		s.pool.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.logger.Warn("scheduler shutdown grace expired with firings in progress")
		return ctx.Err()
	}
}

// Sync registers every active task from the store. Tasks with a bad schedule
// are logged and left unscheduled.
func (s *Scheduler) Sync(ctx context.Context) error {
	tasks, err := s.store.ListTasks(ctx, true)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	for _, task := range tasks {
		if err := s.Register(ctx, task); err != nil {
			s.logger.Error("schedule task", "task_id", task.ID, "err", err)
		}
	}
	return nil
}

// Register replaces any trigger for the task. Manual and inactive tasks end up
// without a trigger. A malformed schedule leaves the task unscheduled and is
// returned as an error wrapping ErrInvalidSchedule.
func (s *Scheduler) Register(ctx context.Context, task *Task) error {
	if !task.Active || task.Schedule.Type == ScheduleManual {
		s.Unregister(task.ID)
		s.storeNext(ctx, task.ID, nil)
		return nil
	}
	schedule, err := task.Schedule.trigger()
	if err != nil {
		s.Unregister(task.ID)
		s.storeNext(ctx, task.ID, nil)
		return fmt.Errorf("schedule task %s: %w", task.ID, err)
	}

	j := &job{name: task.Name, spec: task.Schedule, schedule: schedule}
	s.mu.Lock()
	s.removeLocked(task.ID)
	s.arm(task.ID, j)
	s.jobs[task.ID] = j
	next := j.next
	s.mu.Unlock()

	s.storeNext(ctx, task.ID, &next)
	s.logger.Info("task scheduled", "task_id", task.ID, "trigger", task.Schedule.Describe(), "next_run", next)
	return nil
}

// Unregister drops the task's trigger, if any.
func (s *Scheduler) Unregister(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(taskID)
}

// removeLocked drops the task's job and cron entry. Caller holds s.mu.
func (s *Scheduler) removeLocked(taskID string) {
	if j, ok := s.jobs[taskID]; ok {
		if !j.paused {
			s.cron.Remove(j.entryID)
		}
		delete(s.jobs, taskID)
	}
}

// Pause keeps the task registered but removes its trigger.
func (s *Scheduler) Pause(ctx context.Context, taskID string) error {
	s.mu.Lock()
	j, ok := s.jobs[taskID]
	if !ok {
		s.mu.Unlock()
		return ErrNotScheduled
	}
	if !j.paused {
		s.cron.Remove(j.entryID)
		j.paused = true
		j.next = time.Time{}
	}
	s.mu.Unlock()

	s.storeNext(ctx, taskID, nil)
	return nil
}

// Resume re-arms a paused trigger.
func (s *Scheduler) Resume(ctx context.Context, taskID string) error {
	s.mu.Lock()
	j, ok := s.jobs[taskID]
	if !ok {
		s.mu.Unlock()
		return ErrNotScheduled
	}
	if j.paused {
		s.arm(taskID, j)
		j.paused = false
	}
	next := s.nextLocked(j)
	s.mu.Unlock()

	s.storeNext(ctx, taskID, next)
	return nil
}

// NextFireTime returns when the task fires next, or nil when it has no trigger.
func (s *Scheduler) NextFireTime(taskID string) *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[taskID]
	if !ok {
		return nil
	}
	return s.nextLocked(j)
}

// Status reports the scheduling state of a task.
func (s *Scheduler) Status(taskID string) JobStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[taskID]
	switch {
	case !ok:
		return JobStatus{State: StateNotScheduled}
	case j.paused:
		return JobStatus{State: StatePaused}
	default:
		return JobStatus{Scheduled: true, NextRun: s.nextLocked(j), State: StateScheduled}
	}
}

// Jobs lists registered triggers ordered by next fire time.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.RLock()
	infos := make([]JobInfo, 0, len(s.jobs))
	for id, j := range s.jobs {
		infos = append(infos, JobInfo{
			TaskID:   id,
			TaskName: j.name,
			Trigger:  j.spec.Describe(),
			NextRun:  s.nextLocked(j),
			Paused:   j.paused,
		})
	}
	s.mu.RUnlock()

	sort.Slice(infos, func(a, b int) bool {
		na, nb := infos[a].NextRun, infos[b].NextRun
		switch {
		case na == nil && nb == nil:
			return infos[a].TaskID < infos[b].TaskID
		case na == nil:
			return false
		case nb == nil:
			return true
		}
		return na.Before(*nb)
	})
	return infos
}

// arm adds the cron entry for j. Caller holds s.mu.
func (s *Scheduler) arm(taskID string, j *job) {
	j.entryID = s.cron.Schedule(j.schedule, cron.FuncJob(func() { s.fired(taskID) }))
	j.next = j.schedule.Next(time.Now().In(s.location))
}

// nextLocked prefers the clock's view of the entry. Caller holds s.mu.
func (s *Scheduler) nextLocked(j *job) *time.Time {
	if j.paused {
		return nil
	}
	next := s.cron.Entry(j.entryID).Next
	if next.IsZero() {
		next = j.next
	}
	if next.IsZero() {
		return nil
	}
	return &next
}

// fired runs on the cron goroutine; it only records the new next fire time and queues the firing.
func (s *Scheduler) fired(taskID string) {
	s.mu.Lock()
	j, ok := s.jobs[taskID]
	if !ok || j.paused {
		s.mu.Unlock()
		return
	}
	if entry := s.cron.Entry(j.entryID); !entry.Next.IsZero() {
		j.next = entry.Next
	}
	next := j.next
	s.mu.Unlock()

	s.storeNext(s.ctx, taskID, &next)

	if !s.accepting.Load() {
		return
	}
	select {
	case s.queue <- taskID:
	default:
		s.logger.Warn("firing queue full, dropping firing", "task_id", taskID)
	}
}

func (s *Scheduler) worker() {
	defer s.pool.Done()
	for {
		select {
		case <-s.stopCh:
			return
		case taskID := <-s.queue:
			s.fire(taskID)
		}
	}
}

// fire executes one firing. Failures and panics stop here.
func (s *Scheduler) fire(taskID string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("task firing panicked", "task_id", taskID, "panic", r, "stack", string(debug.Stack()))
		}
	}()

	task, err := s.store.GetTask(s.ctx, taskID)
	if err != nil {
		s.logger.Error("fetch task for scheduled run", "task_id", taskID, "err", err)
		return
	}
	if !task.Active {
		s.logger.Debug("skipping firing of inactive task", "task_id", taskID)
		return
	}

	run, err := s.runner.Run(s.ctx, taskID, nil)
	switch {
	case errors.Is(err, ErrAlreadyRunning):
		s.logger.Info("skipping firing, task is already running", "task_id", taskID)
	case errors.Is(err, ErrShuttingDown):
		s.logger.Info("skipping firing during shutdown", "task_id", taskID)
	case err != nil:
		s.logger.Error("scheduled run", "task_id", taskID, "err", err)
	default:
		s.logger.Info("scheduled run finished", "task_id", taskID, "run_id", run.ID, "status", string(run.Status))
	}
}

func (s *Scheduler) storeNext(ctx context.Context, taskID string, next *time.Time) {
	var utc *time.Time
	if next != nil {
		t := next.UTC()
		utc = &t
	}
	if err := s.store.UpdateTaskNextRun(ctx, taskID, utc); err != nil && !errors.Is(err, ErrTaskNotFound) {
		s.logger.Warn("update next_run_at", "task_id", taskID, "err", err)
	}
}
