package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"cronpilot/internal/environment"
	"cronpilot/internal/execution"
	"cronpilot/internal/logsink"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestSink(t *testing.T) *logsink.Sink {
	t.Helper()
	sink, err := logsink.New(logsink.Config{Dir: t.TempDir()}, discardLogger())
	require.NoError(t, err)
	return sink
}

// memStore keeps tasks and runs in memory with the same single-flight rule
// as the SQLite store.
type memStore struct {
	mu        sync.Mutex
	tasks     map[string]*Task
	runs      map[string]*TaskRun
	order     []string
	nextRuns  map[string]*time.Time
	finishErr error
}

func newMemStore() *memStore {
	return &memStore{
		tasks:    map[string]*Task{},
		runs:     map[string]*TaskRun{},
		nextRuns: map[string]*time.Time{},
	}
}

func (m *memStore) add(task *Task) *Task {
	m.mu.Lock()
	defer m.mu.Unlock()
	if task.ID == "" {
		task.ID = NewID()
	}
	cp := *task
	m.tasks[task.ID] = &cp
	return task
}

func (m *memStore) GetTask(_ context.Context, id string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return nil, ErrTaskNotFound
	}
	cp := *t
	return &cp, nil
}

func (m *memStore) GetTaskByName(_ context.Context, name string) (*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.Name == name {
			cp := *t
			return &cp, nil
		}
	}
	return nil, ErrTaskNotFound
}

func (m *memStore) ListTasks(_ context.Context, activeOnly bool) ([]*Task, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []*Task{}
	for _, t := range m.tasks {
		if activeOnly && !t.Active {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	return out, nil
}

func (m *memStore) InsertTask(_ context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, t := range m.tasks {
		if t.Name == task.Name {
			return ErrDuplicateTaskName
		}
	}
	cp := *task
	m.tasks[task.ID] = &cp
	return nil
}

func (m *memStore) UpdateTask(_ context.Context, task *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[task.ID]; !ok {
		return ErrTaskNotFound
	}
	cp := *task
	m.tasks[task.ID] = &cp
	return nil
}

func (m *memStore) DeleteTask(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[id]; !ok {
		return ErrTaskNotFound
	}
	delete(m.tasks, id)
	return nil
}

func (m *memStore) UpdateTaskNextRun(_ context.Context, id string, next *time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	t.NextRunAt = next
	m.nextRuns[id] = next
	return nil
}

func (m *memStore) UpdateTaskLastRun(_ context.Context, id string, last time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	if !ok {
		return ErrTaskNotFound
	}
	t.LastRunAt = &last
	return nil
}

func (m *memStore) ClaimRun(_ context.Context, run *TaskRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[run.TaskID]; !ok {
		return ErrTaskNotFound
	}
	for _, r := range m.runs {
		if r.TaskID == run.TaskID && !r.Status.Terminal() {
			return ErrAlreadyRunning
		}
	}
	cp := *run
	m.runs[run.ID] = &cp
	m.order = append(m.order, run.ID)
	return nil
}

func (m *memStore) MarkRunStarted(_ context.Context, id string, startedAt time.Time, logPath string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	if r.Status != RunStatusPending {
		return ErrRunFinalized
	}
	r.Status = RunStatusRunning
	r.StartedAt = &startedAt
	r.LogPath = &logPath
	return nil
}

func (m *memStore) FinishRun(_ context.Context, id string, o RunOutcome) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.finishErr != nil {
		return m.finishErr
	}
	r, ok := m.runs[id]
	if !ok {
		return ErrRunNotFound
	}
	if r.Status.Terminal() {
		return ErrRunFinalized
	}
	m.runs[id] = applyOutcome(*r, o)
	if o.RawOutput != "" {
		raw := o.RawOutput
		m.runs[id].RawOutput = &raw
	}
	return nil
}

func (m *memStore) GetRun(_ context.Context, id string) (*TaskRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	cp := *r
	return &cp, nil
}

func (m *memStore) FailInterruptedRuns(_ context.Context, message string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, r := range m.runs {
		if r.Status.Terminal() {
			continue
		}
		m.runs[id] = applyOutcome(*r, RunOutcome{Status: RunStatusFailed, CompletedAt: at, ErrorMessage: message})
		n++
	}
	return n, nil
}

func (m *memStore) runsFor(taskID string) []*TaskRun {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*TaskRun
	for _, id := range m.order {
		if r := m.runs[id]; r.TaskID == taskID {
			cp := *r
			out = append(out, &cp)
		}
	}
	return out
}

func (m *memStore) storedNext(taskID string) (*time.Time, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.nextRuns[taskID]
	return v, ok
}

type executorFunc func(ctx context.Context, req execution.Request) (*execution.Result, error)

func (f executorFunc) Execute(ctx context.Context, req execution.Request) (*execution.Result, error) {
	return f(ctx, req)
}

type resolverFunc func(ctx context.Context, envPath, reqPath, cached string) (environment.Resolution, error)

func (f resolverFunc) Resolve(ctx context.Context, envPath, reqPath, cached string) (environment.Resolution, error) {
	return f(ctx, envPath, reqPath, cached)
}

type recordingNotifier struct {
	mu   sync.Mutex
	runs []*TaskRun
	err  error
}

func (n *recordingNotifier) NotifyRun(_ context.Context, _ *Task, run *TaskRun) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.runs = append(n.runs, run)
	return n.err
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.runs)
}

type runnerFunc func(ctx context.Context, taskID string, cfg map[string]any) (*TaskRun, error)

func (f runnerFunc) Run(ctx context.Context, taskID string, cfg map[string]any) (*TaskRun, error) {
	return f(ctx, taskID, cfg)
}

type checkerFunc func(ctx context.Context, interpreter, filePath, module string) (*execution.EntryPoint, error)

func (f checkerFunc) CheckEntryPoint(ctx context.Context, interpreter, filePath, module string) (*execution.EntryPoint, error) {
	return f(ctx, interpreter, filePath, module)
}

type validatorFunc func(ctx context.Context, envPath, reqPath string) environment.Validation

func (f validatorFunc) Validate(ctx context.Context, envPath, reqPath string) environment.Validation {
	return f(ctx, envPath, reqPath)
}

var errBoom = errors.New("boom")
