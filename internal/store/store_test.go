package store

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"cronpilot/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func intPtr(v int) *int { return &v }

func insertTask(t *testing.T, s *Store, name string) *core.Task {
	t.Helper()
	task := &core.Task{
		ID:         core.NewID(),
		Name:       name,
		FilePath:   "/tasks/" + name + ".py",
		ModuleName: name,
		Schedule:   core.ScheduleSpec{Type: core.ScheduleDaily, Hour: intPtr(9), Minute: intPtr(30)},
		Active:     true,
	}
	require.NoError(t, s.InsertTask(context.Background(), task))
	return task
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	s1, err := Open(context.Background(), dir)
	require.NoError(t, err)
	require.NoError(t, s1.Close())

	s2, err := Open(context.Background(), dir)
	require.NoError(t, err)
	defer s2.Close()
	require.NoError(t, s2.Ping(context.Background()))
}

func TestTaskRoundTrip(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := &core.Task{
		ID:             core.NewID(),
		Name:           "weekly-report",
		FilePath:       "/tasks/report.py",
		ModuleName:     "report",
		Description:    "Sends the weekly report",
		Schedule:       core.ScheduleSpec{Type: core.ScheduleWeekly, Hour: intPtr(8), DayOfWeek: "fri"},
		Environment:    &core.EnvironmentSpec{Path: "/tasks/venv", RequirementsPath: "/tasks/requirements.txt", PythonExecutable: "/tasks/venv/bin/python"},
		TimeoutSeconds: intPtr(120),
		Active:         true,
	}
	require.NoError(t, s.InsertTask(ctx, task))

	got, err := s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, task.Name, got.Name)
	assert.Equal(t, task.Schedule, got.Schedule)
	assert.Equal(t, task.Environment, got.Environment)
	assert.Equal(t, 120, *got.TimeoutSeconds)
	assert.True(t, got.Active)
	assert.Nil(t, got.NextRunAt)

	byName, err := s.GetTaskByName(ctx, "weekly-report")
	require.NoError(t, err)
	assert.Equal(t, task.ID, byName.ID)

	next := time.Date(2030, 1, 4, 8, 0, 0, 0, time.UTC)
	require.NoError(t, s.UpdateTaskNextRun(ctx, task.ID, &next))
	got.Active = false
	got.Environment = nil
	require.NoError(t, s.UpdateTask(ctx, got))

	got, err = s.GetTask(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, got.Active)
	assert.Nil(t, got.Environment)
	require.NotNil(t, got.NextRunAt)
	assert.True(t, next.Equal(*got.NextRunAt))

	active, err := s.ListTasks(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, active)
	all, err := s.ListTasks(ctx, false)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestTaskErrors(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	insertTask(t, s, "dup")

	err := s.InsertTask(ctx, &core.Task{ID: core.NewID(), Name: "dup", FilePath: "x.py", ModuleName: "x", Schedule: core.ScheduleSpec{Type: core.ScheduleManual}})
	assert.ErrorIs(t, err, core.ErrDuplicateTaskName)

	_, err = s.GetTask(ctx, "missing")
	assert.ErrorIs(t, err, core.ErrTaskNotFound)
	assert.ErrorIs(t, s.DeleteTask(ctx, "missing"), core.ErrTaskNotFound)
	assert.ErrorIs(t, s.UpdateTaskNextRun(ctx, "missing", nil), core.ErrTaskNotFound)
}

func TestClaimRunSingleFlight(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := insertTask(t, s, "job")

	first := &core.TaskRun{ID: core.NewID(), TaskID: task.ID, Trigger: core.TriggerManual}
	require.NoError(t, s.ClaimRun(ctx, first))

	second := &core.TaskRun{ID: core.NewID(), TaskID: task.ID, Trigger: core.TriggerScheduled}
	assert.ErrorIs(t, s.ClaimRun(ctx, second), core.ErrAlreadyRunning)

	require.NoError(t, s.MarkRunStarted(ctx, first.ID, time.Now(), "/logs/a.log"))
	assert.ErrorIs(t, s.ClaimRun(ctx, second), core.ErrAlreadyRunning)

	require.NoError(t, s.FinishRun(ctx, first.ID, core.RunOutcome{Status: core.RunStatusSuccess, CompletedAt: time.Now(), DurationSeconds: 1.5}))
	require.NoError(t, s.ClaimRun(ctx, second))

	runs, err := s.ListRuns(ctx, task.ID, 10, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 2)
}

func TestConcurrentClaimsCreateOneRun(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := insertTask(t, s, "job")

	const n = 16
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		won      int
		rejected int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.ClaimRun(ctx, &core.TaskRun{ID: core.NewID(), TaskID: task.ID, Trigger: core.TriggerScheduled})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				won++
			case errors.Is(err, core.ErrAlreadyRunning):
				rejected++
			default:
				t.Errorf("unexpected claim error: %v", err)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, won)
	assert.Equal(t, n-1, rejected)

	runs, err := s.ListRuns(ctx, task.ID, 100, 0)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}

func TestClaimRunUnknownTask(t *testing.T) {
	s := openTestStore(t)
	err := s.ClaimRun(context.Background(), &core.TaskRun{ID: core.NewID(), TaskID: "missing", Trigger: core.TriggerManual})
	assert.ErrorIs(t, err, core.ErrTaskNotFound)
}

func TestFinishRunIsTerminal(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := insertTask(t, s, "job")
	run := &core.TaskRun{ID: core.NewID(), TaskID: task.ID, Trigger: core.TriggerManual}
	require.NoError(t, s.ClaimRun(ctx, run))
	require.NoError(t, s.MarkRunStarted(ctx, run.ID, time.Now(), "/logs/run.log"))

	exit := 0
	require.NoError(t, s.FinishRun(ctx, run.ID, core.RunOutcome{
		Status:          core.RunStatusSuccess,
		CompletedAt:     time.Now(),
		DurationSeconds: 2,
		Result:          json.RawMessage(`{"a": 1}`),
		RawOutput:       "hello",
		ExitCode:        &exit,
	}))

	err := s.FinishRun(ctx, run.ID, core.RunOutcome{Status: core.RunStatusFailed, CompletedAt: time.Now(), ErrorMessage: "late"})
	assert.ErrorIs(t, err, core.ErrRunFinalized)
	assert.ErrorIs(t, s.MarkRunStarted(ctx, run.ID, time.Now(), ""), core.ErrRunFinalized)
	assert.ErrorIs(t, s.FinishRun(ctx, "missing", core.RunOutcome{Status: core.RunStatusFailed}), core.ErrRunNotFound)
	assert.Error(t, s.FinishRun(ctx, run.ID, core.RunOutcome{Status: core.RunStatusRunning}))

	got, err := s.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusSuccess, got.Status)
	assert.JSONEq(t, `{"a": 1}`, string(got.Result))
	assert.Nil(t, got.ErrorMessage)
	assert.Equal(t, "/logs/run.log", *got.LogPath)
	assert.Equal(t, 2.0, *got.DurationSeconds)
	assert.Equal(t, 0, *got.ExitCode)
}

func TestFailInterruptedRuns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	a := insertTask(t, s, "a")
	b := insertTask(t, s, "b")

	pending := &core.TaskRun{ID: core.NewID(), TaskID: a.ID, Trigger: core.TriggerScheduled}
	running := &core.TaskRun{ID: core.NewID(), TaskID: b.ID, Trigger: core.TriggerManual}
	require.NoError(t, s.ClaimRun(ctx, pending))
	require.NoError(t, s.ClaimRun(ctx, running))
	started := time.Now().Add(-time.Minute)
	require.NoError(t, s.MarkRunStarted(ctx, running.ID, started, ""))

	n, err := s.FailInterruptedRuns(ctx, "interrupted: process restarted", time.Now())
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	got, err := s.GetRun(ctx, running.ID)
	require.NoError(t, err)
	assert.Equal(t, core.RunStatusFailed, got.Status)
	assert.Equal(t, "interrupted: process restarted", *got.ErrorMessage)
	require.NotNil(t, got.DurationSeconds)
	assert.InDelta(t, 60, *got.DurationSeconds, 5)

	got, err = s.GetRun(ctx, pending.ID)
	require.NoError(t, err)
	assert.Nil(t, got.DurationSeconds)

	_, err = s.ActiveRun(ctx, a.ID)
	assert.ErrorIs(t, err, core.ErrRunNotFound)
}

func TestDeleteTaskCascades(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := insertTask(t, s, "job")
	run := &core.TaskRun{ID: core.NewID(), TaskID: task.ID, Trigger: core.TriggerManual}
	require.NoError(t, s.ClaimRun(ctx, run))
	sub := &core.Subscription{ID: core.NewID(), TaskID: task.ID, Email: "ops@example.com", NotifyOnFailure: true}
	require.NoError(t, s.InsertSubscription(ctx, sub))

	require.NoError(t, s.DeleteTask(ctx, task.ID))

	_, err := s.GetRun(ctx, run.ID)
	assert.ErrorIs(t, err, core.ErrRunNotFound)
	subs, err := s.ListSubscriptions(ctx, task.ID)
	require.NoError(t, err)
	assert.Empty(t, subs)
}

func TestSubscriptions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	task := insertTask(t, s, "job")

	sub := &core.Subscription{ID: core.NewID(), TaskID: task.ID, Email: "ops@example.com", NotifyOnSuccess: false, NotifyOnFailure: true}
	require.NoError(t, s.InsertSubscription(ctx, sub))
	dup := &core.Subscription{ID: core.NewID(), TaskID: task.ID, Email: "ops@example.com"}
	assert.ErrorIs(t, s.InsertSubscription(ctx, dup), ErrDuplicateSubscription)
	orphan := &core.Subscription{ID: core.NewID(), TaskID: "missing", Email: "x@example.com"}
	assert.ErrorIs(t, s.InsertSubscription(ctx, orphan), core.ErrTaskNotFound)

	subs, err := s.ListSubscriptions(ctx, task.ID)
	require.NoError(t, err)
	require.Len(t, subs, 1)
	assert.False(t, subs[0].NotifyOnSuccess)
	assert.True(t, subs[0].NotifyOnFailure)

	require.NoError(t, s.DeleteSubscription(ctx, sub.ID))
	assert.ErrorIs(t, s.DeleteSubscription(ctx, sub.ID), core.ErrSubscriptionNotFound)
}
