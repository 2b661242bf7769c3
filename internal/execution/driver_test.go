package execution

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDriver(cfg Config) *Driver {
	return New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

// fakeInterpreter writes a shell script standing in for python. It receives
// the same arguments the real interpreter would.
func fakeInterpreter(t *testing.T, body string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake interpreters are shell scripts")
	}
	path := filepath.Join(t.TempDir(), "python")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func taskFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "job.py")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func realPython(t *testing.T) string {
	t.Helper()
	p, err := exec.LookPath("python3")
	if err != nil {
		t.Skip("python3 not available")
	}
	return p
}

// processAlive treats zombies as dead: they have exited but may not be reaped
// when the test runs without an init that collects orphans.
func processAlive(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	fields := strings.Fields(string(data[bytes.LastIndexByte(data, ')')+1:]))
	return len(fields) > 0 && fields[0] != "Z"
}

func TestExecuteParsesResultMarkers(t *testing.T) {
	py := fakeInterpreter(t, `echo "working"; printf '\nTASK_RESULT_START\n{"a": 1}\nTASK_RESULT_END\n'`)
	var transcript bytes.Buffer

	res, err := newTestDriver(Config{}).Execute(context.Background(), Request{
		FilePath:    taskFile(t, "def run_task(c): return {}\n"),
		Interpreter: py,
		Output:      &transcript,
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": 1}`, string(res.Data))
	assert.Contains(t, transcript.String(), "working")
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("disk full") }

func TestExecuteSurvivesTranscriptWriteFailure(t *testing.T) {
	py := fakeInterpreter(t, `head -c 300000 /dev/zero | tr '\0' 'x'; printf '\nTASK_RESULT_START\n{"a": 1}\nTASK_RESULT_END\n'`)

	res, err := newTestDriver(Config{}).Execute(context.Background(), Request{
		FilePath:    taskFile(t, "def run_task(c): return {}\n"),
		Interpreter: py,
		Output:      failingWriter{},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": 1}`, string(res.Data))
}

func TestExecutePassesDriverArguments(t *testing.T) {
	py := fakeInterpreter(t, `printf '\nTASK_RESULT_START\n{"mode":"%s","module":"%s","config":%s}\nTASK_RESULT_END\n' "$2" "$4" "$(cat "$5")"`)

	res, err := newTestDriver(Config{}).Execute(context.Background(), Request{
		FilePath:    taskFile(t, ""),
		Interpreter: py,
		Config:      map[string]any{"k": "v"},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"mode":"run","module":"job","config":{"k":"v"}}`, string(res.Data))
}

func TestExecuteRawOutputAndExitCodes(t *testing.T) {
	d := newTestDriver(Config{})
	file := taskFile(t, "")

	res, err := d.Execute(context.Background(), Request{FilePath: file, Interpreter: fakeInterpreter(t, "echo plain")})
	require.NoError(t, err)
	assert.True(t, res.Raw)
	assert.JSONEq(t, `{"raw_output":"plain\n","exit_code":0}`, string(res.Data))

	_, err = d.Execute(context.Background(), Request{FilePath: file, Interpreter: fakeInterpreter(t, "echo oops >&2; exit 4")})
	var execErr *Error
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, KindExit, execErr.Kind)
	assert.Equal(t, 4, execErr.ExitCode)
	assert.Contains(t, execErr.Message, "oops")
}

func TestExecuteTimeoutKillsProcessGroup(t *testing.T) {
	pidFile := filepath.Join(t.TempDir(), "child.pid")
	py := fakeInterpreter(t, fmt.Sprintf("sleep 30 &\necho $! > %s\nwait", pidFile))
	d := newTestDriver(Config{KillGrace: 200 * time.Millisecond})

	start := time.Now()
	_, err := d.Execute(context.Background(), Request{
		FilePath:    taskFile(t, ""),
		Interpreter: py,
		Timeout:     300 * time.Millisecond,
	})
	require.Error(t, err)
	assert.True(t, IsTimeout(err))
	assert.Contains(t, err.Error(), "timed out")
	assert.Less(t, time.Since(start), 10*time.Second)

	raw, readErr := os.ReadFile(pidFile)
	require.NoError(t, readErr)
	pid, convErr := strconv.Atoi(strings.TrimSpace(string(raw)))
	require.NoError(t, convErr)
	assert.Eventually(t, func() bool { return !processAlive(pid) }, 2*time.Second, 20*time.Millisecond)
}

func TestExecuteCanceled(t *testing.T) {
	py := fakeInterpreter(t, "exec sleep 30")
	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(100*time.Millisecond, cancel)

	_, err := newTestDriver(Config{KillGrace: 100 * time.Millisecond}).Execute(ctx, Request{
		FilePath:    taskFile(t, ""),
		Interpreter: py,
	})
	assert.True(t, IsCanceled(err))
	assert.False(t, IsTimeout(err))
}

func TestExecuteRejectsBadTaskFile(t *testing.T) {
	d := newTestDriver(Config{})
	for _, path := range []string{"", filepath.Join(t.TempDir(), "missing.py"), filepath.Join(t.TempDir(), "job.txt")} {
		_, err := d.Execute(context.Background(), Request{FilePath: path})
		var execErr *Error
		require.True(t, errors.As(err, &execErr), path)
		assert.Equal(t, KindStart, execErr.Kind)
	}
}

func TestExecuteMissingInterpreter(t *testing.T) {
	_, err := newTestDriver(Config{}).Execute(context.Background(), Request{
		FilePath:    taskFile(t, ""),
		Interpreter: filepath.Join(t.TempDir(), "no-python"),
	})
	var execErr *Error
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, KindStart, execErr.Kind)
}

func TestExecuteWithPython(t *testing.T) {
	py := realPython(t)
	d := newTestDriver(Config{Python: py})

	res, err := d.Execute(context.Background(), Request{
		FilePath: taskFile(t, "def run_task(config):\n    print('hello from task')\n    return {'a': config['a']}\n"),
		Config:   map[string]any{"a": 1},
	})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a": 1}`, string(res.Data))
	assert.Contains(t, res.RawOutput, "hello from task")

	_, err = d.Execute(context.Background(), Request{
		FilePath: taskFile(t, "def run_task(config):\n    raise ValueError('bad input')\n"),
	})
	var execErr *Error
	require.True(t, errors.As(err, &execErr))
	assert.Equal(t, KindTask, execErr.Kind)
	assert.Equal(t, "bad input", execErr.Message)
	assert.Contains(t, execErr.Traceback, "ValueError")

	_, err = d.Execute(context.Background(), Request{
		FilePath: taskFile(t, "def run_task(config):\n    return [1, 2]\n"),
	})
	require.True(t, errors.As(err, &execErr))
	assert.Contains(t, execErr.Message, "must return a dict")
}

func TestCheckEntryPointWithPython(t *testing.T) {
	d := newTestDriver(Config{Python: realPython(t)})

	ep, err := d.CheckEntryPoint(context.Background(), "", taskFile(t, "\"\"\"Daily report.\"\"\"\ndef run_task(config):\n    return {}\n"), "")
	require.NoError(t, err)
	assert.Equal(t, "job", ep.Module)
	assert.Equal(t, "Daily report.", ep.Description)

	_, err = d.CheckEntryPoint(context.Background(), "", taskFile(t, "x = 1\n"), "")
	var execErr *Error
	require.True(t, errors.As(err, &execErr))
	assert.Contains(t, execErr.Message, "does not define run_task")

	_, err = d.CheckEntryPoint(context.Background(), "", taskFile(t, "run_task = 3\n"), "")
	require.True(t, errors.As(err, &execErr))
	assert.Contains(t, execErr.Message, "not callable")
}

func TestModuleNameFromPath(t *testing.T) {
	assert.Equal(t, "daily_report", ModuleNameFromPath("/tasks/daily_report.py"))
	assert.Equal(t, "job", ModuleNameFromPath("job.py"))
}
