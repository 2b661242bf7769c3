package environment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	okPython = "#!/bin/sh\nif [ \"$1\" = \"-m\" ]; then echo installed; exit 0; fi\necho 3.11.4\n"
	// pip fails but the interpreter itself works.
	brokenPip  = "#!/bin/sh\nif [ \"$1\" = \"-m\" ]; then echo 'no matching distribution' >&2; exit 1; fi\necho 3.11.4\n"
	slowPython = "#!/bin/sh\nexec sleep 5\n"
	badPython  = "#!/bin/sh\necho 'bad interpreter' >&2\nexit 3\n"
)

func newTestResolver(cfg Config) *Resolver {
	return New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func writeFile(t *testing.T, path, content string, mode os.FileMode) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), mode))
}

func fakeEnv(t *testing.T, dir, script string) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake interpreters are shell scripts")
	}
	writeFile(t, filepath.Join(dir, "bin", "python"), script, 0o755)
	return dir
}

func TestValidateWithoutInterpreter(t *testing.T) {
	r := newTestResolver(Config{})
	dir := t.TempDir()

	v := r.Validate(context.Background(), dir, "")
	assert.False(t, v.Valid)
	assert.NotEmpty(t, v.Errors)
	assert.Empty(t, v.PythonExecutable)

	v = r.Validate(context.Background(), filepath.Join(dir, "missing"), "")
	assert.False(t, v.Valid)
	assert.Contains(t, v.Errors[0], "does not exist")
	assert.Empty(t, v.PythonExecutable)
}

func TestValidateWorkingEnvironment(t *testing.T) {
	r := newTestResolver(Config{})
	env := fakeEnv(t, filepath.Join(t.TempDir(), "venv"), okPython)
	req := filepath.Join(t.TempDir(), "requirements.txt")
	writeFile(t, req, "requests\n", 0o644)

	v := r.Validate(context.Background(), env, req)
	require.True(t, v.Valid, v.Errors)
	assert.Equal(t, filepath.Join(env, "bin", "python"), v.PythonExecutable)
	assert.Empty(t, v.Warnings)
}

func TestValidateMissingRequirementsIsFatal(t *testing.T) {
	r := newTestResolver(Config{})
	env := fakeEnv(t, t.TempDir(), okPython)

	v := r.Validate(context.Background(), env, filepath.Join(env, "nope.txt"))
	assert.False(t, v.Valid)
	assert.Equal(t, []string{"requirements file does not exist"}, v.Errors)
}

func TestValidateInstallFailure(t *testing.T) {
	env := fakeEnv(t, t.TempDir(), brokenPip)
	req := filepath.Join(env, "requirements.txt")
	writeFile(t, req, "nonexistent-pkg\n", 0o644)

	v := newTestResolver(Config{}).Validate(context.Background(), env, req)
	require.True(t, v.Valid)
	require.Len(t, v.Warnings, 1)
	assert.Contains(t, v.Warnings[0], "no matching distribution")

	strict := newTestResolver(Config{RequireInstall: true}).Validate(context.Background(), env, req)
	assert.False(t, strict.Valid)
	assert.Empty(t, strict.PythonExecutable)
	assert.Contains(t, strict.Errors[0], "requirements installation had issues")
}

func TestValidateProbeFailures(t *testing.T) {
	r := newTestResolver(Config{ProbeTimeout: 200 * time.Millisecond})

	slow := fakeEnv(t, t.TempDir(), slowPython)
	start := time.Now()
	v := r.Validate(context.Background(), slow, "")
	assert.False(t, v.Valid)
	assert.Contains(t, v.Errors[0], "timed out")
	assert.Less(t, time.Since(start), 4*time.Second)

	bad := fakeEnv(t, t.TempDir(), badPython)
	v = r.Validate(context.Background(), bad, "")
	assert.False(t, v.Valid)
	assert.Contains(t, v.Errors[0], "bad interpreter")
	assert.NotContains(t, v.Errors[0], "timed out")
}

// processAlive treats zombies as dead.
func processAlive(pid int) bool {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	fields := strings.Fields(string(data[bytes.LastIndexByte(data, ')')+1:]))
	return len(fields) > 0 && fields[0] != "Z"
}

func TestInstallTimeoutKillsChildren(t *testing.T) {
	if _, err := os.Stat("/proc/self/stat"); err != nil {
		t.Skip("needs /proc")
	}
	pidFile := filepath.Join(t.TempDir(), "child.pid")
	script := fmt.Sprintf("#!/bin/sh\nif [ \"$1\" = \"-m\" ]; then sleep 30 & echo $! > %s; wait; fi\necho 3.11.4\n", pidFile)
	env := fakeEnv(t, t.TempDir(), script)
	req := filepath.Join(env, "requirements.txt")
	writeFile(t, req, "slow-pkg\n", 0o644)

	r := newTestResolver(Config{InstallTimeout: 300 * time.Millisecond})
	v := r.Validate(context.Background(), env, req)
	require.True(t, v.Valid)
	require.Len(t, v.Warnings, 1)
	assert.Contains(t, v.Warnings[0], "timed out")

	data, err := os.ReadFile(pidFile)
	require.NoError(t, err)
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return !processAlive(pid) }, 2*time.Second, 20*time.Millisecond)
}

func TestResolve(t *testing.T) {
	r := newTestResolver(Config{})
	env := fakeEnv(t, t.TempDir(), okPython)

	res, err := r.Resolve(context.Background(), env, "", "")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(env, "bin", "python"), res.PythonExecutable)

	cached := filepath.Join(t.TempDir(), "python3")
	writeFile(t, cached, okPython, 0o755)
	res, err = r.Resolve(context.Background(), env, "", cached)
	require.NoError(t, err)
	assert.Equal(t, cached, res.PythonExecutable)

	_, err = r.Resolve(context.Background(), t.TempDir(), "", "/does/not/exist")
	var envErr *EnvironmentError
	require.True(t, errors.As(err, &envErr))
	assert.NotEmpty(t, envErr.Reasons)
}
