package execution

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

//go:embed driver.py
var driverScript []byte

const (
	defaultPython       = "python3"
	defaultTimeout      = time.Hour
	defaultKillGrace    = 5 * time.Second
	defaultCheckTimeout = 30 * time.Second
	maxCapture          = 8 << 20
)

// Config holds driver defaults.
type Config struct {
	// Python is the interpreter used when a task has no resolved environment.
	Python       string
	Timeout      time.Duration
	KillGrace    time.Duration
	CheckTimeout time.Duration
	TempDir      string
}

// Request describes one task execution.
type Request struct {
	FilePath   string
	ModuleName string
	Config     map[string]any
	// Interpreter overrides Config.Python.
	Interpreter string
	// Timeout overrides Config.Timeout when positive.
	Timeout time.Duration
	// Output receives the child's stdout and stderr as they are produced.
	Output io.Writer
}

// EntryPoint is what a successful entry-point check reports.
type EntryPoint struct {
	Module      string `json:"module"`
	Description string `json:"description"`
}

// Driver runs task code in a child interpreter process.
type Driver struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Driver {
	if cfg.Python == "" {
		cfg.Python = defaultPython
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if cfg.KillGrace <= 0 {
		cfg.KillGrace = defaultKillGrace
	}
	if cfg.CheckTimeout <= 0 {
		cfg.CheckTimeout = defaultCheckTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Driver{cfg: cfg, logger: logger}
}

// DefaultInterpreter returns the interpreter used for tasks without an environment.
func (d *Driver) DefaultInterpreter() string { return d.cfg.Python }

// Execute runs run_task(config) from the request's file in a fresh child
// process and returns its decoded result. Failures are returned as *Error.
func (d *Driver) Execute(ctx context.Context, req Request) (*Result, error) {
	if err := checkTaskFile(req.FilePath); err != nil {
		return nil, &Error{Kind: KindStart, Message: err.Error()}
	}
	cfg := req.Config
	if cfg == nil {
		cfg = map[string]any{}
	}
	configJSON, err := json.Marshal(cfg)
	if err != nil {
		return nil, &Error{Kind: KindStart, Message: fmt.Sprintf("encode task config: %v", err)}
	}

	workDir, scriptPath, err := d.prepare()
	if err != nil {
		return nil, &Error{Kind: KindStart, Message: err.Error()}
	}
	defer os.RemoveAll(workDir)

	configPath := filepath.Join(workDir, "config.json")
	if err := os.WriteFile(configPath, configJSON, 0o600); err != nil {
		return nil, &Error{Kind: KindStart, Message: fmt.Sprintf("write task config: %v", err)}
	}

	timeout := d.cfg.Timeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	interpreter := req.Interpreter
	if interpreter == "" {
		interpreter = d.cfg.Python
	}

	out := d.spawn(ctx, spawnSpec{
		interpreter: interpreter,
		args:        []string{scriptPath, "run", req.FilePath, moduleName(req), configPath},
		dir:         filepath.Dir(req.FilePath),
		timeout:     timeout,
		output:      req.Output,
	})
	if out.err != nil {
		return nil, out.err
	}
	return interpret(out.stdout, out.stderr, out.exitCode)
}

// CheckEntryPoint imports the task file in a child process and verifies it
// defines a callable run_task.
func (d *Driver) CheckEntryPoint(ctx context.Context, interpreter, filePath, module string) (*EntryPoint, error) {
	if err := checkTaskFile(filePath); err != nil {
		return nil, &Error{Kind: KindStart, Message: err.Error()}
	}
	workDir, scriptPath, err := d.prepare()
	if err != nil {
		return nil, &Error{Kind: KindStart, Message: err.Error()}
	}
	defer os.RemoveAll(workDir)

	if interpreter == "" {
		interpreter = d.cfg.Python
	}
	if module == "" {
		module = ModuleNameFromPath(filePath)
	}
	out := d.spawn(ctx, spawnSpec{
		interpreter: interpreter,
		args:        []string{scriptPath, "check", filePath, module},
		dir:         filepath.Dir(filePath),
		timeout:     d.cfg.CheckTimeout,
	})
	if out.err != nil {
		return nil, out.err
	}
	res, err := interpret(out.stdout, out.stderr, out.exitCode)
	if err != nil {
		return nil, err
	}
	if res.Raw {
		return nil, &Error{Kind: KindProtocol, Message: "entry point check produced no result", Output: out.stdout}
	}
	var ep EntryPoint
	if err := json.Unmarshal(res.Data, &ep); err != nil {
		return nil, &Error{Kind: KindProtocol, Message: fmt.Sprintf("decode entry point: %v", err)}
	}
	return &ep, nil
}

// ModuleNameFromPath derives a module identifier from a task file name.
func ModuleNameFromPath(path string) string {
	return strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
}

func moduleName(req Request) string {
	if req.ModuleName != "" {
		return req.ModuleName
	}
	return ModuleNameFromPath(req.FilePath)
}

func checkTaskFile(path string) error {
	if path == "" {
		return errors.New("task file path is empty")
	}
	if filepath.Ext(path) != ".py" {
		return fmt.Errorf("task file %s must be a python file", path)
	}
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("task file %s: %w", path, err)
	}
	if info.IsDir() {
		return fmt.Errorf("task file %s is a directory", path)
	}
	return nil
}

// prepare writes the driver script into a fresh private directory.
func (d *Driver) prepare() (string, string, error) {
	workDir, err := os.MkdirTemp(d.cfg.TempDir, "cronpilot-run-*")
	if err != nil {
		return "", "", fmt.Errorf("create work dir: %w", err)
	}
	scriptPath := filepath.Join(workDir, "driver.py")
	if err := os.WriteFile(scriptPath, driverScript, 0o600); err != nil {
		os.RemoveAll(workDir)
		return "", "", fmt.Errorf("write driver script: %w", err)
	}
	return workDir, scriptPath, nil
}

type spawnSpec struct {
	interpreter string
	args        []string
	dir         string
	timeout     time.Duration
	output      io.Writer
}

type spawnResult struct {
	stdout   string
	stderr   string
	exitCode int
	err      error
}

// spawn runs the interpreter in its own process group. On timeout or
// cancellation the whole group gets SIGTERM and, after KillGrace, SIGKILL.
func (d *Driver) spawn(ctx context.Context, spec spawnSpec) spawnResult {
	stdout := &capture{limit: maxCapture}
	stderr := &capture{limit: maxCapture}
	var tee io.Writer = io.Discard
	if spec.output != nil {
		tee = &syncWriter{w: spec.output, logger: d.logger}
	}

	cmd := exec.Command(spec.interpreter, spec.args...) // #nosec G204
	cmd.Dir = spec.dir
	cmd.Env = append(os.Environ(), "PYTHONUNBUFFERED=1", "PYTHONIOENCODING=utf-8")
	cmd.Stdout = io.MultiWriter(stdout, tee)
	cmd.Stderr = io.MultiWriter(stderr, tee)
	cmd.WaitDelay = d.cfg.KillGrace
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return spawnResult{err: &Error{Kind: KindStart, Message: fmt.Sprintf("start interpreter %s: %v", spec.interpreter, err)}}
	}
	d.logger.Debug("task process started", "pid", cmd.Process.Pid, "interpreter", spec.interpreter)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	timer := time.NewTimer(spec.timeout)
	defer timer.Stop()

	var (
		waitErr  error
		timedOut bool
		canceled bool
	)
	select {
	case waitErr = <-done:
	case <-timer.C:
		timedOut = true
		d.logger.Warn("task exceeded timeout, terminating process group", "pid", cmd.Process.Pid, "timeout", spec.timeout)
		waitErr = d.terminate(cmd, done)
	case <-ctx.Done():
		canceled = true
		d.logger.Warn("task canceled, terminating process group", "pid", cmd.Process.Pid)
		waitErr = d.terminate(cmd, done)
	}

	res := spawnResult{stdout: stdout.String(), stderr: stderr.String()}
	switch {
	case timedOut:
		res.exitCode = -1
		res.err = &Error{Kind: KindTimeout, Message: fmt.Sprintf("task timed out after %s", spec.timeout), ExitCode: -1, Output: res.stdout}
		return res
	case canceled:
		res.exitCode = -1
		res.err = &Error{Kind: KindCanceled, Message: fmt.Sprintf("execution canceled: %v", context.Cause(ctx)), ExitCode: -1, Output: res.stdout}
		return res
	}

	var exitErr *exec.ExitError
	switch {
	case waitErr == nil, errors.Is(waitErr, exec.ErrWaitDelay):
		res.exitCode = 0
	case errors.As(waitErr, &exitErr):
		res.exitCode = exitErr.ExitCode()
	default:
		res.err = &Error{Kind: KindStart, Message: fmt.Sprintf("wait for interpreter: %v", waitErr), ExitCode: -1, Output: res.stdout}
	}
	return res
}

func (d *Driver) terminate(cmd *exec.Cmd, done <-chan error) error {
	terminateGroup(cmd)
	select {
	case err := <-done:
		killGroup(cmd)
		return err
	case <-time.After(d.cfg.KillGrace):
		killGroup(cmd)
		return <-done
	}
}

// capture keeps at most limit bytes, dropping the oldest output first.
type capture struct {
	limit int
	buf   []byte
}

func (c *capture) Write(p []byte) (int, error) {
	c.buf = append(c.buf, p...)
	if over := len(c.buf) - c.limit; over > 0 {
		c.buf = append(c.buf[:0], c.buf[over:]...)
	}
	return len(p), nil
}

func (c *capture) String() string { return string(c.buf) }

// syncWriter serializes stdout and stderr into the transcript. It never
// reports an error: after the first failed write the transcript is dropped
// and output capture carries on.
type syncWriter struct {
	mu     sync.Mutex
	w      io.Writer
	logger *slog.Logger
	failed bool
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failed {
		return len(p), nil
	}
	if _, err := s.w.Write(p); err != nil {
		s.failed = true
		s.logger.Warn("run transcript write failed, dropping further output", "err", err)
	}
	return len(p), nil
}
