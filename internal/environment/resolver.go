package environment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"
)

const (
	defaultProbeTimeout   = 10 * time.Second
	defaultInstallTimeout = 60 * time.Second
	defaultMaxDepth       = 4
	maxDiagnostic         = 2000
)

var (
	// ErrNotFound is returned when a path handed to the resolver does not exist.
	ErrNotFound = errors.New("path does not exist")
	// ErrProbeTimeout marks an interpreter subprocess that did not finish in time.
	ErrProbeTimeout = errors.New("timed out")
)

// Config holds resolver limits.
type Config struct {
	ProbeTimeout   time.Duration
	InstallTimeout time.Duration
	// RequireInstall turns a failed manifest install into a validation error.
	RequireInstall bool
	MaxDepth       int
}

// Validation is the outcome of validating an environment.
type Validation struct {
	Valid            bool     `json:"valid"`
	PythonExecutable string   `json:"python_executable,omitempty"`
	Errors           []string `json:"errors"`
	Warnings         []string `json:"warnings"`
}

// Resolution is the interpreter chosen for a run.
type Resolution struct {
	PythonExecutable string
	Warnings         []string
}

// EnvironmentError reports an environment that cannot host a run.
type EnvironmentError struct {
	Path    string
	Reasons []string
}

func (e *EnvironmentError) Error() string {
	if len(e.Reasons) == 0 {
		return fmt.Sprintf("environment %s is invalid", e.Path)
	}
	return fmt.Sprintf("environment %s: %s", e.Path, strings.Join(e.Reasons, "; "))
}

// Resolver discovers and validates interpreter environments.
type Resolver struct {
	cfg    Config
	logger *slog.Logger
}

func New(cfg Config, logger *slog.Logger) *Resolver {
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = defaultProbeTimeout
	}
	if cfg.InstallTimeout <= 0 {
		cfg.InstallTimeout = defaultInstallTimeout
	}
	if cfg.MaxDepth <= 0 {
		cfg.MaxDepth = defaultMaxDepth
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{cfg: cfg, logger: logger}
}

// Validate checks that envPath holds a working interpreter. When
// requirementsPath is set the manifest must exist and is installed into the
// environment; an install failure is only a warning unless RequireInstall is set.
func (r *Resolver) Validate(ctx context.Context, envPath, requirementsPath string) Validation {
	return r.validate(ctx, envPath, requirementsPath, true)
}

// Resolve picks the interpreter for a run. A cached executable that still
// exists is used as is; otherwise the environment is validated again.
func (r *Resolver) Resolve(ctx context.Context, envPath, requirementsPath, cached string) (Resolution, error) {
	if cached != "" && exists(cached) {
		return Resolution{PythonExecutable: cached}, nil
	}
	v := r.validate(ctx, envPath, requirementsPath, requirementsPath != "")
	if !v.Valid {
		return Resolution{}, &EnvironmentError{Path: envPath, Reasons: v.Errors}
	}
	return Resolution{PythonExecutable: v.PythonExecutable, Warnings: v.Warnings}, nil
}

func (r *Resolver) validate(ctx context.Context, envPath, requirementsPath string, install bool) Validation {
	v := Validation{Errors: []string{}, Warnings: []string{}}
	fail := func(format string, args ...any) Validation {
		v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
		return v
	}

	if envPath == "" || !exists(envPath) {
		return fail("environment path does not exist")
	}
	if !IsEnvironment(envPath) {
		return fail("path is not a valid virtual environment")
	}
	python := PythonExecutable(envPath)
	if python == "" {
		return fail("could not find python executable in environment")
	}

	if _, err := r.run(ctx, r.cfg.ProbeTimeout, python, "-c", "import sys; print(sys.version)"); err != nil {
		if errors.Is(err, ErrProbeTimeout) {
			return fail("python execution timed out after %s", r.cfg.ProbeTimeout)
		}
		return fail("python execution failed: %v", err)
	}

	if requirementsPath != "" {
		if !exists(requirementsPath) {
			return fail("requirements file does not exist")
		}
		if install {
			if _, err := r.run(ctx, r.cfg.InstallTimeout, python, "-m", "pip", "install", "-r", requirementsPath); err != nil {
				msg := fmt.Sprintf("requirements installation had issues: %v", err)
				if errors.Is(err, ErrProbeTimeout) {
					msg = fmt.Sprintf("requirements installation timed out after %s", r.cfg.InstallTimeout)
				}
				if r.cfg.RequireInstall {
					return fail("%s", msg)
				}
				r.logger.Warn("requirements install", "env", envPath, "requirements", requirementsPath, "err", err)
				v.Warnings = append(v.Warnings, msg)
			}
		}
	}

	v.Valid = true
	v.PythonExecutable = python
	return v
}

// run executes an interpreter probe with its own deadline. Output is returned
// on success; on failure the error carries the stderr tail.
func (r *Resolver) run(ctx context.Context, timeout time.Duration, name string, args ...string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second
	killOnCancel(cmd)

	err := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return "", ErrProbeTimeout
	}
	if err != nil {
		msg := strings.TrimSpace(stderr.String())
		if len(msg) > maxDiagnostic {
			msg = msg[len(msg)-maxDiagnostic:]
		}
		if msg == "" {
			return "", err
		}
		return "", fmt.Errorf("%w: %s", err, msg)
	}
	return stdout.String(), nil
}
