package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const envPrefix = "CRONPILOT_"

// ServerConfig holds the transport settings.
type ServerConfig struct {
	Addr      string `yaml:"addr"`
	AuthToken string `yaml:"auth_token"`
	// Mode selects the transports: http, mcp or both.
	Mode string `yaml:"mode"`
}

// LogConfig holds process logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// SchedulerConfig bounds the firing pool.
type SchedulerConfig struct {
	Timezone   string `yaml:"timezone"`
	MaxWorkers int    `yaml:"max_workers"`
	QueueSize  int    `yaml:"queue_size"`
}

// ExecutionConfig holds subprocess defaults.
type ExecutionConfig struct {
	Python       string        `yaml:"python"`
	Timeout      time.Duration `yaml:"timeout"`
	KillGrace    time.Duration `yaml:"kill_grace"`
	CheckTimeout time.Duration `yaml:"check_timeout"`
}

// EnvironmentConfig tunes environment validation.
type EnvironmentConfig struct {
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	InstallTimeout time.Duration `yaml:"install_timeout"`
	RequireInstall bool          `yaml:"require_install"`
	MaxDepth       int           `yaml:"max_depth"`
}

// TasksConfig locates task code.
type TasksConfig struct {
	Dir string `yaml:"dir"`
}

// RunLogsConfig controls per-run log files.
type RunLogsConfig struct {
	Dir           string        `yaml:"dir"`
	RetentionDays int           `yaml:"retention_days"`
	MaxSizeMB     int           `yaml:"max_size_mb"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
}

// BarkConfig holds Bark notification settings.
type BarkConfig struct {
	URL             string `yaml:"url"`
	Enabled         bool   `yaml:"enabled"`
	Group           string `yaml:"group"`
	NotifyOnSuccess bool   `yaml:"notify_on_success"`
}

// SMTPConfig holds outgoing mail settings.
type SMTPConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	From     string `yaml:"from"`
	FromName string `yaml:"from_name"`
	Insecure bool   `yaml:"insecure"`
}

// NotificationConfig holds all notification settings.
type NotificationConfig struct {
	Bark       BarkConfig `yaml:"bark"`
	SMTP       SMTPConfig `yaml:"smtp"`
	RatePerSec float64    `yaml:"rate_per_sec"`
	Burst      int        `yaml:"burst"`
}

// Config holds all runtime configuration options for the daemon.
type Config struct {
	Server        ServerConfig       `yaml:"server"`
	Log           LogConfig          `yaml:"log"`
	Scheduler     SchedulerConfig    `yaml:"scheduler"`
	Execution     ExecutionConfig    `yaml:"execution"`
	Environment   EnvironmentConfig  `yaml:"environment"`
	Tasks         TasksConfig        `yaml:"tasks"`
	RunLogs       RunLogsConfig      `yaml:"run_logs"`
	Notification  NotificationConfig `yaml:"notification"`
	StateDir      string             `yaml:"state_dir"`
	ShutdownGrace time.Duration      `yaml:"shutdown_grace"`

	// Path is the YAML file the config was read from, if any.
	Path string `yaml:"-"`
}

const (
	defaultAddr          = "127.0.0.1:7070"
	defaultLogLevel      = "info"
	defaultShutdownGrace = 30 * time.Second
)

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server:    ServerConfig{Addr: defaultAddr, Mode: "http"},
		Log:       LogConfig{Level: defaultLogLevel, Format: "text"},
		Scheduler: SchedulerConfig{Timezone: "Local", MaxWorkers: 4, QueueSize: 64},
		Execution: ExecutionConfig{
			Python:       "python3",
			Timeout:      time.Hour,
			KillGrace:    5 * time.Second,
			CheckTimeout: 30 * time.Second,
		},
		Environment: EnvironmentConfig{
			ProbeTimeout:   10 * time.Second,
			InstallTimeout: 60 * time.Second,
			MaxDepth:       4,
		},
		Tasks:   TasksConfig{Dir: "tasks"},
		RunLogs: RunLogsConfig{RetentionDays: 7, MaxSizeMB: 10, SweepInterval: 24 * time.Hour},
		Notification: NotificationConfig{
			Bark:       BarkConfig{Group: "cronpilot"},
			RatePerSec: 2,
			Burst:      5,
		},
		ShutdownGrace: defaultShutdownGrace,
	}
}

// Load builds the configuration.
// Priority: CLI flags > environment variables > .env file > YAML file > defaults.
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("cronpilotd", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var (
		configPath    = fs.String("config", "", "Path to a YAML config file")
		envFile       = fs.String("env-file", ".env", "Optional .env file")
		addr          = fs.String("addr", "", "HTTP listen address")
		mode          = fs.String("mode", "", "Transports to serve: http, mcp or both")
		stateDir      = fs.String("state-dir", "", "Directory for the database and run logs")
		tasksDir      = fs.String("tasks-dir", "", "Directory holding task code and environments")
		logLevel      = fs.String("log-level", "", "Log level (debug, info, warn, error)")
		logFormat     = fs.String("log-format", "", "Log format (text, json)")
		timezone      = fs.String("timezone", "", "Time zone for schedules (Local, UTC or an IANA name)")
		python        = fs.String("python", "", "Default Python interpreter")
		shutdownGrace = fs.Duration("shutdown-grace", 0, "Grace period when shutting down")
	)
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}

	cfg := Default()

	path := *configPath
	if path == "" {
		path = os.Getenv(envPrefix + "CONFIG")
	}
	if path != "" {
		if err := cfg.loadYAML(path); err != nil {
			return nil, err
		}
	}

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", *envFile, err)
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "addr":
			cfg.Server.Addr = *addr
		case "mode":
			cfg.Server.Mode = *mode
		case "state-dir":
			cfg.StateDir = *stateDir
		case "tasks-dir":
			cfg.Tasks.Dir = *tasksDir
		case "log-level":
			cfg.Log.Level = *logLevel
		case "log-format":
			cfg.Log.Format = *logFormat
		case "timezone":
			cfg.Scheduler.Timezone = *timezone
		case "python":
			cfg.Execution.Python = *python
		case "shutdown-grace":
			cfg.ShutdownGrace = *shutdownGrace
		}
	})

	if err := cfg.finish(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadYAML(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	c.Path = path
	return nil
}

func (c *Config) applyEnv() error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	float := func(key string, dst *float64) {
		if v, ok := lookup(key); ok {
			n, err := strconv.ParseFloat(v, 64)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = n
		}
	}
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(key); ok {
			lower := strings.ToLower(v)
			*dst = lower == "true" || lower == "1" || lower == "yes"
		}
	}
	duration := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", envPrefix, key, err))
				return
			}
			*dst = d
		}
	}

	str("ADDR", &c.Server.Addr)
	str("AUTH_TOKEN", &c.Server.AuthToken)
	str("MODE", &c.Server.Mode)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("TIMEZONE", &c.Scheduler.Timezone)
	num("MAX_WORKERS", &c.Scheduler.MaxWorkers)
	num("QUEUE_SIZE", &c.Scheduler.QueueSize)
	str("PYTHON", &c.Execution.Python)
	duration("EXEC_TIMEOUT", &c.Execution.Timeout)
	duration("KILL_GRACE", &c.Execution.KillGrace)
	duration("PROBE_TIMEOUT", &c.Environment.ProbeTimeout)
	duration("INSTALL_TIMEOUT", &c.Environment.InstallTimeout)
	boolean("REQUIRE_INSTALL", &c.Environment.RequireInstall)
	str("TASKS_DIR", &c.Tasks.Dir)
	str("RUN_LOG_DIR", &c.RunLogs.Dir)
	num("LOG_RETENTION_DAYS", &c.RunLogs.RetentionDays)
	num("LOG_MAX_SIZE_MB", &c.RunLogs.MaxSizeMB)
	str("BARK_URL", &c.Notification.Bark.URL)
	boolean("BARK_ENABLED", &c.Notification.Bark.Enabled)
	boolean("SMTP_ENABLED", &c.Notification.SMTP.Enabled)
	str("SMTP_ADDR", &c.Notification.SMTP.Addr)
	str("SMTP_USERNAME", &c.Notification.SMTP.Username)
	str("SMTP_PASSWORD", &c.Notification.SMTP.Password)
	str("SMTP_FROM", &c.Notification.SMTP.From)
	boolean("SMTP_INSECURE", &c.Notification.SMTP.Insecure)
	float("NOTIFY_RATE", &c.Notification.RatePerSec)
	str("STATE_DIR", &c.StateDir)
	duration("SHUTDOWN_GRACE", &c.ShutdownGrace)
	return errors.Join(errs...)
}

func lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + key)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return strings.TrimSpace(v), true
}

// finish validates the result and fills in derived paths.
func (c *Config) finish() error {
	switch c.Server.Mode {
	case "", "http":
		c.Server.Mode = "http"
	case "mcp", "both":
	default:
		return fmt.Errorf("invalid mode %q (valid: http, mcp, both)", c.Server.Mode)
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "text", "json":
	default:
		return fmt.Errorf("invalid log format %q (valid: text, json)", c.Log.Format)
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = defaultShutdownGrace
	}
	if c.RunLogs.RetentionDays < 1 {
		c.RunLogs.RetentionDays = 7
	}

	if c.StateDir == "" {
		dir, err := defaultStateDir()
		if err != nil {
			return fmt.Errorf("resolve default state dir: %w", err)
		}
		c.StateDir = dir
	}
	if c.RunLogs.Dir == "" {
		c.RunLogs.Dir = filepath.Join(c.StateDir, "logs")
	}
	if c.Tasks.Dir != "" {
		abs, err := filepath.Abs(c.Tasks.Dir)
		if err != nil {
			return fmt.Errorf("resolve tasks dir: %w", err)
		}
		c.Tasks.Dir = abs
	}
	if c.Notification.SMTP.Enabled && (c.Notification.SMTP.Addr == "" || c.Notification.SMTP.From == "") {
		return errors.New("smtp notifications need both addr and from")
	}
	if c.Notification.Bark.Enabled && c.Notification.Bark.URL == "" {
		return errors.New("bark notifications need a url")
	}
	return nil
}

// Location resolves the scheduler time zone.
func (c *Config) Location() (*time.Location, error) {
	switch c.Scheduler.Timezone {
	case "", "Local", "local":
		return time.Local, nil
	case "UTC", "utc":
		return time.UTC, nil
	}
	loc, err := time.LoadLocation(c.Scheduler.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Scheduler.Timezone, err)
	}
	return loc, nil
}

// RunLogRetention is the retention window of run logs.
func (c *Config) RunLogRetention() time.Duration {
	return time.Duration(c.RunLogs.RetentionDays) * 24 * time.Hour
}

// RunLogMaxSize is the rotation threshold in bytes.
func (c *Config) RunLogMaxSize() int64 {
	return int64(c.RunLogs.MaxSizeMB) << 20
}

func defaultStateDir() (string, error) {
	baseDir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(baseDir, "cronpilot"), nil
}
