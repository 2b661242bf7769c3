// Package app wires the daemon's services together and owns their lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"cronpilot/internal/config"
	"cronpilot/internal/core"
	"cronpilot/internal/environment"
	"cronpilot/internal/execution"
	"cronpilot/internal/logsink"
	"cronpilot/internal/notify"
	"cronpilot/internal/store"
)

// App is the set of services shared by the HTTP API and the MCP server.
type App struct {
	Config       *config.Config
	Logger       *slog.Logger
	Location     *time.Location
	Store        *store.Store
	Logs         *logsink.Sink
	Environments *environment.Resolver
	Driver       *execution.Driver
	Coordinator  *core.Coordinator
	Scheduler    *core.Scheduler
	Registry     *core.Registry

	sweepCancel context.CancelFunc
	sweepDone   chan struct{}
}

type options struct {
	executor core.TaskExecutor
	checker  core.EntryPointChecker
	notifier core.Notifier
}

// Option replaces one of the default collaborators.
type Option func(*options)

// WithExecutor runs tasks through e instead of the subprocess driver.
func WithExecutor(e core.TaskExecutor) Option {
	return func(o *options) { o.executor = e }
}

// WithEntryPointChecker validates task files through c.
func WithEntryPointChecker(c core.EntryPointChecker) Option {
	return func(o *options) { o.checker = c }
}

// WithNotifier replaces the configured notifier.
func WithNotifier(n core.Notifier) Option {
	return func(o *options) { o.notifier = n }
}

// New opens the store and builds every service. Nothing is started yet.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, cfg.StateDir)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	logs, err := logsink.New(logsink.Config{
		Dir:           cfg.RunLogs.Dir,
		Retention:     cfg.RunLogRetention(),
		MaxSize:       cfg.RunLogMaxSize(),
		SweepInterval: cfg.RunLogs.SweepInterval,
	}, logger.With("component", "logsink"))
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("open run logs: %w", err)
	}

	envs := environment.New(environment.Config{
		ProbeTimeout:   cfg.Environment.ProbeTimeout,
		InstallTimeout: cfg.Environment.InstallTimeout,
		RequireInstall: cfg.Environment.RequireInstall,
		MaxDepth:       cfg.Environment.MaxDepth,
	}, logger.With("component", "environment"))
	driver := execution.New(execution.Config{
		Python:       cfg.Execution.Python,
		Timeout:      cfg.Execution.Timeout,
		KillGrace:    cfg.Execution.KillGrace,
		CheckTimeout: cfg.Execution.CheckTimeout,
	}, logger.With("component", "execution"))

	var executor core.TaskExecutor = driver
	if o.executor != nil {
		executor = o.executor
	}
	var checker core.EntryPointChecker = driver
	if o.checker != nil {
		checker = o.checker
	}
	notifier := o.notifier
	if notifier == nil {
		notifier, err = buildNotifier(cfg, st, logger)
		if err != nil {
			st.Close()
			return nil, err
		}
	}

	coord := core.NewCoordinator(st, logs, envs, executor, notifier, logger.With("component", "coordinator"))
	sched := core.NewScheduler(st, coord, logger.With("component", "scheduler"), core.SchedulerConfig{
		Location:   loc,
		MaxWorkers: cfg.Scheduler.MaxWorkers,
		QueueSize:  cfg.Scheduler.QueueSize,
	})
	reg := core.NewRegistry(st, sched, checker, envs, cfg.Tasks.Dir, logger.With("component", "registry"))

	return &App{
		Config:       cfg,
		Logger:       logger,
		Location:     loc,
		Store:        st,
		Logs:         logs,
		Environments: envs,
		Driver:       driver,
		Coordinator:  coord,
		Scheduler:    sched,
		Registry:     reg,
	}, nil
}

func buildNotifier(cfg *config.Config, st *store.Store, logger *slog.Logger) (core.Notifier, error) {
	n := cfg.Notification
	var pusher notify.Pusher
	if n.Bark.Enabled {
		bark, err := notify.NewBarkPusher(n.Bark.URL, n.Bark.Group)
		if err != nil {
			return nil, fmt.Errorf("bark notifier: %w", err)
		}
		pusher = bark
	}
	var mailer notify.MailSender
	if n.SMTP.Enabled {
		m, err := notify.NewMailer(notify.SMTPConfig{
			Addr:     n.SMTP.Addr,
			Username: n.SMTP.Username,
			Password: n.SMTP.Password,
			From:     n.SMTP.From,
			FromName: n.SMTP.FromName,
			Insecure: n.SMTP.Insecure,
		})
		if err != nil {
			return nil, fmt.Errorf("smtp notifier: %w", err)
		}
		mailer = m
	}
	if pusher == nil && mailer == nil {
		return core.NopNotifier{}, nil
	}
	return notify.NewDispatcher(notify.Config{
		RatePerSec:    n.RatePerSec,
		Burst:         n.Burst,
		PushOnSuccess: n.Bark.NotifyOnSuccess,
	}, st, mailer, pusher, logger.With("component", "notify")), nil
}

// Start recovers runs interrupted by a previous process, arms every active
// task and starts the log retention loop.
func (a *App) Start(ctx context.Context) error {
	if _, err := a.Coordinator.RecoverInterrupted(ctx); err != nil {
		return err
	}
	a.Scheduler.Start(ctx)
	if err := a.Scheduler.Sync(ctx); err != nil {
		return fmt.Errorf("initial sync: %w", err)
	}

	sweepCtx, cancel := context.WithCancel(context.Background())
	a.sweepCancel = cancel
	a.sweepDone = make(chan struct{})
	go func() {
		defer close(a.sweepDone)
		a.Logs.Run(sweepCtx)
	}()
	return nil
}

// Shutdown stops the scheduler, lets running tasks finish until ctx expires
// (then cancels them), stops the sweep loop and closes the store.
func (a *App) Shutdown(ctx context.Context) error {
	var errs []error
	if err := a.Scheduler.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("scheduler: %w", err))
	}
	if err := a.Coordinator.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("coordinator: %w", err))
	}
	if a.sweepCancel != nil {
		a.sweepCancel()
		<-a.sweepDone
	}
	if err := a.Store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store: %w", err))
	}
	return errors.Join(errs...)
}
