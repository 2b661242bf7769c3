package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"cronpilot/internal/core"

	"golang.org/x/time/rate"
)

// SubscriptionSource lists a task's mail subscriptions.
type SubscriptionSource interface {
	ListSubscriptions(ctx context.Context, taskID string) ([]*core.Subscription, error)
}

// MailSender delivers one mail to one recipient.
type MailSender interface {
	Send(ctx context.Context, to, subject, text, html string) error
}

// Config tunes the dispatcher.
type Config struct {
	// RatePerSec bounds outgoing notifications. Zero means 2 per second.
	RatePerSec float64
	Burst      int
	// PushOnSuccess also pushes successful runs; failures are always pushed.
	PushOnSuccess bool
}

// Dispatcher implements core.Notifier. It mails every subscriber whose
// preferences match the run's status and pushes to the configured channels.
type Dispatcher struct {
	subs    SubscriptionSource
	mailer  MailSender
	pusher  Pusher
	limiter *rate.Limiter
	cfg     Config
	logger  *slog.Logger
}

// NewDispatcher builds a dispatcher. mailer and pusher may be nil.
func NewDispatcher(cfg Config, subs SubscriptionSource, mailer MailSender, pusher Pusher, logger *slog.Logger) *Dispatcher {
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		subs:    subs,
		mailer:  mailer,
		pusher:  pusher,
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Burst),
		cfg:     cfg,
		logger:  logger,
	}
}

var _ core.Notifier = (*Dispatcher)(nil)

// NotifyRun sends the run report. Each delivery is attempted; the failures are joined.
func (d *Dispatcher) NotifyRun(ctx context.Context, task *core.Task, run *core.TaskRun) error {
	report := NewReport(task, run)
	var errs []error

	if d.pusher != nil && (run.Status != core.RunStatusSuccess || d.cfg.PushOnSuccess) {
		if err := d.limiter.Wait(ctx); err != nil {
			errs = append(errs, fmt.Errorf("push: %w", err))
		} else if err := d.pusher.Send(ctx, report.Subject(), report.Short()); err != nil {
			errs = append(errs, fmt.Errorf("push: %w", err))
		}
	}

	if d.mailer != nil && d.subs != nil {
		if err := d.mail(ctx, task, run, report); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (d *Dispatcher) mail(ctx context.Context, task *core.Task, run *core.TaskRun, report Report) error {
	subs, err := d.subs.ListSubscriptions(ctx, task.ID)
	if err != nil {
		return fmt.Errorf("list subscriptions: %w", err)
	}
	recipients := Recipients(subs, run.Status)
	if len(recipients) == 0 {
		return nil
	}
	text, html, err := report.Render()
	if err != nil {
		return err
	}

	var errs []error
	sent := 0
	for _, to := range recipients {
		if err := d.limiter.Wait(ctx); err != nil {
			errs = append(errs, err)
			break
		}
		if err := d.mailer.Send(ctx, to, report.Subject(), text, html); err != nil {
			errs = append(errs, fmt.Errorf("mail %s: %w", to, err))
			continue
		}
		sent++
	}
	d.logger.Info("run notification mailed", "task_id", task.ID, "run_id", run.ID, "sent", sent, "failed", len(errs))
	return errors.Join(errs...)
}

// Recipients returns the distinct addresses that want to hear about status.
// Cancelled runs follow the failure preference.
func Recipients(subs []*core.Subscription, status core.RunStatus) []string {
	seen := map[string]bool{}
	var out []string
	for _, s := range subs {
		var want bool
		switch status {
		case core.RunStatusSuccess:
			want = s.NotifyOnSuccess
		case core.RunStatusFailed, core.RunStatusCancelled:
			want = s.NotifyOnFailure
		}
		addr := strings.TrimSpace(s.Email)
		key := strings.ToLower(addr)
		if !want || addr == "" || seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, addr)
	}
	return out
}
