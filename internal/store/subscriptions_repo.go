package store

import (
	"context"
	"fmt"
	"time"

	"cronpilot/internal/core"
)

func (s *Store) InsertSubscription(ctx context.Context, sub *core.Subscription) error {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO task_subscriptions (id, task_id, email, notify_on_success, notify_on_failure, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`, sub.ID, sub.TaskID, sub.Email, boolInt(sub.NotifyOnSuccess), boolInt(sub.NotifyOnFailure), formatTime(sub.CreatedAt))
	switch {
	case err == nil:
		return nil
	case isUniqueViolation(err):
		return ErrDuplicateSubscription
	case isForeignKeyViolation(err):
		return core.ErrTaskNotFound
	default:
		return fmt.Errorf("insert subscription: %w", err)
	}
}

func (s *Store) ListSubscriptions(ctx context.Context, taskID string) ([]*core.Subscription, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT id, task_id, email, notify_on_success, notify_on_failure, created_at
		FROM task_subscriptions
		WHERE task_id = ?
		ORDER BY created_at ASC
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer rows.Close()
	subs := []*core.Subscription{}
	for rows.Next() {
		var (
			sub       core.Subscription
			onSuccess int
			onFailure int
			createdAt string
		)
		if err := rows.Scan(&sub.ID, &sub.TaskID, &sub.Email, &onSuccess, &onFailure, &createdAt); err != nil {
			return nil, fmt.Errorf("scan subscription: %w", err)
		}
		sub.NotifyOnSuccess = onSuccess != 0
		sub.NotifyOnFailure = onFailure != 0
		sub.CreatedAt = parseTime(createdAt)
		subs = append(subs, &sub)
	}
	return subs, rows.Err()
}

func (s *Store) DeleteSubscription(ctx context.Context, id string) error {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM task_subscriptions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete subscription: %w", err)
	}
	return expectRow(res, core.ErrSubscriptionNotFound)
}
