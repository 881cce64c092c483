package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"notifyhub/internal/model"
)

var (
	ErrNotFound = errors.New("notification not found")
	// ErrStaleTransition 条件更新失败：当前状态已不是调用方期望的起始状态
	ErrStaleTransition = errors.New("stale transition")
)

// 生命周期事件 routing key（写入 outbox）
const (
	EventNotificationSent   = "notification.sent"
	EventNotificationFailed = "notification.failed"
)

// Store persists notifications and their audit trail. Every status change
// goes through Apply, which writes the new status and exactly one audit
// entry per step in a single atomic unit.
type Store interface {
	// Create assigns ID and timestamps and writes the creation audit entry.
	Create(ctx context.Context, n *model.Notification, detail string) error
	FindByID(ctx context.Context, id int64) (*model.Notification, error)
	// FindDueScheduled returns SCHEDULED notifications with scheduledAt <= now.
	FindDueScheduled(ctx context.Context, now time.Time, limit int) ([]*model.Notification, error)
	// FindStalled returns notifications in one of statuses not updated since before.
	FindStalled(ctx context.Context, statuses []model.Status, before time.Time, limit int) ([]*model.Notification, error)
	// FindByUser is newest first.
	FindByUser(ctx context.Context, userID string, limit int) ([]*model.Notification, error)
	FindByUserAndStatus(ctx context.Context, userID string, status model.Status, limit int) ([]*model.Notification, error)
	// FindScheduledByUser lists the user's SCHEDULED notifications, soonest due first.
	FindScheduledByUser(ctx context.Context, userID string, limit int) ([]*model.Notification, error)
	CountByStatus(ctx context.Context, status model.Status) (int64, error)

	// Apply runs steps in order iff the current status equals steps[0].From,
	// otherwise ErrStaleTransition. Returns the updated notification.
	Apply(ctx context.Context, id int64, steps ...model.Transition) (*model.Notification, error)
	// Annotate appends a same-status audit note and refreshes updatedAt;
	// status and counters are untouched.
	Annotate(ctx context.Context, id int64, detail string) error

	// AuditByNotification and AuditByUser are newest first.
	AuditByNotification(ctx context.Context, id int64) ([]model.AuditEntry, error)
	AuditByUser(ctx context.Context, userID string, limit int) ([]model.AuditEntry, error)
}

// checkChain 校验多步迁移首尾相接
func checkChain(current model.Status, steps []model.Transition) error {
	if len(steps) == 0 {
		return fmt.Errorf("%w: no steps", model.ErrInvalidTransition)
	}
	if current != steps[0].From {
		return ErrStaleTransition
	}
	for i := 1; i < len(steps); i++ {
		if steps[i].From != steps[i-1].To {
			return fmt.Errorf("%w: step %d starts at %s after %s",
				model.ErrInvalidTransition, i, steps[i].From, steps[i-1].To)
		}
	}
	return nil
}

// applyStep mutates n for one step at time now.
func applyStep(n *model.Notification, step model.Transition, now time.Time) {
	n.Status = step.To
	n.UpdatedAt = now
	if step.To == model.StatusSent {
		t := now
		n.SentAt = &t
	}
	if step.Error != "" {
		n.ErrorMessage = step.Error
	}
	if step.IncrementRetry {
		n.RetryCount++
	}
}

// terminalEvent returns the outbox routing key for the final status, if any.
func terminalEvent(final model.Status) (string, bool) {
	switch final {
	case model.StatusSent:
		return EventNotificationSent, true
	case model.StatusFailed:
		return EventNotificationFailed, true
	}
	return "", false
}

// LifecycleEvent is the outbox payload for terminal transitions.
type LifecycleEvent struct {
	NotificationID int64          `json:"notification_id"`
	UserID         string         `json:"user_id"`
	Channel        model.Channel  `json:"channel"`
	Priority       model.Priority `json:"priority"`
	Status         model.Status   `json:"status"`
	RetryCount     int            `json:"retry_count"`
	Error          string         `json:"error,omitempty"`
	OccurredAt     time.Time      `json:"occurred_at"`
	TraceID        string         `json:"trace_id,omitempty"`
}

// DefaultQueryLimit bounds list queries that pass limit <= 0.
const DefaultQueryLimit = 1000

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return DefaultQueryLimit
	}
	return limit
}
