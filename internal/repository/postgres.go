package repository

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"notifyhub/internal/clock"
	"notifyhub/internal/model"
	"notifyhub/pkg/otel"
	"notifyhub/pkg/outbox"
	"notifyhub/pkg/trace"
)

//go:embed schema.sql
var schemaSQL string

// EnsureSchema 启动时创建表（幂等）
func EnsureSchema(ctx context.Context, db *pgxpool.Pool) error {
	if _, err := db.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

const notificationColumns = `id, user_id, title, message, metadata, channel, priority, status,
	created_at, scheduled_at, sent_at, updated_at, retry_count, error_message`

type PostgresStore struct {
	db     *pgxpool.Pool
	outbox *outbox.Repository
	clock  clock.Clock
	logger *zap.Logger
}

func NewPostgresStore(db *pgxpool.Pool, outboxRepo *outbox.Repository, c clock.Clock, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{
		db:     db,
		outbox: outboxRepo,
		clock:  c,
		logger: logger,
	}
}

func scanNotification(row pgx.Row) (*model.Notification, error) {
	var n model.Notification
	err := row.Scan(
		&n.ID, &n.UserID, &n.Title, &n.Message, &n.Metadata, &n.Channel, &n.Priority, &n.Status,
		&n.CreatedAt, &n.ScheduledAt, &n.SentAt, &n.UpdatedAt, &n.RetryCount, &n.ErrorMessage,
	)
	if err != nil {
		return nil, err
	}
	return &n, nil
}

func collectNotifications(rows pgx.Rows) ([]*model.Notification, error) {
	defer rows.Close()
	var out []*model.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func insertAudit(ctx context.Context, tx pgx.Tx, n *model.Notification, from, to model.Status, detail string, at time.Time) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO notification_audit (notification_id, user_id, previous_status, new_status, created_at, details)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, n.ID, n.UserID, string(from), string(to), at, detail)
	if err != nil {
		return fmt.Errorf("failed to insert audit: %w", err)
	}
	return nil
}

func (s *PostgresStore) Create(ctx context.Context, n *model.Notification, detail string) error {
	return otel.Observe(ctx, "insert", "notifications", func(ctx context.Context) error {
		now := s.clock.Now()
		if n.CreatedAt.IsZero() {
			n.CreatedAt = now
		}
		if n.ScheduledAt.IsZero() {
			n.ScheduledAt = n.CreatedAt
		}
		n.UpdatedAt = now
		if n.Metadata == nil {
			n.Metadata = map[string]string{}
		}

		return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
			err := tx.QueryRow(ctx, `
				INSERT INTO notifications (user_id, title, message, metadata, channel, priority, status,
					created_at, scheduled_at, updated_at, retry_count, error_message)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
				RETURNING id
			`, n.UserID, n.Title, n.Message, n.Metadata, string(n.Channel), string(n.Priority), string(n.Status),
				n.CreatedAt, n.ScheduledAt, n.UpdatedAt, n.RetryCount, n.ErrorMessage,
			).Scan(&n.ID)
			if err != nil {
				return fmt.Errorf("failed to insert notification: %w", err)
			}
			return insertAudit(ctx, tx, n, "", n.Status, detail, now)
		})
	})
}

func (s *PostgresStore) FindByID(ctx context.Context, id int64) (*model.Notification, error) {
	var n *model.Notification
	err := otel.Observe(ctx, "select", "notifications", func(ctx context.Context) error {
		var err error
		n, err = scanNotification(s.db.QueryRow(ctx,
			`SELECT `+notificationColumns+` FROM notifications WHERE id = $1`, id))
		return err
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to find notification %d: %w", id, err)
	}
	return n, nil
}

func (s *PostgresStore) query(ctx context.Context, operation, sql string, args ...any) ([]*model.Notification, error) {
	var out []*model.Notification
	err := otel.Observe(ctx, operation, "notifications", func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		out, err = collectNotifications(rows)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query notifications: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) FindDueScheduled(ctx context.Context, now time.Time, limit int) ([]*model.Notification, error) {
	return s.query(ctx, "select_due", `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE status = $1 AND scheduled_at <= $2
		ORDER BY scheduled_at ASC, id ASC
		LIMIT $3
	`, string(model.StatusScheduled), now, normalizeLimit(limit))
}

func (s *PostgresStore) FindStalled(ctx context.Context, statuses []model.Status, before time.Time, limit int) ([]*model.Notification, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	return s.query(ctx, "select_stalled", `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE status = ANY($1) AND updated_at < $2
		ORDER BY updated_at ASC, id ASC
		LIMIT $3
	`, names, before, normalizeLimit(limit))
}

func (s *PostgresStore) FindByUser(ctx context.Context, userID string, limit int) ([]*model.Notification, error) {
	return s.query(ctx, "select_by_user", `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, normalizeLimit(limit))
}

func (s *PostgresStore) FindByUserAndStatus(ctx context.Context, userID string, status model.Status, limit int) ([]*model.Notification, error) {
	return s.query(ctx, "select_by_user_status", `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE user_id = $1 AND status = $2
		ORDER BY created_at DESC, id DESC
		LIMIT $3
	`, userID, string(status), normalizeLimit(limit))
}

func (s *PostgresStore) FindScheduledByUser(ctx context.Context, userID string, limit int) ([]*model.Notification, error) {
	return s.query(ctx, "select_scheduled_by_user", `
		SELECT `+notificationColumns+`
		FROM notifications
		WHERE user_id = $1 AND status = $2
		ORDER BY scheduled_at ASC, id ASC
		LIMIT $3
	`, userID, string(model.StatusScheduled), normalizeLimit(limit))
}

func (s *PostgresStore) CountByStatus(ctx context.Context, status model.Status) (int64, error) {
	var count int64
	err := otel.Observe(ctx, "count", "notifications", func(ctx context.Context) error {
		return s.db.QueryRow(ctx,
			`SELECT COUNT(*) FROM notifications WHERE status = $1`, string(status)).Scan(&count)
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count notifications: %w", err)
	}
	return count, nil
}

// Apply locks the row, re-checks the expected status and commits every
// step plus its audit entry (and the outbox event on terminal states) in
// one transaction.
func (s *PostgresStore) Apply(ctx context.Context, id int64, steps ...model.Transition) (*model.Notification, error) {
	var updated *model.Notification
	err := otel.Observe(ctx, "transition", "notifications", func(ctx context.Context) error {
		return pgx.BeginFunc(ctx, s.db, func(tx pgx.Tx) error {
			n, err := scanNotification(tx.QueryRow(ctx,
				`SELECT `+notificationColumns+` FROM notifications WHERE id = $1 FOR UPDATE`, id))
			if err != nil {
				if errors.Is(err, pgx.ErrNoRows) {
					return ErrNotFound
				}
				return err
			}
			if err := checkChain(n.Status, steps); err != nil {
				return err
			}

			now := s.clock.Now()
			for _, step := range steps {
				applyStep(n, step, now)
				if err := insertAudit(ctx, tx, n, step.From, step.To, step.Detail, now); err != nil {
					return err
				}
			}

			tag, err := tx.Exec(ctx, `
				UPDATE notifications
				SET status = $1, sent_at = $2, updated_at = $3, retry_count = $4, error_message = $5
				WHERE id = $6 AND status = $7
			`, string(n.Status), n.SentAt, n.UpdatedAt, n.RetryCount, n.ErrorMessage, id, string(steps[0].From))
			if err != nil {
				return fmt.Errorf("failed to update notification: %w", err)
			}
			if tag.RowsAffected() == 0 {
				return ErrStaleTransition
			}

			if key, ok := terminalEvent(n.Status); ok {
				event := LifecycleEvent{
					NotificationID: n.ID,
					UserID:         n.UserID,
					Channel:        n.Channel,
					Priority:       n.Priority,
					Status:         n.Status,
					RetryCount:     n.RetryCount,
					Error:          n.ErrorMessage,
					OccurredAt:     now,
					TraceID:        trace.FromContext(ctx),
				}
				if err := outbox.InsertEventInTx(ctx, tx, s.outbox, "notification", &n.ID, key, event); err != nil {
					return err
				}
			}

			updated = n
			return nil
		})
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrStaleTransition) || errors.Is(err, model.ErrInvalidTransition) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to apply transition to %d: %w", id, err)
	}
	return updated, nil
}

func (s *PostgresStore) Annotate(ctx context.Context, id int64, detail string) error {
	return otel.Observe(ctx, "annotate", "notification_audit", func(ctx context.Context) error {
		tag, err := s.db.Exec(ctx, `
			WITH touched AS (
				UPDATE notifications SET updated_at = $2 WHERE id = $1
				RETURNING id, user_id, status
			)
			INSERT INTO notification_audit (notification_id, user_id, previous_status, new_status, created_at, details)
			SELECT id, user_id, status, status, $2, $3 FROM touched
		`, id, s.clock.Now(), detail)
		if err != nil {
			return fmt.Errorf("failed to annotate notification %d: %w", id, err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (s *PostgresStore) auditQuery(ctx context.Context, sql string, args ...any) ([]model.AuditEntry, error) {
	var out []model.AuditEntry
	err := otel.Observe(ctx, "select", "notification_audit", func(ctx context.Context) error {
		rows, err := s.db.Query(ctx, sql, args...)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var e model.AuditEntry
			if err := rows.Scan(&e.ID, &e.NotificationID, &e.UserID, &e.PreviousStatus, &e.NewStatus, &e.Timestamp, &e.Details); err != nil {
				return err
			}
			out = append(out, e)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, fmt.Errorf("failed to query audit: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) AuditByNotification(ctx context.Context, id int64) ([]model.AuditEntry, error) {
	return s.auditQuery(ctx, `
		SELECT id, notification_id, user_id, previous_status, new_status, created_at, details
		FROM notification_audit
		WHERE notification_id = $1
		ORDER BY created_at DESC, id DESC
	`, id)
}

func (s *PostgresStore) AuditByUser(ctx context.Context, userID string, limit int) ([]model.AuditEntry, error) {
	return s.auditQuery(ctx, `
		SELECT id, notification_id, user_id, previous_status, new_status, created_at, details
		FROM notification_audit
		WHERE user_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2
	`, userID, normalizeLimit(limit))
}
