package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"notifyhub/internal/clock"
	"notifyhub/internal/model"
)

func newNotification(user string, status model.Status) *model.Notification {
	return &model.Notification{
		UserID:   user,
		Title:    "hello",
		Message:  "world",
		Channel:  model.ChannelEmail,
		Priority: model.PriorityLow,
		Status:   status,
		Metadata: map[string]string{"k": "v"},
	}
}

func TestMemoryStore_CreateWritesAudit(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	s := NewMemoryStore(clk)
	ctx := context.Background()

	n := newNotification("u1", model.StatusPending)
	require.NoError(t, s.Create(ctx, n, "Notification created"))
	assert.Equal(t, int64(1), n.ID)
	assert.Equal(t, clk.Now(), n.ScheduledAt)

	audit, err := s.AuditByNotification(ctx, n.ID)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, model.Status(""), audit[0].PreviousStatus)
	assert.Equal(t, model.StatusPending, audit[0].NewStatus)
	assert.Equal(t, "Notification created", audit[0].Details)
}

func TestMemoryStore_ClonesOnReadAndWrite(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	n := newNotification("u1", model.StatusPending)
	require.NoError(t, s.Create(ctx, n, "created"))
	n.Metadata["k"] = "mutated"

	got, err := s.FindByID(ctx, n.ID)
	require.NoError(t, err)
	assert.Equal(t, "v", got.Metadata["k"])
}

func TestMemoryStore_Apply(t *testing.T) {
	clk := clock.NewFake(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))
	s := NewMemoryStore(clk)
	ctx := context.Background()

	n := newNotification("u1", model.StatusPending)
	require.NoError(t, s.Create(ctx, n, "created"))

	t.Run("stale from status", func(t *testing.T) {
		_, err := s.Apply(ctx, n.ID, model.Transition{From: model.StatusScheduled, To: model.StatusPending})
		assert.ErrorIs(t, err, ErrStaleTransition)
	})

	t.Run("broken chain", func(t *testing.T) {
		_, err := s.Apply(ctx, n.ID,
			model.Transition{From: model.StatusPending, To: model.StatusProcessing},
			model.Transition{From: model.StatusFailed, To: model.StatusRetrying},
		)
		assert.ErrorIs(t, err, model.ErrInvalidTransition)
	})

	t.Run("unknown id", func(t *testing.T) {
		_, err := s.Apply(ctx, 999, model.Transition{From: model.StatusPending, To: model.StatusProcessing})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	clk.Advance(time.Second)
	_, err := s.Apply(ctx, n.ID, model.Transition{From: model.StatusPending, To: model.StatusProcessing})
	require.NoError(t, err)

	updated, err := s.Apply(ctx, n.ID,
		model.Transition{From: model.StatusProcessing, To: model.StatusFailed, Detail: "Delivery failed: boom", Error: "boom"},
		model.Transition{From: model.StatusFailed, To: model.StatusRetrying, Detail: "Retry attempt #1: boom", IncrementRetry: true},
	)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRetrying, updated.Status)
	assert.Equal(t, 1, updated.RetryCount)
	assert.Equal(t, "boom", updated.ErrorMessage)
	assert.Nil(t, updated.SentAt)
	assert.Empty(t, s.Events(), "RETRYING is not terminal")

	_, err = s.Apply(ctx, n.ID, model.Transition{From: model.StatusRetrying, To: model.StatusProcessing})
	require.NoError(t, err)
	sent, err := s.Apply(ctx, n.ID, model.Transition{From: model.StatusProcessing, To: model.StatusSent})
	require.NoError(t, err)
	require.NotNil(t, sent.SentAt)
	assert.Equal(t, clk.Now(), *sent.SentAt)

	audit, err := s.AuditByNotification(ctx, n.ID)
	require.NoError(t, err)
	require.Len(t, audit, 6)
	assert.Equal(t, model.StatusSent, audit[0].NewStatus, "newest first")

	events := s.Events()
	require.Len(t, events, 1)
	assert.Equal(t, model.StatusSent, events[0].Status)
}

func TestMemoryStore_Queries(t *testing.T) {
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	clk := clock.NewFake(start)
	s := NewMemoryStore(clk)
	ctx := context.Background()

	due := newNotification("u1", model.StatusScheduled)
	due.ScheduledAt = start.Add(-time.Minute)
	require.NoError(t, s.Create(ctx, due, "scheduled"))

	future := newNotification("u1", model.StatusScheduled)
	future.ScheduledAt = start.Add(time.Hour)
	require.NoError(t, s.Create(ctx, future, "scheduled"))

	clk.Advance(time.Second)
	pending := newNotification("u2", model.StatusPending)
	require.NoError(t, s.Create(ctx, pending, "created"))

	got, err := s.FindDueScheduled(ctx, clk.Now(), 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, due.ID, got[0].ID)

	byUser, err := s.FindByUser(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, byUser, 2)
	assert.Equal(t, future.ID, byUser[0].ID, "newest first")

	scheduled, err := s.FindByUserAndStatus(ctx, "u2", model.StatusScheduled, 0)
	require.NoError(t, err)
	assert.Empty(t, scheduled)

	upcoming, err := s.FindScheduledByUser(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, upcoming, 2)
	assert.Equal(t, due.ID, upcoming[0].ID, "soonest due first")

	count, err := s.CountByStatus(ctx, model.StatusScheduled)
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	clk.Advance(10 * time.Minute)
	stalled, err := s.FindStalled(ctx, []model.Status{model.StatusPending, model.StatusRetrying}, clk.Now().Add(-5*time.Minute), 10)
	require.NoError(t, err)
	require.Len(t, stalled, 1)
	assert.Equal(t, pending.ID, stalled[0].ID)
}

func TestMemoryStore_Annotate(t *testing.T) {
	s := NewMemoryStore(nil)
	ctx := context.Background()

	n := newNotification("u1", model.StatusPending)
	require.NoError(t, s.Create(ctx, n, "created"))
	require.NoError(t, s.Annotate(ctx, n.ID, "publish failed: lane full"))
	assert.ErrorIs(t, s.Annotate(ctx, 42, "x"), ErrNotFound)

	audit, err := s.AuditByUser(ctx, "u1", 1)
	require.NoError(t, err)
	require.Len(t, audit, 1)
	assert.Equal(t, model.StatusPending, audit[0].PreviousStatus)
	assert.Equal(t, model.StatusPending, audit[0].NewStatus)
	assert.Equal(t, "publish failed: lane full", audit[0].Details)
}
