package engine

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"notifyhub/internal/clock"
	"notifyhub/internal/model"
)

// RetryRequeuer puts a RETRYING notification back on the dispatch queue.
// The engine hands every retry to it; nothing else re-publishes retries
// except the stalled sweep.
type RetryRequeuer interface {
	Requeue(ctx context.Context, n *model.Notification, admittedBy string) error
}

type Publisher interface {
	Publish(ctx context.Context, n *model.Notification, admittedBy string) error
}

const DefaultRetryBackoff = 5 * time.Second

// BackoffRequeuer re-publishes after retryCount * backoff.
type BackoffRequeuer struct {
	queue   Publisher
	clock   clock.Clock
	backoff time.Duration
	logger  *zap.Logger

	mu      sync.Mutex
	pending map[int64]clock.Timer
	stopped bool
	onDrop  DropFunc
}

// DropFunc is told about a retry whose delayed publish failed.
type DropFunc func(n *model.Notification, admittedBy string, err error)

func NewBackoffRequeuer(queue Publisher, clk clock.Clock, backoff time.Duration, logger *zap.Logger) *BackoffRequeuer {
	if clk == nil {
		clk = clock.Real{}
	}
	if backoff < 0 {
		backoff = DefaultRetryBackoff
	}
	return &BackoffRequeuer{
		queue:   queue,
		clock:   clk,
		backoff: backoff,
		logger:  logger,
		pending: make(map[int64]clock.Timer),
	}
}

func (r *BackoffRequeuer) Requeue(ctx context.Context, n *model.Notification, admittedBy string) error {
	delay := time.Duration(n.RetryCount) * r.backoff
	if delay <= 0 {
		return r.queue.Publish(ctx, n, admittedBy)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.stopped {
		return nil
	}
	if old, ok := r.pending[n.ID]; ok {
		old.Stop()
	}

	var t clock.Timer
	t = r.clock.AfterFunc(delay, func() {
		r.mu.Lock()
		if r.pending[n.ID] == t {
			delete(r.pending, n.ID)
		}
		onDrop := r.onDrop
		r.mu.Unlock()

		if err := r.queue.Publish(context.Background(), n, admittedBy); err != nil {
			// the stalled sweep re-publishes RETRYING rows
			r.logger.Warn("Retry requeue failed",
				zap.Int64("notification_id", n.ID),
				zap.Int("retry_count", n.RetryCount),
				zap.Error(err),
			)
			if onDrop != nil {
				onDrop(n, admittedBy, err)
			}
		}
	})
	r.pending[n.ID] = t

	r.logger.Debug("Retry requeue armed",
		zap.Int64("notification_id", n.ID),
		zap.Int("retry_count", n.RetryCount),
		zap.Duration("delay", delay),
	)
	return nil
}

// OnDrop registers fn for delayed publishes that fail. A synchronous
// Requeue reports its failure to the caller instead.
func (r *BackoffRequeuer) OnDrop(fn DropFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onDrop = fn
}

// Pending returns the number of retries waiting for their backoff.
func (r *BackoffRequeuer) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Stop drops waiting retries; they stay RETRYING in the store.
func (r *BackoffRequeuer) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	for id, t := range r.pending {
		t.Stop()
		delete(r.pending, id)
	}
}
