// Package dispatch is the priority-laned delivery queue between producers
// (engine, scheduler) and the per-lane worker pools.
package dispatch

import (
	"context"
	"fmt"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"notifyhub/internal/model"
	"notifyhub/pkg/logger"
	"notifyhub/pkg/metrics"
)

type Queue struct {
	transport Transport
	lanes     []LaneConfig
	logger    *zap.Logger
}

func NewQueue(transport Transport, lanes []LaneConfig, logger *zap.Logger) *Queue {
	return &Queue{transport: transport, lanes: lanes, logger: logger}
}

func (q *Queue) Lanes() []LaneConfig { return q.lanes }

// Publish hands n to the lane of its priority. Failures are returned, never
// retried here.
func (q *Queue) Publish(ctx context.Context, n *model.Notification, admittedBy string) error {
	err := q.transport.Publish(ctx, n.Priority, Message{Notification: n, AdmittedBy: admittedBy})
	if err != nil {
		metrics.IncrementPublishFailure(n.Priority.Lower())
		logger.WithTrace(ctx, q.logger).Warn("Publish to lane failed",
			zap.Int64("notification_id", n.ID),
			zap.String("priority", string(n.Priority)),
			zap.Error(err),
		)
		return fmt.Errorf("publish notification %d: %w", n.ID, err)
	}

	q.logger.Debug("Notification published",
		zap.Int64("notification_id", n.ID),
		zap.String("priority", string(n.Priority)),
		zap.String("channel", string(n.Channel)),
	)
	return nil
}

// Run starts every lane's worker pool and blocks until ctx ends or a lane
// fails to start.
func (q *Queue) Run(ctx context.Context, handler Handler) error {
	g, ctx := errgroup.WithContext(ctx)
	for _, lane := range q.lanes {
		lane := lane
		g.Go(func() error {
			q.logger.Info("Starting lane workers",
				zap.String("priority", string(lane.Priority)),
				zap.Int("workers", lane.Workers),
			)
			if err := q.transport.Consume(ctx, lane, handler); err != nil {
				return fmt.Errorf("lane %s: %w", lane.Priority, err)
			}
			return nil
		})
	}
	return g.Wait()
}
