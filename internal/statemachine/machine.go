// Package statemachine drives a notification through its delivery
// lifecycle. It is the only component that changes notification status.
package statemachine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"notifyhub/internal/channel"
	"notifyhub/internal/model"
	"notifyhub/internal/repository"
	"notifyhub/pkg/logger"
	"notifyhub/pkg/metrics"
	"notifyhub/pkg/otel"
	"notifyhub/pkg/util"
)

// Audit details written by the machine.
const (
	DetailProcessing  = "Processing started"
	DetailSent        = "Notification sent successfully"
	DetailNoProcessor = "no processor for channel"
)

// ErrClaimed wraps a failure after the notification was moved to
// PROCESSING; the record stays there until the stalled sweep recovers it.
var ErrClaimed = errors.New("notification claimed but not settled")

type Outcome int

const (
	// OutcomeSkipped: the notification was not in a deliverable state, or
	// another worker claimed it first.
	OutcomeSkipped Outcome = iota
	OutcomeSent
	OutcomeRetrying
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeRetrying:
		return "retrying"
	case OutcomeFailed:
		return "failed"
	default:
		return "skipped"
	}
}

// Terminal reports whether the notification reached SENT or final FAILED.
func (o Outcome) Terminal() bool {
	return o == OutcomeSent || o == OutcomeFailed
}

type Resolver interface {
	Resolve(c model.Channel) (channel.Handler, error)
}

type Machine struct {
	store      repository.Store
	handlers   Resolver
	maxRetries int
	logger     *zap.Logger
}

func New(store repository.Store, handlers Resolver, maxRetries int, logger *zap.Logger) *Machine {
	if maxRetries <= 0 {
		maxRetries = model.MaxRetries
	}
	return &Machine{
		store:      store,
		handlers:   handlers,
		maxRetries: maxRetries,
		logger:     logger,
	}
}

// Apply validates steps against the transition table and commits them.
// A lost race surfaces as repository.ErrStaleTransition.
func (m *Machine) Apply(ctx context.Context, id int64, steps ...model.Transition) (*model.Notification, error) {
	if err := Validate(steps...); err != nil {
		return nil, err
	}
	n, err := m.store.Apply(ctx, id, steps...)
	if err != nil {
		return nil, err
	}

	log := logger.WithTrace(ctx, m.logger)
	for _, s := range steps {
		metrics.RecordTransition(string(s.From), string(s.To))
		log.Info("Notification status changed",
			zap.Int64("notification_id", id),
			zap.String("from", string(s.From)),
			zap.String("to", string(s.To)),
			zap.String("details", s.Detail),
		)
	}
	return n, nil
}

// Process performs one delivery attempt: PENDING/RETRYING -> PROCESSING,
// invoke the channel handler, then SENT, RETRYING or terminal FAILED.
func (m *Machine) Process(ctx context.Context, id int64) (Outcome, *model.Notification, error) {
	ctx, span := otel.StartSpan(ctx, "notification.process")
	defer span.End()

	log := logger.WithTrace(ctx, m.logger).With(zap.Int64("notification_id", id))

	n, err := m.store.FindByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		log.Warn("Notification not found, skipping")
		return OutcomeSkipped, nil, nil
	}
	if err != nil {
		return OutcomeSkipped, nil, err
	}

	if n.Status != model.StatusPending && n.Status != model.StatusRetrying {
		log.Debug("Notification not deliverable, skipping", zap.String("status", string(n.Status)))
		return OutcomeSkipped, n, nil
	}

	n, err = m.Apply(ctx, id, model.Transition{From: n.Status, To: model.StatusProcessing, Detail: DetailProcessing})
	if errors.Is(err, repository.ErrStaleTransition) {
		log.Debug("Lost claim on notification, skipping")
		return OutcomeSkipped, nil, nil
	}
	if err != nil {
		return OutcomeSkipped, nil, err
	}

	handler, err := m.handlers.Resolve(n.Channel)
	if err != nil {
		log.Error("No handler for channel", zap.String("channel", string(n.Channel)))
		n, err = m.Apply(ctx, id, model.Transition{
			From:   model.StatusProcessing,
			To:     model.StatusFailed,
			Detail: DetailNoProcessor,
			Error:  fmt.Sprintf("%s %s", DetailNoProcessor, n.Channel),
		})
		if err != nil {
			return OutcomeSkipped, nil, fmt.Errorf("%w: %w", ErrClaimed, err)
		}
		return OutcomeFailed, n, nil
	}

	start := time.Now()
	sendErr := safeSend(ctx, handler, n)
	metrics.RecordDeliveryLatency(string(n.Channel), util.ClassifyDeliveryError(sendErr), time.Since(start))

	if sendErr == nil {
		n, err = m.Apply(ctx, id, model.Transition{From: model.StatusProcessing, To: model.StatusSent, Detail: DetailSent})
		if err != nil {
			return OutcomeSkipped, nil, fmt.Errorf("%w: %w", ErrClaimed, err)
		}
		return OutcomeSent, n, nil
	}

	log.Warn("Delivery attempt failed",
		zap.String("channel", string(n.Channel)),
		zap.String("error_type", util.ClassifyDeliveryError(sendErr)),
		zap.Int("retry_count", n.RetryCount),
		zap.Error(sendErr),
	)
	outcome, updated, err := m.FailAttempt(ctx, n, sendErr)
	if err != nil {
		return OutcomeSkipped, nil, fmt.Errorf("%w: %w", ErrClaimed, err)
	}
	return outcome, updated, nil
}

// FailAttempt records a failed attempt on a PROCESSING notification: below
// the retry cap it moves FAILED -> RETRYING with an incremented retry count,
// at the cap it stays FAILED for good.
func (m *Machine) FailAttempt(ctx context.Context, n *model.Notification, cause error) (Outcome, *model.Notification, error) {
	msg := cause.Error()

	if n.RetryCount >= m.maxRetries {
		updated, err := m.Apply(ctx, n.ID, model.Transition{
			From:   model.StatusProcessing,
			To:     model.StatusFailed,
			Detail: "max retries exceeded: " + msg,
			Error:  msg,
		})
		if err != nil {
			return OutcomeSkipped, nil, err
		}
		return OutcomeFailed, updated, nil
	}

	updated, err := m.Apply(ctx, n.ID,
		model.Transition{
			From:   model.StatusProcessing,
			To:     model.StatusFailed,
			Detail: "Delivery failed: " + msg,
			Error:  msg,
		},
		model.Transition{
			From:           model.StatusFailed,
			To:             model.StatusRetrying,
			Detail:         fmt.Sprintf("Retry attempt #%d: %s", n.RetryCount+1, msg),
			IncrementRetry: true,
		},
	)
	if err != nil {
		return OutcomeSkipped, nil, err
	}
	return OutcomeRetrying, updated, nil
}

func safeSend(ctx context.Context, h channel.Handler, n *model.Notification) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h.Send(ctx, n)
}
