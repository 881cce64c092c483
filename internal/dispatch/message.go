package dispatch

import (
	"context"
	"errors"

	"notifyhub/internal/model"
	"notifyhub/pkg/mq"
)

var (
	ErrLaneFull      = errors.New("dispatch lane is full")
	ErrPublishNacked = mq.ErrPublishNacked
)

// Message attribute headers. Diagnostics only; the body is authoritative.
const (
	HeaderPriorityName = "x-priority-name"
	HeaderUserID       = "x-user-id"
	HeaderChannel      = "x-channel"
	HeaderAdmittedBy   = "x-admitted-by"
)

// Message is what travels through a lane. AdmittedBy names the engine
// instance whose admission counter holds this notification. A retry keeps
// the admitter of the attempt that failed; timer fires and sweep
// republishes carry none.
type Message struct {
	Notification *model.Notification `json:"notification"`
	AdmittedBy   string              `json:"admitted_by,omitempty"`
}

type Handler func(ctx context.Context, msg Message) error

// Transport is a durable, priority-capable queue with one lane per priority.
type Transport interface {
	Publish(ctx context.Context, p model.Priority, msg Message) error
	// Consume blocks, running lane.Workers concurrent handlers, until ctx ends.
	Consume(ctx context.Context, lane LaneConfig, handler Handler) error
	Close() error
}
