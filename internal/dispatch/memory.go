package dispatch

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"notifyhub/internal/model"
)

// MemoryTransport is a bounded in-process transport: one buffered channel
// per lane. A full lane rejects the publish like the broker's
// reject-publish overflow.
type MemoryTransport struct {
	lanes  map[model.Priority]chan Message
	logger *zap.Logger

	mu        sync.Mutex
	published map[model.Priority]int
}

func NewMemoryTransport(lanes []LaneConfig, logger *zap.Logger) *MemoryTransport {
	t := &MemoryTransport{
		lanes:     make(map[model.Priority]chan Message, len(lanes)),
		logger:    logger,
		published: make(map[model.Priority]int),
	}
	for _, l := range lanes {
		t.lanes[l.Priority] = make(chan Message, l.MaxLength)
	}
	return t
}

func (t *MemoryTransport) Publish(ctx context.Context, p model.Priority, msg Message) error {
	ch, ok := t.lanes[p]
	if !ok {
		return fmt.Errorf("no lane for priority %q", p)
	}
	msg.Notification = msg.Notification.Clone()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case ch <- msg:
		t.mu.Lock()
		t.published[p]++
		t.mu.Unlock()
		return nil
	default:
		return ErrLaneFull
	}
}

func (t *MemoryTransport) Consume(ctx context.Context, lane LaneConfig, handler Handler) error {
	ch, ok := t.lanes[lane.Priority]
	if !ok {
		return fmt.Errorf("no lane for priority %q", lane.Priority)
	}
	workers := lane.Workers
	if workers <= 0 {
		workers = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg := <-ch:
					t.deliver(ctx, ch, msg, handler)
				}
			}
		}()
	}
	wg.Wait()
	return nil
}

func (t *MemoryTransport) deliver(ctx context.Context, ch chan Message, msg Message, handler Handler) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Handler panic recovered", zap.Any("panic", r))
		}
	}()
	if err := handler(ctx, msg); err != nil {
		t.logger.Error("Handler error, requeueing",
			zap.Int64("notification_id", msg.Notification.ID),
			zap.Error(err),
		)
		select {
		case ch <- msg:
		default:
			t.logger.Warn("Lane full, dropping requeue", zap.Int64("notification_id", msg.Notification.ID))
		}
	}
}

// Len returns the number of queued messages in a lane.
func (t *MemoryTransport) Len(p model.Priority) int {
	return len(t.lanes[p])
}

// Published returns how many messages were accepted into a lane.
func (t *MemoryTransport) Published(p model.Priority) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.published[p]
}

// Drain removes and returns every queued message of a lane.
func (t *MemoryTransport) Drain(p model.Priority) []Message {
	var out []Message
	for {
		select {
		case msg := <-t.lanes[p]:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func (t *MemoryTransport) Close() error { return nil }
