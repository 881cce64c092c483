// Package channel holds the per-channel delivery handlers and the registry
// that resolves them at dispatch time.
package channel

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"notifyhub/internal/model"
)

var ErrNoHandler = errors.New("no processor for channel")

// Handler delivers one notification. A nil error means the provider
// accepted it; any error counts as a failed attempt.
type Handler interface {
	Send(ctx context.Context, n *model.Notification) error
}

type HandlerFunc func(ctx context.Context, n *model.Notification) error

func (f HandlerFunc) Send(ctx context.Context, n *model.Notification) error { return f(ctx, n) }

// Registry maps a channel to its handler. It is filled at startup and
// only read afterwards.
type Registry struct {
	mu       sync.RWMutex
	handlers map[model.Channel]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[model.Channel]Handler)}
}

// Register replaces any handler already bound to c.
func (r *Registry) Register(c model.Channel, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[c] = h
}

func (r *Registry) Resolve(c model.Channel) (Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[c]
	if !ok {
		return nil, fmt.Errorf("%w %s", ErrNoHandler, c)
	}
	return h, nil
}

// Channels lists registered channels in name order.
func (r *Registry) Channels() []model.Channel {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]model.Channel, 0, len(r.handlers))
	for c := range r.handlers {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
