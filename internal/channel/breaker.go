package channel

import (
	"context"
	"time"

	"notifyhub/internal/model"
	"notifyhub/pkg/circuitbreaker"
)

// Protect bounds every send by timeout and fails fast while the provider's
// breaker is open.
func Protect(h Handler, cb *circuitbreaker.CircuitBreaker, timeout time.Duration) Handler {
	return HandlerFunc(func(ctx context.Context, n *model.Notification) error {
		return cb.ExecuteContext(ctx, func(ctx context.Context) error {
			if timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, timeout)
				defer cancel()
			}
			return h.Send(ctx, n)
		})
	})
}
