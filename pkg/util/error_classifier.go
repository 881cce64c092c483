package util

import (
	"context"
	"errors"
	"net"
	"net/url"
	"strings"

	"notifyhub/pkg/circuitbreaker"
)

// ErrProviderRejected 外部渠道（SMTP / 短信网关 / 推送网关）明确拒绝了请求
var ErrProviderRejected = errors.New("provider rejected")

// ClassifyDeliveryError maps a channel handler error to a low-cardinality
// label used in logs and metrics.
func ClassifyDeliveryError(err error) string {
	if err == nil {
		return "ok"
	}

	if errors.Is(err, circuitbreaker.ErrCircuitBreakerOpen) {
		return "breaker_open"
	}
	if errors.Is(err, ErrProviderRejected) {
		return "provider_rejected"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timeout"
	}
	if errors.Is(err, context.Canceled) {
		return "canceled"
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		if urlErr.Timeout() {
			return "timeout"
		}
		return "network_error"
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return "timeout"
		}
		return "network_error"
	}

	errStr := err.Error()
	if strings.Contains(errStr, "connection refused") || strings.Contains(errStr, "connection reset") {
		return "network_error"
	}

	return "unknown_error"
}
