package model

import "time"

// AuditEntry is an immutable record of one status transition. PreviousStatus
// is empty for the creation entry.
type AuditEntry struct {
	ID             int64     `json:"id"`
	NotificationID int64     `json:"notification_id"`
	UserID         string    `json:"user_id"`
	PreviousStatus Status    `json:"previous_status,omitempty"`
	NewStatus      Status    `json:"new_status"`
	Timestamp      time.Time `json:"timestamp"`
	Details        string    `json:"details"`
}

// Transition describes one step applied by a store. Steps applied together
// in one call are committed atomically with one audit entry each.
type Transition struct {
	From   Status
	To     Status
	Detail string
	// Error is recorded as the notification's last error when non-empty.
	Error string
	// IncrementRetry bumps RetryCount; only valid for FAILED -> RETRYING.
	IncrementRetry bool
}

// LoadStats is a point-in-time snapshot of admission counters.
type LoadStats struct {
	PendingCritical int64 `json:"critical"`
	PendingHigh     int64 `json:"high"`
	PendingMedium   int64 `json:"medium"`
	PendingLow      int64 `json:"low"`
	TotalProcessed  int64 `json:"total_processed"`
}

func (s LoadStats) TotalPending() int64 {
	return s.PendingCritical + s.PendingHigh + s.PendingMedium + s.PendingLow
}

// ScheduledStats reports persisted SCHEDULED rows against live timers.
type ScheduledStats struct {
	TotalScheduled int64 `json:"total_scheduled"`
	ActiveTimers   int   `json:"active_timers"`
}
