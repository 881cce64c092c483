package model

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Priority 通知优先级，CRITICAL 最高
type Priority string

const (
	PriorityCritical Priority = "CRITICAL"
	PriorityHigh     Priority = "HIGH"
	PriorityMedium   Priority = "MEDIUM"
	PriorityLow      Priority = "LOW"
)

// Priorities lists every tier from highest to lowest.
var Priorities = []Priority{PriorityCritical, PriorityHigh, PriorityMedium, PriorityLow}

// Rank returns 0 for CRITICAL up to 3 for LOW; -1 for unknown values.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 3
	}
	return -1
}

// Weight is the AMQP message priority used inside a lane.
func (p Priority) Weight() uint8 {
	switch p {
	case PriorityCritical:
		return 10
	case PriorityHigh:
		return 8
	case PriorityMedium:
		return 5
	default:
		return 2
	}
}

func (p Priority) Valid() bool { return p.Rank() >= 0 }

// Lower returns the lowercase name used in routing keys and metric labels.
func (p Priority) Lower() string { return strings.ToLower(string(p)) }

// ParsePriority accepts names case-insensitively.
func ParsePriority(s string) (Priority, error) {
	p := Priority(strings.ToUpper(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown priority %q", s)
	}
	return p, nil
}

// Channel 发送渠道
type Channel string

const (
	ChannelEmail     Channel = "EMAIL"
	ChannelSMS       Channel = "SMS"
	ChannelPush      Channel = "PUSH"
	ChannelInApp     Channel = "IN_APP"
	ChannelWebSocket Channel = "WEBSOCKET"
)

var Channels = []Channel{ChannelEmail, ChannelSMS, ChannelPush, ChannelInApp, ChannelWebSocket}

func (c Channel) Valid() bool {
	for _, known := range Channels {
		if c == known {
			return true
		}
	}
	return false
}

func ParseChannel(s string) (Channel, error) {
	c := Channel(strings.ToUpper(strings.TrimSpace(s)))
	if !c.Valid() {
		return "", fmt.Errorf("unknown channel %q", s)
	}
	return c, nil
}

// Status 通知状态
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusScheduled  Status = "SCHEDULED"
	StatusProcessing Status = "PROCESSING"
	StatusSent       Status = "SENT"
	StatusFailed     Status = "FAILED"
	StatusRetrying   Status = "RETRYING"
)

// MaxRetries caps retryCount; a failed attempt at the cap is terminal.
const MaxRetries = 3

var ErrInvalidTransition = errors.New("invalid status transition")

// Notification is the central entity. The engine is its only writer of
// status, timestamps and retry count.
type Notification struct {
	ID           int64             `json:"id"`
	UserID       string            `json:"user_id"`
	Title        string            `json:"title"`
	Message      string            `json:"message"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	Channel      Channel           `json:"channel"`
	Priority     Priority          `json:"priority"`
	Status       Status            `json:"status"`
	CreatedAt    time.Time         `json:"created_at"`
	ScheduledAt  time.Time         `json:"scheduled_at"`
	SentAt       *time.Time        `json:"sent_at,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at"`
	RetryCount   int               `json:"retry_count"`
	ErrorMessage string            `json:"error_message,omitempty"`
}

// Clone returns a deep copy so stores never share maps with callers.
func (n *Notification) Clone() *Notification {
	if n == nil {
		return nil
	}
	c := *n
	if n.Metadata != nil {
		c.Metadata = make(map[string]string, len(n.Metadata))
		for k, v := range n.Metadata {
			c.Metadata[k] = v
		}
	}
	if n.SentAt != nil {
		t := *n.SentAt
		c.SentAt = &t
	}
	return &c
}

// Terminal reports whether no further transition can occur.
func (n *Notification) Terminal() bool {
	switch n.Status {
	case StatusSent:
		return true
	case StatusFailed:
		// FAILED is only observable at rest when it is final.
		return true
	}
	return false
}
