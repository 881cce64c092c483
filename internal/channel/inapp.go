package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"notifyhub/internal/model"
)

// InboxItem is one stored in-app notification.
type InboxItem struct {
	ID        int64     `json:"id"`
	Title     string    `json:"title"`
	Message   string    `json:"message"`
	Priority  string    `json:"priority"`
	CreatedAt time.Time `json:"created_at"`
}

type Inbox interface {
	Push(ctx context.Context, userID string, item InboxItem) error
	List(ctx context.Context, userID string, limit int64) ([]InboxItem, error)
}

// RedisInbox keeps a capped list per user under inbox:<user>.
type RedisInbox struct {
	rdb      *redis.Client
	maxItems int64
	ttl      time.Duration
}

func NewRedisInbox(rdb *redis.Client, maxItems int64, ttl time.Duration) *RedisInbox {
	if maxItems <= 0 {
		maxItems = 200
	}
	return &RedisInbox{rdb: rdb, maxItems: maxItems, ttl: ttl}
}

func inboxKey(userID string) string { return "inbox:" + userID }

func (r *RedisInbox) Push(ctx context.Context, userID string, item InboxItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return err
	}
	key := inboxKey(userID)
	_, err = r.rdb.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.LPush(ctx, key, data)
		p.LTrim(ctx, key, 0, r.maxItems-1)
		if r.ttl > 0 {
			p.Expire(ctx, key, r.ttl)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("inbox push: %w", err)
	}
	return nil
}

// List is newest first.
func (r *RedisInbox) List(ctx context.Context, userID string, limit int64) ([]InboxItem, error) {
	if limit <= 0 || limit > r.maxItems {
		limit = r.maxItems
	}
	raw, err := r.rdb.LRange(ctx, inboxKey(userID), 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("inbox list: %w", err)
	}
	items := make([]InboxItem, 0, len(raw))
	for _, s := range raw {
		var it InboxItem
		if err := json.Unmarshal([]byte(s), &it); err != nil {
			continue
		}
		items = append(items, it)
	}
	return items, nil
}

// InAppHandler stores the notification for later retrieval and also pushes
// it to live sessions. Success depends only on the store.
type InAppHandler struct {
	inbox  Inbox
	hub    Pusher
	logger *zap.Logger
}

func NewInAppHandler(inbox Inbox, hub Pusher, logger *zap.Logger) *InAppHandler {
	return &InAppHandler{inbox: inbox, hub: hub, logger: logger}
}

func (h *InAppHandler) Send(ctx context.Context, n *model.Notification) error {
	err := h.inbox.Push(ctx, n.UserID, InboxItem{
		ID:        n.ID,
		Title:     n.Title,
		Message:   n.Message,
		Priority:  string(n.Priority),
		CreatedAt: n.CreatedAt,
	})
	if err != nil {
		return err
	}

	if h.hub != nil {
		if _, err := h.hub.SendToUser(ctx, n.UserID, FrameFor(n)); err != nil {
			h.logger.Debug("In-app live push failed",
				zap.Int64("notification_id", n.ID),
				zap.Error(err),
			)
		}
	}
	return nil
}
