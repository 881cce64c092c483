package channel

import (
	"context"
	"errors"

	"notifyhub/internal/model"
	"notifyhub/internal/wshub"
)

var ErrNoSession = errors.New("no open websocket session")

// Pusher is the live session registry (*wshub.Hub).
type Pusher interface {
	SendToUser(ctx context.Context, userID string, frame any) (int, error)
}

func FrameFor(n *model.Notification) wshub.Frame {
	return wshub.Frame{
		ID:       n.ID,
		Title:    n.Title,
		Message:  n.Message,
		Priority: string(n.Priority),
		Channel:  string(n.Channel),
		Type:     wshub.FrameTypeNotification,
	}
}

// WebSocketHandler succeeds when at least one open session got the frame.
type WebSocketHandler struct {
	hub Pusher
}

func NewWebSocketHandler(hub Pusher) *WebSocketHandler {
	return &WebSocketHandler{hub: hub}
}

func (h *WebSocketHandler) Send(ctx context.Context, n *model.Notification) error {
	delivered, err := h.hub.SendToUser(ctx, n.UserID, FrameFor(n))
	if err != nil {
		return err
	}
	if delivered == 0 {
		return ErrNoSession
	}
	return nil
}
