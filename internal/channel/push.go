package channel

import (
	"context"
	"errors"
	"net/http"

	"notifyhub/internal/model"
)

// MetadataPushToken carries the device token of a PUSH notification.
const MetadataPushToken = "push_token"

var ErrMissingPushToken = errors.New("missing push_token in metadata")

type pushRequest struct {
	Token    string            `json:"token"`
	Title    string            `json:"title"`
	Body     string            `json:"body"`
	Priority string            `json:"priority"`
	Data     map[string]string `json:"data,omitempty"`
}

type PushHandler struct {
	client     *http.Client
	gatewayURL string
}

func NewPushHandler(client *http.Client, gatewayURL string) *PushHandler {
	if client == nil {
		client = http.DefaultClient
	}
	return &PushHandler{client: client, gatewayURL: gatewayURL}
}

func (h *PushHandler) Send(ctx context.Context, n *model.Notification) error {
	token := n.Metadata[MetadataPushToken]
	if token == "" {
		return ErrMissingPushToken
	}

	prio := "normal"
	if n.Priority == model.PriorityCritical || n.Priority == model.PriorityHigh {
		prio = "high"
	}

	data := make(map[string]string, len(n.Metadata))
	for k, v := range n.Metadata {
		if k != MetadataPushToken {
			data[k] = v
		}
	}

	return postJSON(ctx, h.client, h.gatewayURL, pushRequest{
		Token:    token,
		Title:    n.Title,
		Body:     n.Message,
		Priority: prio,
		Data:     data,
	})
}
