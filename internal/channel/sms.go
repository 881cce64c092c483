package channel

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"notifyhub/internal/model"
)

type smsRequest struct {
	To        string `json:"to"`
	Body      string `json:"body"`
	Reference string `json:"reference"`
}

type SMSHandler struct {
	client     *http.Client
	gatewayURL string
	contacts   ContactLookup
}

func NewSMSHandler(client *http.Client, gatewayURL string, contacts ContactLookup) *SMSHandler {
	if client == nil {
		client = http.DefaultClient
	}
	return &SMSHandler{client: client, gatewayURL: gatewayURL, contacts: contacts}
}

func (h *SMSHandler) Send(ctx context.Context, n *model.Notification) error {
	to := n.Metadata["phone"]
	if to == "" && h.contacts != nil {
		c, err := h.contacts.Contact(ctx, n.UserID)
		if err != nil {
			return fmt.Errorf("lookup phone for %s: %w", n.UserID, err)
		}
		to = c.Phone
	}
	if to == "" {
		return fmt.Errorf("no phone number for user %s", n.UserID)
	}

	body := n.Message
	if n.Title != "" {
		body = n.Title + ": " + n.Message
	}
	return postJSON(ctx, h.client, h.gatewayURL, smsRequest{
		To:        to,
		Body:      body,
		Reference: strconv.FormatInt(n.ID, 10),
	})
}
