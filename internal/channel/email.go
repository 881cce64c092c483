package channel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mrz1836/postmark"
	"gopkg.in/mail.v2"

	"notifyhub/internal/model"
	"notifyhub/pkg/util"
)

// Contact is what the user directory knows about a recipient.
type Contact struct {
	Email string
	Phone string
}

type ContactLookup interface {
	Contact(ctx context.Context, userID string) (Contact, error)
}

// MailSender is one email provider.
type MailSender interface {
	SendMail(ctx context.Context, to, subject, body string) error
}

type SMTPConfig struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Username string        `yaml:"username"`
	Password string        `yaml:"password"`
	From     string        `yaml:"from"`
	Timeout  time.Duration `yaml:"timeout"`
}

type SMTPSender struct {
	dialer *mail.Dialer
	from   string
}

func NewSMTPSender(cfg SMTPConfig) *SMTPSender {
	d := mail.NewDialer(cfg.Host, cfg.Port, cfg.Username, cfg.Password)
	if cfg.Timeout > 0 {
		d.Timeout = cfg.Timeout
	}
	return &SMTPSender{dialer: d, from: cfg.From}
}

func (s *SMTPSender) SendMail(ctx context.Context, to, subject, body string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m := mail.NewMessage()
	m.SetHeader("From", s.from)
	m.SetHeader("To", to)
	m.SetHeader("Subject", subject)
	m.SetBody("text/plain", body)

	if err := s.dialer.DialAndSend(m); err != nil {
		return fmt.Errorf("smtp send: %w", err)
	}
	return nil
}

type PostmarkConfig struct {
	ServerToken  string `yaml:"server_token"`
	AccountToken string `yaml:"account_token"`
	From         string `yaml:"from"`
}

type PostmarkSender struct {
	client *postmark.Client
	from   string
}

func NewPostmarkSender(cfg PostmarkConfig) (*PostmarkSender, error) {
	if cfg.ServerToken == "" {
		return nil, errors.New("postmark server token is required")
	}
	if cfg.From == "" {
		return nil, errors.New("postmark sender address is required")
	}
	return &PostmarkSender{
		client: postmark.NewClient(cfg.ServerToken, cfg.AccountToken),
		from:   cfg.From,
	}, nil
}

func (s *PostmarkSender) SendMail(ctx context.Context, to, subject, body string) error {
	resp, err := s.client.SendEmail(ctx, postmark.Email{
		From:     s.from,
		To:       to,
		Subject:  subject,
		TextBody: body,
		Tag:      "notification",
	})
	if err != nil {
		return fmt.Errorf("postmark send: %w", err)
	}
	if resp.ErrorCode > 0 {
		return fmt.Errorf("%w: postmark %d - %s", util.ErrProviderRejected, resp.ErrorCode, resp.Message)
	}
	return nil
}

// EmailHandler addresses the message from metadata["email"] or, failing
// that, the user directory.
type EmailHandler struct {
	sender   MailSender
	contacts ContactLookup
}

func NewEmailHandler(sender MailSender, contacts ContactLookup) *EmailHandler {
	return &EmailHandler{sender: sender, contacts: contacts}
}

func (h *EmailHandler) Send(ctx context.Context, n *model.Notification) error {
	to := n.Metadata["email"]
	if to == "" && h.contacts != nil {
		c, err := h.contacts.Contact(ctx, n.UserID)
		if err != nil {
			return fmt.Errorf("lookup email for %s: %w", n.UserID, err)
		}
		to = c.Email
	}
	if to == "" {
		return fmt.Errorf("no email address for user %s", n.UserID)
	}
	return h.sender.SendMail(ctx, to, n.Title, n.Message)
}
