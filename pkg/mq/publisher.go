package mq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"notifyhub/pkg/otel"
	"notifyhub/pkg/trace"
)

// ErrPublishNacked broker 拒绝了消息（例如 lane 已满，x-overflow=reject-publish）
var ErrPublishNacked = errors.New("mq: publish nacked by broker")

type Publisher struct {
	conn    *amqp091.Connection
	channel *amqp091.Channel
	logger  *zap.Logger
}

// NewPublisher opens a confirm-mode channel on conn.
func NewPublisher(conn *amqp091.Connection, logger *zap.Logger) (*Publisher, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if err := DeclareExchanges(ch); err != nil {
		ch.Close()
		return nil, err
	}

	if err := ch.Confirm(false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to enable publisher confirms: %w", err)
	}

	return &Publisher{
		conn:    conn,
		channel: ch,
		logger:  logger,
	}, nil
}

func (p *Publisher) Close() {
	if p.channel != nil {
		_ = p.channel.Close()
	}
}

// IsConnected checks if the publisher connection is still alive
func (p *Publisher) IsConnected() bool {
	if p.conn == nil || p.channel == nil {
		return false
	}
	return !p.conn.IsClosed() && !p.channel.IsClosed()
}

// Publish sends msg and waits for the broker confirm.
func (p *Publisher) Publish(ctx context.Context, exchange, routingKey string, msg amqp091.Publishing) error {
	ctx, span := otel.MQPublishSpan(ctx, exchange, routingKey)
	defer span.End()

	if msg.Headers == nil {
		msg.Headers = amqp091.Table{}
	}
	otel.InjectHeaders(ctx, msg.Headers)
	if traceID := trace.FromContext(ctx); traceID != "" {
		msg.Headers[trace.HeaderName()] = traceID
	}
	if msg.MessageId == "" {
		msg.MessageId = uuid.NewString()
	}

	dc, err := p.channel.PublishWithDeferredConfirmWithContext(ctx, exchange, routingKey, false, false, msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to publish: %w", err)
	}

	acked, err := dc.WaitContext(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("failed to wait for confirm: %w", err)
	}
	if !acked {
		span.SetStatus(codes.Error, "nacked")
		return ErrPublishNacked
	}
	return nil
}

// PublishEvent publishes a JSON body to the events exchange.
func (p *Publisher) PublishEvent(ctx context.Context, routingKey string, body json.RawMessage) error {
	return p.Publish(ctx, EventsExchangeName, routingKey, amqp091.Publishing{
		ContentType:  "application/json",
		Body:         body,
		DeliveryMode: amqp091.Persistent,
		Timestamp:    time.Now(),
	})
}
