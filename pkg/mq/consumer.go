package mq

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"notifyhub/pkg/metrics"
	"notifyhub/pkg/otel"
	"notifyhub/pkg/trace"
)

// ErrReject 表示消息无法处理（例如反序列化失败），直接拒绝并进入死信队列
var ErrReject = errors.New("mq: reject message")

type DeliveryHandler func(ctx context.Context, d amqp091.Delivery) error

type Consumer struct {
	conn     *amqp091.Connection
	channel  *amqp091.Channel
	queue    string
	prefetch int
	logger   *zap.Logger
}

// NewConsumer opens a dedicated channel for one lane queue.
func NewConsumer(conn *amqp091.Connection, queue string, prefetch int, logger *zap.Logger) (*Consumer, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("failed to open channel: %w", err)
	}

	if prefetch <= 0 {
		prefetch = 1
	}
	if err := ch.Qos(prefetch, 0, false); err != nil {
		ch.Close()
		return nil, fmt.Errorf("failed to set qos: %w", err)
	}

	logger.Info("Consumer initialized",
		zap.String("queue", queue),
		zap.Int("prefetch", prefetch),
	)

	return &Consumer{
		conn:     conn,
		channel:  ch,
		queue:    queue,
		prefetch: prefetch,
		logger:   logger,
	}, nil
}

func (c *Consumer) Close() {
	if c.channel != nil {
		_ = c.channel.Close()
	}
}

// Consume runs `workers` goroutines over the queue and blocks until ctx is
// cancelled or the delivery channel closes. 每条消息都会被 ack 或 nack。
func (c *Consumer) Consume(ctx context.Context, workers int, handler DeliveryHandler) error {
	if handler == nil {
		return fmt.Errorf("consumer handler not set")
	}
	if workers <= 0 {
		workers = 1
	}

	deliveries, err := c.channel.ConsumeWithContext(
		ctx,
		c.queue,
		"",
		false, // 手动ack
		false,
		false,
		false,
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to register consumer: %w", err)
	}

	c.logger.Info("Consumer started consuming messages",
		zap.String("queue", c.queue),
		zap.Int("workers", workers),
	)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case msg, ok := <-deliveries:
					if !ok {
						return
					}
					c.handle(ctx, msg, handler)
				}
			}
		}()
	}
	wg.Wait()

	c.logger.Info("Consumer stopped", zap.String("queue", c.queue))
	return nil
}

func (c *Consumer) handle(parent context.Context, msg amqp091.Delivery, handler DeliveryHandler) {
	start := time.Now()

	ctx := otel.ExtractHeaders(parent, msg.Headers)
	if traceID, ok := msg.Headers[trace.HeaderName()].(string); ok && traceID != "" {
		ctx = trace.WithContext(ctx, traceID)
	}
	ctx, span := otel.MQConsumeSpan(ctx, c.queue, msg.RoutingKey)
	defer span.End()

	defer func() {
		metrics.RecordMQConsumeLatency(msg.RoutingKey, c.queue, time.Since(start))
	}()

	// Panic 恢复：确保即使 handler panic 也能正确处理消息
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Handler panic recovered",
				zap.String("queue", c.queue),
				zap.Any("panic", r),
			)
			if err := msg.Nack(false, true); err != nil {
				c.logger.Error("Failed to nack message after panic", zap.Error(err))
			}
		}
	}()

	err := handler(ctx, msg)
	switch {
	case err == nil:
		if err := msg.Ack(false); err != nil {
			c.logger.Error("Failed to ack message",
				zap.String("queue", c.queue),
				zap.Error(err),
			)
		}
	case errors.Is(err, ErrReject):
		c.logger.Warn("Rejecting message to dead letter queue",
			zap.String("queue", c.queue),
			zap.String("message_id", msg.MessageId),
			zap.Error(err),
		)
		if err := msg.Nack(false, false); err != nil {
			c.logger.Error("Failed to reject message", zap.Error(err))
		}
	default:
		c.logger.Error("Handler error",
			zap.String("queue", c.queue),
			zap.String("message_id", msg.MessageId),
			zap.Error(err),
		)
		// 业务失败 → 重新入队，让 MQ 重试
		if err := msg.Nack(false, true); err != nil {
			c.logger.Error("Failed to nack message", zap.Error(err))
		}
	}
}
