package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"

	"notifyhub/internal/model"
	"notifyhub/internal/priority"
	"notifyhub/pkg/mq"
)

// AMQPTransport maps lanes onto RabbitMQ queues bound to the topic
// exchange by priority routing key.
type AMQPTransport struct {
	conn      *amqp091.Connection
	publisher *mq.Publisher
	logger    *zap.Logger
}

func NewAMQPTransport(conn *amqp091.Connection, lanes []LaneConfig, logger *zap.Logger) (*AMQPTransport, error) {
	if err := mq.DeclareTopology(conn, QueueSpecs(lanes)); err != nil {
		return nil, err
	}
	pub, err := mq.NewPublisher(conn, logger)
	if err != nil {
		return nil, err
	}
	return &AMQPTransport{conn: conn, publisher: pub, logger: logger}, nil
}

func (t *AMQPTransport) Publisher() *mq.Publisher { return t.publisher }

func (t *AMQPTransport) Publish(ctx context.Context, p model.Priority, msg Message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	n := msg.Notification

	err = t.publisher.Publish(ctx, mq.ExchangeName, priority.RoutingKey(p), amqp091.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp091.Persistent,
		Priority:     p.Weight(),
		Timestamp:    time.Now(),
		Body:         body,
		Headers: amqp091.Table{
			HeaderPriorityName: string(p),
			HeaderUserID:       n.UserID,
			HeaderChannel:      string(n.Channel),
			HeaderAdmittedBy:   msg.AdmittedBy,
		},
	})
	if errors.Is(err, mq.ErrPublishNacked) {
		return fmt.Errorf("%w: %w", ErrLaneFull, err)
	}
	return err
}

func (t *AMQPTransport) Consume(ctx context.Context, lane LaneConfig, handler Handler) error {
	consumer, err := mq.NewConsumer(t.conn, priority.QueueName(lane.Priority), lane.Prefetch, t.logger)
	if err != nil {
		return err
	}
	defer consumer.Close()

	return consumer.Consume(ctx, lane.Workers, decodeDeliveries(priority.RoutingKey(lane.Priority), t.publisher, handler, t.logger))
}

// deadLetterer parks a delivery no worker can act on.
type deadLetterer interface {
	PublishToDLQ(ctx context.Context, routingKey string, body []byte, originalError string) error
}

// decodeDeliveries turns lane deliveries into Messages. An undecodable body
// goes to the DLQ with the decode error attached and is acked; when that
// publish fails it is rejected, and the queue's dead-letter exchange takes it
// without the reason.
func decodeDeliveries(routingKey string, dlq deadLetterer, handler Handler, logger *zap.Logger) mq.DeliveryHandler {
	return func(ctx context.Context, d amqp091.Delivery) error {
		msg, err := decodeMessage(d)
		if err != nil {
			if derr := dlq.PublishToDLQ(ctx, routingKey, d.Body, err.Error()); derr != nil {
				logger.Error("Failed to dead-letter undecodable message", zap.String("routing_key", routingKey), zap.Error(derr))
				return fmt.Errorf("%w: %w", mq.ErrReject, err)
			}
			logger.Warn("Undecodable message dead-lettered", zap.String("routing_key", routingKey), zap.Error(err))
			return nil
		}
		return handler(ctx, msg)
	}
}

func decodeMessage(d amqp091.Delivery) (Message, error) {
	var msg Message
	if err := json.Unmarshal(d.Body, &msg); err != nil {
		return Message{}, fmt.Errorf("undecodable notification message: %w", err)
	}
	if msg.Notification == nil {
		return Message{}, errors.New("undecodable notification message: missing notification")
	}
	if msg.AdmittedBy == "" {
		if v, ok := d.Headers[HeaderAdmittedBy].(string); ok {
			msg.AdmittedBy = v
		}
	}
	return msg, nil
}

func (t *AMQPTransport) Close() error {
	t.publisher.Close()
	return nil
}
