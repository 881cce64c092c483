package mq

import (
	"fmt"

	"github.com/rabbitmq/amqp091-go"
)

const (
	// ExchangeName 通知投递 exchange，按 notification.<priority> 路由到各 lane
	ExchangeName = "notification.exchange"
	// EventsExchangeName 生命周期事件（outbox）
	EventsExchangeName = "events"
)

// QueueSpec 描述一个 lane 队列
type QueueSpec struct {
	Name        string
	RoutingKey  string
	MaxPriority int
	MaxLength   int
}

// NewConnection creates a new RabbitMQ connection.
func NewConnection(url string) (*amqp091.Connection, error) {
	conn, err := amqp091.Dial(url)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to RabbitMQ: %w", err)
	}
	return conn, nil
}

// DeclareExchanges declares the dispatch, dead-letter and events exchanges.
func DeclareExchanges(ch *amqp091.Channel) error {
	for _, name := range []string{ExchangeName, DLQExchangeName, EventsExchangeName} {
		if err := ch.ExchangeDeclare(
			name,
			"topic",
			true,
			false,
			false,
			false,
			nil,
		); err != nil {
			return fmt.Errorf("failed to declare exchange %s: %w", name, err)
		}
	}
	return nil
}

// DeclareQueue declares a durable, priority-capped, length-bounded lane queue
// bound to ExchangeName, plus its dead letter queue.
func DeclareQueue(ch *amqp091.Channel, spec QueueSpec) (amqp091.Queue, error) {
	args := amqp091.Table{
		"x-max-priority":            int32(spec.MaxPriority),
		"x-overflow":                "reject-publish",
		"x-dead-letter-exchange":    DLQExchangeName,
		"x-dead-letter-routing-key": spec.RoutingKey,
	}
	if spec.MaxLength > 0 {
		args["x-max-length"] = int32(spec.MaxLength)
	}

	q, err := ch.QueueDeclare(
		spec.Name,
		true,
		false,
		false,
		false,
		args,
	)
	if err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to declare queue %s: %w", spec.Name, err)
	}

	if err := ch.QueueBind(q.Name, spec.RoutingKey, ExchangeName, false, nil); err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to bind queue %s: %w", spec.Name, err)
	}

	if _, err := DeclareDLQQueue(ch, spec.RoutingKey); err != nil {
		return amqp091.Queue{}, err
	}
	return q, nil
}

// DeclareTopology declares exchanges and every lane queue on a fresh channel.
func DeclareTopology(conn *amqp091.Connection, specs []QueueSpec) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("failed to open channel: %w", err)
	}
	defer ch.Close()

	if err := DeclareExchanges(ch); err != nil {
		return err
	}
	for _, spec := range specs {
		if _, err := DeclareQueue(ch, spec); err != nil {
			return err
		}
	}
	return nil
}
