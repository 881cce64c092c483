package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"notifyhub/internal/model"
	"notifyhub/pkg/mq"
)

type dlqRecord struct {
	routingKey string
	body       []byte
	reason     string
}

type fakeDLQ struct {
	err     error
	records []dlqRecord
}

func (f *fakeDLQ) PublishToDLQ(_ context.Context, routingKey string, body []byte, originalError string) error {
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, dlqRecord{routingKey: routingKey, body: body, reason: originalError})
	return nil
}

func TestDecodeDeliveries_UndecodableGoesToDLQ(t *testing.T) {
	t.Parallel()

	dlq := &fakeDLQ{}
	called := false
	h := decodeDeliveries("notification.high", dlq, func(context.Context, Message) error {
		called = true
		return nil
	}, zap.NewNop())

	for _, body := range []string{"not json", `{"admitted_by":"engine-1"}`} {
		require.NoError(t, h(context.Background(), amqp091.Delivery{Body: []byte(body)}), body)
	}
	assert.False(t, called)

	require.Len(t, dlq.records, 2)
	assert.Equal(t, "notification.high", dlq.records[0].routingKey)
	assert.Equal(t, []byte("not json"), dlq.records[0].body)
	assert.Contains(t, dlq.records[0].reason, "undecodable notification message")
	assert.Contains(t, dlq.records[1].reason, "missing notification")
}

func TestDecodeDeliveries_RejectsWhenDLQUnavailable(t *testing.T) {
	t.Parallel()

	dlq := &fakeDLQ{err: errors.New("channel closed")}
	h := decodeDeliveries("notification.low", dlq, func(context.Context, Message) error { return nil }, zap.NewNop())

	err := h(context.Background(), amqp091.Delivery{Body: []byte("{")})
	require.Error(t, err)
	assert.ErrorIs(t, err, mq.ErrReject)
}

func TestDecodeDeliveries_AdmitterFromHeader(t *testing.T) {
	t.Parallel()

	body, err := json.Marshal(Message{Notification: &model.Notification{ID: 7, Priority: model.PriorityHigh}})
	require.NoError(t, err)

	dlq := &fakeDLQ{}
	var got Message
	h := decodeDeliveries("notification.high", dlq, func(_ context.Context, msg Message) error {
		got = msg
		return nil
	}, zap.NewNop())

	require.NoError(t, h(context.Background(), amqp091.Delivery{
		Body:    body,
		Headers: amqp091.Table{HeaderAdmittedBy: "engine-1"},
	}))
	require.NotNil(t, got.Notification)
	assert.Equal(t, int64(7), got.Notification.ID)
	assert.Equal(t, "engine-1", got.AdmittedBy)
	assert.Empty(t, dlq.records)
}
