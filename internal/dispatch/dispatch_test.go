package dispatch

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"notifyhub/internal/model"
)

func TestDefaultLanes(t *testing.T) {
	t.Parallel()

	lanes := DefaultLanes()
	require.Len(t, lanes, 4)
	for i := 1; i < len(lanes); i++ {
		assert.Greater(t, lanes[i-1].Workers, lanes[i].Workers, "higher priority gets more workers")
		assert.Less(t, lanes[i-1].MaxLength, lanes[i].MaxLength, "higher priority gets a tighter bound")
	}
}

func TestNormalizeLanes(t *testing.T) {
	t.Parallel()

	lanes, err := NormalizeLanes([]LaneConfig{{Priority: "low", Workers: 7}})
	require.NoError(t, err)
	require.Len(t, lanes, 4)
	assert.Equal(t, model.PriorityCritical, lanes[0].Priority)
	assert.Equal(t, 7, lanes[3].Workers)
	assert.Equal(t, 200000, lanes[3].MaxLength)

	_, err = NormalizeLanes([]LaneConfig{{Priority: "HIGH"}, {Priority: "high"}})
	assert.Error(t, err)

	_, err = NormalizeLanes([]LaneConfig{{Priority: "URGENT"}})
	assert.Error(t, err)
}

func TestQueueSpecs(t *testing.T) {
	t.Parallel()

	specs := QueueSpecs(DefaultLanes())
	assert.Equal(t, "notification.critical.q", specs[0].Name)
	assert.Equal(t, "notification.critical", specs[0].RoutingKey)
	assert.Equal(t, 10000, specs[0].MaxLength)
	assert.Equal(t, 10, specs[0].MaxPriority)
}

func smallLanes(maxLen int) []LaneConfig {
	lanes := DefaultLanes()
	for i := range lanes {
		lanes[i].MaxLength = maxLen
		lanes[i].Workers = 2
	}
	return lanes
}

func TestMemoryTransport_LaneFull(t *testing.T) {
	t.Parallel()

	tr := NewMemoryTransport(smallLanes(1), zap.NewNop())
	q := NewQueue(tr, smallLanes(1), zap.NewNop())
	n := &model.Notification{ID: 1, Priority: model.PriorityLow}

	require.NoError(t, q.Publish(context.Background(), n, "i-1"))
	err := q.Publish(context.Background(), n, "i-1")
	assert.ErrorIs(t, err, ErrLaneFull)

	assert.Equal(t, 1, tr.Len(model.PriorityLow))
	assert.Zero(t, tr.Len(model.PriorityHigh))

	msgs := tr.Drain(model.PriorityLow)
	require.Len(t, msgs, 1)
	assert.Equal(t, "i-1", msgs[0].AdmittedBy)
}

func TestQueue_RunRoutesByLane(t *testing.T) {
	t.Parallel()

	lanes := smallLanes(16)
	tr := NewMemoryTransport(lanes, zap.NewNop())
	q := NewQueue(tr, lanes, zap.NewNop())

	var mu sync.Mutex
	seen := map[model.Priority][]int64{}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- q.Run(ctx, func(_ context.Context, msg Message) error {
			mu.Lock()
			defer mu.Unlock()
			seen[msg.Notification.Priority] = append(seen[msg.Notification.Priority], msg.Notification.ID)
			return nil
		})
	}()

	for i, p := range model.Priorities {
		require.NoError(t, q.Publish(ctx, &model.Notification{ID: int64(i + 1), Priority: p}, ""))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 4
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []int64{1}, seen[model.PriorityCritical])
	assert.Equal(t, []int64{4}, seen[model.PriorityLow])
}

func TestMemoryTransport_RequeuesOnHandlerError(t *testing.T) {
	t.Parallel()

	lanes := smallLanes(4)
	tr := NewMemoryTransport(lanes, zap.NewNop())

	var mu sync.Mutex
	attempts := 0
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		_ = tr.Consume(ctx, lanes[0], func(context.Context, Message) error {
			mu.Lock()
			defer mu.Unlock()
			attempts++
			if attempts == 1 {
				return assert.AnError
			}
			return nil
		})
	}()

	require.NoError(t, tr.Publish(ctx, model.PriorityCritical, Message{Notification: &model.Notification{ID: 9}}))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts == 2
	}, 2*time.Second, 10*time.Millisecond)
}
