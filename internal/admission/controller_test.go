package admission

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"notifyhub/internal/model"
)

func TestAdmit_NormalLoadAdmitsEveryPriority(t *testing.T) {
	c := NewController(DefaultHeavyLoadThreshold, zap.NewNop())

	for _, p := range model.Priorities {
		assert.Equal(t, Immediate, c.Admit(p), "priority %s", p)
	}

	stats := c.Stats()
	assert.Equal(t, int64(1), stats.PendingCritical)
	assert.Equal(t, int64(1), stats.PendingHigh)
	assert.Equal(t, int64(1), stats.PendingMedium)
	assert.Equal(t, int64(1), stats.PendingLow)
	assert.Equal(t, int64(4), stats.TotalPending())
}

func TestAdmit_HeavyLoadDefersMediumAndLow(t *testing.T) {
	c := NewController(DefaultHeavyLoadThreshold, zap.NewNop())

	for i := 0; i <= DefaultHeavyLoadThreshold; i++ {
		require.Equal(t, Immediate, c.Admit(model.PriorityCritical))
	}
	require.True(t, c.HeavyLoad())

	assert.Equal(t, Deferred, c.Admit(model.PriorityMedium))
	assert.Equal(t, Deferred, c.Admit(model.PriorityLow))
	assert.Equal(t, Immediate, c.Admit(model.PriorityHigh))
	assert.Equal(t, Immediate, c.Admit(model.PriorityCritical))

	stats := c.Stats()
	assert.Zero(t, stats.PendingMedium)
	assert.Zero(t, stats.PendingLow)
	assert.Equal(t, int64(1), stats.PendingHigh)
}

func TestAdmit_ThresholdIsExclusive(t *testing.T) {
	c := NewController(3, zap.NewNop())

	for i := 0; i < 3; i++ {
		c.Admit(model.PriorityLow)
	}
	// total == threshold is still normal load
	assert.Equal(t, Immediate, c.Admit(model.PriorityLow))
	assert.Equal(t, Deferred, c.Admit(model.PriorityLow))
}

func TestRelease(t *testing.T) {
	c := NewController(DefaultHeavyLoadThreshold, zap.NewNop())

	c.Admit(model.PriorityHigh)
	c.Release(model.PriorityHigh)
	stats := c.Stats()
	assert.Zero(t, stats.PendingHigh)
	assert.Equal(t, int64(1), stats.TotalProcessed)

	t.Run("never negative", func(t *testing.T) {
		c.Release(model.PriorityHigh)
		stats := c.Stats()
		assert.Zero(t, stats.PendingHigh)
		assert.Equal(t, int64(1), stats.TotalProcessed)
	})
}

func TestConcurrentAdmitRelease(t *testing.T) {
	c := NewController(DefaultHeavyLoadThreshold, zap.NewNop())

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				p := model.Priorities[i%len(model.Priorities)]
				if c.Admit(p) == Immediate {
					c.Release(p)
				}
			}
		}()
	}
	wg.Wait()

	stats := c.Stats()
	assert.Zero(t, stats.TotalPending())
	assert.Equal(t, int64(8*500), stats.TotalProcessed)
}
