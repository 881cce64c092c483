package priority

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"notifyhub/internal/model"
)

func TestCalculate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		base       model.Priority
		privileged bool
		want       model.Priority
	}{
		{"regular low", model.PriorityLow, false, model.PriorityLow},
		{"regular critical", model.PriorityCritical, false, model.PriorityCritical},
		{"vip low", model.PriorityLow, true, model.PriorityMedium},
		{"vip medium", model.PriorityMedium, true, model.PriorityHigh},
		{"vip high", model.PriorityHigh, true, model.PriorityCritical},
		{"vip critical stays", model.PriorityCritical, true, model.PriorityCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, Calculate(tt.base, tt.privileged))
		})
	}
}

func TestBoostIsExactlyOneTier(t *testing.T) {
	t.Parallel()

	for _, p := range model.Priorities {
		boosted := Boost(p)
		if p == model.PriorityCritical {
			assert.Equal(t, model.PriorityCritical, boosted)
			continue
		}
		assert.Equal(t, p.Rank()-1, boosted.Rank(), "priority %s", p)
	}
}

func TestRoutingKeyAndQueueName(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "notification.critical", RoutingKey(model.PriorityCritical))
	assert.Equal(t, "notification.low", RoutingKey(model.PriorityLow))
	assert.Equal(t, "notification.medium.q", QueueName(model.PriorityMedium))
}
