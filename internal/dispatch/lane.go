package dispatch

import (
	"fmt"

	"notifyhub/internal/model"
	"notifyhub/internal/priority"
	"notifyhub/pkg/mq"
)

// LaneConfig sizes one priority lane: its queue bound and its worker pool.
type LaneConfig struct {
	Priority    model.Priority `yaml:"priority"`
	MaxLength   int            `yaml:"max_length"`
	MaxPriority int            `yaml:"max_priority"`
	Workers     int            `yaml:"workers"`
	Prefetch    int            `yaml:"prefetch"`
}

// DefaultLanes: CRITICAL has the tightest bound and the largest pool.
func DefaultLanes() []LaneConfig {
	return []LaneConfig{
		{Priority: model.PriorityCritical, MaxLength: 10000, MaxPriority: 10, Workers: 10, Prefetch: 1},
		{Priority: model.PriorityHigh, MaxLength: 50000, MaxPriority: 8, Workers: 6, Prefetch: 2},
		{Priority: model.PriorityMedium, MaxLength: 100000, MaxPriority: 5, Workers: 3, Prefetch: 5},
		{Priority: model.PriorityLow, MaxLength: 200000, MaxPriority: 2, Workers: 2, Prefetch: 10},
	}
}

// NormalizeLanes fills zero fields from the defaults and checks that every
// priority has exactly one lane. Output is ordered CRITICAL first.
func NormalizeLanes(lanes []LaneConfig) ([]LaneConfig, error) {
	defaults := DefaultLanes()
	if len(lanes) == 0 {
		return defaults, nil
	}

	byPriority := make(map[model.Priority]LaneConfig, len(lanes))
	for _, l := range lanes {
		p, err := model.ParsePriority(string(l.Priority))
		if err != nil {
			return nil, fmt.Errorf("lane: %w", err)
		}
		if _, dup := byPriority[p]; dup {
			return nil, fmt.Errorf("lane %s configured twice", p)
		}
		l.Priority = p
		byPriority[p] = l
	}

	out := make([]LaneConfig, 0, len(defaults))
	for _, def := range defaults {
		l, ok := byPriority[def.Priority]
		if !ok {
			out = append(out, def)
			continue
		}
		if l.MaxLength <= 0 {
			l.MaxLength = def.MaxLength
		}
		if l.MaxPriority <= 0 {
			l.MaxPriority = def.MaxPriority
		}
		if l.Workers <= 0 {
			l.Workers = def.Workers
		}
		if l.Prefetch <= 0 {
			l.Prefetch = def.Prefetch
		}
		out = append(out, l)
	}
	return out, nil
}

// QueueSpecs maps lanes to broker queue declarations.
func QueueSpecs(lanes []LaneConfig) []mq.QueueSpec {
	specs := make([]mq.QueueSpec, 0, len(lanes))
	for _, l := range lanes {
		specs = append(specs, mq.QueueSpec{
			Name:        priority.QueueName(l.Priority),
			RoutingKey:  priority.RoutingKey(l.Priority),
			MaxPriority: l.MaxPriority,
			MaxLength:   l.MaxLength,
		})
	}
	return specs
}
