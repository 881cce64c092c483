package admission

import (
	"sync/atomic"

	"go.uber.org/zap"

	"notifyhub/internal/model"
	"notifyhub/pkg/metrics"
)

// DefaultHeavyLoadThreshold is the total pending count above which only
// CRITICAL and HIGH are admitted immediately.
const DefaultHeavyLoadThreshold = 10000

type Decision int

const (
	Immediate Decision = iota
	Deferred
)

func (d Decision) String() string {
	if d == Immediate {
		return "immediate"
	}
	return "deferred"
}

// Controller tracks pending notifications per priority. One instance is
// created at process start and passed to producers and workers.
type Controller struct {
	pending   [4]atomic.Int64
	processed atomic.Int64
	threshold int64
	logger    *zap.Logger
}

func NewController(threshold int64, logger *zap.Logger) *Controller {
	if threshold <= 0 {
		threshold = DefaultHeavyLoadThreshold
	}
	return &Controller{threshold: threshold, logger: logger}
}

// Admit decides between immediate dispatch and the deferred (scheduled) path.
// The pending counter is incremented only for immediate admissions.
func (c *Controller) Admit(p model.Priority) Decision {
	idx := p.Rank()
	if idx < 0 {
		idx = model.PriorityLow.Rank()
	}

	if p == model.PriorityCritical {
		c.inc(p, idx)
		return Immediate
	}

	total := c.totalPending()
	if total > c.threshold {
		if p == model.PriorityHigh {
			c.inc(p, idx)
			return Immediate
		}
		metrics.IncrementAdmission(p.Lower(), Deferred.String())
		c.logger.Debug("Deferring notification under heavy load",
			zap.String("priority", string(p)),
			zap.Int64("total_pending", total),
		)
		return Deferred
	}

	c.inc(p, idx)
	return Immediate
}

// Release marks one previously admitted notification as completed. The
// counter never goes below zero.
func (c *Controller) Release(p model.Priority) {
	idx := p.Rank()
	if idx < 0 {
		return
	}
	for {
		cur := c.pending[idx].Load()
		if cur <= 0 {
			c.logger.Warn("Release without matching admission",
				zap.String("priority", string(p)),
			)
			return
		}
		if c.pending[idx].CompareAndSwap(cur, cur-1) {
			metrics.SetPending(p.Lower(), cur-1)
			break
		}
	}
	c.processed.Add(1)
}

func (c *Controller) Stats() model.LoadStats {
	return model.LoadStats{
		PendingCritical: c.pending[0].Load(),
		PendingHigh:     c.pending[1].Load(),
		PendingMedium:   c.pending[2].Load(),
		PendingLow:      c.pending[3].Load(),
		TotalProcessed:  c.processed.Load(),
	}
}

func (c *Controller) HeavyLoad() bool {
	return c.totalPending() > c.threshold
}

func (c *Controller) Threshold() int64 { return c.threshold }

func (c *Controller) inc(p model.Priority, idx int) {
	n := c.pending[idx].Add(1)
	metrics.SetPending(p.Lower(), n)
	metrics.IncrementAdmission(p.Lower(), Immediate.String())
}

func (c *Controller) totalPending() int64 {
	var total int64
	for i := range c.pending {
		total += c.pending[i].Load()
	}
	return total
}
