// Package scheduler owns the in-memory timers for SCHEDULED notifications
// and the periodic sweep that reconciles them against the store.
package scheduler

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"notifyhub/internal/clock"
	"notifyhub/internal/model"
	"notifyhub/internal/repository"
	"notifyhub/internal/statemachine"
	"notifyhub/pkg/logger"
	"notifyhub/pkg/metrics"
)

const (
	DetailScheduled   = "scheduled"
	DetailDue         = "Scheduled time reached - moving to processing queue"
	DetailRepublished = "republished by recovery sweep"
	// DetailPublishFailed prefixes the note left when a queue publish fails.
	DetailPublishFailed = "publish failed: "
)

func PublishFailed(err error) string { return DetailPublishFailed + err.Error() }

const (
	DefaultSweepInterval  = 60 * time.Second
	DefaultStallThreshold = 5 * time.Minute
	DefaultPoolSize       = 10
	DefaultBatchSize      = 500

	// a queued record without a failed publish is only waiting in its lane
	DefaultQueuedStallThreshold = 30 * time.Minute
)

// claim actions
const (
	actionFire      = "fire"
	actionRepublish = "republish"
)

var errStalled = errors.New("processing stalled")

type Transitioner interface {
	Apply(ctx context.Context, id int64, steps ...model.Transition) (*model.Notification, error)
	FailAttempt(ctx context.Context, n *model.Notification, cause error) (statemachine.Outcome, *model.Notification, error)
}

type Publisher interface {
	Publish(ctx context.Context, n *model.Notification, admittedBy string) error
}

// Claimer 可选；nil 时完全依赖存储层的条件迁移
type Claimer interface {
	Claim(ctx context.Context, action string, id int64) bool
	Release(ctx context.Context, action string, id int64)
}

type Config struct {
	SweepInterval time.Duration
	// StallThreshold applies to PROCESSING, and to PENDING/RETRYING whose
	// last publish failed.
	StallThreshold time.Duration
	// QueuedStallThreshold re-publishes any PENDING/RETRYING record idle this
	// long, covering a crash between persisting and publishing.
	QueuedStallThreshold time.Duration
	// PoolSize bounds concurrent timer fires.
	PoolSize  int
	BatchSize int
}

func (c *Config) applyDefaults() {
	if c.SweepInterval <= 0 {
		c.SweepInterval = DefaultSweepInterval
	}
	if c.StallThreshold <= 0 {
		c.StallThreshold = DefaultStallThreshold
	}
	if c.QueuedStallThreshold <= 0 {
		c.QueuedStallThreshold = DefaultQueuedStallThreshold
	}
	if c.QueuedStallThreshold < c.StallThreshold {
		c.QueuedStallThreshold = c.StallThreshold
	}
	if c.PoolSize <= 0 {
		c.PoolSize = DefaultPoolSize
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultBatchSize
	}
}

// task is the handle for one armed timer. The map entry identity tells a
// firing callback whether it was cancelled or replaced meanwhile.
type task struct {
	id    int64
	timer clock.Timer
}

type Scheduler struct {
	store   repository.Store
	machine Transitioner
	queue   Publisher
	claimer Claimer
	clock   clock.Clock
	cfg     Config
	pool    *semaphore.Weighted
	logger  *zap.Logger

	mu      sync.Mutex
	tasks   map[int64]*task
	stopped bool
	fires   sync.WaitGroup
}

func New(store repository.Store, machine Transitioner, queue Publisher, clk clock.Clock, cfg Config, logger *zap.Logger) *Scheduler {
	cfg.applyDefaults()
	if clk == nil {
		clk = clock.Real{}
	}
	return &Scheduler{
		store:   store,
		machine: machine,
		queue:   queue,
		clock:   clk,
		cfg:     cfg,
		pool:    semaphore.NewWeighted(int64(cfg.PoolSize)),
		logger:  logger,
		tasks:   make(map[int64]*task),
	}
}

// WithClaimer enables cross-instance claims on fire and republish.
func (s *Scheduler) WithClaimer(c Claimer) *Scheduler {
	s.claimer = c
	return s
}

// Schedule arms a single-fire timer for n. It is a no-op returning false
// when scheduledAt is not strictly in the future.
func (s *Scheduler) Schedule(n *model.Notification) bool {
	delay := n.ScheduledAt.Sub(s.clock.Now())
	if delay <= 0 {
		return false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	if old, ok := s.tasks[n.ID]; ok {
		old.timer.Stop()
	}
	t := &task{id: n.ID}
	t.timer = s.clock.AfterFunc(delay, func() { s.onTimer(t) })
	s.tasks[n.ID] = t
	metrics.SetActiveTimers(len(s.tasks))

	s.logger.Debug("Timer armed",
		zap.Int64("notification_id", n.ID),
		zap.Time("scheduled_at", n.ScheduledAt),
		zap.Duration("delay", delay),
	)
	return true
}

// Cancel stops the timer for id. It returns false when no armed handle
// exists, including when the timer already fired. Status is left alone.
func (s *Scheduler) Cancel(id int64) bool {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if ok {
		delete(s.tasks, id)
		metrics.SetActiveTimers(len(s.tasks))
	}
	s.mu.Unlock()

	if !ok {
		return false
	}
	return t.timer.Stop()
}

func (s *Scheduler) onTimer(t *task) {
	s.mu.Lock()
	if s.stopped || s.tasks[t.id] != t {
		s.mu.Unlock()
		return
	}
	delete(s.tasks, t.id)
	metrics.SetActiveTimers(len(s.tasks))
	s.fires.Add(1)
	s.mu.Unlock()
	defer s.fires.Done()

	ctx := context.Background()
	if err := s.pool.Acquire(ctx, 1); err != nil {
		return
	}
	defer s.pool.Release(1)

	if _, err := s.fire(ctx, t.id); err != nil {
		s.logger.Error("Scheduled fire failed",
			zap.Int64("notification_id", t.id),
			zap.Error(err),
		)
	}
}

// fire moves one notification SCHEDULED -> PENDING and publishes it.
// Returns false when another path got there first.
func (s *Scheduler) fire(ctx context.Context, id int64) (bool, error) {
	if s.claimer != nil && !s.claimer.Claim(ctx, actionFire, id) {
		return false, nil
	}

	n, err := s.store.FindByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		s.releaseClaim(ctx, actionFire, id)
		return false, err
	}
	if n.Status != model.StatusScheduled {
		return false, nil
	}
	if n.ScheduledAt.After(s.clock.Now()) {
		// 被提前触发（例如 sweep 时钟偏差），重新挂上
		s.releaseClaim(ctx, actionFire, id)
		s.Schedule(n)
		return false, nil
	}

	n, err = s.machine.Apply(ctx, id, model.Transition{
		From:   model.StatusScheduled,
		To:     model.StatusPending,
		Detail: DetailDue,
	})
	if errors.Is(err, repository.ErrStaleTransition) {
		return false, nil
	}
	if err != nil {
		s.releaseClaim(ctx, actionFire, id)
		return false, err
	}

	s.publish(ctx, n)
	return true, nil
}

// publish failures are annotated; the stalled sweep picks the record up later.
func (s *Scheduler) publish(ctx context.Context, n *model.Notification) bool {
	err := s.queue.Publish(ctx, n, "")
	if err == nil {
		return true
	}
	s.annotate(ctx, n.ID, PublishFailed(err))
	return false
}

func (s *Scheduler) annotate(ctx context.Context, id int64, detail string) {
	if err := s.store.Annotate(ctx, id, detail); err != nil {
		logger.WithTrace(ctx, s.logger).Error("Failed to annotate notification",
			zap.Int64("notification_id", id),
			zap.String("details", detail),
			zap.Error(err),
		)
	}
}

func (s *Scheduler) releaseClaim(ctx context.Context, action string, id int64) {
	if s.claimer != nil {
		s.claimer.Release(ctx, action, id)
	}
}

// RecoverMissed fires every SCHEDULED notification already due. Safe to run
// alongside timers: a record that already left SCHEDULED is skipped.
func (s *Scheduler) RecoverMissed(ctx context.Context) (int, error) {
	due, err := s.store.FindDueScheduled(ctx, s.clock.Now(), s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, n := range due {
		if ctx.Err() != nil {
			break
		}
		s.drop(n.ID)
		ok, err := s.fire(ctx, n.ID)
		if err != nil {
			s.logger.Error("Sweep fire failed", zap.Int64("notification_id", n.ID), zap.Error(err))
			continue
		}
		if ok {
			recovered++
		}
	}

	if recovered > 0 {
		metrics.AddSweepRecovered("scheduled", recovered)
		s.logger.Info("Recovered missed scheduled notifications", zap.Int("count", recovered))
	}
	return recovered, nil
}

// RecoverStalled counts a PROCESSING attempt idle past StallThreshold as
// failed and re-publishes it. A PENDING/RETRYING record is re-published
// when its last publish failed, or once idle past QueuedStallThreshold; a
// long lane backlog alone is not a loss.
func (s *Scheduler) RecoverStalled(ctx context.Context) (int, error) {
	now := s.clock.Now()
	before := now.Add(-s.cfg.StallThreshold)

	processing, err := s.store.FindStalled(ctx, []model.Status{model.StatusProcessing}, before, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}
	queued, err := s.store.FindStalled(ctx, []model.Status{model.StatusPending, model.StatusRetrying}, before, s.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, n := range processing {
		if ctx.Err() != nil {
			break
		}
		if !s.claimRepublish(ctx, n.ID) {
			continue
		}
		outcome, updated, err := s.machine.FailAttempt(ctx, n, errStalled)
		if errors.Is(err, repository.ErrStaleTransition) {
			continue
		}
		if err != nil {
			s.logger.Error("Failed to fail stalled attempt", zap.Int64("notification_id", n.ID), zap.Error(err))
			continue
		}
		recovered++
		if outcome == statemachine.OutcomeRetrying {
			s.publish(ctx, updated)
		}
	}

	idleBefore := now.Add(-s.cfg.QueuedStallThreshold)
	for _, n := range queued {
		if ctx.Err() != nil {
			break
		}
		if n.UpdatedAt.After(idleBefore) && !s.lastPublishFailed(ctx, n.ID) {
			continue
		}
		if !s.claimRepublish(ctx, n.ID) {
			continue
		}
		// the note refreshes updatedAt either way
		if !s.publish(ctx, n) {
			continue
		}
		s.annotate(ctx, n.ID, DetailRepublished)
		recovered++
	}

	if recovered > 0 {
		metrics.AddSweepRecovered("stalled", recovered)
		s.logger.Info("Recovered stalled notifications", zap.Int("count", recovered))
	}
	return recovered, nil
}

func (s *Scheduler) claimRepublish(ctx context.Context, id int64) bool {
	return s.claimer == nil || s.claimer.Claim(ctx, actionRepublish, id)
}

// lastPublishFailed reports whether the newest audit note is a failed publish.
func (s *Scheduler) lastPublishFailed(ctx context.Context, id int64) bool {
	audit, err := s.store.AuditByNotification(ctx, id)
	if err != nil {
		s.logger.Warn("Failed to load audit trail", zap.Int64("notification_id", id), zap.Error(err))
		return false
	}
	return len(audit) > 0 && strings.HasPrefix(audit[0].Details, DetailPublishFailed)
}

// armUpcoming re-creates timers for SCHEDULED rows due within the next
// sweep interval, so a restart does not delay them by a full period.
func (s *Scheduler) armUpcoming(ctx context.Context) int {
	horizon := s.clock.Now().Add(s.cfg.SweepInterval)
	rows, err := s.store.FindDueScheduled(ctx, horizon, s.cfg.BatchSize)
	if err != nil {
		s.logger.Error("Failed to load upcoming scheduled notifications", zap.Error(err))
		return 0
	}
	armed := 0
	for _, n := range rows {
		if s.has(n.ID) {
			continue
		}
		if s.Schedule(n) {
			armed++
		}
	}
	return armed
}

// Sweep runs one reconciliation pass.
func (s *Scheduler) Sweep(ctx context.Context) {
	if _, err := s.RecoverMissed(ctx); err != nil {
		s.logger.Error("Scheduled sweep failed", zap.Error(err))
	}
	if _, err := s.RecoverStalled(ctx); err != nil {
		s.logger.Error("Stalled sweep failed", zap.Error(err))
	}
	if n := s.armUpcoming(ctx); n > 0 {
		s.logger.Debug("Re-armed upcoming timers", zap.Int("count", n))
	}
}

// Run sweeps once at start, then every SweepInterval until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	s.logger.Info("Scheduler sweep started", zap.Duration("interval", s.cfg.SweepInterval))
	s.Sweep(ctx)

	ticker := time.NewTicker(s.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Scheduler sweep stopped")
			return
		case <-ticker.C:
			s.Sweep(ctx)
		}
	}
}

// Stop disarms every timer and waits for in-flight fires. Durability of
// the disarmed work is the persisted scheduledAt.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, t := range s.tasks {
		t.timer.Stop()
		delete(s.tasks, id)
	}
	metrics.SetActiveTimers(0)
	s.mu.Unlock()

	s.fires.Wait()
}

func (s *Scheduler) Stats(ctx context.Context) (model.ScheduledStats, error) {
	total, err := s.store.CountByStatus(ctx, model.StatusScheduled)
	if err != nil {
		return model.ScheduledStats{}, err
	}
	return model.ScheduledStats{TotalScheduled: total, ActiveTimers: s.Active()}, nil
}

// Active returns the number of armed timers.
func (s *Scheduler) Active() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

func (s *Scheduler) has(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[id]
	return ok
}

func (s *Scheduler) drop(id int64) {
	s.mu.Lock()
	t, ok := s.tasks[id]
	if ok {
		delete(s.tasks, id)
		metrics.SetActiveTimers(len(s.tasks))
	}
	s.mu.Unlock()
	if ok {
		t.timer.Stop()
	}
}
