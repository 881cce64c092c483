// Package engine orchestrates notification creation and delivery: priority,
// admission, the scheduled path and the worker-side state machine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"notifyhub/internal/admission"
	"notifyhub/internal/clock"
	"notifyhub/internal/dispatch"
	"notifyhub/internal/model"
	"notifyhub/internal/priority"
	"notifyhub/internal/repository"
	"notifyhub/internal/scheduler"
	"notifyhub/internal/statemachine"
	"notifyhub/pkg/logger"
	"notifyhub/pkg/metrics"
)

const (
	DetailCreated   = "Notification created"
	DetailDeferred  = "deferred under heavy load"
	DetailCancelled = "cancelled by user"

	DefaultDeferDelay = 30 * time.Second
)

const (
	LoadHigh   = "HIGH"
	LoadNormal = "NORMAL"
)

var ErrInvalidRequest = errors.New("invalid notification request")

type CreateRequest struct {
	UserID   string            `json:"user_id"`
	Title    string            `json:"title"`
	Message  string            `json:"message"`
	Priority model.Priority    `json:"priority"`
	Channel  model.Channel     `json:"channel"`
	Metadata map[string]string `json:"metadata,omitempty"`
	// ScheduledAt nil or not in the future means send now.
	ScheduledAt *time.Time `json:"scheduled_at,omitempty"`
}

func (r CreateRequest) Validate() error {
	var missing []string
	if strings.TrimSpace(r.UserID) == "" {
		missing = append(missing, "user_id")
	}
	if strings.TrimSpace(r.Title) == "" {
		missing = append(missing, "title")
	}
	if strings.TrimSpace(r.Message) == "" {
		missing = append(missing, "message")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	if !r.Priority.Valid() {
		return fmt.Errorf("%w: unknown priority %q", ErrInvalidRequest, r.Priority)
	}
	if !r.Channel.Valid() {
		return fmt.Errorf("%w: unknown channel %q", ErrInvalidRequest, r.Channel)
	}
	return nil
}

type CreateResult struct {
	Notification *model.Notification `json:"notification,omitempty"`
	Error        string              `json:"error,omitempty"`
	Err          error               `json:"-"`
}

// Directory answers whether a user holds an elevated tier.
type Directory interface {
	IsPrivileged(ctx context.Context, userID string) (bool, error)
}

type Stats struct {
	Load       model.LoadStats      `json:"pending"`
	Threshold  int64                `json:"threshold"`
	SystemLoad string               `json:"system_load"`
	Scheduled  model.ScheduledStats `json:"scheduled"`
	Timestamp  time.Time            `json:"timestamp"`
}

type Config struct {
	// InstanceID tags messages admitted here; only this instance releases them.
	InstanceID string
	DeferDelay time.Duration
}

type Engine struct {
	store     repository.Store
	machine   *statemachine.Machine
	queue     *dispatch.Queue
	scheduler *scheduler.Scheduler
	admission *admission.Controller
	directory Directory
	requeuer  RetryRequeuer
	clock     clock.Clock
	cfg       Config
	logger    *zap.Logger
}

type Deps struct {
	Store     repository.Store
	Machine   *statemachine.Machine
	Queue     *dispatch.Queue
	Scheduler *scheduler.Scheduler
	Admission *admission.Controller
	Directory Directory
	Requeuer  RetryRequeuer
	Clock     clock.Clock
}

func New(deps Deps, cfg Config, logger *zap.Logger) *Engine {
	if cfg.InstanceID == "" {
		cfg.InstanceID = uuid.NewString()
	}
	if cfg.DeferDelay <= 0 {
		cfg.DeferDelay = DefaultDeferDelay
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	requeuer := deps.Requeuer
	if requeuer == nil {
		requeuer = NewBackoffRequeuer(deps.Queue, clk, DefaultRetryBackoff, logger)
	}
	e := &Engine{
		store:     deps.Store,
		machine:   deps.Machine,
		queue:     deps.Queue,
		scheduler: deps.Scheduler,
		admission: deps.Admission,
		directory: deps.Directory,
		requeuer:  requeuer,
		clock:     clk,
		cfg:       cfg,
		logger:    logger,
	}
	if d, ok := requeuer.(interface{ OnDrop(DropFunc) }); ok {
		d.OnDrop(e.requeueDropped)
	}
	return e
}

func (e *Engine) InstanceID() string { return e.cfg.InstanceID }

// Create persists a notification and routes it to the immediate or the
// scheduled path. On a publish failure the persisted record is returned
// together with the error; the stalled sweep recovers it later.
func (e *Engine) Create(ctx context.Context, req CreateRequest) (*model.Notification, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	log := logger.WithTrace(ctx, e.logger).With(zap.String("user_id", req.UserID))

	privileged := false
	if e.directory != nil {
		ok, err := e.directory.IsPrivileged(ctx, req.UserID)
		if err != nil {
			log.Warn("User directory lookup failed, using base priority", zap.Error(err))
		}
		privileged = ok
	}
	p := priority.Calculate(req.Priority, privileged)

	now := e.clock.Now()
	n := &model.Notification{
		UserID:    req.UserID,
		Title:     req.Title,
		Message:   req.Message,
		Metadata:  req.Metadata,
		Channel:   req.Channel,
		Priority:  p,
		CreatedAt: now,
	}

	if req.ScheduledAt != nil && req.ScheduledAt.After(now) {
		return e.createScheduled(ctx, n, *req.ScheduledAt, scheduler.DetailScheduled, "scheduled")
	}

	if e.admission.Admit(p) == admission.Deferred {
		return e.createScheduled(ctx, n, now.Add(e.cfg.DeferDelay), DetailDeferred, "deferred")
	}

	n.Status = model.StatusPending
	n.ScheduledAt = now
	if err := e.store.Create(ctx, n, DetailCreated); err != nil {
		e.admission.Release(p)
		return nil, fmt.Errorf("create notification: %w", err)
	}
	metrics.IncrementCreated(p.Lower(), "immediate")
	log.Info("Notification created",
		zap.Int64("notification_id", n.ID),
		zap.String("priority", string(p)),
		zap.String("channel", string(n.Channel)),
		zap.Bool("boosted", p != req.Priority),
	)

	if err := e.queue.Publish(ctx, n, e.cfg.InstanceID); err != nil {
		e.annotatePublishFailure(ctx, n.ID, err)
		e.admission.Release(p)
		return n, err
	}
	return n, nil
}

func (e *Engine) createScheduled(ctx context.Context, n *model.Notification, at time.Time, detail, path string) (*model.Notification, error) {
	n.Status = model.StatusScheduled
	n.ScheduledAt = at
	if err := e.store.Create(ctx, n, detail); err != nil {
		return nil, fmt.Errorf("create scheduled notification: %w", err)
	}
	metrics.IncrementCreated(n.Priority.Lower(), path)
	e.scheduler.Schedule(n)

	logger.WithTrace(ctx, e.logger).Info("Notification scheduled",
		zap.Int64("notification_id", n.ID),
		zap.String("priority", string(n.Priority)),
		zap.Time("scheduled_at", at),
		zap.String("path", path),
	)
	return n, nil
}

// CreateBatch creates every request independently.
func (e *Engine) CreateBatch(ctx context.Context, reqs []CreateRequest) []CreateResult {
	results := make([]CreateResult, len(reqs))
	for i, req := range reqs {
		n, err := e.Create(ctx, req)
		results[i] = CreateResult{Notification: n, Err: err}
		if err != nil {
			results[i].Error = err.Error()
		}
	}
	return results
}

// Cancel moves a SCHEDULED notification to FAILED. Anything else, including
// an unknown id, is a no-op returning false.
func (e *Engine) Cancel(ctx context.Context, id int64) (bool, error) {
	n, err := e.store.FindByID(ctx, id)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if n.Status != model.StatusScheduled {
		return false, nil
	}

	e.scheduler.Cancel(id)
	_, err = e.machine.Apply(ctx, id, model.Transition{
		From:   model.StatusScheduled,
		To:     model.StatusFailed,
		Detail: DetailCancelled,
		Error:  DetailCancelled,
	})
	if errors.Is(err, repository.ErrStaleTransition) {
		// the timer or the sweep won
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// HandleDelivery is the lane worker callback. A returned error makes the
// transport redeliver the message.
//
// The admission slot of a message admitted here is given back once the
// notification is final, or once it is handed to the stalled sweep, whose
// republished copy carries no admitter.
func (e *Engine) HandleDelivery(ctx context.Context, msg dispatch.Message) error {
	if msg.Notification == nil {
		return nil
	}
	id := msg.Notification.ID
	log := logger.WithTrace(ctx, e.logger).With(zap.Int64("notification_id", id))

	outcome, n, err := e.machine.Process(ctx, id)
	if errors.Is(err, statemachine.ErrClaimed) {
		// a redelivery would only see PROCESSING and skip it
		log.Error("Delivery left in processing, left to sweep", zap.Error(err))
		e.releaseOwned(msg.Notification.Priority, msg.AdmittedBy)
		return nil
	}
	if err != nil {
		return fmt.Errorf("process notification %d: %w", id, err)
	}

	if outcome.Terminal() {
		e.releaseOwned(msg.Notification.Priority, msg.AdmittedBy)
	}

	if outcome == statemachine.OutcomeRetrying {
		if err := e.requeuer.Requeue(ctx, n, msg.AdmittedBy); err != nil {
			log.Warn("Retry requeue failed, left to sweep", zap.Error(err))
			e.annotatePublishFailure(ctx, id, err)
			e.releaseOwned(msg.Notification.Priority, msg.AdmittedBy)
		}
	}
	return nil
}

// requeueDropped hands a retry whose delayed publish failed to the sweep.
func (e *Engine) requeueDropped(n *model.Notification, admittedBy string, err error) {
	ctx := context.Background()
	e.annotatePublishFailure(ctx, n.ID, err)
	e.releaseOwned(n.Priority, admittedBy)
}

func (e *Engine) releaseOwned(p model.Priority, admittedBy string) {
	if admittedBy == e.cfg.InstanceID {
		e.admission.Release(p)
	}
}

// annotatePublishFailure leaves the note the stalled sweep looks for.
func (e *Engine) annotatePublishFailure(ctx context.Context, id int64, err error) {
	if aerr := e.store.Annotate(ctx, id, scheduler.PublishFailed(err)); aerr != nil {
		logger.WithTrace(ctx, e.logger).Error("Failed to annotate publish failure",
			zap.Int64("notification_id", id),
			zap.Error(aerr),
		)
	}
}

func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	scheduled, err := e.scheduler.Stats(ctx)
	if err != nil {
		return Stats{}, err
	}
	load := LoadNormal
	if e.admission.HeavyLoad() {
		load = LoadHigh
	}
	return Stats{
		Load:       e.admission.Stats(),
		Threshold:  e.admission.Threshold(),
		SystemLoad: load,
		Scheduled:  scheduled,
		Timestamp:  e.clock.Now(),
	}, nil
}

// Run starts the lane workers and the scheduler sweep, and blocks until ctx
// ends. Timers and waiting retries are dropped on the way out; both are
// recovered from the store on the next start.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return e.queue.Run(ctx, e.HandleDelivery)
	})
	g.Go(func() error {
		e.scheduler.Run(ctx)
		return nil
	})

	err := g.Wait()
	e.scheduler.Stop()
	if s, ok := e.requeuer.(interface{ Stop() }); ok {
		s.Stop()
	}
	return err
}
