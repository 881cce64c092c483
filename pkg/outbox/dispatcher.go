package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"notifyhub/pkg/trace"
)

// Publisher 发布事件到 MQ（*mq.Publisher 实现）
type Publisher interface {
	PublishEvent(ctx context.Context, routingKey string, body json.RawMessage) error
}

// Dispatcher 负责从 outbox 中读取事件并发布到 MQ
type Dispatcher struct {
	db         *pgxpool.Pool
	repo       *Repository
	publisher  Publisher
	logger     *zap.Logger
	maxRetries int
	interval   time.Duration
	batchSize  int
}

func NewDispatcher(db *pgxpool.Pool, repo *Repository, publisher Publisher, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		db:         db,
		repo:       repo,
		publisher:  publisher,
		logger:     logger,
		maxRetries: 5,
		interval:   time.Second,
		batchSize:  100,
	}
}

// WithMaxRetries 设置最大重试次数
func (d *Dispatcher) WithMaxRetries(maxRetries int) *Dispatcher {
	d.maxRetries = maxRetries
	return d
}

// WithInterval 设置扫描间隔
func (d *Dispatcher) WithInterval(interval time.Duration) *Dispatcher {
	d.interval = interval
	return d
}

// WithBatchSize 设置批次大小
func (d *Dispatcher) WithBatchSize(batchSize int) *Dispatcher {
	d.batchSize = batchSize
	return d
}

// Start 阻塞运行直到 ctx 取消
func (d *Dispatcher) Start(ctx context.Context) {
	d.logger.Info("Starting Outbox Dispatcher",
		zap.Int("max_retries", d.maxRetries),
		zap.Duration("interval", d.interval),
		zap.Int("batch_size", d.batchSize),
	)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("Outbox Dispatcher stopped")
			return
		case <-ticker.C:
			if err := d.processPendingEvents(ctx); err != nil {
				d.logger.Error("Outbox batch failed", zap.Error(err))
			}
		}
	}
}

// processPendingEvents 在一个事务里锁定、发布并标记一批事件
func (d *Dispatcher) processPendingEvents(ctx context.Context) error {
	return pgx.BeginFunc(ctx, d.db, func(tx pgx.Tx) error {
		events, err := d.repo.ClaimPendingEvents(ctx, tx, d.batchSize)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		d.logger.Debug("Processing pending events", zap.Int("count", len(events)))

		for _, event := range events {
			if err := d.publishEvent(ctx, event); err != nil {
				d.logger.Warn("Failed to publish event",
					zap.Int64("event_id", event.ID),
					zap.String("routing_key", event.RoutingKey),
					zap.Error(err),
				)
				if err := d.repo.MarkAsFailed(ctx, tx, event.ID, d.maxRetries); err != nil {
					return err
				}
				continue
			}
			if err := d.repo.MarkAsSent(ctx, tx, event.ID); err != nil {
				return err
			}
		}
		return nil
	})
}

func (d *Dispatcher) publishEvent(ctx context.Context, event *Event) error {
	return d.publisher.PublishEvent(withPayloadTrace(ctx, event.Payload), event.RoutingKey, event.Payload)
}

// withPayloadTrace 如果 payload 中带 trace_id，继续沿用
func withPayloadTrace(ctx context.Context, payload json.RawMessage) context.Context {
	var p struct {
		TraceID string `json:"trace_id"`
	}
	if err := json.Unmarshal(payload, &p); err == nil && p.TraceID != "" {
		return trace.WithContext(ctx, p.TraceID)
	}
	return ctx
}
