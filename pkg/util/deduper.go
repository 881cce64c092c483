package util

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Claimer 用 SETNX 做短期互斥：同一条通知的同一类动作（定时触发 / sweep / 重投）
// 在 ttl 内只有一个执行者。Redis 不可用时放行，由存储层的条件更新兜底。
type Claimer struct {
	rdb    *redis.Client
	ttl    time.Duration
	prefix string
	logger *zap.Logger
}

func NewClaimer(rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Claimer {
	return &Claimer{
		rdb:    rdb,
		ttl:    ttl,
		prefix: "claim",
		logger: logger,
	}
}

// Claim returns true if the caller is the first to act on (action, id)
// within the ttl window.
func (c *Claimer) Claim(ctx context.Context, action string, id int64) bool {
	key := c.key(action, id)

	ok, err := c.rdb.SetNX(ctx, key, 1, c.ttl).Result()
	if err != nil {
		c.logger.Warn("Redis claim failed, allowing processing",
			zap.String("action", action),
			zap.Int64("notification_id", id),
			zap.Error(err),
		)
		return true
	}

	if !ok {
		c.logger.Debug("Claim already held",
			zap.String("action", action),
			zap.Int64("notification_id", id),
			zap.String("claim_key", key),
		)
	}
	return ok
}

// Release drops the claim so a later attempt may proceed immediately.
func (c *Claimer) Release(ctx context.Context, action string, id int64) {
	if err := c.rdb.Del(ctx, c.key(action, id)).Err(); err != nil {
		c.logger.Warn("Redis claim release failed",
			zap.String("action", action),
			zap.Int64("notification_id", id),
			zap.Error(err),
		)
	}
}

func (c *Claimer) key(action string, id int64) string {
	return fmt.Sprintf("%s:%s:%d", c.prefix, action, id)
}
