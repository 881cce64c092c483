package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"notifyhub/internal/channel"
	"notifyhub/internal/engine"
	"notifyhub/internal/repository"
	"notifyhub/internal/scheduler"
	"notifyhub/internal/wshub"
	"notifyhub/pkg/otel"
	"notifyhub/pkg/outbox"
	"notifyhub/pkg/rbac"
)

// ReadinessCheck is one dependency probed by /readyz.
type ReadinessCheck struct {
	Name string
	Ping func(ctx context.Context) error
}

type Deps struct {
	Engine    *engine.Engine
	Scheduler *scheduler.Scheduler
	Store     repository.Store
	Hub       *wshub.Hub
	Registry  *channel.Registry
	// optional
	Inbox  channel.Inbox
	Replay *outbox.ReplayService
	Checks []ReadinessCheck
}

func NewRouter(deps Deps, jwtSecret string, logger *zap.Logger) *gin.Engine {
	r := gin.New()
	r.Use(gin.Recovery(), otel.GinMiddleware(), requestLogger(logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	r.HEAD("/healthz", func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	r.GET("/readyz", func(c *gin.Context) {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 1*time.Second)
		defer cancel()

		for _, check := range deps.Checks {
			if err := check.Ping(ctx); err != nil {
				c.JSON(http.StatusServiceUnavailable, gin.H{"status": check.Name + "_not_ready", "error": err.Error()})
				return
			}
		}
		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	})

	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	if deps.Hub != nil {
		r.GET("/ws", gin.WrapH(deps.Hub.Handler(WebSocketAuth(jwtSecret))))
	}

	h := NewHandler(deps, logger)

	auth := r.Group("/")
	auth.Use(AuthMiddleware(jwtSecret))
	{
		auth.POST("/notifications", h.CreateNotification)
		auth.POST("/notifications/batch", h.CreateBatch)
		auth.GET("/notifications/:id", h.GetNotification)
		auth.DELETE("/notifications/:id", h.CancelNotification)
		auth.GET("/users/:userId/notifications", h.UserNotifications)
		auth.GET("/users/:userId/scheduled", h.ScheduledNotifications)
		auth.GET("/inbox", h.Inbox)

		auth.GET("/audit/users/:userId", h.UserAudit)
		auth.GET("/audit/notifications/:id", h.NotificationAudit)

		monitoring := auth.Group("/monitoring")
		monitoring.Use(RequirePermission(rbac.PermissionReadStats))
		{
			monitoring.GET("/stats", h.Stats)
			monitoring.GET("/scheduled", h.ScheduledStats)
			monitoring.GET("/channels", h.Channels)
		}

		admin := auth.Group("/admin")
		{
			admin.POST("/sweep", RequirePermission(rbac.PermissionRecoverSweep), h.RunSweep)
			admin.POST("/outbox/replay", RequirePermission(rbac.PermissionReplayOutbox), h.ReplayOutboxEvent)
			admin.POST("/outbox/replay-failed", RequirePermission(rbac.PermissionReplayOutbox), h.ReplayFailedEvents)
			admin.GET("/outbox/failed", RequirePermission(rbac.PermissionReplayOutbox), h.FailedEvents)
		}
	}
	return r
}
