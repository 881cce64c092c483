package httpserver

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"notifyhub/internal/engine"
	"notifyhub/internal/model"
	"notifyhub/internal/repository"
	"notifyhub/pkg/outbox"
	"notifyhub/pkg/rbac"
)

const (
	defaultListLimit = 50
	maxListLimit     = 1000
	maxBatchSize     = 100
)

type Handler struct {
	deps   Deps
	logger *zap.Logger
}

func NewHandler(deps Deps, logger *zap.Logger) *Handler {
	return &Handler{deps: deps, logger: logger}
}

func queryLimit(c *gin.Context) int {
	limit, err := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultListLimit)))
	if err != nil || limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}

func paramID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id"})
		return 0, false
	}
	return id, true
}

// ownsOrAdmin 非管理员只能访问自己的数据
func (h *Handler) ownsOrAdmin(c *gin.Context, ownerID string) bool {
	uid, role, _ := subject(c)
	if err := rbac.ValidateSubject(uid, role, ownerID); err != nil {
		c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
		return false
	}
	return true
}

// loadOwned fetches a notification the caller may see; 404 hides foreign ids.
func (h *Handler) loadOwned(c *gin.Context, id int64) (*model.Notification, bool) {
	n, err := h.deps.Store.FindByID(c.Request.Context(), id)
	if errors.Is(err, repository.ErrNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
		return nil, false
	}
	if err != nil {
		h.logger.Error("Failed to load notification", zap.Int64("notification_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load notification"})
		return nil, false
	}
	uid, role, _ := subject(c)
	if rbac.ValidateSubject(uid, role, n.UserID) != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "notification not found"})
		return nil, false
	}
	return n, true
}

// normalize accepts lowercase priority and channel names.
func normalize(req *engine.CreateRequest) {
	if p, err := model.ParsePriority(string(req.Priority)); err == nil {
		req.Priority = p
	}
	if ch, err := model.ParseChannel(string(req.Channel)); err == nil {
		req.Channel = ch
	}
}

// CreateNotification POST /notifications
func (h *Handler) CreateNotification(c *gin.Context) {
	var req engine.CreateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	normalize(&req)
	if !h.ownsOrAdmin(c, req.UserID) {
		return
	}

	n, err := h.deps.Engine.Create(c.Request.Context(), req)
	switch {
	case errors.Is(err, engine.ErrInvalidRequest):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case err != nil && n != nil:
		// persisted but not queued; the sweep re-publishes it
		c.JSON(http.StatusAccepted, gin.H{"notification": n, "warning": err.Error()})
	case err != nil:
		h.logger.Error("Failed to create notification", zap.String("user_id", req.UserID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create notification"})
	default:
		c.JSON(http.StatusCreated, gin.H{"notification": n})
	}
}

// CreateBatch POST /notifications/batch
func (h *Handler) CreateBatch(c *gin.Context) {
	var reqs []engine.CreateRequest
	if err := c.ShouldBindJSON(&reqs); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if len(reqs) == 0 || len(reqs) > maxBatchSize {
		c.JSON(http.StatusBadRequest, gin.H{"error": "batch must contain 1 to " + strconv.Itoa(maxBatchSize) + " items"})
		return
	}
	for i := range reqs {
		normalize(&reqs[i])
		if !h.ownsOrAdmin(c, reqs[i].UserID) {
			return
		}
	}

	results := h.deps.Engine.CreateBatch(c.Request.Context(), reqs)
	created := 0
	for _, r := range results {
		if r.Notification != nil {
			created++
		}
	}
	c.JSON(http.StatusOK, gin.H{"results": results, "created": created, "total": len(results)})
}

// GetNotification GET /notifications/:id
func (h *Handler) GetNotification(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	n, ok := h.loadOwned(c, id)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, gin.H{"notification": n})
}

// CancelNotification DELETE /notifications/:id
func (h *Handler) CancelNotification(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	if _, ok := h.loadOwned(c, id); !ok {
		return
	}

	cancelled, err := h.deps.Engine.Cancel(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("Failed to cancel notification", zap.Int64("notification_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel notification"})
		return
	}
	if !cancelled {
		c.JSON(http.StatusConflict, gin.H{"error": "only scheduled notifications can be cancelled", "cancelled": false})
		return
	}
	c.JSON(http.StatusOK, gin.H{"cancelled": true, "id": id})
}

// UserNotifications GET /users/:userId/notifications?status=SENT
func (h *Handler) UserNotifications(c *gin.Context) {
	userID := c.Param("userId")
	if !h.ownsOrAdmin(c, userID) {
		return
	}
	ctx := c.Request.Context()
	limit := queryLimit(c)

	var (
		list []*model.Notification
		err  error
	)
	if raw := c.Query("status"); raw != "" {
		status := model.Status(raw)
		if !validStatus(status) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "unknown status"})
			return
		}
		list, err = h.deps.Store.FindByUserAndStatus(ctx, userID, status, limit)
	} else {
		list, err = h.deps.Store.FindByUser(ctx, userID, limit)
	}
	if err != nil {
		h.logger.Error("Failed to list notifications", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list notifications"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": list, "count": len(list)})
}

// ScheduledNotifications GET /users/:userId/scheduled
func (h *Handler) ScheduledNotifications(c *gin.Context) {
	userID := c.Param("userId")
	if !h.ownsOrAdmin(c, userID) {
		return
	}
	list, err := h.deps.Store.FindScheduledByUser(c.Request.Context(), userID, queryLimit(c))
	if err != nil {
		h.logger.Error("Failed to list scheduled notifications", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list notifications"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"notifications": list, "count": len(list)})
}

func validStatus(s model.Status) bool {
	switch s {
	case model.StatusPending, model.StatusScheduled, model.StatusProcessing,
		model.StatusSent, model.StatusFailed, model.StatusRetrying:
		return true
	}
	return false
}

// Inbox GET /inbox
func (h *Handler) Inbox(c *gin.Context) {
	if h.deps.Inbox == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "inbox not configured"})
		return
	}
	uid, _, _ := subject(c)
	items, err := h.deps.Inbox.List(c.Request.Context(), uid, int64(queryLimit(c)))
	if err != nil {
		h.logger.Error("Failed to read inbox", zap.String("user_id", uid), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read inbox"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items})
}

// UserAudit GET /audit/users/:userId
func (h *Handler) UserAudit(c *gin.Context) {
	userID := c.Param("userId")
	if !h.ownsOrAdmin(c, userID) {
		return
	}
	entries, err := h.deps.Store.AuditByUser(c.Request.Context(), userID, queryLimit(c))
	if err != nil {
		h.logger.Error("Failed to read audit", zap.String("user_id", userID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read audit"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"audit": entries})
}

// NotificationAudit GET /audit/notifications/:id
func (h *Handler) NotificationAudit(c *gin.Context) {
	id, ok := paramID(c)
	if !ok {
		return
	}
	if _, ok := h.loadOwned(c, id); !ok {
		return
	}
	entries, err := h.deps.Store.AuditByNotification(c.Request.Context(), id)
	if err != nil {
		h.logger.Error("Failed to read audit", zap.Int64("notification_id", id), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read audit"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"audit": entries})
}

// Stats GET /monitoring/stats
func (h *Handler) Stats(c *gin.Context) {
	stats, err := h.deps.Engine.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to collect stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to collect stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// ScheduledStats GET /monitoring/scheduled
func (h *Handler) ScheduledStats(c *gin.Context) {
	stats, err := h.deps.Scheduler.Stats(c.Request.Context())
	if err != nil {
		h.logger.Error("Failed to collect scheduled stats", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to collect scheduled stats"})
		return
	}
	c.JSON(http.StatusOK, stats)
}

// Channels GET /monitoring/channels
func (h *Handler) Channels(c *gin.Context) {
	var channels []model.Channel
	if h.deps.Registry != nil {
		channels = h.deps.Registry.Channels()
	}
	sessions := 0
	if h.deps.Hub != nil {
		sessions = h.deps.Hub.Total()
	}
	c.JSON(http.StatusOK, gin.H{"channels": channels, "websocket_sessions": sessions})
}

// RunSweep POST /admin/sweep
func (h *Handler) RunSweep(c *gin.Context) {
	ctx := c.Request.Context()
	scheduled, err := h.deps.Scheduler.RecoverMissed(ctx)
	if err != nil {
		h.logger.Error("Manual sweep failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep failed", "details": err.Error()})
		return
	}
	stalled, err := h.deps.Scheduler.RecoverStalled(ctx)
	if err != nil {
		h.logger.Error("Manual stalled sweep failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "sweep failed", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"scheduled_recovered": scheduled, "stalled_recovered": stalled})
}

// ReplayOutboxEvent 重放指定的 Outbox 事件
// POST /admin/outbox/replay?id=xxx
func (h *Handler) ReplayOutboxEvent(c *gin.Context) {
	if h.deps.Replay == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "outbox not configured"})
		return
	}
	idStr := c.Query("id")
	if idStr == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing id parameter"})
		return
	}
	eventID, err := strconv.ParseInt(idStr, 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid id parameter"})
		return
	}

	if err := h.deps.Replay.ReplayEvent(c.Request.Context(), eventID); err != nil {
		if errors.Is(err, outbox.ErrEventNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "event not found"})
			return
		}
		h.logger.Error("Failed to replay event", zap.Int64("event_id", eventID), zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to replay event", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "replayed", "event_id": eventID})
}

// ReplayFailedEvents 重放所有失败的事件
// POST /admin/outbox/replay-failed?limit=100
func (h *Handler) ReplayFailedEvents(c *gin.Context) {
	if h.deps.Replay == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "outbox not configured"})
		return
	}
	limit := queryLimit(c)
	n, err := h.deps.Replay.ReplayFailedEvents(c.Request.Context(), limit)
	if err != nil {
		h.logger.Error("Failed to replay failed events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to replay failed events", "details": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "completed", "success_count": n, "limit": limit})
}

// FailedEvents GET /admin/outbox/failed
func (h *Handler) FailedEvents(c *gin.Context) {
	if h.deps.Replay == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "outbox not configured"})
		return
	}
	events, err := h.deps.Replay.FailedEvents(c.Request.Context(), queryLimit(c))
	if err != nil {
		h.logger.Error("Failed to list failed events", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list failed events"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events, "count": len(events)})
}
