package httpserver

import (
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"notifyhub/internal/wshub"
	"notifyhub/pkg/rbac"
	"notifyhub/pkg/util"
)

const (
	ctxUserID = "user_id"
	ctxRole   = "role"
)

func AuthMiddleware(jwtSecret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := util.ExtractToken(c.Request)
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			c.Abort()
			return
		}

		claims, err := util.ParseJWT(token, jwtSecret)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		c.Set(ctxUserID, claims.UserID)
		c.Set(ctxRole, rbac.NormalizeRole(claims.Role))
		c.Next()
	}
}

// RequirePermission 中间件：要求用户具有指定权限
func RequirePermission(permission string) gin.HandlerFunc {
	return func(c *gin.Context) {
		uid, role, ok := subject(c)
		if !ok {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "user not authenticated"})
			c.Abort()
			return
		}

		if err := rbac.CheckPermission(uid, role, permission); err != nil {
			c.JSON(http.StatusForbidden, gin.H{"error": err.Error()})
			c.Abort()
			return
		}
		c.Next()
	}
}

func subject(c *gin.Context) (userID, role string, ok bool) {
	userID = c.GetString(ctxUserID)
	if userID == "" {
		return "", "", false
	}
	return userID, c.GetString(ctxRole), true
}

// WebSocketAuth resolves the user of a websocket upgrade from the same
// bearer token (header or ?token=).
func WebSocketAuth(jwtSecret string) wshub.Authenticator {
	return func(r *http.Request) (string, error) {
		token := util.ExtractToken(r)
		if token == "" {
			return "", wshub.ErrUnauthenticated
		}
		claims, err := util.ParseJWT(token, jwtSecret)
		if err != nil {
			return "", errors.Join(wshub.ErrUnauthenticated, err)
		}
		return claims.UserID, nil
	}
}

// requestLogger 请求日志中间件
func requestLogger(logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		query := c.Request.URL.RawQuery

		c.Next()

		logger.Info("HTTP Request",
			zap.String("method", c.Request.Method),
			zap.String("path", path),
			zap.String("query", query),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
			zap.String("client_ip", c.ClientIP()),
		)
	}
}
