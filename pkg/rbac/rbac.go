package rbac

import "strings"

// 权限常量
const (
	PermissionReadStats    = "stats:read"
	PermissionReadAudit    = "audit:read"
	PermissionReadOwnAudit = "audit:read_own"
	PermissionReplayOutbox = "outbox:replay"
	PermissionRecoverSweep = "sweep:run"
)

// 角色常量
const (
	RoleUser  = "user"
	RoleVIP   = "vip"
	RoleAdmin = "admin"
)

// 角色权限映射
var rolePermissions = map[string][]string{
	RoleUser: {
		PermissionReadOwnAudit,
	},
	RoleVIP: {
		PermissionReadOwnAudit,
	},
	RoleAdmin: {
		PermissionReadOwnAudit,
		PermissionReadAudit,
		PermissionReadStats,
		PermissionReplayOutbox,
		PermissionRecoverSweep,
	},
}

// NormalizeRole 统一大小写，未知角色按 user 处理
func NormalizeRole(role string) string {
	r := strings.ToLower(strings.TrimSpace(role))
	if _, ok := rolePermissions[r]; !ok {
		return RoleUser
	}
	return r
}

// IsPrivileged VIP 和 ADMIN 享受优先级提升
func IsPrivileged(role string) bool {
	switch NormalizeRole(role) {
	case RoleVIP, RoleAdmin:
		return true
	}
	return false
}

// HasPermission 检查角色是否有指定权限
func HasPermission(role string, permission string) bool {
	for _, p := range rolePermissions[NormalizeRole(role)] {
		if p == permission {
			return true
		}
	}
	return false
}

// CheckPermission 检查权限（返回错误而不是布尔值，便于处理）
func CheckPermission(userID, role, permission string) error {
	if !HasPermission(role, permission) {
		return &PermissionDeniedError{
			UserID:     userID,
			Permission: permission,
		}
	}
	return nil
}

// PermissionDeniedError 表示权限不足的错误
type PermissionDeniedError struct {
	UserID     string
	Permission string
}

func (e *PermissionDeniedError) Error() string {
	return "insufficient permissions"
}

// ValidateSubject 非管理员只能读取自己的数据
func ValidateSubject(tokenUserID, role, requestedUserID string) error {
	if HasPermission(role, PermissionReadAudit) || tokenUserID == requestedUserID {
		return nil
	}
	return &UserIDMismatchError{
		TokenUserID:     tokenUserID,
		RequestedUserID: requestedUserID,
	}
}

// UserIDMismatchError 表示 user_id 不匹配的错误
type UserIDMismatchError struct {
	TokenUserID     string
	RequestedUserID string
}

func (e *UserIDMismatchError) Error() string {
	return "user_id in request does not match token"
}
