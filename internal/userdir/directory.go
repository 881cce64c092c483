// Package userdir answers who a recipient is: role tier for priority
// boosting and contact details for channel handlers.
package userdir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"notifyhub/internal/channel"
	"notifyhub/pkg/otel"
	"notifyhub/pkg/rbac"
)

type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Phone string `json:"phone"`
	Role  string `json:"role"`
}

var ErrUserNotFound = errors.New("user not found")

// Source is the authoritative user store.
type Source interface {
	FindUser(ctx context.Context, id string) (*User, error)
}

type PostgresSource struct {
	db *pgxpool.Pool
}

func NewPostgresSource(db *pgxpool.Pool) *PostgresSource {
	return &PostgresSource{db: db}
}

func (s *PostgresSource) FindUser(ctx context.Context, id string) (*User, error) {
	var u User
	err := otel.Observe(ctx, "select", "users", func(ctx context.Context) error {
		return s.db.QueryRow(ctx, `
			SELECT id, email, phone, role
			FROM users
			WHERE id = $1
		`, id).Scan(&u.ID, &u.Email, &u.Phone, &u.Role)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to find user %s: %w", id, err)
	}
	return &u, nil
}

// StaticSource serves a fixed user set (memory storage driver, tests).
type StaticSource struct {
	mu    sync.RWMutex
	users map[string]User
}

func NewStaticSource(users ...User) *StaticSource {
	s := &StaticSource{users: make(map[string]User, len(users))}
	for _, u := range users {
		s.users[u.ID] = u
	}
	return s
}

func (s *StaticSource) Put(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *StaticSource) FindUser(_ context.Context, id string) (*User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	return &u, nil
}

// Directory fronts a Source with an optional Redis cache. Unknown users
// are treated as regular (non-privileged) recipients without contacts.
type Directory struct {
	source Source
	rdb    *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

func New(source Source, rdb *redis.Client, ttl time.Duration, logger *zap.Logger) *Directory {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Directory{source: source, rdb: rdb, ttl: ttl, logger: logger}
}

func cacheKey(id string) string { return "userdir:" + id }

func (d *Directory) lookup(ctx context.Context, id string) (*User, error) {
	if d.rdb != nil {
		raw, err := d.rdb.Get(ctx, cacheKey(id)).Bytes()
		switch {
		case err == nil:
			var u User
			if jsonErr := json.Unmarshal(raw, &u); jsonErr == nil {
				return &u, nil
			}
		case !errors.Is(err, redis.Nil):
			d.logger.Warn("User cache read failed", zap.String("user_id", id), zap.Error(err))
		}
	}

	u, err := d.source.FindUser(ctx, id)
	if errors.Is(err, ErrUserNotFound) {
		u = &User{ID: id, Role: rbac.RoleUser}
	} else if err != nil {
		return nil, err
	}

	if d.rdb != nil {
		if raw, err := json.Marshal(u); err == nil {
			if err := d.rdb.Set(ctx, cacheKey(id), raw, d.ttl).Err(); err != nil {
				d.logger.Warn("User cache write failed", zap.String("user_id", id), zap.Error(err))
			}
		}
	}
	return u, nil
}

// IsPrivileged reports whether the user holds the VIP or ADMIN tier.
func (d *Directory) IsPrivileged(ctx context.Context, userID string) (bool, error) {
	u, err := d.lookup(ctx, userID)
	if err != nil {
		return false, err
	}
	return rbac.IsPrivileged(u.Role), nil
}

func (d *Directory) Contact(ctx context.Context, userID string) (channel.Contact, error) {
	u, err := d.lookup(ctx, userID)
	if err != nil {
		return channel.Contact{}, err
	}
	return channel.Contact{Email: u.Email, Phone: u.Phone}, nil
}

// Invalidate drops the cached entry after a role or contact change.
func (d *Directory) Invalidate(ctx context.Context, userID string) error {
	if d.rdb == nil {
		return nil
	}
	return d.rdb.Del(ctx, cacheKey(userID)).Err()
}
