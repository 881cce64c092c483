package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"notifyhub/internal/clock"
	"notifyhub/internal/model"
)

// MemoryStore is a process-local Store used by the memory storage driver
// and by tests. Records are cloned on the way in and out.
type MemoryStore struct {
	mu     sync.RWMutex
	clock  clock.Clock
	nextID int64
	nextAu int64
	rows   map[int64]*model.Notification
	audit  []model.AuditEntry
	events []LifecycleEvent
}

func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.Real{}
	}
	return &MemoryStore{
		clock: c,
		rows:  make(map[int64]*model.Notification),
	}
}

func (s *MemoryStore) Create(_ context.Context, n *model.Notification, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now()
	s.nextID++
	n.ID = s.nextID
	if n.CreatedAt.IsZero() {
		n.CreatedAt = now
	}
	if n.ScheduledAt.IsZero() {
		n.ScheduledAt = n.CreatedAt
	}
	n.UpdatedAt = now

	s.rows[n.ID] = n.Clone()
	s.appendAudit(n, "", n.Status, detail, now)
	return nil
}

func (s *MemoryStore) FindByID(_ context.Context, id int64) (*model.Notification, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	return n.Clone(), nil
}

func (s *MemoryStore) FindDueScheduled(_ context.Context, now time.Time, limit int) ([]*model.Notification, error) {
	return s.filter(func(n *model.Notification) bool {
		return n.Status == model.StatusScheduled && !n.ScheduledAt.After(now)
	}, byScheduledAt, limit), nil
}

func (s *MemoryStore) FindStalled(_ context.Context, statuses []model.Status, before time.Time, limit int) ([]*model.Notification, error) {
	return s.filter(func(n *model.Notification) bool {
		return containsStatus(statuses, n.Status) && n.UpdatedAt.Before(before)
	}, byUpdatedAt, limit), nil
}

func (s *MemoryStore) FindByUser(_ context.Context, userID string, limit int) ([]*model.Notification, error) {
	return s.filter(func(n *model.Notification) bool {
		return n.UserID == userID
	}, newestFirst, limit), nil
}

func (s *MemoryStore) FindByUserAndStatus(_ context.Context, userID string, status model.Status, limit int) ([]*model.Notification, error) {
	return s.filter(func(n *model.Notification) bool {
		return n.UserID == userID && n.Status == status
	}, newestFirst, limit), nil
}

func (s *MemoryStore) FindScheduledByUser(_ context.Context, userID string, limit int) ([]*model.Notification, error) {
	return s.filter(func(n *model.Notification) bool {
		return n.UserID == userID && n.Status == model.StatusScheduled
	}, byScheduledAt, limit), nil
}

func (s *MemoryStore) CountByStatus(_ context.Context, status model.Status) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, n := range s.rows {
		if n.Status == status {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) Apply(_ context.Context, id int64, steps ...model.Transition) (*model.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.rows[id]
	if !ok {
		return nil, ErrNotFound
	}
	if err := checkChain(n.Status, steps); err != nil {
		return nil, err
	}

	now := s.clock.Now()
	for _, step := range steps {
		applyStep(n, step, now)
		s.appendAudit(n, step.From, step.To, step.Detail, now)
	}

	if _, ok := terminalEvent(n.Status); ok {
		s.events = append(s.events, LifecycleEvent{
			NotificationID: n.ID,
			UserID:         n.UserID,
			Channel:        n.Channel,
			Priority:       n.Priority,
			Status:         n.Status,
			RetryCount:     n.RetryCount,
			Error:          n.ErrorMessage,
			OccurredAt:     now,
		})
	}
	return n.Clone(), nil
}

func (s *MemoryStore) Annotate(_ context.Context, id int64, detail string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.rows[id]
	if !ok {
		return ErrNotFound
	}
	now := s.clock.Now()
	n.UpdatedAt = now
	s.appendAudit(n, n.Status, n.Status, detail, now)
	return nil
}

func (s *MemoryStore) AuditByNotification(_ context.Context, id int64) ([]model.AuditEntry, error) {
	return s.auditWhere(func(e model.AuditEntry) bool { return e.NotificationID == id }, 0), nil
}

func (s *MemoryStore) AuditByUser(_ context.Context, userID string, limit int) ([]model.AuditEntry, error) {
	return s.auditWhere(func(e model.AuditEntry) bool { return e.UserID == userID }, limit), nil
}

// Events returns lifecycle events recorded for terminal transitions.
func (s *MemoryStore) Events() []LifecycleEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]LifecycleEvent, len(s.events))
	copy(out, s.events)
	return out
}

func (s *MemoryStore) appendAudit(n *model.Notification, from, to model.Status, detail string, at time.Time) {
	s.nextAu++
	s.audit = append(s.audit, model.AuditEntry{
		ID:             s.nextAu,
		NotificationID: n.ID,
		UserID:         n.UserID,
		PreviousStatus: from,
		NewStatus:      to,
		Timestamp:      at,
		Details:        detail,
	})
}

// auditWhere walks the append-only log backwards, so results are newest first.
func (s *MemoryStore) auditWhere(match func(model.AuditEntry) bool, limit int) []model.AuditEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.AuditEntry
	for i := len(s.audit) - 1; i >= 0; i-- {
		if match(s.audit[i]) {
			out = append(out, s.audit[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out
}

type lessFunc func(a, b *model.Notification) bool

func byScheduledAt(a, b *model.Notification) bool {
	if a.ScheduledAt.Equal(b.ScheduledAt) {
		return a.ID < b.ID
	}
	return a.ScheduledAt.Before(b.ScheduledAt)
}

func byUpdatedAt(a, b *model.Notification) bool {
	if a.UpdatedAt.Equal(b.UpdatedAt) {
		return a.ID < b.ID
	}
	return a.UpdatedAt.Before(b.UpdatedAt)
}

func newestFirst(a, b *model.Notification) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID > b.ID
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func (s *MemoryStore) filter(match func(*model.Notification) bool, less lessFunc, limit int) []*model.Notification {
	s.mu.RLock()
	var out []*model.Notification
	for _, n := range s.rows {
		if match(n) {
			out = append(out, n.Clone())
		}
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func containsStatus(statuses []model.Status, s model.Status) bool {
	for _, st := range statuses {
		if st == s {
			return true
		}
	}
	return false
}
