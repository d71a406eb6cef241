package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"crm-flow/internal/domain"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type ActivityLogRepository struct {
	mu      sync.RWMutex
	entries []domain.ActivityLogEntry
	ids     map[uuid.UUID]struct{}
}

func NewActivityLogRepository() *ActivityLogRepository {
	return &ActivityLogRepository{ids: make(map[uuid.UUID]struct{})}
}

func (r *ActivityLogRepository) Append(_ context.Context, entry *domain.ActivityLogEntry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.ids[entry.ID]; dup {
		return nil
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	r.ids[entry.ID] = struct{}{}
	e := *entry
	e.Details = domain.CloneJSONMap(entry.Details)
	r.entries = append(r.entries, e)
	return nil
}

func (r *ActivityLogRepository) List(_ context.Context, orgID, entityType, entityID string, limit int) ([]domain.ActivityLogEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.ActivityLogEntry
	for _, e := range r.entries {
		if e.OrgID != orgID || (entityType != "" && e.EntityType != entityType) || (entityID != "" && e.EntityID != entityID) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

type NotificationRepository struct {
	mu    sync.RWMutex
	items map[uuid.UUID]*domain.Notification
}

func NewNotificationRepository() *NotificationRepository {
	return &NotificationRepository{items: make(map[uuid.UUID]*domain.Notification)}
}

func (r *NotificationRepository) Create(_ context.Context, n *domain.Notification) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.items[n.ID]; dup {
		return nil
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now()
	}
	c := *n
	r.items[n.ID] = &c
	return nil
}

func (r *NotificationRepository) ListForUser(_ context.Context, orgID, userID string, unreadOnly bool) ([]domain.Notification, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Notification
	for _, n := range r.items {
		if n.OrgID == orgID && n.UserID == userID && (!unreadOnly || !n.Read) {
			out = append(out, *n)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (r *NotificationRepository) MarkRead(_ context.Context, orgID, userID string, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	n, ok := r.items[id]
	if !ok || n.OrgID != orgID || n.UserID != userID {
		return errors.Wrap(domain.ErrNotFound, "notification")
	}
	n.Read = true
	return nil
}
