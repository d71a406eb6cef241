package service

import (
	"context"

	"crm-flow/internal/core/ports"
	"crm-flow/internal/domain"

	"github.com/google/uuid"
)

const defaultHistoryLimit = 100

// ActivityService reads the audit trail and the caller's notifications.
type ActivityService struct {
	log           ports.ActivityLogRepository
	notifications ports.NotificationRepository
}

func NewActivityService(log ports.ActivityLogRepository, notifications ports.NotificationRepository) *ActivityService {
	return &ActivityService{log: log, notifications: notifications}
}

// History lists the entries recorded for one entity in the order they happened.
func (s *ActivityService) History(ctx context.Context, p domain.Principal, entityType, entityID string, limit int) ([]domain.ActivityLogEntry, error) {
	switch entityType {
	case domain.EntityTask, domain.EntityWorkflow, domain.EntityDefinition:
	default:
		return nil, domain.Invalid("entityType", "unknown entity type %q", entityType)
	}
	if entityID == "" {
		return nil, domain.Invalid("entityId", "must not be empty")
	}
	if limit <= 0 || limit > 1000 {
		limit = defaultHistoryLimit
	}
	return s.log.List(ctx, p.OrgID, entityType, entityID, limit)
}

func (s *ActivityService) Notifications(ctx context.Context, p domain.Principal, unreadOnly bool) ([]domain.Notification, error) {
	return s.notifications.ListForUser(ctx, p.OrgID, p.UserID, unreadOnly)
}

func (s *ActivityService) MarkRead(ctx context.Context, p domain.Principal, id uuid.UUID) error {
	return s.notifications.MarkRead(ctx, p.OrgID, p.UserID, id)
}
