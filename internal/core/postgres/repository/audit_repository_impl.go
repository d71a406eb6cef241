package repository

import (
	"context"

	"crm-flow/internal/core/ports"
	"crm-flow/internal/domain"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type activityLogRepository struct {
	db *gorm.DB
}

func NewActivityLogRepository(db *gorm.DB) ports.ActivityLogRepository {
	return &activityLogRepository{db: db}
}

func (r *activityLogRepository) Append(ctx context.Context, entry *domain.ActivityLogEntry) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(entry).Error
	return translate(err, "activity log entry")
}

func (r *activityLogRepository) List(ctx context.Context, orgID, entityType, entityID string, limit int) ([]domain.ActivityLogEntry, error) {
	q := r.db.WithContext(ctx).Where("org_id = ?", orgID)
	if entityType != "" {
		q = q.Where("entity_type = ?", entityType)
	}
	if entityID != "" {
		q = q.Where("entity_id = ?", entityID)
	}
	if limit > 0 {
		q = q.Limit(limit)
	}
	var entries []domain.ActivityLogEntry
	err := q.Order("occurred_at ASC").Find(&entries).Error
	return entries, translate(err, "activity log")
}

type notificationRepository struct {
	db *gorm.DB
}

func NewNotificationRepository(db *gorm.DB) ports.NotificationRepository {
	return &notificationRepository{db: db}
}

func (r *notificationRepository) Create(ctx context.Context, n *domain.Notification) error {
	err := r.db.WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		Create(n).Error
	return translate(err, "notification")
}

func (r *notificationRepository) ListForUser(ctx context.Context, orgID, userID string, unreadOnly bool) ([]domain.Notification, error) {
	q := r.db.WithContext(ctx).Where("org_id = ? AND user_id = ?", orgID, userID)
	if unreadOnly {
		q = q.Where("is_read = ?", false)
	}
	var out []domain.Notification
	err := q.Order("created_at DESC").Find(&out).Error
	return out, translate(err, "notifications")
}

func (r *notificationRepository) MarkRead(ctx context.Context, orgID, userID string, id uuid.UUID) error {
	result := r.db.WithContext(ctx).
		Model(&domain.Notification{}).
		Where("id = ? AND org_id = ? AND user_id = ?", id, orgID, userID).
		Update("is_read", true)
	if result.Error != nil {
		return translate(result.Error, "notification")
	}
	if result.RowsAffected == 0 {
		return errors.Wrap(domain.ErrNotFound, "notification")
	}
	return nil
}
