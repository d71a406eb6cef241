package repository

import (
	"context"
	"time"

	"crm-flow/internal/core/ports"
	"crm-flow/internal/domain"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type workflowRepository struct {
	db *gorm.DB
}

// NewWorkflowRepository creates a new instance of WorkflowRepository
func NewWorkflowRepository(db *gorm.DB) ports.WorkflowRepository {
	return &workflowRepository{db: db}
}

func (r *workflowRepository) Create(ctx context.Context, inst *domain.WorkflowInstance) error {
	return translate(r.db.WithContext(ctx).Create(inst).Error, "workflow instance")
}

func (r *workflowRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.WorkflowInstance, error) {
	var inst domain.WorkflowInstance
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&inst).Error
	if err != nil {
		return nil, translate(err, "workflow instance")
	}
	return &inst, nil
}

// Save writes every mutable column of inst. The version check in the WHERE
// clause makes a stale writer lose instead of overwriting a newer transition.
func (r *workflowRepository) Save(ctx context.Context, inst *domain.WorkflowInstance, currentVersion int) error {
	result := r.db.WithContext(ctx).
		Model(&domain.WorkflowInstance{}).
		Where("id = ? AND version = ?", inst.ID, currentVersion).
		Updates(map[string]interface{}{
			"current_step_id": inst.CurrentStepID,
			"status":          inst.Status,
			"state":           inst.State,
			"variables":       inst.Variables,
			"waiting_task_id": inst.WaitingTaskID,
			"wait_deadline":   inst.WaitDeadline,
			"sequence":        inst.Sequence,
			"error":           inst.Error,
			"version":         inst.Version,
			"completed_at":    inst.CompletedAt,
		})

	if result.Error != nil {
		return translate(result.Error, "workflow instance")
	}

	if result.RowsAffected == 0 {
		return errors.Wrap(domain.ErrConflict, "workflow instance was advanced concurrently")
	}

	return nil
}

func (r *workflowRepository) List(ctx context.Context, orgID string, filter domain.InstanceFilter) ([]domain.WorkflowInstance, error) {
	q := r.db.WithContext(ctx).Where("org_id = ?", orgID)
	if filter.DefinitionName != "" {
		q = q.Where("definition_name = ?", filter.DefinitionName)
	}
	if filter.State != "" {
		q = q.Where("state = ?", filter.State)
	}
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var out []domain.WorkflowInstance
	err := q.Order("started_at DESC").Find(&out).Error
	return out, translate(err, "workflow instances")
}

func (r *workflowRepository) ListExpiredWaits(ctx context.Context, now time.Time, limit int) ([]domain.WorkflowInstance, error) {
	var out []domain.WorkflowInstance
	err := r.db.WithContext(ctx).
		Where("state = ? AND wait_deadline IS NOT NULL AND wait_deadline <= ?", domain.StateWaiting, now).
		Order("wait_deadline ASC").
		Limit(limit).
		Find(&out).Error
	return out, translate(err, "workflow instances")
}
