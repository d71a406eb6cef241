package repository

import (
	"context"

	"crm-flow/internal/core/ports"
	"crm-flow/internal/domain"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type taskRepository struct {
	db *gorm.DB
}

// NewTaskRepository creates a new instance of TaskRepository
func NewTaskRepository(db *gorm.DB) ports.TaskRepository {
	return &taskRepository{db: db}
}

func (r *taskRepository) Create(ctx context.Context, task *domain.Task) error {
	return translate(r.db.WithContext(ctx).Create(task).Error, "task")
}

func (r *taskRepository) FindTaskByID(ctx context.Context, id uuid.UUID) (*domain.Task, error) {
	var task domain.Task
	err := r.db.WithContext(ctx).Where("id = ?", id).First(&task).Error
	if err != nil {
		return nil, translate(err, "task")
	}
	return &task, nil
}

func (r *taskRepository) List(ctx context.Context, orgID string, filter domain.TaskFilter) ([]domain.Task, error) {
	q := r.db.WithContext(ctx).Where("org_id = ?", orgID)
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.AssignedTo != "" {
		q = q.Where("assigned_to = ?", filter.AssignedTo)
	}
	if filter.AssignedRole != "" {
		q = q.Where("assigned_role = ?", filter.AssignedRole)
	}
	if filter.WorkflowID != nil {
		q = q.Where("workflow_id = ?", *filter.WorkflowID)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var tasks []domain.Task
	err := q.Order("created_at DESC").Find(&tasks).Error
	return tasks, translate(err, "tasks")
}

func (r *taskRepository) Delete(ctx context.Context, ids ...uuid.UUID) error {
	if len(ids) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).Where("id IN ?", ids).Delete(&domain.Task{}).Error
	return translate(err, "tasks")
}

func (r *taskRepository) ClaimTask(ctx context.Context, taskID uuid.UUID, userID string, currentVersion int) error {
	result := r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("id = ? AND version = ? AND status <> ?", taskID, currentVersion, domain.TaskDone).
		Where("assigned_to = '' OR assigned_to IS NULL OR assigned_to = ?", userID).
		Updates(map[string]interface{}{
			"assigned_to": userID,
			"status":      domain.TaskInProgress,
			"version":     currentVersion + 1,
		})

	if result.Error != nil {
		return translate(result.Error, "task")
	}

	if result.RowsAffected == 0 {
		return errors.Wrap(domain.ErrConflict, "task was claimed concurrently")
	}

	return nil
}

func (r *taskRepository) CompleteTask(ctx context.Context, task *domain.Task, currentVersion int) error {
	result := r.db.WithContext(ctx).
		Model(&domain.Task{}).
		Where("id = ? AND version = ? AND status <> ?", task.ID, currentVersion, domain.TaskDone).
		Updates(map[string]interface{}{
			"status":          domain.TaskDone,
			"outcome":         task.Outcome,
			"outcome_comment": task.OutcomeComment,
			"completed_at":    task.CompletedAt,
			"completed_by":    task.CompletedBy,
			"version":         currentVersion + 1,
		})

	if result.Error != nil {
		return translate(result.Error, "task")
	}

	if result.RowsAffected == 0 {
		return errors.Wrap(domain.ErrConflict, "task was modified concurrently")
	}

	return nil
}
