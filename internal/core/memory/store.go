// Package memory implements the store ports with mutex-guarded maps. It backs
// the "memory" store driver and the service and engine tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"crm-flow/internal/core/ports"
	"crm-flow/internal/domain"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

func NewStore() ports.Store {
	return ports.Store{
		Tasks:         NewTaskRepository(),
		Workflows:     NewWorkflowRepository(),
		Definitions:   NewDefinitionRepository(),
		ActivityLog:   NewActivityLogRepository(),
		Notifications: NewNotificationRepository(),
	}
}

type TaskRepository struct {
	mu    sync.RWMutex
	tasks map[uuid.UUID]*domain.Task
}

func NewTaskRepository() *TaskRepository {
	return &TaskRepository{tasks: make(map[uuid.UUID]*domain.Task)}
}

func (r *TaskRepository) Create(_ context.Context, task *domain.Task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tasks[task.ID]; exists {
		return errors.Wrap(domain.ErrConflict, "task already exists")
	}
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	r.tasks[task.ID] = task.Clone()
	return nil
}

func (r *TaskRepository) FindTaskByID(_ context.Context, id uuid.UUID) (*domain.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.tasks[id]
	if !ok {
		return nil, errors.Wrap(domain.ErrNotFound, "task")
	}
	return t.Clone(), nil
}

func (r *TaskRepository) List(_ context.Context, orgID string, f domain.TaskFilter) ([]domain.Task, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.Task
	for _, t := range r.tasks {
		switch {
		case t.OrgID != orgID:
		case f.Status != "" && t.Status != f.Status:
		case f.AssignedTo != "" && t.AssignedTo != f.AssignedTo:
		case f.AssignedRole != "" && t.AssignedRole != f.AssignedRole:
		case f.WorkflowID != nil && (t.WorkflowID == nil || *t.WorkflowID != *f.WorkflowID):
		default:
			out = append(out, *t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *TaskRepository) Delete(_ context.Context, ids ...uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range ids {
		delete(r.tasks, id)
	}
	return nil
}

func (r *TaskRepository) ClaimTask(_ context.Context, taskID uuid.UUID, userID string, currentVersion int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[taskID]
	if !ok {
		return errors.Wrap(domain.ErrNotFound, "task")
	}
	if t.Version != currentVersion || t.IsDone() || (t.AssignedTo != "" && t.AssignedTo != userID) {
		return errors.Wrap(domain.ErrConflict, "task was claimed concurrently")
	}
	t.AssignedTo = userID
	t.Status = domain.TaskInProgress
	t.Version = currentVersion + 1
	t.UpdatedAt = time.Now()
	return nil
}

func (r *TaskRepository) CompleteTask(_ context.Context, task *domain.Task, currentVersion int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[task.ID]
	if !ok {
		return errors.Wrap(domain.ErrNotFound, "task")
	}
	if t.Version != currentVersion || t.IsDone() {
		return errors.Wrap(domain.ErrConflict, "task was modified concurrently")
	}
	c := task.Clone()
	t.Status = domain.TaskDone
	t.Outcome = c.Outcome
	t.OutcomeComment = c.OutcomeComment
	t.CompletedAt = c.CompletedAt
	t.CompletedBy = c.CompletedBy
	t.Version = currentVersion + 1
	t.UpdatedAt = time.Now()
	return nil
}

type WorkflowRepository struct {
	mu        sync.RWMutex
	instances map[uuid.UUID]*domain.WorkflowInstance
}

func NewWorkflowRepository() *WorkflowRepository {
	return &WorkflowRepository{instances: make(map[uuid.UUID]*domain.WorkflowInstance)}
}

func (r *WorkflowRepository) Create(_ context.Context, inst *domain.WorkflowInstance) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.instances[inst.ID]; exists {
		return errors.Wrap(domain.ErrConflict, "workflow instance already exists")
	}
	inst.UpdatedAt = time.Now()
	r.instances[inst.ID] = inst.Clone()
	return nil
}

func (r *WorkflowRepository) GetByID(_ context.Context, id uuid.UUID) (*domain.WorkflowInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	inst, ok := r.instances[id]
	if !ok {
		return nil, errors.Wrap(domain.ErrNotFound, "workflow instance")
	}
	return inst.Clone(), nil
}

func (r *WorkflowRepository) Save(_ context.Context, inst *domain.WorkflowInstance, currentVersion int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	stored, ok := r.instances[inst.ID]
	if !ok {
		return errors.Wrap(domain.ErrNotFound, "workflow instance")
	}
	if stored.Version != currentVersion {
		return errors.Wrap(domain.ErrConflict, "workflow instance was advanced concurrently")
	}
	inst.UpdatedAt = time.Now()
	r.instances[inst.ID] = inst.Clone()
	return nil
}

func (r *WorkflowRepository) List(_ context.Context, orgID string, f domain.InstanceFilter) ([]domain.WorkflowInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.WorkflowInstance
	for _, inst := range r.instances {
		switch {
		case inst.OrgID != orgID:
		case f.DefinitionName != "" && inst.DefinitionName != f.DefinitionName:
		case f.State != "" && inst.State != f.State:
		case f.Status != "" && inst.Status != f.Status:
		default:
			out = append(out, *inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (r *WorkflowRepository) ListExpiredWaits(_ context.Context, now time.Time, limit int) ([]domain.WorkflowInstance, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.WorkflowInstance
	for _, inst := range r.instances {
		if inst.State == domain.StateWaiting && inst.WaitDeadline != nil && !inst.WaitDeadline.After(now) {
			out = append(out, *inst.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].WaitDeadline.Before(*out[j].WaitDeadline) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
