package service

import (
	"context"
	"strings"

	"crm-flow/internal/core/ports"
	"crm-flow/internal/domain"
	"crm-flow/internal/engine"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type WorkflowService interface {
	StartWorkflow(ctx context.Context, p domain.Principal, name string, vars map[string]any) (*domain.WorkflowInstance, error)
	TriggerEvent(ctx context.Context, p domain.Principal, event string, vars map[string]any) ([]*domain.WorkflowInstance, error)
	GetInstance(ctx context.Context, p domain.Principal, id uuid.UUID) (*domain.WorkflowInstance, error)
	ListInstances(ctx context.Context, p domain.Principal, f domain.InstanceFilter) ([]domain.WorkflowInstance, error)
	Terminate(ctx context.Context, p domain.Principal, id uuid.UUID, reason string) error
}

// The Implementation
type workflowService struct {
	engine    *engine.Engine
	workflows ports.WorkflowRepository
}

// Constructor
func NewWorkflowService(eng *engine.Engine, workflows ports.WorkflowRepository) WorkflowService {
	return &workflowService{
		engine:    eng,
		workflows: workflows,
	}
}

func (s *workflowService) StartWorkflow(ctx context.Context, p domain.Principal, name string, vars map[string]any) (*domain.WorkflowInstance, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, domain.Invalid("workflow", "must not be empty")
	}
	return s.engine.Start(ctx, p, name, vars)
}

// TriggerEvent starts every active workflow of the caller's org that listens
// for event. No listener is not an error.
func (s *workflowService) TriggerEvent(ctx context.Context, p domain.Principal, event string, vars map[string]any) ([]*domain.WorkflowInstance, error) {
	event = strings.TrimSpace(event)
	if event == "" {
		return nil, domain.Invalid("event", "must not be empty")
	}
	return s.engine.Trigger(ctx, p.OrgID, event, vars)
}

func (s *workflowService) GetInstance(ctx context.Context, p domain.Principal, id uuid.UUID) (*domain.WorkflowInstance, error) {
	inst, err := s.workflows.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if inst.OrgID != p.OrgID {
		return nil, errors.Wrap(domain.ErrNotFound, "workflow instance")
	}
	return inst, nil
}

func (s *workflowService) ListInstances(ctx context.Context, p domain.Principal, f domain.InstanceFilter) ([]domain.WorkflowInstance, error) {
	return s.workflows.List(ctx, p.OrgID, f)
}

// Terminate cancels an instance. Only admins may do it.
func (s *workflowService) Terminate(ctx context.Context, p domain.Principal, id uuid.UUID, reason string) error {
	if err := requireAdmin(p); err != nil {
		return err
	}
	return s.engine.Terminate(ctx, p, id, strings.TrimSpace(reason))
}
