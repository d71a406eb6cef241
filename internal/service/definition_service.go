package service

import (
	"context"
	"encoding/json"
	"reflect"
	"time"

	"crm-flow/internal/core/ports"
	"crm-flow/internal/domain"
	"crm-flow/internal/logging"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// AdminRole may author definitions and terminate instances.
const AdminRole = "admin"

const (
	ActionDefinitionCreated     = "definition.created"
	ActionDefinitionUpdated     = "definition.updated"
	ActionDefinitionDeactivated = "definition.deactivated"
)

type DefinitionService struct {
	defs ports.DefinitionRepository
	side *sideEffects
	log  logrus.FieldLogger
}

func NewDefinitionService(defs ports.DefinitionRepository, queue ports.ActivityQueue, log logrus.FieldLogger) *DefinitionService {
	log = logging.Component(log, "definition-service")
	return &DefinitionService{defs: defs, side: &sideEffects{queue: queue, log: log}, log: log}
}

func requireAdmin(p domain.Principal) error {
	if !p.HasRole(AdminRole) {
		return errors.Wrap(domain.ErrForbidden, "admin role required")
	}
	return nil
}

// Create stores version 1 of a new named definition.
func (s *DefinitionService) Create(ctx context.Context, p domain.Principal, def *domain.WorkflowDefinition) (*domain.WorkflowDefinition, error) {
	if err := requireAdmin(p); err != nil {
		return nil, err
	}
	if err := def.Normalize(); err != nil {
		return nil, err
	}
	_, err := s.defs.GetLatest(ctx, p.OrgID, def.Name)
	if err == nil {
		return nil, domain.Conflictf("workflow %q already exists", def.Name)
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}

	def.ID = uuid.New()
	def.OrgID = p.OrgID
	def.Version = 1
	def.IsActive = true
	def.CreatedBy = p.UserID
	def.CreatedAt = time.Now().UTC()
	if err := s.defs.CreateVersion(ctx, def); err != nil {
		return nil, err
	}
	s.audit(ctx, p, def, ActionDefinitionCreated)
	return def, nil
}

// Update stores def as the next version of name. Instances already running
// keep the version they started with.
func (s *DefinitionService) Update(ctx context.Context, p domain.Principal, name string, def *domain.WorkflowDefinition) (*domain.WorkflowDefinition, error) {
	if err := requireAdmin(p); err != nil {
		return nil, err
	}
	latest, err := s.defs.GetLatest(ctx, p.OrgID, name)
	if err != nil {
		return nil, err
	}
	def.Name = latest.Name
	if err := def.Normalize(); err != nil {
		return nil, err
	}

	def.ID = uuid.New()
	def.OrgID = p.OrgID
	def.Version = latest.Version + 1
	def.IsActive = true
	def.CreatedBy = p.UserID
	def.CreatedAt = time.Now().UTC()
	if err := s.defs.CreateVersion(ctx, def); err != nil {
		return nil, err
	}
	s.audit(ctx, p, def, ActionDefinitionUpdated)
	return def, nil
}

// Deactivate stops new instances of name from starting.
func (s *DefinitionService) Deactivate(ctx context.Context, p domain.Principal, name string) (*domain.WorkflowDefinition, error) {
	if err := requireAdmin(p); err != nil {
		return nil, err
	}
	latest, err := s.defs.GetLatest(ctx, p.OrgID, name)
	if err != nil {
		return nil, err
	}
	if !latest.IsActive {
		return latest, nil
	}
	if err := s.defs.SetActive(ctx, latest.ID, false); err != nil {
		return nil, err
	}
	latest.IsActive = false
	s.audit(ctx, p, latest, ActionDefinitionDeactivated)
	return latest, nil
}

// Apply creates or updates name from def, skipping the write when the
// stored latest version already matches. It is what the seed command runs.
func (s *DefinitionService) Apply(ctx context.Context, p domain.Principal, def *domain.WorkflowDefinition) (*domain.WorkflowDefinition, bool, error) {
	if err := def.Normalize(); err != nil {
		return nil, false, err
	}
	latest, err := s.defs.GetLatest(ctx, p.OrgID, def.Name)
	if errors.Is(err, domain.ErrNotFound) {
		created, err := s.Create(ctx, p, def)
		return created, err == nil, err
	}
	if err != nil {
		return nil, false, err
	}
	if sameShape(latest, def) && latest.IsActive {
		return latest, false, nil
	}
	updated, err := s.Update(ctx, p, def.Name, def)
	return updated, err == nil, err
}

// sameShape compares the authored parts of two definitions through their
// JSON form, which is how they are stored.
func sameShape(a, b *domain.WorkflowDefinition) bool {
	type shape struct {
		Description string
		Steps       []domain.Step
		Statuses    []domain.StatusOption
	}
	var sa, sb any
	for dst, d := range map[*any]*domain.WorkflowDefinition{&sa: a, &sb: b} {
		raw, err := json.Marshal(shape{d.Description, d.Steps, d.Statuses})
		if err != nil {
			return false
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return false
		}
	}
	return reflect.DeepEqual(sa, sb)
}

// Get returns a specific version of name, or the latest when version is 0.
func (s *DefinitionService) Get(ctx context.Context, p domain.Principal, name string, version int) (*domain.WorkflowDefinition, error) {
	if version == 0 {
		return s.defs.GetLatest(ctx, p.OrgID, name)
	}
	versions, err := s.defs.ListVersions(ctx, p.OrgID, name)
	if err != nil {
		return nil, err
	}
	for i := range versions {
		if versions[i].Version == version {
			return &versions[i], nil
		}
	}
	return nil, errors.Wrapf(domain.ErrNotFound, "workflow %q version %d", name, version)
}

func (s *DefinitionService) List(ctx context.Context, p domain.Principal) ([]domain.WorkflowDefinition, error) {
	return s.defs.ListLatest(ctx, p.OrgID)
}

func (s *DefinitionService) ListVersions(ctx context.Context, p domain.Principal, name string) ([]domain.WorkflowDefinition, error) {
	versions, err := s.defs.ListVersions(ctx, p.OrgID, name)
	if err != nil {
		return nil, err
	}
	if len(versions) == 0 {
		return nil, errors.Wrapf(domain.ErrNotFound, "workflow %q", name)
	}
	return versions, nil
}

func (s *DefinitionService) audit(ctx context.Context, p domain.Principal, def *domain.WorkflowDefinition, action string) {
	s.side.audit(ctx, p.OrgID, domain.EntityDefinition, def.ID.String(), action, p.UserID, map[string]any{
		"name":    def.Name,
		"version": def.Version,
	})
	s.log.WithFields(logrus.Fields{"name": def.Name, "version": def.Version, "action": action}).Info("workflow definition changed")
}
