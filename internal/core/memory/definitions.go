package memory

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"crm-flow/internal/domain"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

type DefinitionRepository struct {
	mu   sync.RWMutex
	defs map[uuid.UUID]*domain.WorkflowDefinition
}

func NewDefinitionRepository() *DefinitionRepository {
	return &DefinitionRepository{defs: make(map[uuid.UUID]*domain.WorkflowDefinition)}
}

// copyDefinition round-trips through JSON, the same encoding the Postgres
// store uses for steps and statuses.
func copyDefinition(d *domain.WorkflowDefinition) (*domain.WorkflowDefinition, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, err
	}
	var out domain.WorkflowDefinition
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (r *DefinitionRepository) CreateVersion(_ context.Context, def *domain.WorkflowDefinition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, d := range r.defs {
		if d.OrgID == def.OrgID && d.Name == def.Name && d.Version == def.Version {
			return errors.Wrap(domain.ErrConflict, "workflow definition version already exists")
		}
	}
	def.IsLatest = true
	if def.CreatedAt.IsZero() {
		def.CreatedAt = time.Now()
	}
	stored, err := copyDefinition(def)
	if err != nil {
		return errors.Wrap(err, "workflow definition")
	}
	for _, d := range r.defs {
		if d.OrgID == def.OrgID && d.Name == def.Name {
			d.IsLatest = false
		}
	}
	r.defs[def.ID] = stored
	return nil
}

func (r *DefinitionRepository) GetByID(_ context.Context, id uuid.UUID) (*domain.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.defs[id]
	if !ok {
		return nil, errors.Wrap(domain.ErrNotFound, "workflow definition")
	}
	return copyDefinition(d)
}

func (r *DefinitionRepository) GetLatest(_ context.Context, orgID, name string) (*domain.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, d := range r.defs {
		if d.OrgID == orgID && d.Name == name && d.IsLatest {
			return copyDefinition(d)
		}
	}
	return nil, errors.Wrap(domain.ErrNotFound, "workflow definition")
}

func (r *DefinitionRepository) ListLatest(_ context.Context, orgID string) ([]domain.WorkflowDefinition, error) {
	return r.list(func(d *domain.WorkflowDefinition) bool {
		return d.OrgID == orgID && d.IsLatest
	}, func(a, b domain.WorkflowDefinition) bool { return a.Name < b.Name })
}

func (r *DefinitionRepository) ListVersions(_ context.Context, orgID, name string) ([]domain.WorkflowDefinition, error) {
	return r.list(func(d *domain.WorkflowDefinition) bool {
		return d.OrgID == orgID && d.Name == name
	}, func(a, b domain.WorkflowDefinition) bool { return a.Version > b.Version })
}

func (r *DefinitionRepository) list(match func(*domain.WorkflowDefinition) bool, less func(a, b domain.WorkflowDefinition) bool) ([]domain.WorkflowDefinition, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []domain.WorkflowDefinition
	for _, d := range r.defs {
		if !match(d) {
			continue
		}
		c, err := copyDefinition(d)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	return out, nil
}

func (r *DefinitionRepository) SetActive(_ context.Context, id uuid.UUID, active bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.defs[id]
	if !ok {
		return errors.Wrap(domain.ErrNotFound, "workflow definition")
	}
	d.IsActive = active
	return nil
}
