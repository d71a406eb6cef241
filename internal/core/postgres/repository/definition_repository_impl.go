package repository

import (
	"context"

	"crm-flow/internal/core/ports"
	"crm-flow/internal/domain"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gorm.io/gorm"
)

type definitionRepository struct {
	db *gorm.DB
}

func NewDefinitionRepository(db *gorm.DB) ports.DefinitionRepository {
	return &definitionRepository{db: db}
}

// CreateVersion relies on the (org_id, name, version) unique index: two
// concurrent edits of the same version collide and the loser gets ErrConflict.
func (r *definitionRepository) CreateVersion(ctx context.Context, def *domain.WorkflowDefinition) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&domain.WorkflowDefinition{}).
			Where("org_id = ? AND name = ? AND is_latest = ?", def.OrgID, def.Name, true).
			Update("is_latest", false).Error
		if err != nil {
			return translate(err, "workflow definition")
		}

		def.IsLatest = true
		return translate(tx.Create(def).Error, "workflow definition version")
	})
}

func (r *definitionRepository) GetByID(ctx context.Context, id uuid.UUID) (*domain.WorkflowDefinition, error) {
	var def domain.WorkflowDefinition
	if err := r.db.WithContext(ctx).Where("id = ?", id).First(&def).Error; err != nil {
		return nil, translate(err, "workflow definition")
	}
	return &def, nil
}

func (r *definitionRepository) GetLatest(ctx context.Context, orgID, name string) (*domain.WorkflowDefinition, error) {
	var def domain.WorkflowDefinition
	err := r.db.WithContext(ctx).
		Where("org_id = ? AND name = ? AND is_latest = ?", orgID, name, true).
		First(&def).Error
	if err != nil {
		return nil, translate(err, "workflow definition")
	}
	return &def, nil
}

func (r *definitionRepository) ListLatest(ctx context.Context, orgID string) ([]domain.WorkflowDefinition, error) {
	var defs []domain.WorkflowDefinition
	err := r.db.WithContext(ctx).
		Where("org_id = ? AND is_latest = ?", orgID, true).
		Order("name ASC").
		Find(&defs).Error
	return defs, translate(err, "workflow definitions")
}

func (r *definitionRepository) ListVersions(ctx context.Context, orgID, name string) ([]domain.WorkflowDefinition, error) {
	var defs []domain.WorkflowDefinition
	err := r.db.WithContext(ctx).
		Where("org_id = ? AND name = ?", orgID, name).
		Order("version DESC").
		Find(&defs).Error
	return defs, translate(err, "workflow definitions")
}

func (r *definitionRepository) SetActive(ctx context.Context, id uuid.UUID, active bool) error {
	result := r.db.WithContext(ctx).
		Model(&domain.WorkflowDefinition{}).
		Where("id = ?", id).
		Update("is_active", active)
	if result.Error != nil {
		return translate(result.Error, "workflow definition")
	}
	if result.RowsAffected == 0 {
		return errors.Wrap(domain.ErrNotFound, "workflow definition")
	}
	return nil
}
