package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// ExecutionState tracks where an instance is in its lifecycle, independent of
// the definition-scoped business Status.
type ExecutionState string

const (
	StateRunning   ExecutionState = "running"
	StateWaiting   ExecutionState = "waiting"
	StateCompleted ExecutionState = "completed"
	StateFailed    ExecutionState = "failed"
	StateCancelled ExecutionState = "cancelled"
)

type WorkflowInstance struct {
	ID                uuid.UUID `gorm:"type:uuid;primary_key;" json:"id"`
	OrgID             string    `gorm:"type:varchar(64);index;not null" json:"org_id"`
	DefinitionID      uuid.UUID `gorm:"type:uuid;index;not null" json:"definition_id"`
	DefinitionName    string    `gorm:"type:varchar(100);not null" json:"definition_name"`
	DefinitionVersion int       `gorm:"not null" json:"definition_version"`

	// State
	CurrentStepID string            `gorm:"type:varchar(100)" json:"current_step_id,omitempty"`
	Status        string            `gorm:"type:varchar(50)" json:"status"`
	State         ExecutionState    `gorm:"type:varchar(20);index;default:'running'" json:"state"`
	Variables     datatypes.JSONMap `gorm:"type:jsonb" json:"variables"`

	// Suspension
	WaitingTaskID *uuid.UUID `gorm:"type:uuid" json:"waiting_task_id,omitempty"`
	WaitDeadline  *time.Time `gorm:"index" json:"wait_deadline,omitempty"`

	// Sequence counts executed steps and seeds deterministic task ids.
	Sequence int    `gorm:"default:0" json:"sequence"`
	Error    string `gorm:"type:text" json:"error,omitempty"`
	Version  int    `gorm:"default:1" json:"version"`

	StartedBy   string     `gorm:"type:varchar(100)" json:"started_by,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// --- FACTORY ---
func NewWorkflowInstance(def *WorkflowDefinition, vars map[string]any, startedBy string, at time.Time) *WorkflowInstance {
	variables := datatypes.JSONMap{}
	for k, v := range vars {
		variables[k] = v
	}
	return &WorkflowInstance{
		ID:                uuid.New(),
		OrgID:             def.OrgID,
		DefinitionID:      def.ID,
		DefinitionName:    def.Name,
		DefinitionVersion: def.Version,
		Status:            def.InitialStatus(),
		State:             StateRunning,
		Variables:         variables,
		Version:           1,
		StartedBy:         startedBy,
		StartedAt:         at,
	}
}

// --- METHODS ---
func (w *WorkflowInstance) IsFinished() bool {
	return w.State == StateCompleted || w.State == StateFailed || w.State == StateCancelled
}

func (w *WorkflowInstance) IsWaiting() bool { return w.State == StateWaiting }

func (w *WorkflowInstance) Clone() *WorkflowInstance {
	c := *w
	c.Variables = CloneJSONMap(w.Variables)
	if w.WaitingTaskID != nil {
		id := *w.WaitingTaskID
		c.WaitingTaskID = &id
	}
	if w.WaitDeadline != nil {
		d := *w.WaitDeadline
		c.WaitDeadline = &d
	}
	if w.CompletedAt != nil {
		d := *w.CompletedAt
		c.CompletedAt = &d
	}
	return &c
}

// InstanceFilter narrows instance listings. Empty fields match everything.
type InstanceFilter struct {
	DefinitionName string
	State          ExecutionState
	Status         string
	Limit          int
}
