package domain

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

type TaskStatus string

const (
	TaskTodo       TaskStatus = "todo"
	TaskInProgress TaskStatus = "in_progress"
	TaskDone       TaskStatus = "done"
)

type TaskType string

const (
	TaskTypeStandard TaskType = "standard"
	TaskTypeApproval TaskType = "approval"
)

type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
)

// Valid reports whether o is one of the two approval outcomes.
func (o Outcome) Valid() bool {
	return o == OutcomeApproved || o == OutcomeRejected
}

func ParseTaskType(s string) (TaskType, bool) {
	switch TaskType(s) {
	case "", TaskTypeStandard:
		return TaskTypeStandard, true
	case TaskTypeApproval:
		return TaskTypeApproval, true
	}
	return "", false
}

type Task struct {
	ID         uuid.UUID  `gorm:"type:uuid;primary_key;" json:"id"`
	OrgID      string     `gorm:"type:varchar(64);index;not null" json:"org_id"`
	WorkflowID *uuid.UUID `gorm:"type:uuid;index" json:"workflow_id,omitempty"`
	StepID     string     `gorm:"type:varchar(100)" json:"step_id,omitempty"`

	Title       string   `gorm:"type:varchar(255);not null" json:"title"`
	Description string   `gorm:"type:text" json:"description,omitempty"`
	TaskType    TaskType `gorm:"type:varchar(20);not null;default:'standard'" json:"task_type"`

	Status       TaskStatus `gorm:"type:varchar(20);index;default:'todo'" json:"status"`
	AssignedTo   string     `gorm:"type:varchar(100);index" json:"assigned_to,omitempty"`
	AssignedRole string     `gorm:"type:varchar(100);index" json:"assigned_role,omitempty"`

	Outcome        *Outcome `gorm:"type:varchar(20)" json:"outcome,omitempty"`
	OutcomeComment string   `gorm:"type:text" json:"outcome_comment,omitempty"`

	DueDate     *time.Time        `json:"due_date,omitempty"`
	Metadata    datatypes.JSONMap `gorm:"type:jsonb" json:"metadata,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	CompletedBy string            `gorm:"type:varchar(100)" json:"completed_by,omitempty"`
	CreatedBy   string            `gorm:"type:varchar(100)" json:"created_by,omitempty"`

	Version int `gorm:"default:1" json:"version"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func NewTask(orgID, title string) *Task {
	return &Task{
		ID:       uuid.New(),
		OrgID:    orgID,
		Title:    title,
		TaskType: TaskTypeStandard,
		Status:   TaskTodo,
		Metadata: datatypes.JSONMap{},
		Version:  1,
	}
}

func (t *Task) IsApproval() bool { return t.TaskType == TaskTypeApproval }

func (t *Task) IsDone() bool { return t.Status == TaskDone }

// RoleAssignable reports whether anyone can claim the task through a role or
// a direct assignment.
func (t *Task) RoleAssignable() bool {
	return t.AssignedTo != "" || t.AssignedRole != ""
}

// Clone returns a copy that shares no mutable state with t.
func (t *Task) Clone() *Task {
	c := *t
	if t.WorkflowID != nil {
		id := *t.WorkflowID
		c.WorkflowID = &id
	}
	if t.Outcome != nil {
		o := *t.Outcome
		c.Outcome = &o
	}
	if t.DueDate != nil {
		d := *t.DueDate
		c.DueDate = &d
	}
	if t.CompletedAt != nil {
		d := *t.CompletedAt
		c.CompletedAt = &d
	}
	c.Metadata = CloneJSONMap(t.Metadata)
	return &c
}

// TaskFilter narrows task listings. Empty fields match everything.
type TaskFilter struct {
	Status       TaskStatus
	AssignedTo   string
	AssignedRole string
	WorkflowID   *uuid.UUID
	Limit        int
}
