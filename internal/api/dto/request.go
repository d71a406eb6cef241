package dto

import (
	"crm-flow/internal/domain"

	"github.com/google/uuid"
)

type CreateTaskRequest struct {
	WorkflowID   *uuid.UUID     `json:"workflow_id"`
	Title        string         `json:"title" binding:"required"`
	Description  string         `json:"description"`
	TaskType     string         `json:"task_type"`
	AssignedTo   string         `json:"assigned_to"`
	AssignedRole string         `json:"assigned_role"`
	DueDate      string         `json:"due_date"`
	Metadata     map[string]any `json:"metadata"`
}

type CompleteTaskRequest struct {
	Outcome string `json:"outcome"`
	Comment string `json:"comment"`
}

// ListTasksQuery binds the task list filters. Mine restricts the list to
// tasks assigned to the caller.
type ListTasksQuery struct {
	Status       string `form:"status"`
	AssignedTo   string `form:"assigned_to"`
	AssignedRole string `form:"assigned_role"`
	WorkflowID   string `form:"workflow_id"`
	Mine         bool   `form:"mine"`
	Limit        int    `form:"limit"`
}

type DefinitionRequest struct {
	Name        string                `json:"name"`
	Description string                `json:"description"`
	Statuses    []domain.StatusOption `json:"statuses" binding:"required,min=1"`
	Steps       []domain.Step         `json:"steps" binding:"required,min=1"`
}

func (r DefinitionRequest) Definition() *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		Name:        r.Name,
		Description: r.Description,
		Statuses:    r.Statuses,
		Steps:       r.Steps,
	}
}

type StartWorkflowRequest struct {
	Workflow  string         `json:"workflow" binding:"required"`
	Variables map[string]any `json:"variables"`
}

type ListInstancesQuery struct {
	Workflow string `form:"workflow"`
	State    string `form:"state"`
	Status   string `form:"status"`
	Limit    int    `form:"limit"`
}

type TerminateRequest struct {
	Reason string `json:"reason"`
}

type TriggerEventRequest struct {
	Event     string         `json:"event" binding:"required"`
	Variables map[string]any `json:"variables"`
}

type HistoryQuery struct {
	EntityType string `form:"entity_type" binding:"required"`
	EntityID   string `form:"entity_id" binding:"required"`
	Limit      int    `form:"limit"`
}
