package dto

import (
	"crm-flow/internal/domain"

	"github.com/google/uuid"
)

type ErrorResponse struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

type StartWorkflowResponse struct {
	ID    uuid.UUID             `json:"id"`
	State domain.ExecutionState `json:"state"`
}

type TriggerEventResponse struct {
	Started []StartWorkflowResponse `json:"started"`
}

// ListResponse wraps every collection so the envelope can grow.
type ListResponse[T any] struct {
	Items []T `json:"items"`
	Count int `json:"count"`
}

func NewList[T any](items []T) ListResponse[T] {
	if items == nil {
		items = []T{}
	}
	return ListResponse[T]{Items: items, Count: len(items)}
}
