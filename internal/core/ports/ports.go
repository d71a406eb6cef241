package ports

import (
	"context"
	"time"

	"crm-flow/internal/domain"

	"github.com/google/uuid"
)

// ActivityQueue carries activity jobs from the engine and services to the worker pool
type ActivityQueue interface {
	// Push a job to the end of the queue
	Push(ctx context.Context, job domain.ActivityJob) error

	// Wait (Block) until a job is available
	Pop(ctx context.Context) (domain.ActivityJob, error)
}

// SignalBus carries signals from the task layer to the coordinator
type SignalBus interface {
	Publish(ctx context.Context, env domain.SignalEnvelope) error

	// Subscribe returns a stream of deliveries in publish order. The channel
	// is closed when ctx is done. A delivery stays on the bus until it is
	// settled without an error.
	Subscribe(ctx context.Context) (<-chan SignalDelivery, error)
}

// SignalDelivery is one envelope read from a SignalBus.
type SignalDelivery struct {
	Envelope domain.SignalEnvelope

	// Settle reports the handling result to the bus. nil removes the
	// envelope, an error hands it back for redelivery.
	Settle func(err error)
}

// Done settles the delivery if the bus asked for it.
func (d SignalDelivery) Done(err error) {
	if d.Settle != nil {
		d.Settle(err)
	}
}

// SignalSender hands a signal to whatever delivers it to the dispatcher
type SignalSender interface {
	Send(ctx context.Context, instanceID uuid.UUID, sig domain.Signal) error
}

// TaskRepository represents the task store operations
type TaskRepository interface {
	// Create inserts a task. A task with the same ID already present yields domain.ErrConflict.
	Create(ctx context.Context, task *domain.Task) error

	FindTaskByID(ctx context.Context, id uuid.UUID) (*domain.Task, error)

	List(ctx context.Context, orgID string, filter domain.TaskFilter) ([]domain.Task, error)

	// The "Claim" (Optimistic Locking)
	// "Set assigned_to=?, status=in_progress WHERE id=? AND version=? AND assigned_to IN ('', ?)"
	// Zero rows affected yields domain.ErrConflict.
	ClaimTask(ctx context.Context, taskID uuid.UUID, userID string, currentVersion int) error

	// CompleteTask writes the completion fields of task guarded by currentVersion.
	CompleteTask(ctx context.Context, task *domain.Task, currentVersion int) error

	// Delete removes tasks by id. Missing ids are ignored.
	Delete(ctx context.Context, ids ...uuid.UUID) error
}

// WorkflowRepository represents the workflow instance operations
type WorkflowRepository interface {
	Create(ctx context.Context, inst *domain.WorkflowInstance) error

	GetByID(ctx context.Context, id uuid.UUID) (*domain.WorkflowInstance, error)

	// Save persists inst if its stored version still equals currentVersion.
	// inst.Version must already hold the next version.
	Save(ctx context.Context, inst *domain.WorkflowInstance, currentVersion int) error

	List(ctx context.Context, orgID string, filter domain.InstanceFilter) ([]domain.WorkflowInstance, error)

	// ListExpiredWaits returns waiting instances whose deadline is at or before now
	ListExpiredWaits(ctx context.Context, now time.Time, limit int) ([]domain.WorkflowInstance, error)
}

// DefinitionRepository stores immutable definition versions
type DefinitionRepository interface {
	// CreateVersion inserts def as the latest version of its name and clears
	// the latest flag of every older version, atomically.
	CreateVersion(ctx context.Context, def *domain.WorkflowDefinition) error

	GetByID(ctx context.Context, id uuid.UUID) (*domain.WorkflowDefinition, error)
	GetLatest(ctx context.Context, orgID, name string) (*domain.WorkflowDefinition, error)
	ListLatest(ctx context.Context, orgID string) ([]domain.WorkflowDefinition, error)
	ListVersions(ctx context.Context, orgID, name string) ([]domain.WorkflowDefinition, error)
	SetActive(ctx context.Context, id uuid.UUID, active bool) error
}

// ActivityLogRepository is append-only
type ActivityLogRepository interface {
	// Append ignores an entry whose ID is already stored, so redelivered
	// audit activities write once.
	Append(ctx context.Context, entry *domain.ActivityLogEntry) error
	List(ctx context.Context, orgID, entityType, entityID string, limit int) ([]domain.ActivityLogEntry, error)
}

type NotificationRepository interface {
	// Create ignores a notification whose ID is already stored.
	Create(ctx context.Context, n *domain.Notification) error
	ListForUser(ctx context.Context, orgID, userID string, unreadOnly bool) ([]domain.Notification, error)
	MarkRead(ctx context.Context, orgID, userID string, id uuid.UUID) error
}

// Store bundles the repositories a driver provides
type Store struct {
	Tasks         TaskRepository
	Workflows     WorkflowRepository
	Definitions   DefinitionRepository
	ActivityLog   ActivityLogRepository
	Notifications NotificationRepository
}
