package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Activity names known to the worker registry.
const (
	ActivitySendEmail          = "send_email"
	ActivityWriteAuditLog      = "write_audit_log"
	ActivityCreateNotification = "create_notification"
	ActivityCreateFollowUpTask = "create_follow_up_task"
)

// ActivityJob is one unit of side-effecting work. Its ID is stable across
// retries and redeliveries so handlers can deduplicate.
type ActivityJob struct {
	ID         uuid.UUID       `json:"id"`
	Name       string          `json:"name"`
	OrgID      string          `json:"org_id"`
	InstanceID *uuid.UUID      `json:"instance_id,omitempty"`
	Input      json.RawMessage `json:"input"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// NewActivityJob marshals input into a job. Marshalling only fails for
// values JSON cannot represent, which is a programming error.
func NewActivityJob(id uuid.UUID, name, orgID string, instanceID *uuid.UUID, input any) (ActivityJob, error) {
	raw, err := json.Marshal(input)
	if err != nil {
		return ActivityJob{}, err
	}
	return ActivityJob{ID: id, Name: name, OrgID: orgID, InstanceID: instanceID, Input: raw}, nil
}

// ActivityLogEntry is an append-only audit record. It is never updated or deleted.
type ActivityLogEntry struct {
	ID         uuid.UUID         `gorm:"type:uuid;primary_key;" json:"id"`
	OrgID      string            `gorm:"type:varchar(64);index;not null" json:"org_id"`
	EntityType string            `gorm:"type:varchar(50);index:idx_activity_entity" json:"entity_type"`
	EntityID   string            `gorm:"type:varchar(64);index:idx_activity_entity" json:"entity_id"`
	Action     string            `gorm:"type:varchar(50);not null" json:"action"`
	Details    datatypes.JSONMap `gorm:"type:jsonb" json:"details,omitempty"`
	Actor      string            `gorm:"type:varchar(100)" json:"actor,omitempty"`
	Timestamp  time.Time         `gorm:"column:occurred_at;index" json:"timestamp"`
}

func (ActivityLogEntry) TableName() string { return "activity_log" }

// Entity types recorded in the activity log.
const (
	EntityTask       = "task"
	EntityWorkflow   = "workflow_instance"
	EntityDefinition = "workflow_definition"
)

type Notification struct {
	ID         uuid.UUID `gorm:"type:uuid;primary_key;" json:"id"`
	OrgID      string    `gorm:"type:varchar(64);index;not null" json:"org_id"`
	UserID     string    `gorm:"type:varchar(100);index;not null" json:"user_id"`
	Title      string    `gorm:"type:varchar(255)" json:"title"`
	Body       string    `gorm:"type:text" json:"body,omitempty"`
	EntityType string    `gorm:"type:varchar(50)" json:"entity_type,omitempty"`
	EntityID   string    `gorm:"type:varchar(64)" json:"entity_id,omitempty"`
	Read       bool      `gorm:"column:is_read;default:false" json:"read"`
	CreatedAt  time.Time `json:"created_at"`
}

// Activity inputs. They travel as the JSON body of an ActivityJob.

type AuditInput struct {
	EntityType string         `json:"entity_type"`
	EntityID   string         `json:"entity_id"`
	Action     string         `json:"action"`
	Details    map[string]any `json:"details,omitempty"`
	Actor      string         `json:"actor,omitempty"`
	At         time.Time      `json:"at"`
}

type NotificationInput struct {
	UserID     string `json:"user_id"`
	Title      string `json:"title"`
	Body       string `json:"body,omitempty"`
	EntityType string `json:"entity_type,omitempty"`
	EntityID   string `json:"entity_id,omitempty"`
}

type EmailInput struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body,omitempty"`
}

type FollowUpInput struct {
	Title        string     `json:"title"`
	AssignedTo   string     `json:"assigned_to,omitempty"`
	AssignedRole string     `json:"assigned_role,omitempty"`
	DueDate      *time.Time `json:"due_date,omitempty"`
	SourceID     string     `json:"source_id,omitempty"`
	SourceStep   string     `json:"source_step,omitempty"`
}
