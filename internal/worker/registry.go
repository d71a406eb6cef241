package worker

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"crm-flow/internal/core/ports"
	"crm-flow/internal/domain"

	"github.com/pkg/errors"
	"gorm.io/datatypes"
)

// ActivityHandler is the blueprint for any function that does side-effecting
// work. The job ID is stable across retries; handlers use it to deduplicate.
type ActivityHandler func(ctx context.Context, job domain.ActivityJob) ([]byte, error)

// Registry holds all our executable activities
type Registry map[string]ActivityHandler

// Mailer delivers a single email.
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// InitRegistry wires up the activity handlers against the store and mailer
func InitRegistry(store ports.Store, mailer Mailer) Registry {
	registry := make(Registry)

	registry[domain.ActivitySendEmail] = func(ctx context.Context, job domain.ActivityJob) ([]byte, error) {
		var in domain.EmailInput
		if err := decode(job, &in); err != nil {
			return nil, err
		}
		if strings.TrimSpace(in.To) == "" {
			return nil, Permanent(errors.New("send_email: recipient is empty"))
		}
		if err := mailer.Send(ctx, in.To, in.Subject, in.Body); err != nil {
			return nil, errors.Wrap(err, "send_email")
		}
		return json.Marshal(map[string]string{"status": "sent", "to": in.To})
	}

	registry[domain.ActivityWriteAuditLog] = func(ctx context.Context, job domain.ActivityJob) ([]byte, error) {
		var in domain.AuditInput
		if err := decode(job, &in); err != nil {
			return nil, err
		}
		at := in.At
		if at.IsZero() {
			at = job.EnqueuedAt
		}
		entry := &domain.ActivityLogEntry{
			ID:         job.ID,
			OrgID:      job.OrgID,
			EntityType: in.EntityType,
			EntityID:   in.EntityID,
			Action:     in.Action,
			Details:    datatypes.JSONMap(in.Details),
			Actor:      in.Actor,
			Timestamp:  at,
		}
		if err := store.ActivityLog.Append(ctx, entry); err != nil {
			return nil, errors.Wrap(err, "write_audit_log")
		}
		return nil, nil
	}

	registry[domain.ActivityCreateNotification] = func(ctx context.Context, job domain.ActivityJob) ([]byte, error) {
		var in domain.NotificationInput
		if err := decode(job, &in); err != nil {
			return nil, err
		}
		if in.UserID == "" {
			return nil, Permanent(errors.New("create_notification: user is empty"))
		}
		n := &domain.Notification{
			ID:         job.ID,
			OrgID:      job.OrgID,
			UserID:     in.UserID,
			Title:      in.Title,
			Body:       in.Body,
			EntityType: in.EntityType,
			EntityID:   in.EntityID,
			CreatedAt:  createdAt(job),
		}
		if err := store.Notifications.Create(ctx, n); err != nil {
			return nil, errors.Wrap(err, "create_notification")
		}
		return nil, nil
	}

	registry[domain.ActivityCreateFollowUpTask] = func(ctx context.Context, job domain.ActivityJob) ([]byte, error) {
		var in domain.FollowUpInput
		if err := decode(job, &in); err != nil {
			return nil, err
		}
		task := domain.NewTask(job.OrgID, strings.TrimSpace(in.Title))
		if task.Title == "" {
			return nil, Permanent(errors.New("create_follow_up_task: title is empty"))
		}
		task.ID = job.ID
		task.AssignedTo = in.AssignedTo
		task.AssignedRole = in.AssignedRole
		task.DueDate = in.DueDate
		task.CreatedBy = "workflow"
		task.Metadata["sourceWorkflowId"] = in.SourceID
		task.Metadata["sourceStep"] = in.SourceStep

		err := store.Tasks.Create(ctx, task)
		if err != nil && !errors.Is(err, domain.ErrConflict) {
			return nil, errors.Wrap(err, "create_follow_up_task")
		}
		return json.Marshal(map[string]string{"task_id": task.ID.String()})
	}

	return registry
}

func decode(job domain.ActivityJob, v any) error {
	if err := json.Unmarshal(job.Input, v); err != nil {
		return Permanent(errors.Wrapf(err, "%s: malformed input", job.Name))
	}
	return nil
}

func createdAt(job domain.ActivityJob) time.Time {
	if job.EnqueuedAt.IsZero() {
		return time.Now().UTC()
	}
	return job.EnqueuedAt
}
