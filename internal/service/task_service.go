package service

import (
	"context"
	"strings"
	"time"

	"crm-flow/internal/core/ports"
	"crm-flow/internal/domain"
	"crm-flow/internal/logging"
	"crm-flow/internal/metrics"
	"crm-flow/internal/policy"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Audit actions written for tasks.
const (
	ActionTaskCreated   = "task.created"
	ActionTaskClaimed   = "task.claimed"
	ActionTaskCompleted = "task.completed"
)

type CreateTaskInput struct {
	WorkflowID   *uuid.UUID
	Title        string
	Description  string
	TaskType     string
	AssignedTo   string
	AssignedRole string
	DueDate      string
	Metadata     map[string]any
}

type CompleteTaskInput struct {
	Outcome string
	Comment string
}

type TaskService struct {
	store  ports.Store
	side   *sideEffects
	sender ports.SignalSender
	log    logrus.FieldLogger
	now    func() time.Time
}

func NewTaskService(store ports.Store, queue ports.ActivityQueue, sender ports.SignalSender, log logrus.FieldLogger) *TaskService {
	log = logging.Component(log, "task-service")
	return &TaskService{
		store:  store,
		side:   &sideEffects{queue: queue, log: log},
		sender: sender,
		log:    log,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Create validates in and stores a new task in the caller's org.
func (s *TaskService) Create(ctx context.Context, p domain.Principal, in CreateTaskInput) (*domain.Task, error) {
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, domain.Invalid("title", "must not be empty")
	}
	taskType, ok := domain.ParseTaskType(strings.TrimSpace(in.TaskType))
	if !ok {
		return nil, domain.Invalid("taskType", "must be %q or %q", domain.TaskTypeStandard, domain.TaskTypeApproval)
	}
	if in.WorkflowID != nil {
		inst, err := s.store.Workflows.GetByID(ctx, *in.WorkflowID)
		if err != nil || inst.OrgID != p.OrgID {
			return nil, domain.Invalid("workflowId", "unknown workflow instance %s", in.WorkflowID)
		}
	}

	task := domain.NewTask(p.OrgID, title)
	task.WorkflowID = in.WorkflowID
	task.Description = strings.TrimSpace(in.Description)
	task.TaskType = taskType
	task.AssignedTo = strings.TrimSpace(in.AssignedTo)
	task.AssignedRole = strings.TrimSpace(in.AssignedRole)
	task.CreatedBy = p.UserID
	task.DueDate = s.parseDueDate(in.DueDate)
	for k, v := range in.Metadata {
		task.Metadata[k] = v
	}
	if links, ok := task.Metadata["links"]; ok {
		task.Metadata["links"] = domain.NormalizeLinks(links)
	}

	if err := s.store.Tasks.Create(ctx, task); err != nil {
		return nil, err
	}

	s.side.audit(ctx, p.OrgID, domain.EntityTask, task.ID.String(), ActionTaskCreated, p.UserID, map[string]any{
		"title":    task.Title,
		"taskType": task.TaskType,
	})
	if task.AssignedTo != "" {
		s.side.notify(ctx, p.OrgID, domain.NotificationInput{
			UserID:     task.AssignedTo,
			Title:      "New task: " + task.Title,
			Body:       task.Description,
			EntityType: domain.EntityTask,
			EntityID:   task.ID.String(),
		})
	}
	return task, nil
}

// parseDueDate accepts RFC 3339 timestamps and plain dates. Anything else is
// logged and dropped so the task is still created.
func (s *TaskService) parseDueDate(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return &t
		}
	}
	s.log.WithField("dueDate", raw).Warn("ignoring unparseable due date")
	return nil
}

func (s *TaskService) Get(ctx context.Context, p domain.Principal, id uuid.UUID) (*domain.Task, error) {
	task, err := s.store.Tasks.FindTaskByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if task.OrgID != p.OrgID {
		return nil, errors.Wrap(domain.ErrNotFound, "task")
	}
	return task, nil
}

func (s *TaskService) List(ctx context.Context, p domain.Principal, f domain.TaskFilter) ([]domain.Task, error) {
	return s.store.Tasks.List(ctx, p.OrgID, f)
}

// Claim makes the caller the task's assignee. At most one user ever wins a
// claim; the loser observes domain.ErrConflict.
func (s *TaskService) Claim(ctx context.Context, p domain.Principal, id uuid.UUID) (*domain.Task, error) {
	task, err := s.Get(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if !task.RoleAssignable() || task.IsDone() {
		metrics.TaskClaims.WithLabelValues("not_claimable").Inc()
		return nil, domain.ErrNotClaimable
	}
	if task.AssignedTo != "" && task.AssignedTo != p.UserID {
		metrics.TaskClaims.WithLabelValues(metrics.ResultConflict).Inc()
		return nil, domain.Conflictf("task is already claimed by another user")
	}
	if !policy.CanClaim(task, p.UserID, p.Roles) {
		metrics.TaskClaims.WithLabelValues(metrics.ResultForbidden).Inc()
		return nil, errors.Wrapf(domain.ErrForbidden, "task requires role %q", task.AssignedRole)
	}

	err = s.store.Tasks.ClaimTask(ctx, id, p.UserID, task.Version)
	if errors.Is(err, domain.ErrConflict) {
		// Re-read: a concurrent claim by the same user is still a success.
		fresh, rerr := s.store.Tasks.FindTaskByID(ctx, id)
		if rerr != nil {
			return nil, rerr
		}
		if fresh.AssignedTo != p.UserID || fresh.IsDone() {
			metrics.TaskClaims.WithLabelValues(metrics.ResultConflict).Inc()
			return nil, domain.Conflictf("task was claimed concurrently")
		}
		metrics.TaskClaims.WithLabelValues(metrics.ResultOK).Inc()
		return fresh, nil
	}
	if err != nil {
		return nil, err
	}
	metrics.TaskClaims.WithLabelValues(metrics.ResultOK).Inc()

	task.AssignedTo = p.UserID
	task.Status = domain.TaskInProgress
	task.Version++
	s.side.audit(ctx, p.OrgID, domain.EntityTask, task.ID.String(), ActionTaskClaimed, p.UserID, nil)
	return task, nil
}

// Complete marks the task done and signals its workflow instance, if any.
func (s *TaskService) Complete(ctx context.Context, p domain.Principal, id uuid.UUID, in CompleteTaskInput) (*domain.Task, error) {
	task, err := s.Get(ctx, p, id)
	if err != nil {
		return nil, err
	}
	if task.IsDone() {
		return nil, domain.Conflictf("task is already done")
	}
	if !mayComplete(task, p) {
		return nil, errors.Wrap(domain.ErrForbidden, "task is assigned to someone else")
	}
	outcome, err := policy.ValidateOutcome(task, in.Outcome)
	if err != nil {
		return nil, err
	}
	comment := strings.TrimSpace(in.Comment)
	if comment == "" && s.requiresComment(ctx, task) {
		return nil, domain.ErrMissingComment
	}

	now := s.now()
	version := task.Version
	task.Status = domain.TaskDone
	task.Outcome = outcome
	task.OutcomeComment = comment
	task.CompletedAt = &now
	task.CompletedBy = p.UserID
	if err := s.store.Tasks.CompleteTask(ctx, task, version); err != nil {
		return nil, err
	}
	task.Version = version + 1

	details := map[string]any{}
	if outcome != nil {
		details["outcome"] = string(*outcome)
	}
	s.side.audit(ctx, p.OrgID, domain.EntityTask, task.ID.String(), ActionTaskCompleted, p.UserID, details)

	if task.WorkflowID != nil {
		s.signal(ctx, task, now)
	}
	return task, nil
}

// mayComplete lets the assignee complete a task, or anyone eligible to claim
// it while it is unassigned. Unassigned tasks without a role are open to the
// whole org.
func mayComplete(task *domain.Task, p domain.Principal) bool {
	if task.AssignedTo != "" {
		return task.AssignedTo == p.UserID
	}
	return task.AssignedRole == "" || policy.CanClaim(task, p.UserID, p.Roles)
}

// requiresComment consults the approval gate for the task's workflow. A
// workflow or definition that cannot be loaded means no requirement.
func (s *TaskService) requiresComment(ctx context.Context, task *domain.Task) bool {
	if task.WorkflowID == nil {
		return false
	}
	inst, err := s.store.Workflows.GetByID(ctx, *task.WorkflowID)
	if err != nil {
		s.log.WithError(err).WithField("workflow", task.WorkflowID).Debug("approval gate: workflow not found")
		return false
	}
	def, err := s.store.Definitions.GetByID(ctx, inst.DefinitionID)
	if err != nil {
		s.log.WithError(err).WithField("definition", inst.DefinitionID).Debug("approval gate: definition not found")
		return false
	}
	return policy.RequiresComment(inst, def)
}

func (s *TaskService) signal(ctx context.Context, task *domain.Task, at time.Time) {
	var sig domain.Signal
	if task.IsApproval() && task.Outcome != nil {
		sig = domain.ApprovalSubmittedSignal(task.ID, *task.Outcome, task.OutcomeComment, task.CompletedBy, at)
	} else {
		sig = domain.TaskCompletedSignal(task.ID, task.CompletedBy, at)
	}
	if s.sender == nil {
		return
	}
	if err := s.sender.Send(ctx, *task.WorkflowID, sig); err != nil {
		s.log.WithError(err).WithFields(logrus.Fields{
			"task":     task.ID,
			"workflow": task.WorkflowID,
			"signal":   sig.Name,
		}).Warn("failed to signal workflow after task completion")
	}
}

// sideEffects enqueues best-effort activities. Failures are logged only.
type sideEffects struct {
	queue ports.ActivityQueue
	log   logrus.FieldLogger
}

func (se *sideEffects) enqueue(ctx context.Context, orgID, name string, input any) {
	if se.queue == nil {
		return
	}
	job, err := domain.NewActivityJob(uuid.New(), name, orgID, nil, input)
	if err == nil {
		job.EnqueuedAt = time.Now().UTC()
		err = se.queue.Push(ctx, job)
	}
	if err != nil {
		se.log.WithError(err).WithField("activity", name).Warn("failed to enqueue side effect")
	}
}

func (se *sideEffects) audit(ctx context.Context, orgID, entityType, entityID, action, actor string, details map[string]any) {
	se.enqueue(ctx, orgID, domain.ActivityWriteAuditLog, domain.AuditInput{
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Details:    details,
		Actor:      actor,
		At:         time.Now().UTC(),
	})
}

func (se *sideEffects) notify(ctx context.Context, orgID string, in domain.NotificationInput) {
	se.enqueue(ctx, orgID, domain.ActivityCreateNotification, in)
}
