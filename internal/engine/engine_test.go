package engine

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"crm-flow/internal/core/memory"
	"crm-flow/internal/core/ports"
	"crm-flow/internal/domain"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type harness struct {
	engine *Engine
	store  ports.Store
	queue  *memory.ActivityQueue
	clock  *time.Time
	hook   *logtest.Hook
	admin  domain.Principal
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger, hook := logtest.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	now := t0
	h := &harness{
		store: memory.NewStore(),
		queue: memory.NewActivityQueue(),
		clock: &now,
		hook:  hook,
		admin: domain.Principal{UserID: "admin", OrgID: "org-1", Roles: []string{"admin"}},
	}
	h.engine = New(h.store, h.queue, WithLogger(logger), WithClock(func() time.Time { return *h.clock }))
	return h
}

func (h *harness) define(t *testing.T, def *domain.WorkflowDefinition) *domain.WorkflowDefinition {
	t.Helper()
	if def.ID == uuid.Nil {
		def.ID = uuid.New()
	}
	if def.OrgID == "" {
		def.OrgID = h.admin.OrgID
	}
	if def.Version == 0 {
		def.Version = 1
	}
	def.IsActive = true
	require.NoError(t, def.Normalize())
	require.NoError(t, h.store.Definitions.CreateVersion(context.Background(), def))
	return def
}

func (h *harness) drain() []domain.ActivityJob {
	var jobs []domain.ActivityJob
	for h.queue.Len() > 0 {
		job, err := h.queue.Pop(context.Background())
		if err != nil {
			break
		}
		jobs = append(jobs, job)
	}
	return jobs
}

func auditActions(t *testing.T, jobs []domain.ActivityJob) []string {
	t.Helper()
	var actions []string
	for _, j := range jobs {
		if j.Name != domain.ActivityWriteAuditLog {
			continue
		}
		var in domain.AuditInput
		require.NoError(t, json.Unmarshal(j.Input, &in))
		actions = append(actions, in.Action)
	}
	return actions
}

func approvalStatuses() []domain.StatusOption {
	return []domain.StatusOption{
		{ID: "pending", Label: "Pending", Order: 0},
		{ID: "approved", Label: "Approved", Order: 1, Terminal: true},
		{ID: "rejected", Label: "Rejected", Order: 2, Terminal: true},
		{ID: "timeout", Label: "Timed out", Order: 3, Terminal: true},
		{ID: "failed", Label: "Failed", Order: 4, Terminal: true},
	}
}

// dealApproval is the canonical approve/reject workflow.
func dealApproval() *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		Name:     "deal-approval",
		Statuses: approvalStatuses(),
		Steps: []domain.Step{
			{ID: "start", Config: domain.TriggerConfig{Event: "deal.created", Variables: []string{"contactName", "amount", "ownerEmail"}}},
			{ID: "review", Config: domain.AssignTaskConfig{
				Title:        "Review deal for {{.contactName}}",
				TaskType:     domain.TaskTypeApproval,
				AssignedRole: "manager",
				DueInDays:    2,
				Metadata:     map[string]any{"links": []any{"https://crm.example/deals/1"}},
			}},
			{ID: "await", Config: domain.WaitForApprovalConfig{TimeoutDays: 3, OnRejected: "mark-rejected"}},
			{ID: "mark-approved", Config: domain.UpdateStatusConfig{
				Status: "approved",
				Notify: &domain.EmailNotice{To: "{{.ownerEmail}}", Subject: "{{.contactName}} approved"},
			}},
			{ID: "mark-rejected", Config: domain.UpdateStatusConfig{Status: "rejected"}},
		},
	}
}

func onlyTask(t *testing.T, h *harness, inst *domain.WorkflowInstance) domain.Task {
	t.Helper()
	id := inst.ID
	tasks, err := h.store.Tasks.List(context.Background(), inst.OrgID, domain.TaskFilter{WorkflowID: &id})
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	return tasks[0]
}

func TestStartSuspendsOnApprovalTask(t *testing.T) {
	h := newHarness(t)
	h.define(t, dealApproval())

	inst, err := h.engine.Start(context.Background(), h.admin, "deal-approval", map[string]any{"contactName": "Acme"})
	require.NoError(t, err)

	assert.Equal(t, domain.StateWaiting, inst.State)
	assert.Equal(t, "pending", inst.Status)
	assert.Equal(t, "await", inst.CurrentStepID)
	require.NotNil(t, inst.WaitDeadline)
	assert.Equal(t, t0.AddDate(0, 0, 3), *inst.WaitDeadline)

	task := onlyTask(t, h, inst)
	assert.Equal(t, "Review deal for Acme", task.Title)
	assert.Equal(t, domain.TaskTypeApproval, task.TaskType)
	assert.Equal(t, "manager", task.AssignedRole)
	assert.Equal(t, "review", task.StepID)
	require.NotNil(t, inst.WaitingTaskID)
	assert.Equal(t, task.ID, *inst.WaitingTaskID)
	require.NotNil(t, task.DueDate)
	assert.Equal(t, t0.AddDate(0, 0, 2), *task.DueDate)
	assert.Equal(t, []any{map[string]any{"url": "https://crm.example/deals/1", "label": "https://crm.example/deals/1"}}, task.Metadata["links"])

	assert.Equal(t, []string{ActionStarted}, auditActions(t, h.drain()))
}

func TestApprovalCompletesWithApprovedStatus(t *testing.T) {
	h := newHarness(t)
	h.define(t, dealApproval())
	ctx := context.Background()

	inst, err := h.engine.Start(ctx, h.admin, "deal-approval", map[string]any{"contactName": "Acme", "ownerEmail": "owner@example.com"})
	require.NoError(t, err)
	task := onlyTask(t, h, inst)
	h.drain()

	sig := domain.ApprovalSubmittedSignal(task.ID, domain.OutcomeApproved, "looks good", "maria", t0.Add(time.Hour))
	tr, err := h.engine.HandleSignal(ctx, domain.SignalEnvelope{InstanceID: inst.ID, Signal: sig})
	require.NoError(t, err)
	require.True(t, tr.Changed)

	stored, err := h.store.Workflows.GetByID(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, stored.State)
	assert.Equal(t, "approved", stored.Status)
	assert.Equal(t, "approved", stored.Variables["outcome"])
	assert.Equal(t, "maria", stored.Variables["approvedBy"])
	assert.Equal(t, "looks good", stored.Variables["comment"])
	assert.Nil(t, stored.WaitingTaskID)
	assert.Equal(t, 2, stored.Version)

	jobs := h.drain()
	assert.Equal(t, []string{ActionAdvanced, ActionCompleted}, auditActions(t, jobs))
	var email domain.EmailInput
	for _, j := range jobs {
		if j.Name == domain.ActivitySendEmail {
			require.NoError(t, json.Unmarshal(j.Input, &email))
		}
	}
	assert.Equal(t, domain.EmailInput{To: "owner@example.com", Subject: "Acme approved"}, email)
}

func TestRejectionFollowsOnRejected(t *testing.T) {
	h := newHarness(t)
	h.define(t, dealApproval())
	ctx := context.Background()

	inst, err := h.engine.Start(ctx, h.admin, "deal-approval", map[string]any{"contactName": "Acme"})
	require.NoError(t, err)
	task := onlyTask(t, h, inst)

	sig := domain.ApprovalSubmittedSignal(task.ID, domain.OutcomeRejected, "too expensive", "maria", t0.Add(time.Hour))
	_, err = h.engine.HandleSignal(ctx, domain.SignalEnvelope{InstanceID: inst.ID, Signal: sig})
	require.NoError(t, err)

	stored, err := h.store.Workflows.GetByID(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "rejected", stored.Status)
	assert.Equal(t, "mark-rejected", stored.CurrentStepID)
	assert.Equal(t, domain.StateCompleted, stored.State)
}

func TestReplayedSignalIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.define(t, dealApproval())
	ctx := context.Background()

	inst, err := h.engine.Start(ctx, h.admin, "deal-approval", map[string]any{"contactName": "Acme"})
	require.NoError(t, err)
	task := onlyTask(t, h, inst)

	env := domain.SignalEnvelope{
		InstanceID: inst.ID,
		Signal:     domain.ApprovalSubmittedSignal(task.ID, domain.OutcomeApproved, "", "maria", t0.Add(time.Hour)),
	}
	_, err = h.engine.HandleSignal(ctx, env)
	require.NoError(t, err)
	h.drain()

	tr, err := h.engine.HandleSignal(ctx, env)
	require.NoError(t, err)
	assert.False(t, tr.Changed)
	assert.Zero(t, h.queue.Len())

	stored, err := h.store.Workflows.GetByID(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.Version)
}

func TestSignalForAnotherTaskIsIgnored(t *testing.T) {
	h := newHarness(t)
	h.define(t, dealApproval())
	ctx := context.Background()

	inst, err := h.engine.Start(ctx, h.admin, "deal-approval", nil)
	require.NoError(t, err)

	for _, sig := range []domain.Signal{
		domain.ApprovalSubmittedSignal(uuid.New(), domain.OutcomeApproved, "", "maria", t0),
		domain.TaskCompletedSignal(*inst.WaitingTaskID, "maria", t0),
	} {
		tr, err := h.engine.HandleSignal(ctx, domain.SignalEnvelope{InstanceID: inst.ID, Signal: sig})
		require.NoError(t, err)
		assert.False(t, tr.Changed, tr.Reason)
	}
}

func TestRequiredCommentBlocksAdvance(t *testing.T) {
	h := newHarness(t)
	def := dealApproval()
	def.Steps[2].Config = domain.WaitForApprovalConfig{RequireComment: true}
	h.define(t, def)
	ctx := context.Background()

	inst, err := h.engine.Start(ctx, h.admin, "deal-approval", nil)
	require.NoError(t, err)

	sig := domain.ApprovalSubmittedSignal(*inst.WaitingTaskID, domain.OutcomeRejected, "  ", "maria", t0)
	tr, err := h.engine.HandleSignal(ctx, domain.SignalEnvelope{InstanceID: inst.ID, Signal: sig})
	require.NoError(t, err)
	assert.False(t, tr.Changed)
	assert.Equal(t, domain.ErrMissingComment.Error(), tr.Reason)
}

func TestUnroutableConditionFailsInstance(t *testing.T) {
	h := newHarness(t)
	h.define(t, &domain.WorkflowDefinition{
		Name:     "routing",
		Statuses: approvalStatuses(),
		Steps: []domain.Step{
			{ID: "start", Config: domain.TriggerConfig{Variables: []string{"tier"}}},
			{ID: "route", Config: domain.ConditionConfig{Variable: "tier", Branches: []domain.ConditionBranch{
				{Operator: domain.OpEq, Value: "gold", Goto: "approve"},
			}}},
			{ID: "approve", Config: domain.UpdateStatusConfig{Status: "approved"}},
		},
	})

	inst, err := h.engine.Start(context.Background(), h.admin, "routing", map[string]any{"tier": "silver"})
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, inst.State)
	assert.Equal(t, "failed", inst.Status)
	assert.Contains(t, inst.Error, domain.ErrUnroutableCondition.Error())
	assert.Equal(t, []string{ActionStarted, ActionFailed}, auditActions(t, h.drain()))

	var warned bool
	for _, e := range h.hook.AllEntries() {
		if e.Level == logrus.WarnLevel && e.Message == "workflow failed" {
			warned = true
		}
	}
	assert.True(t, warned)
}

func TestConditionRoutesFirstMatch(t *testing.T) {
	h := newHarness(t)
	h.define(t, &domain.WorkflowDefinition{
		Name:     "routing",
		Statuses: approvalStatuses(),
		Steps: []domain.Step{
			{ID: "start", Config: domain.TriggerConfig{Variables: []string{"amount"}}},
			{ID: "route", Config: domain.ConditionConfig{Variable: "amount", Branches: []domain.ConditionBranch{
				{Operator: domain.OpGt, Value: 10000, Goto: "reject"},
				{Operator: domain.OpExists, Goto: "approve"},
			}}},
			{ID: "approve", Config: domain.UpdateStatusConfig{Status: "approved"}},
			{ID: "reject", Config: domain.UpdateStatusConfig{Status: "rejected"}},
		},
	})

	big, err := h.engine.Start(context.Background(), h.admin, "routing", map[string]any{"amount": 25000.0})
	require.NoError(t, err)
	assert.Equal(t, "rejected", big.Status)

	small, err := h.engine.Start(context.Background(), h.admin, "routing", map[string]any{"amount": 200})
	require.NoError(t, err)
	assert.Equal(t, "approved", small.Status)
	assert.Equal(t, domain.StateCompleted, small.State)
}

func TestWaitForTaskThenStatus(t *testing.T) {
	h := newHarness(t)
	h.define(t, &domain.WorkflowDefinition{
		Name: "onboarding",
		Statuses: []domain.StatusOption{
			{ID: "new", Order: 0},
			{ID: "contacted", Order: 1},
			{ID: "done", Order: 2, Terminal: true},
		},
		Steps: []domain.Step{
			{ID: "start", Config: domain.TriggerConfig{Event: "contact.created"}},
			{ID: "call", Config: domain.AssignTaskConfig{Title: "Call", AssignedTo: "sam"}},
			{ID: "wait", Config: domain.WaitForTaskConfig{}},
			{ID: "contacted", Config: domain.UpdateStatusConfig{Status: "contacted"}},
		},
	})
	ctx := context.Background()

	inst, err := h.engine.Start(ctx, h.admin, "onboarding", nil)
	require.NoError(t, err)
	assert.Nil(t, inst.WaitDeadline)

	jobs := h.drain()
	var notified bool
	for _, j := range jobs {
		notified = notified || j.Name == domain.ActivityCreateNotification
	}
	assert.True(t, notified, "direct assignment notifies the assignee")

	_, err = h.engine.HandleSignal(ctx, domain.SignalEnvelope{
		InstanceID: inst.ID,
		Signal:     domain.TaskCompletedSignal(*inst.WaitingTaskID, "sam", t0.Add(time.Minute)),
	})
	require.NoError(t, err)

	stored, err := h.store.Workflows.GetByID(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, "contacted", stored.Status)
	assert.Equal(t, "sam", stored.Variables["completedBy"])
	// Running off the end of the steps completes the instance.
	assert.Equal(t, domain.StateCompleted, stored.State)
}

func TestSweepTimeoutsCompletesExpiredWaits(t *testing.T) {
	h := newHarness(t)
	h.define(t, dealApproval())
	ctx := context.Background()

	inst, err := h.engine.Start(ctx, h.admin, "deal-approval", nil)
	require.NoError(t, err)

	n, err := h.engine.SweepTimeouts(ctx, t0.AddDate(0, 0, 1))
	require.NoError(t, err)
	assert.Zero(t, n)

	later := t0.AddDate(0, 0, 4)
	*h.clock = later
	n, err = h.engine.SweepTimeouts(ctx, later)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	stored, err := h.store.Workflows.GetByID(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, stored.State)
	assert.Equal(t, "timeout", stored.Status)
	require.NotNil(t, stored.CompletedAt)
	assert.Equal(t, later, *stored.CompletedAt)
}

func TestTerminateCancelsOnce(t *testing.T) {
	h := newHarness(t)
	h.define(t, dealApproval())
	ctx := context.Background()

	inst, err := h.engine.Start(ctx, h.admin, "deal-approval", nil)
	require.NoError(t, err)

	other := domain.Principal{UserID: "x", OrgID: "org-2"}
	assert.ErrorIs(t, h.engine.Terminate(ctx, other, inst.ID, "nope"), domain.ErrNotFound)

	require.NoError(t, h.engine.Terminate(ctx, h.admin, inst.ID, "duplicate deal"))
	stored, err := h.store.Workflows.GetByID(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, stored.State)
	assert.Nil(t, stored.WaitingTaskID)

	assert.ErrorIs(t, h.engine.Terminate(ctx, h.admin, inst.ID, "again"), domain.ErrConflict)
}

func TestTriggerStartsMatchingActiveDefinitions(t *testing.T) {
	h := newHarness(t)
	h.define(t, dealApproval())
	other := dealApproval()
	other.Name = "other"
	other.Steps[0].Config = domain.TriggerConfig{Event: "contact.created"}
	h.define(t, other)
	ctx := context.Background()

	started, err := h.engine.Trigger(ctx, "org-1", "deal.created", map[string]any{"contactName": "Acme"})
	require.NoError(t, err)
	require.Len(t, started, 1)
	assert.Equal(t, "deal-approval", started[0].DefinitionName)
	assert.Equal(t, "event:deal.created", started[0].StartedBy)
}

func TestStartRejectsInactiveDefinition(t *testing.T) {
	h := newHarness(t)
	def := h.define(t, dealApproval())
	require.NoError(t, h.store.Definitions.SetActive(context.Background(), def.ID, false))

	_, err := h.engine.Start(context.Background(), h.admin, "deal-approval", nil)
	assert.ErrorIs(t, err, domain.ErrConflict)

	_, err = h.engine.Start(context.Background(), h.admin, "missing", nil)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestInstanceKeepsItsDefinitionVersion(t *testing.T) {
	h := newHarness(t)
	v1 := h.define(t, dealApproval())
	ctx := context.Background()

	inst, err := h.engine.Start(ctx, h.admin, "deal-approval", nil)
	require.NoError(t, err)

	v2 := dealApproval()
	v2.Version = 2
	v2.Steps[2].Config = domain.WaitForApprovalConfig{OnApproved: "mark-rejected"}
	h.define(t, v2)

	_, err = h.engine.HandleSignal(ctx, domain.SignalEnvelope{
		InstanceID: inst.ID,
		Signal:     domain.ApprovalSubmittedSignal(*inst.WaitingTaskID, domain.OutcomeApproved, "", "maria", t0),
	})
	require.NoError(t, err)

	stored, err := h.store.Workflows.GetByID(ctx, inst.ID)
	require.NoError(t, err)
	assert.Equal(t, v1.ID, stored.DefinitionID)
	assert.Equal(t, "approved", stored.Status)
}

func TestHandleSignalUnknownInstance(t *testing.T) {
	h := newHarness(t)
	_, err := h.engine.HandleSignal(context.Background(), domain.SignalEnvelope{
		InstanceID: uuid.New(),
		Signal:     domain.CancelSignal("u", "", t0),
	})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

type unavailableWorkflows struct {
	ports.WorkflowRepository
}

func (unavailableWorkflows) Create(context.Context, *domain.WorkflowInstance) error {
	return errors.New("connection refused")
}

func TestFailedStartLeavesNoTasks(t *testing.T) {
	h := newHarness(t)
	h.define(t, dealApproval())
	store := h.store
	store.Workflows = unavailableWorkflows{h.store.Workflows}
	logger, _ := logtest.NewNullLogger()
	eng := New(store, h.queue, WithLogger(logger), WithClock(func() time.Time { return t0 }))

	_, err := eng.Start(context.Background(), h.admin, "deal-approval", map[string]any{"contactName": "Acme"})
	require.Error(t, err)

	tasks, err := h.store.Tasks.List(context.Background(), h.admin.OrgID, domain.TaskFilter{})
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.Empty(t, h.drain())
}
