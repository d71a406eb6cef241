package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"crm-flow/internal/coordinator"
	"crm-flow/internal/core/memory"
	"crm-flow/internal/core/ports"
	"crm-flow/internal/domain"
	"crm-flow/internal/engine"
	"crm-flow/internal/infrastructure/mail"
	"crm-flow/internal/worker"

	"github.com/google/uuid"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	admin    = domain.Principal{UserID: "ada", OrgID: "org-1", Roles: []string{"admin", "sales"}}
	sam      = domain.Principal{UserID: "sam", OrgID: "org-1", Roles: []string{"sales"}}
	mia      = domain.Principal{UserID: "mia", OrgID: "org-1", Roles: []string{"manager"}}
	moe      = domain.Principal{UserID: "moe", OrgID: "org-1", Roles: []string{"manager"}}
	outsider = domain.Principal{UserID: "eve", OrgID: "org-2", Roles: []string{"admin", "manager"}}
)

type fixture struct {
	store    ports.Store
	queue    *memory.ActivityQueue
	engine   *engine.Engine
	tasks    *TaskService
	defs     *DefinitionService
	flows    WorkflowService
	activity *ActivityService
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	logger, _ := logtest.NewNullLogger()

	store := memory.NewStore()
	queue := memory.NewActivityQueue()
	eng := engine.New(store, queue, engine.WithLogger(logger))
	dispatcher := coordinator.NewDispatcher(eng, 4, logger)
	dispatcher.Start(ctx)
	sender := coordinator.DirectSender{Dispatcher: dispatcher}
	eng.UseSender(sender)

	t.Cleanup(func() {
		cancel()
		dispatcher.Wait()
	})

	return &fixture{
		store:    store,
		queue:    queue,
		engine:   eng,
		tasks:    NewTaskService(store, queue, sender, logger),
		defs:     NewDefinitionService(store.Definitions, queue, logger),
		flows:    NewWorkflowService(eng, store.Workflows),
		activity: NewActivityService(store.ActivityLog, store.Notifications),
	}
}

// runActivities executes everything queued so far.
func (f *fixture) runActivities(t *testing.T) {
	t.Helper()
	logger, _ := logtest.NewNullLogger()
	exec := worker.NewExecutor(worker.InitRegistry(f.store, mail.NewLogMailer(logger)), worker.RetryPolicy{}, logger)
	w := worker.NewWorker(f.queue, exec, logger)
	for f.queue.Len() > 0 {
		require.True(t, w.ProcessNext(context.Background()))
	}
}

func (f *fixture) tasksOf(t *testing.T, inst *domain.WorkflowInstance) []domain.Task {
	t.Helper()
	id := inst.ID
	tasks, err := f.store.Tasks.List(context.Background(), inst.OrgID, domain.TaskFilter{WorkflowID: &id})
	require.NoError(t, err)
	return tasks
}

func (f *fixture) openTask(t *testing.T, inst *domain.WorkflowInstance) *domain.Task {
	t.Helper()
	for _, task := range f.tasksOf(t, inst) {
		if !task.IsDone() {
			task := task
			return &task
		}
	}
	t.Fatalf("instance %s has no open task", inst.ID)
	return nil
}

func (f *fixture) reload(t *testing.T, inst *domain.WorkflowInstance) *domain.WorkflowInstance {
	t.Helper()
	got, err := f.flows.GetInstance(context.Background(), admin, inst.ID)
	require.NoError(t, err)
	return got
}

// qualifiedLead reviews a contact, then asks a manager to approve it.
func qualifiedLead() *domain.WorkflowDefinition {
	return &domain.WorkflowDefinition{
		Name: "qualified-lead",
		Statuses: []domain.StatusOption{
			{ID: "new", Label: "New", Order: 0},
			{ID: "approved", Label: "Approved", Order: 1, Terminal: true},
			{ID: "rejected", Label: "Rejected", Order: 2, Terminal: true},
		},
		Steps: []domain.Step{
			{ID: "start", Config: domain.TriggerConfig{Event: "contact.qualified", Variables: []string{"contactName", "ownerEmail"}}},
			{ID: "review", Config: domain.AssignTaskConfig{
				Title:      "Review {{.contactName}}",
				TaskType:   domain.TaskTypeStandard,
				AssignedTo: "sam",
			}},
			{ID: "wait-review", Config: domain.WaitForTaskConfig{}},
			{ID: "approval", Config: domain.AssignTaskConfig{
				Title:        "Approve {{.contactName}}",
				TaskType:     domain.TaskTypeApproval,
				AssignedRole: "manager",
			}},
			{ID: "wait-approval", Config: domain.WaitForApprovalConfig{OnRejected: "mark-rejected"}},
			{ID: "mark-approved", Config: domain.UpdateStatusConfig{
				Status: "approved",
				Notify: &domain.EmailNotice{To: "{{.ownerEmail}}", Subject: "{{.contactName}} was approved"},
			}},
			{ID: "mark-rejected", Config: domain.UpdateStatusConfig{Status: "rejected"}},
		},
	}
}

func (f *fixture) triggerLead(t *testing.T) *domain.WorkflowInstance {
	t.Helper()
	started, err := f.flows.TriggerEvent(context.Background(), sam, "contact.qualified", map[string]any{
		"contactName": "Acme",
		"ownerEmail":  "owner@acme.test",
	})
	require.NoError(t, err)
	require.Len(t, started, 1)
	return started[0]
}

func TestQualifiedLeadApproved(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.defs.Create(ctx, admin, qualifiedLead())
	require.NoError(t, err)

	inst := f.triggerLead(t)
	assert.Equal(t, domain.StateWaiting, inst.State)
	assert.Equal(t, "wait-review", inst.CurrentStepID)
	assert.Equal(t, "new", inst.Status)

	review := f.openTask(t, inst)
	assert.Equal(t, "Review Acme", review.Title)
	assert.Equal(t, "sam", review.AssignedTo)

	_, err = f.tasks.Complete(ctx, sam, review.ID, CompleteTaskInput{})
	require.NoError(t, err)

	inst = f.reload(t, inst)
	assert.Equal(t, "wait-approval", inst.CurrentStepID)
	assert.Equal(t, "sam", inst.Variables["completedBy"])

	approval := f.openTask(t, inst)
	assert.Equal(t, domain.TaskTypeApproval, approval.TaskType)
	assert.Equal(t, "manager", approval.AssignedRole)

	_, err = f.tasks.Claim(ctx, mia, approval.ID)
	require.NoError(t, err)
	done, err := f.tasks.Complete(ctx, mia, approval.ID, CompleteTaskInput{Outcome: "approved", Comment: "good fit"})
	require.NoError(t, err)
	assert.Equal(t, domain.OutcomeApproved, *done.Outcome)

	inst = f.reload(t, inst)
	assert.Equal(t, domain.StateCompleted, inst.State)
	assert.Equal(t, "approved", inst.Status)
	assert.Equal(t, "mia", inst.Variables["approvedBy"])
	assert.Equal(t, "good fit", inst.Variables["comment"])
	assert.Len(t, f.tasksOf(t, inst), 2)

	f.runActivities(t)
	history, err := f.activity.History(ctx, admin, domain.EntityWorkflow, inst.ID.String(), 0)
	require.NoError(t, err)
	var actions []string
	for _, e := range history {
		actions = append(actions, e.Action)
	}
	assert.Contains(t, actions, engine.ActionStarted)
	assert.Contains(t, actions, engine.ActionCompleted)

	notes, err := f.activity.Notifications(ctx, sam, true)
	require.NoError(t, err)
	require.Len(t, notes, 1)
	assert.Equal(t, "New task: Review Acme", notes[0].Title)
	require.NoError(t, f.activity.MarkRead(ctx, sam, notes[0].ID))
	notes, err = f.activity.Notifications(ctx, sam, true)
	require.NoError(t, err)
	assert.Empty(t, notes)
}

func TestQualifiedLeadRejected(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.defs.Create(ctx, admin, qualifiedLead())
	require.NoError(t, err)

	inst := f.triggerLead(t)
	_, err = f.tasks.Complete(ctx, sam, f.openTask(t, inst).ID, CompleteTaskInput{})
	require.NoError(t, err)

	approval := f.openTask(t, f.reload(t, inst))
	_, err = f.tasks.Complete(ctx, mia, approval.ID, CompleteTaskInput{Outcome: "rejected", Comment: "budget"})
	require.NoError(t, err)

	inst = f.reload(t, inst)
	assert.Equal(t, domain.StateCompleted, inst.State)
	assert.Equal(t, "rejected", inst.Status)
	assert.Equal(t, "rejected", inst.Variables["outcome"])
}

func TestApprovalRequiresOutcome(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.defs.Create(ctx, admin, qualifiedLead())
	require.NoError(t, err)
	inst := f.triggerLead(t)
	_, err = f.tasks.Complete(ctx, sam, f.openTask(t, inst).ID, CompleteTaskInput{})
	require.NoError(t, err)

	approval := f.openTask(t, f.reload(t, inst))
	_, err = f.tasks.Complete(ctx, mia, approval.ID, CompleteTaskInput{})
	assert.ErrorIs(t, err, domain.ErrValidation)

	still, err := f.tasks.Get(ctx, mia, approval.ID)
	require.NoError(t, err)
	assert.False(t, still.IsDone())
}

func TestMissingCommentLeavesTaskOpen(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	def := qualifiedLead()
	def.Steps[4].Config = domain.WaitForApprovalConfig{OnRejected: "mark-rejected", RequireComment: true}
	_, err := f.defs.Create(ctx, admin, def)
	require.NoError(t, err)

	inst := f.triggerLead(t)
	_, err = f.tasks.Complete(ctx, sam, f.openTask(t, inst).ID, CompleteTaskInput{})
	require.NoError(t, err)
	approval := f.openTask(t, f.reload(t, inst))

	_, err = f.tasks.Complete(ctx, mia, approval.ID, CompleteTaskInput{Outcome: "approved", Comment: "   "})
	assert.ErrorIs(t, err, domain.ErrMissingComment)
	assert.Equal(t, "wait-approval", f.reload(t, inst).CurrentStepID)

	_, err = f.tasks.Complete(ctx, mia, approval.ID, CompleteTaskInput{Outcome: "approved", Comment: "ok"})
	require.NoError(t, err)
	assert.Equal(t, "approved", f.reload(t, inst).Status)
}

func TestCompleteTwiceConflicts(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	task, err := f.tasks.Create(ctx, sam, CreateTaskInput{Title: "Call back", AssignedTo: "sam"})
	require.NoError(t, err)

	_, err = f.tasks.Complete(ctx, sam, task.ID, CompleteTaskInput{})
	require.NoError(t, err)
	_, err = f.tasks.Complete(ctx, sam, task.ID, CompleteTaskInput{})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestCompleteByOtherUserIsForbidden(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	task, err := f.tasks.Create(ctx, sam, CreateTaskInput{Title: "Call back", AssignedTo: "sam"})
	require.NoError(t, err)

	_, err = f.tasks.Complete(ctx, mia, task.ID, CompleteTaskInput{})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	_, err = f.tasks.Get(ctx, outsider, task.ID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestCreateTask(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.tasks.Create(ctx, sam, CreateTaskInput{Title: "  "})
	assert.ErrorIs(t, err, domain.ErrValidation)
	_, err = f.tasks.Create(ctx, sam, CreateTaskInput{Title: "x", TaskType: "chore"})
	assert.ErrorIs(t, err, domain.ErrValidation)
	missing := uuid.New()
	_, err = f.tasks.Create(ctx, sam, CreateTaskInput{Title: "x", WorkflowID: &missing})
	assert.ErrorIs(t, err, domain.ErrValidation)

	task, err := f.tasks.Create(ctx, sam, CreateTaskInput{
		Title:        " Send quote ",
		AssignedRole: "sales",
		DueDate:      "2026-04-01",
		Metadata:     map[string]any{"links": []any{"https://crm.example/q/1", "https://crm.example/q/1", ""}},
	})
	require.NoError(t, err)
	assert.Equal(t, "Send quote", task.Title)
	assert.Equal(t, domain.TaskTypeStandard, task.TaskType)
	assert.Equal(t, domain.TaskTodo, task.Status)
	require.NotNil(t, task.DueDate)
	assert.Equal(t, time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC), *task.DueDate)
	assert.Equal(t, []any{map[string]any{"url": "https://crm.example/q/1", "label": "https://crm.example/q/1"}}, task.Metadata["links"])

	sloppy, err := f.tasks.Create(ctx, sam, CreateTaskInput{Title: "Follow up", DueDate: "next tuesday"})
	require.NoError(t, err)
	assert.Nil(t, sloppy.DueDate)

	list, err := f.tasks.List(ctx, sam, domain.TaskFilter{AssignedRole: "sales"})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestClaimRules(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	open, err := f.tasks.Create(ctx, sam, CreateTaskInput{Title: "Orphan"})
	require.NoError(t, err)
	_, err = f.tasks.Claim(ctx, mia, open.ID)
	assert.ErrorIs(t, err, domain.ErrNotClaimable)

	task, err := f.tasks.Create(ctx, sam, CreateTaskInput{Title: "Approve discount", TaskType: "approval", AssignedRole: "manager"})
	require.NoError(t, err)
	_, err = f.tasks.Claim(ctx, sam, task.ID)
	assert.ErrorIs(t, err, domain.ErrForbidden)

	claimed, err := f.tasks.Claim(ctx, mia, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "mia", claimed.AssignedTo)
	assert.Equal(t, domain.TaskInProgress, claimed.Status)

	_, err = f.tasks.Claim(ctx, moe, task.ID)
	assert.ErrorIs(t, err, domain.ErrConflict)
	_, err = f.tasks.Complete(ctx, moe, task.ID, CompleteTaskInput{Outcome: "approved"})
	assert.ErrorIs(t, err, domain.ErrForbidden)

	again, err := f.tasks.Claim(ctx, mia, task.ID)
	require.NoError(t, err)
	assert.Equal(t, "mia", again.AssignedTo)
}

func TestConcurrentClaimHasOneWinner(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	task, err := f.tasks.Create(ctx, sam, CreateTaskInput{Title: "Approve", TaskType: "approval", AssignedRole: "manager"})
	require.NoError(t, err)

	users := []domain.Principal{mia, moe}
	errs := make([]error, len(users))
	var wg sync.WaitGroup
	for i, p := range users {
		wg.Add(1)
		go func(i int, p domain.Principal) {
			defer wg.Done()
			_, errs[i] = f.tasks.Claim(ctx, p, task.ID)
		}(i, p)
	}
	wg.Wait()

	wins := 0
	for _, err := range errs {
		if err == nil {
			wins++
		} else {
			assert.ErrorIs(t, err, domain.ErrConflict)
		}
	}
	assert.Equal(t, 1, wins)
}

func TestCreateRejectsMismatchedWaitStep(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	def := qualifiedLead()
	def.Steps[4].Config = domain.WaitForTaskConfig{}
	_, err := f.defs.Create(ctx, admin, def)
	assert.ErrorIs(t, err, domain.ErrValidation)

	def = qualifiedLead()
	def.Steps[2].Config = domain.WaitForApprovalConfig{}
	_, err = f.defs.Create(ctx, admin, def)
	assert.ErrorIs(t, err, domain.ErrValidation)

	_, err = f.defs.Get(ctx, admin, "qualified-lead", 0)
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestDefinitionLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, err := f.defs.Create(ctx, sam, qualifiedLead())
	assert.ErrorIs(t, err, domain.ErrForbidden)

	v1, err := f.defs.Create(ctx, admin, qualifiedLead())
	require.NoError(t, err)
	assert.Equal(t, 1, v1.Version)
	_, err = f.defs.Create(ctx, admin, qualifiedLead())
	assert.ErrorIs(t, err, domain.ErrConflict)

	running, err := f.flows.StartWorkflow(ctx, sam, "qualified-lead", map[string]any{"contactName": "Acme"})
	require.NoError(t, err)

	edited := qualifiedLead()
	edited.Description = "now with a description"
	v2, err := f.defs.Update(ctx, admin, "qualified-lead", edited)
	require.NoError(t, err)
	assert.Equal(t, 2, v2.Version)

	assert.Equal(t, 1, f.reload(t, running).DefinitionVersion)
	fresh, err := f.flows.StartWorkflow(ctx, sam, "qualified-lead", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, fresh.DefinitionVersion)

	versions, err := f.defs.ListVersions(ctx, sam, "qualified-lead")
	require.NoError(t, err)
	assert.Len(t, versions, 2)
	old, err := f.defs.Get(ctx, sam, "qualified-lead", 1)
	require.NoError(t, err)
	assert.Empty(t, old.Description)
	_, err = f.defs.Get(ctx, sam, "qualified-lead", 9)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = f.defs.Deactivate(ctx, admin, "qualified-lead")
	require.NoError(t, err)
	_, err = f.flows.StartWorkflow(ctx, sam, "qualified-lead", nil)
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestApplySkipsUnchangedDefinitions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	_, changed, err := f.defs.Apply(ctx, admin, qualifiedLead())
	require.NoError(t, err)
	assert.True(t, changed)

	_, changed, err = f.defs.Apply(ctx, admin, qualifiedLead())
	require.NoError(t, err)
	assert.False(t, changed)

	edited := qualifiedLead()
	edited.Description = "v2"
	def, changed, err := f.defs.Apply(ctx, admin, edited)
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, 2, def.Version)
}

func TestTerminateRequiresAdmin(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.defs.Create(ctx, admin, qualifiedLead())
	require.NoError(t, err)
	inst := f.triggerLead(t)

	assert.ErrorIs(t, f.flows.Terminate(ctx, sam, inst.ID, "duplicate"), domain.ErrForbidden)
	assert.ErrorIs(t, f.flows.Terminate(ctx, outsider, inst.ID, "duplicate"), domain.ErrNotFound)

	require.NoError(t, f.flows.Terminate(ctx, admin, inst.ID, "duplicate"))
	assert.Equal(t, domain.StateCancelled, f.reload(t, inst).State)
	assert.ErrorIs(t, f.flows.Terminate(ctx, admin, inst.ID, "again"), domain.ErrConflict)

	// The review task stays open but completing it no longer moves the instance.
	_, err = f.tasks.Complete(ctx, sam, f.openTask(t, inst).ID, CompleteTaskInput{})
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, f.reload(t, inst).State)
}

func TestTriggerWithoutListeners(t *testing.T) {
	f := newFixture(t)
	started, err := f.flows.TriggerEvent(context.Background(), sam, "deal.lost", nil)
	require.NoError(t, err)
	assert.Empty(t, started)

	_, err = f.flows.TriggerEvent(context.Background(), sam, " ", nil)
	assert.ErrorIs(t, err, domain.ErrValidation)
}

func TestHistoryValidatesEntityType(t *testing.T) {
	_, err := newFixture(t).activity.History(context.Background(), admin, "invoice", "1", 0)
	assert.ErrorIs(t, err, domain.ErrValidation)
}
