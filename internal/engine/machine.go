// Package engine drives workflow instances through their definition.
//
// Machine is the pure part: given a definition, an instance and a signal it
// returns the next instance and the effects to carry out. Engine loads and
// persists state around it and performs those effects.
package engine

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
	"time"

	"crm-flow/internal/domain"

	"github.com/google/uuid"
	"gorm.io/datatypes"
)

// Effect is something the engine must do after a transition is persisted.
type Effect interface {
	isEffect()
}

// CreateTask asks the engine to insert Task. Its ID is derived from the
// instance, step and sequence, so a replayed transition yields the same task.
type CreateTask struct {
	Task *domain.Task
}

// RunActivity asks the engine to enqueue Job.
type RunActivity struct {
	Job domain.ActivityJob
}

func (CreateTask) isEffect()  {}
func (RunActivity) isEffect() {}

// Transition is the result of applying one signal.
type Transition struct {
	Instance *domain.WorkflowInstance
	Effects  []Effect
	// Steps lists the step types executed, for metrics.
	Steps []domain.StepType
	// Changed is false when the signal did not match the instance and
	// nothing should be persisted.
	Changed bool
	// Reason explains an unchanged transition.
	Reason string
}

// Audit actions written for workflow instances.
const (
	ActionStarted   = "workflow.started"
	ActionAdvanced  = "workflow.advanced"
	ActionCompleted = "workflow.completed"
	ActionFailed    = "workflow.failed"
	ActionCancelled = "workflow.cancelled"
	ActionTimedOut  = "workflow.timed_out"
)

// maxStepsPerTransition bounds how many steps may run without suspending,
// which stops next/goto cycles that never reach a wait.
const maxStepsPerTransition = 256

// Machine computes transitions. It never reads the clock and never does I/O;
// time comes from the signal.
type Machine struct{}

// Start runs a freshly created instance from its trigger up to the first wait
// or the end of the definition.
func (m Machine) Start(def *domain.WorkflowDefinition, inst *domain.WorkflowInstance, at time.Time) Transition {
	t := &Transition{Instance: inst.Clone(), Changed: true}
	r := runner{def: def, t: t, at: at, base: inst.Version}
	r.audit(ActionStarted, map[string]any{
		"definition": def.Name,
		"version":    def.Version,
	}, inst.StartedBy)

	trigger := ""
	if len(def.Steps) > 0 {
		trigger = def.Steps[0].ID
	}
	r.run(trigger)
	return *t
}

// Apply computes the effect of sig on inst. A signal that does not match the
// instance's current wait returns an unchanged transition.
func (m Machine) Apply(def *domain.WorkflowDefinition, inst *domain.WorkflowInstance, sig domain.Signal) Transition {
	if inst.IsFinished() {
		return Transition{Instance: inst, Reason: "instance is " + string(inst.State)}
	}

	t := &Transition{Instance: inst.Clone()}
	r := runner{def: def, t: t, at: sig.At, base: inst.Version}

	if sig.Name == domain.SignalCancel {
		t.Changed = true
		r.finish(domain.StateCancelled, ActionCancelled, map[string]any{"reason": sig.Reason}, sig.Actor)
		return *t
	}

	if !inst.IsWaiting() {
		return Transition{Instance: inst, Reason: "instance is not waiting"}
	}
	step, ok := def.Step(inst.CurrentStepID)
	if !ok {
		t.Changed = true
		r.fail(fmt.Sprintf("current step %q is not part of the definition", inst.CurrentStepID))
		return *t
	}

	if sig.Name == domain.SignalTimeout {
		return m.timeout(r, step, sig)
	}

	if inst.WaitingTaskID != nil && sig.TaskID != *inst.WaitingTaskID {
		return Transition{Instance: inst, Reason: "signal is for another task"}
	}

	if t.Instance.Variables == nil {
		t.Instance.Variables = datatypes.JSONMap{}
	}
	vars := t.Instance.Variables
	switch c := step.Config.(type) {
	case domain.WaitForTaskConfig:
		if sig.Name != domain.SignalTaskCompleted {
			return Transition{Instance: inst, Reason: "waiting for taskCompleted"}
		}
		t.Changed = true
		vars["completedBy"] = sig.Actor
		vars["taskId"] = sig.TaskID.String()
		r.resume(step, def.Successor(step.ID), sig.Actor)

	case domain.WaitForApprovalConfig:
		if sig.Name != domain.SignalApprovalSubmitted {
			return Transition{Instance: inst, Reason: "waiting for approvalSubmitted"}
		}
		if !sig.Outcome.Valid() {
			return Transition{Instance: inst, Reason: fmt.Sprintf("invalid outcome %q", sig.Outcome)}
		}
		if c.RequireComment && strings.TrimSpace(sig.Comment) == "" {
			return Transition{Instance: inst, Reason: domain.ErrMissingComment.Error()}
		}
		t.Changed = true
		vars["outcome"] = string(sig.Outcome)
		vars["comment"] = sig.Comment
		vars["approvedBy"] = sig.Actor
		vars["taskId"] = sig.TaskID.String()

		next := def.Successor(step.ID)
		if sig.Outcome == domain.OutcomeApproved && c.OnApproved != "" {
			next = c.OnApproved
		}
		if sig.Outcome == domain.OutcomeRejected && c.OnRejected != "" {
			next = c.OnRejected
		}
		r.resume(step, next, sig.Actor)

	default:
		t.Changed = true
		r.fail(fmt.Sprintf("step %q of type %s cannot wait", step.ID, step.Type()))
	}
	return *t
}

func (m Machine) timeout(r runner, step domain.Step, sig domain.Signal) Transition {
	inst := r.t.Instance
	if inst.WaitDeadline == nil || sig.At.Before(*inst.WaitDeadline) {
		return Transition{Instance: inst, Reason: "wait deadline not reached"}
	}

	status := ""
	switch c := step.Config.(type) {
	case domain.WaitForTaskConfig:
		status = c.TimeoutStatus
	case domain.WaitForApprovalConfig:
		status = c.TimeoutStatus
	}
	if status == "" && r.def.HasStatus(domain.StatusTimeout) {
		status = domain.StatusTimeout
	}

	r.t.Changed = true
	if status != "" {
		inst.Status = status
	}
	r.finish(domain.StateCompleted, ActionTimedOut, map[string]any{"step": step.ID, "status": inst.Status}, "system")
	return *r.t
}

// runner accumulates effects for one transition.
type runner struct {
	def  *domain.WorkflowDefinition
	t    *Transition
	at   time.Time
	base int
}

func (r *runner) inst() *domain.WorkflowInstance { return r.t.Instance }

// effectID derives a stable id for the n-th effect of the transition that
// starts from instance version base.
func (r *runner) effectID(kind string) uuid.UUID {
	key := fmt.Sprintf("%s/%d/%d", kind, r.base, len(r.t.Effects))
	return uuid.NewSHA1(r.inst().ID, []byte(key))
}

func (r *runner) activity(name string, input any) {
	inst := r.inst()
	id := inst.ID
	job, err := domain.NewActivityJob(r.effectID("activity/"+name), name, inst.OrgID, &id, input)
	if err != nil {
		// Inputs are built from maps of JSON values; this is unreachable.
		panic(err)
	}
	job.EnqueuedAt = r.at
	r.t.Effects = append(r.t.Effects, RunActivity{Job: job})
}

func (r *runner) audit(action string, details map[string]any, actor string) {
	inst := r.inst()
	if details == nil {
		details = map[string]any{}
	}
	details["step"] = inst.CurrentStepID
	details["status"] = inst.Status
	r.activity(domain.ActivityWriteAuditLog, domain.AuditInput{
		EntityType: domain.EntityWorkflow,
		EntityID:   inst.ID.String(),
		Action:     action,
		Details:    details,
		Actor:      actor,
		At:         r.at,
	})
}

func (r *runner) clearWait() {
	inst := r.inst()
	inst.WaitingTaskID = nil
	inst.WaitDeadline = nil
}

func (r *runner) finish(state domain.ExecutionState, action string, details map[string]any, actor string) {
	inst := r.inst()
	r.clearWait()
	inst.State = state
	at := r.at
	inst.CompletedAt = &at
	r.audit(action, details, actor)
}

func (r *runner) fail(reason string) {
	inst := r.inst()
	inst.Error = reason
	if r.def.HasStatus(domain.StatusFailed) {
		inst.Status = domain.StatusFailed
	}
	r.finish(domain.StateFailed, ActionFailed, map[string]any{"error": reason}, "system")
}

func (r *runner) resume(from domain.Step, next, actor string) {
	inst := r.inst()
	r.clearWait()
	inst.State = domain.StateRunning
	r.audit(ActionAdvanced, map[string]any{"from": from.ID, "to": next}, actor)
	r.run(next)
}

// run executes steps starting at id until the instance waits or finishes.
func (r *runner) run(id string) {
	inst := r.inst()
	for n := 0; ; n++ {
		if n >= maxStepsPerTransition {
			r.fail("step limit exceeded without reaching a wait step")
			return
		}
		if id == "" {
			r.finish(domain.StateCompleted, ActionCompleted, nil, "system")
			return
		}
		step, ok := r.def.Step(id)
		if !ok {
			r.fail(fmt.Sprintf("step %q is not part of the definition", id))
			return
		}
		inst.CurrentStepID = step.ID
		inst.Sequence++
		r.t.Steps = append(r.t.Steps, step.Type())

		switch c := step.Config.(type) {
		case domain.TriggerConfig:
			id = r.def.Successor(step.ID)

		case domain.AssignTaskConfig:
			r.assign(step, c)
			return

		case domain.WaitForTaskConfig:
			r.suspend(nil, c.TimeoutDays)
			return

		case domain.WaitForApprovalConfig:
			r.suspend(nil, c.TimeoutDays)
			return

		case domain.UpdateStatusConfig:
			if !r.def.HasStatus(c.Status) {
				r.fail(fmt.Sprintf("status %q is not declared", c.Status))
				return
			}
			inst.Status = c.Status
			r.notify(c.Notify)
			r.followUp(step, c.FollowUp)
			if r.def.IsTerminalStatus(c.Status) {
				r.finish(domain.StateCompleted, ActionCompleted, nil, "system")
				return
			}
			id = r.def.Successor(step.ID)

		case domain.ConditionConfig:
			target, ok := evaluateCondition(c, inst.Variables)
			if !ok {
				r.fail(fmt.Sprintf("%s: step %q on variable %q", domain.ErrUnroutableCondition, step.ID, c.Variable))
				return
			}
			id = target

		default:
			r.fail(fmt.Sprintf("step %q has no executable type", step.ID))
			return
		}
	}
}

func (r *runner) assign(step domain.Step, c domain.AssignTaskConfig) {
	inst := r.inst()
	waitID := r.def.Successor(step.ID)
	wait, ok := r.def.Step(waitID)
	if !ok {
		r.fail(fmt.Sprintf("assign_task %q has no wait step", step.ID))
		return
	}
	timeoutDays := 0
	switch wc := wait.Config.(type) {
	case domain.WaitForTaskConfig:
		timeoutDays = wc.TimeoutDays
	case domain.WaitForApprovalConfig:
		timeoutDays = wc.TimeoutDays
	default:
		r.fail(fmt.Sprintf("assign_task %q must be followed by a wait step", step.ID))
		return
	}

	task := r.buildTask(step, c)
	r.t.Effects = append(r.t.Effects, CreateTask{Task: task})
	if task.AssignedTo != "" {
		r.activity(domain.ActivityCreateNotification, domain.NotificationInput{
			UserID:     task.AssignedTo,
			Title:      "New task: " + task.Title,
			Body:       task.Description,
			EntityType: domain.EntityTask,
			EntityID:   task.ID.String(),
		})
	}

	inst.CurrentStepID = wait.ID
	inst.Sequence++
	r.t.Steps = append(r.t.Steps, wait.Type())
	taskID := task.ID
	r.suspend(&taskID, timeoutDays)
}

func (r *runner) buildTask(step domain.Step, c domain.AssignTaskConfig) *domain.Task {
	inst := r.inst()
	vars := inst.Variables
	id := uuid.NewSHA1(inst.ID, []byte(fmt.Sprintf("task/%s/%d", step.ID, inst.Sequence)))
	wfID := inst.ID
	taskType, _ := domain.ParseTaskType(string(c.TaskType))

	meta := datatypes.JSONMap{}
	for k, v := range c.Metadata {
		meta[k] = v
	}
	if links, ok := meta["links"]; ok {
		meta["links"] = domain.NormalizeLinks(links)
	}
	meta["workflowName"] = inst.DefinitionName

	task := &domain.Task{
		ID:           id,
		OrgID:        inst.OrgID,
		WorkflowID:   &wfID,
		StepID:       step.ID,
		Title:        render(c.Title, vars),
		Description:  render(c.Description, vars),
		TaskType:     taskType,
		Status:       domain.TaskTodo,
		AssignedTo:   render(c.AssignedTo, vars),
		AssignedRole: c.AssignedRole,
		Metadata:     meta,
		CreatedBy:    "workflow:" + inst.DefinitionName,
		Version:      1,
		CreatedAt:    r.at,
		UpdatedAt:    r.at,
	}
	if c.DueInDays > 0 {
		due := r.at.AddDate(0, 0, c.DueInDays)
		task.DueDate = &due
	}
	return task
}

func (r *runner) suspend(taskID *uuid.UUID, timeoutDays int) {
	inst := r.inst()
	inst.State = domain.StateWaiting
	inst.WaitingTaskID = taskID
	inst.WaitDeadline = nil
	if timeoutDays > 0 {
		deadline := r.at.AddDate(0, 0, timeoutDays)
		inst.WaitDeadline = &deadline
	}
}

func (r *runner) notify(n *domain.EmailNotice) {
	if n == nil {
		return
	}
	vars := r.inst().Variables
	to := strings.TrimSpace(render(n.To, vars))
	if to == "" {
		return
	}
	r.activity(domain.ActivitySendEmail, domain.EmailInput{
		To:      to,
		Subject: render(n.Subject, vars),
		Body:    render(n.Body, vars),
	})
}

func (r *runner) followUp(step domain.Step, f *domain.FollowUpTask) {
	if f == nil {
		return
	}
	inst := r.inst()
	vars := inst.Variables
	in := domain.FollowUpInput{
		Title:        render(f.Title, vars),
		AssignedTo:   render(f.AssignedTo, vars),
		AssignedRole: f.AssignedRole,
		SourceID:     inst.ID.String(),
		SourceStep:   step.ID,
	}
	if f.DueInDays > 0 {
		due := r.at.AddDate(0, 0, f.DueInDays)
		in.DueDate = &due
	}
	r.activity(domain.ActivityCreateFollowUpTask, in)
}

// render expands {{.var}} references against instance variables. A template
// that fails to parse or execute is used verbatim.
func render(text string, vars map[string]any) string {
	if !strings.Contains(text, "{{") {
		return text
	}
	tmpl, err := template.New("").Option("missingkey=zero").Parse(text)
	if err != nil {
		return text
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, map[string]any(vars)); err != nil {
		return text
	}
	return strings.ReplaceAll(buf.String(), "<no value>", "")
}
