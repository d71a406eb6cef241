package policy

import "crm-flow/internal/domain"

// RequiresComment reports whether the step the instance is parked on is a
// wait_for_approval step that demands a comment. Any reference that does not
// resolve means no extra requirement.
func RequiresComment(inst *domain.WorkflowInstance, def *domain.WorkflowDefinition) bool {
	if inst == nil || def == nil || inst.CurrentStepID == "" {
		return false
	}
	step, ok := def.Step(inst.CurrentStepID)
	if !ok {
		return false
	}
	cfg, ok := step.Config.(domain.WaitForApprovalConfig)
	return ok && cfg.RequireComment
}

// ValidateOutcome enforces the outcome rules for completing task. It returns
// the outcome to store, which is always nil for non-approval tasks.
func ValidateOutcome(task *domain.Task, outcome string) (*domain.Outcome, error) {
	if !task.IsApproval() {
		return nil, nil
	}
	o := domain.Outcome(outcome)
	if !o.Valid() {
		return nil, domain.Invalid("outcome", "must be %q or %q for approval tasks", domain.OutcomeApproved, domain.OutcomeRejected)
	}
	return &o, nil
}
