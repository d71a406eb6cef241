package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// WorkflowDefinition is one immutable version of a named workflow template.
// Structural edits insert a new row with Version+1 so running instances keep
// the version they started under.
type WorkflowDefinition struct {
	ID          uuid.UUID      `gorm:"type:uuid;primary_key;" json:"id"`
	OrgID       string         `gorm:"type:varchar(64);not null;uniqueIndex:idx_definition_version" json:"org_id"`
	Name        string         `gorm:"type:varchar(100);not null;uniqueIndex:idx_definition_version" json:"name"`
	Version     int            `gorm:"not null;uniqueIndex:idx_definition_version" json:"version"`
	Description string         `gorm:"type:text" json:"description,omitempty"`
	Steps       []Step         `gorm:"type:jsonb;serializer:json" json:"steps"`
	Statuses    []StatusOption `gorm:"type:jsonb;serializer:json" json:"statuses"`
	IsActive    bool           `gorm:"default:true" json:"is_active"`
	IsLatest    bool           `gorm:"index" json:"is_latest"`
	CreatedBy   string         `gorm:"type:varchar(100)" json:"created_by,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
}

func (d *WorkflowDefinition) StepIndex(id string) int {
	if d == nil || id == "" {
		return -1
	}
	for i := range d.Steps {
		if d.Steps[i].ID == id {
			return i
		}
	}
	return -1
}

func (d *WorkflowDefinition) Step(id string) (Step, bool) {
	i := d.StepIndex(id)
	if i < 0 {
		return Step{}, false
	}
	return d.Steps[i], true
}

// Successor returns the id of the step that follows id, or "" when id is the
// last step.
func (d *WorkflowDefinition) Successor(id string) string {
	i := d.StepIndex(id)
	if i < 0 {
		return ""
	}
	if next := d.Steps[i].Next; next != "" {
		return next
	}
	if i+1 < len(d.Steps) {
		return d.Steps[i+1].ID
	}
	return ""
}

func (d *WorkflowDefinition) Trigger() (TriggerConfig, bool) {
	for _, s := range d.Steps {
		if t, ok := s.Config.(TriggerConfig); ok {
			return t, true
		}
	}
	return TriggerConfig{}, false
}

func (d *WorkflowDefinition) HasStatus(id string) bool {
	_, ok := d.status(id)
	return ok
}

func (d *WorkflowDefinition) IsTerminalStatus(id string) bool {
	s, ok := d.status(id)
	return ok && s.Terminal
}

// InitialStatus is the lowest-ordered status.
func (d *WorkflowDefinition) InitialStatus() string {
	if len(d.Statuses) == 0 {
		return ""
	}
	return d.Statuses[0].ID
}

func (d *WorkflowDefinition) status(id string) (StatusOption, bool) {
	for _, s := range d.Statuses {
		if s.ID == id {
			return s, true
		}
	}
	return StatusOption{}, false
}

// Variables set by wait steps when they resume.
var waitStepVariables = map[StepType][]string{
	StepWaitForTask:     {"completedBy", "taskId"},
	StepWaitForApproval: {"outcome", "comment", "approvedBy", "taskId"},
}

// Normalize trims the definition's identifying fields, normalizes its status
// list and validates the step graph.
func (d *WorkflowDefinition) Normalize() error {
	d.Name = strings.TrimSpace(d.Name)
	d.Description = strings.TrimSpace(d.Description)
	if d.Name == "" {
		return Invalid("name", "must not be empty")
	}

	statuses, err := NormalizeStatuses(d.Statuses)
	if err != nil {
		return err
	}
	d.Statuses = statuses
	return d.validateSteps()
}

func (d *WorkflowDefinition) validateSteps() error {
	if len(d.Steps) == 0 {
		return Invalid("steps", "at least one step is required")
	}

	ids := make(map[string]struct{}, len(d.Steps))
	triggers := 0
	for i, s := range d.Steps {
		if strings.TrimSpace(s.ID) == "" {
			return Invalid("steps", "step at index %d has an empty id", i)
		}
		if _, dup := ids[s.ID]; dup {
			return Invalid("steps", "duplicate step id %q", s.ID)
		}
		ids[s.ID] = struct{}{}
		if s.Config == nil {
			return Invalid("steps", "step %q has no type", s.ID)
		}
		if s.Type() == StepTrigger {
			triggers++
		}
	}
	if triggers != 1 {
		return Invalid("steps", "exactly one trigger step is required, found %d", triggers)
	}
	if d.Steps[0].Type() != StepTrigger {
		return Invalid("steps", "the trigger must be the first step")
	}

	ref := func(stepID, field, target string) error {
		if target == "" {
			return nil
		}
		if _, ok := ids[target]; !ok {
			return Invalid("steps", "step %q: %s references unknown step %q", stepID, field, target)
		}
		return nil
	}
	statusRef := func(stepID, field, status string) error {
		if status == "" || d.HasStatus(status) {
			return nil
		}
		return Invalid("steps", "step %q: %s %q is not a declared status", stepID, field, status)
	}

	for _, s := range d.Steps {
		if err := ref(s.ID, "next", s.Next); err != nil {
			return err
		}
		switch c := s.Config.(type) {
		case AssignTaskConfig:
			if strings.TrimSpace(c.Title) == "" {
				return Invalid("steps", "step %q: assign_task requires a title", s.ID)
			}
			if _, ok := ParseTaskType(string(c.TaskType)); !ok {
				return Invalid("steps", "step %q: unknown task type %q", s.ID, c.TaskType)
			}
			taskType, _ := ParseTaskType(string(c.TaskType))
			want := StepWaitForTask
			if taskType == TaskTypeApproval {
				want = StepWaitForApproval
			}
			next, ok := d.Step(d.Successor(s.ID))
			if !ok || next.Type() != want {
				return Invalid("steps", "step %q: a %s task must be followed by a %s step", s.ID, taskType, want)
			}
		case WaitForTaskConfig:
			if err := statusRef(s.ID, "timeout_status", c.TimeoutStatus); err != nil {
				return err
			}
		case WaitForApprovalConfig:
			if err := statusRef(s.ID, "timeout_status", c.TimeoutStatus); err != nil {
				return err
			}
			if err := ref(s.ID, "on_approved", c.OnApproved); err != nil {
				return err
			}
			if err := ref(s.ID, "on_rejected", c.OnRejected); err != nil {
				return err
			}
		case UpdateStatusConfig:
			if c.Status == "" {
				return Invalid("steps", "step %q: update_status requires a status", s.ID)
			}
			if err := statusRef(s.ID, "status", c.Status); err != nil {
				return err
			}
		case ConditionConfig:
			if c.Variable == "" {
				return Invalid("steps", "step %q: condition requires a variable", s.ID)
			}
			if len(c.Branches) == 0 {
				return Invalid("steps", "step %q: condition requires at least one branch", s.ID)
			}
			for _, b := range c.Branches {
				switch b.Operator {
				case OpEq, OpNeq, OpIn, OpExists, OpGt, OpLt:
				default:
					return Invalid("steps", "step %q: unknown operator %q", s.ID, b.Operator)
				}
				if b.Goto == "" {
					return Invalid("steps", "step %q: branch requires goto", s.ID)
				}
				if err := ref(s.ID, "goto", b.Goto); err != nil {
					return err
				}
			}
		}
	}
	return d.checkConditionVariables()
}

// successors lists every step id control can move to from s.
func (d *WorkflowDefinition) successors(s Step) []string {
	var out []string
	switch c := s.Config.(type) {
	case ConditionConfig:
		for _, b := range c.Branches {
			out = append(out, b.Goto)
		}
		return out
	case UpdateStatusConfig:
		if d.IsTerminalStatus(c.Status) {
			return nil
		}
	case WaitForApprovalConfig:
		out = append(out, c.OnApproved, c.OnRejected)
	}
	return append(out, d.Successor(s.ID))
}

// checkConditionVariables walks the step graph from the trigger and requires
// every condition variable to be set on all paths that reach the condition:
// declared by the trigger or written by a wait step passed on the way.
// Unreachable steps are not checked.
func (d *WorkflowDefinition) checkConditionVariables() error {
	// in[id] holds the variables set on every path seen so far into id.
	in := map[string]map[string]struct{}{}
	trigger, _ := d.Trigger()
	start := map[string]struct{}{}
	for _, v := range trigger.Variables {
		start[v] = struct{}{}
	}
	in[d.Steps[0].ID] = start

	queue := []string{d.Steps[0].ID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		step, _ := d.Step(id)

		out := make(map[string]struct{}, len(in[id]))
		for v := range in[id] {
			out[v] = struct{}{}
		}
		for _, v := range waitStepVariables[step.Type()] {
			out[v] = struct{}{}
		}

		for _, next := range d.successors(step) {
			if next == "" {
				continue
			}
			prev, seen := in[next]
			if !seen {
				in[next] = out
				queue = append(queue, next)
				continue
			}
			// Intersect; revisit only when the set shrank.
			shrank := false
			merged := make(map[string]struct{}, len(prev))
			for v := range prev {
				if _, ok := out[v]; ok {
					merged[v] = struct{}{}
				} else {
					shrank = true
				}
			}
			if shrank {
				in[next] = merged
				queue = append(queue, next)
			}
		}
	}

	for _, s := range d.Steps {
		c, ok := s.Config.(ConditionConfig)
		if !ok {
			continue
		}
		vars, reached := in[s.ID]
		if !reached {
			continue
		}
		if _, ok := vars[c.Variable]; !ok {
			return Invalid("steps", "step %q: variable %q is not set on every path to this step", s.ID, c.Variable)
		}
	}
	return nil
}
