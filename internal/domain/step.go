package domain

import (
	"encoding/json"
	"fmt"

	"gopkg.in/yaml.v3"
)

type StepType string

const (
	StepTrigger         StepType = "trigger"
	StepAssignTask      StepType = "assign_task"
	StepWaitForTask     StepType = "wait_for_task"
	StepWaitForApproval StepType = "wait_for_approval"
	StepUpdateStatus    StepType = "update_status"
	StepCondition       StepType = "condition"
)

// StepConfig is implemented by each step variant. A Step carries exactly one
// of them, so a type can never be paired with another type's config.
type StepConfig interface {
	StepType() StepType
}

type TriggerConfig struct {
	Event     string   `json:"event,omitempty" yaml:"event,omitempty"`
	Variables []string `json:"variables,omitempty" yaml:"variables,omitempty"`
}

type AssignTaskConfig struct {
	Title        string         `json:"title" yaml:"title"`
	Description  string         `json:"description,omitempty" yaml:"description,omitempty"`
	TaskType     TaskType       `json:"task_type,omitempty" yaml:"task_type,omitempty"`
	AssignedTo   string         `json:"assigned_to,omitempty" yaml:"assigned_to,omitempty"`
	AssignedRole string         `json:"assigned_role,omitempty" yaml:"assigned_role,omitempty"`
	DueInDays    int            `json:"due_in_days,omitempty" yaml:"due_in_days,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
}

type WaitForTaskConfig struct {
	TimeoutDays   int    `json:"timeout_days,omitempty" yaml:"timeout_days,omitempty"`
	TimeoutStatus string `json:"timeout_status,omitempty" yaml:"timeout_status,omitempty"`
}

type WaitForApprovalConfig struct {
	RequireComment bool   `json:"require_comment,omitempty" yaml:"require_comment,omitempty"`
	TimeoutDays    int    `json:"timeout_days,omitempty" yaml:"timeout_days,omitempty"`
	TimeoutStatus  string `json:"timeout_status,omitempty" yaml:"timeout_status,omitempty"`
	OnApproved     string `json:"on_approved,omitempty" yaml:"on_approved,omitempty"`
	OnRejected     string `json:"on_rejected,omitempty" yaml:"on_rejected,omitempty"`
}

// EmailNotice is rendered against instance variables and sent by the
// send_email activity.
type EmailNotice struct {
	To      string `json:"to" yaml:"to"`
	Subject string `json:"subject" yaml:"subject"`
	Body    string `json:"body,omitempty" yaml:"body,omitempty"`
}

// FollowUpTask describes a standalone task created by the
// create_follow_up_task activity once a status is reached.
type FollowUpTask struct {
	Title        string `json:"title" yaml:"title"`
	AssignedTo   string `json:"assigned_to,omitempty" yaml:"assigned_to,omitempty"`
	AssignedRole string `json:"assigned_role,omitempty" yaml:"assigned_role,omitempty"`
	DueInDays    int    `json:"due_in_days,omitempty" yaml:"due_in_days,omitempty"`
}

type UpdateStatusConfig struct {
	Status   string        `json:"status" yaml:"status"`
	Notify   *EmailNotice  `json:"notify,omitempty" yaml:"notify,omitempty"`
	FollowUp *FollowUpTask `json:"follow_up,omitempty" yaml:"follow_up,omitempty"`
}

// Condition operators.
const (
	OpEq     = "eq"
	OpNeq    = "neq"
	OpIn     = "in"
	OpExists = "exists"
	OpGt     = "gt"
	OpLt     = "lt"
)

type ConditionBranch struct {
	Operator string `json:"operator" yaml:"operator"`
	Value    any    `json:"value,omitempty" yaml:"value,omitempty"`
	Goto     string `json:"goto" yaml:"goto"`
}

type ConditionConfig struct {
	Variable string            `json:"variable" yaml:"variable"`
	Branches []ConditionBranch `json:"branches" yaml:"branches"`
}

func (TriggerConfig) StepType() StepType         { return StepTrigger }
func (AssignTaskConfig) StepType() StepType      { return StepAssignTask }
func (WaitForTaskConfig) StepType() StepType     { return StepWaitForTask }
func (WaitForApprovalConfig) StepType() StepType { return StepWaitForApproval }
func (UpdateStatusConfig) StepType() StepType    { return StepUpdateStatus }
func (ConditionConfig) StepType() StepType       { return StepCondition }

// Step is one node of a workflow definition. Next optionally names the
// successor; when empty the next step in declaration order follows.
type Step struct {
	ID     string
	Name   string
	Next   string
	Config StepConfig
}

func (s Step) Type() StepType {
	if s.Config == nil {
		return ""
	}
	return s.Config.StepType()
}

type stepEnvelope struct {
	ID     string          `json:"id"`
	Type   StepType        `json:"type"`
	Name   string          `json:"name,omitempty"`
	Next   string          `json:"next,omitempty"`
	Config json.RawMessage `json:"config,omitempty"`
}

func (s Step) MarshalJSON() ([]byte, error) {
	env := stepEnvelope{ID: s.ID, Type: s.Type(), Name: s.Name, Next: s.Next}
	if s.Config != nil {
		raw, err := json.Marshal(s.Config)
		if err != nil {
			return nil, err
		}
		env.Config = raw
	}
	return json.Marshal(env)
}

func (s *Step) UnmarshalJSON(data []byte) error {
	var env stepEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	cfg, err := decodeStepConfig(env.Type, func(v any) error {
		if len(env.Config) == 0 || string(env.Config) == "null" {
			return nil
		}
		return json.Unmarshal(env.Config, v)
	})
	if err != nil {
		return err
	}
	*s = Step{ID: env.ID, Name: env.Name, Next: env.Next, Config: cfg}
	return nil
}

func (s *Step) UnmarshalYAML(node *yaml.Node) error {
	var env struct {
		ID     string    `yaml:"id"`
		Type   StepType  `yaml:"type"`
		Name   string    `yaml:"name"`
		Next   string    `yaml:"next"`
		Config yaml.Node `yaml:"config"`
	}
	if err := node.Decode(&env); err != nil {
		return err
	}
	cfg, err := decodeStepConfig(env.Type, func(v any) error {
		if env.Config.Kind == 0 {
			return nil
		}
		return env.Config.Decode(v)
	})
	if err != nil {
		return fmt.Errorf("step %q: %w", env.ID, err)
	}
	*s = Step{ID: env.ID, Name: env.Name, Next: env.Next, Config: cfg}
	return nil
}

func decodeStepConfig(t StepType, decode func(any) error) (StepConfig, error) {
	switch t {
	case StepTrigger:
		var c TriggerConfig
		err := decode(&c)
		return c, err
	case StepAssignTask:
		var c AssignTaskConfig
		err := decode(&c)
		return c, err
	case StepWaitForTask:
		var c WaitForTaskConfig
		err := decode(&c)
		return c, err
	case StepWaitForApproval:
		var c WaitForApprovalConfig
		err := decode(&c)
		return c, err
	case StepUpdateStatus:
		var c UpdateStatusConfig
		err := decode(&c)
		return c, err
	case StepCondition:
		var c ConditionConfig
		err := decode(&c)
		return c, err
	}
	return nil, Invalid("steps", "unknown step type %q", t)
}
