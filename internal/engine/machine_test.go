package engine

import (
	"testing"

	"crm-flow/internal/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMachineStartIsDeterministic(t *testing.T) {
	def := dealApproval()
	def.OrgID = "org-1"
	def.Version = 1
	require.NoError(t, def.Normalize())
	inst := domain.NewWorkflowInstance(def, map[string]any{"contactName": "Acme"}, "u", t0)

	var m Machine
	a := m.Start(def, inst, t0)
	b := m.Start(def, inst, t0)

	require.Len(t, a.Effects, len(b.Effects))
	for i := range a.Effects {
		switch ea := a.Effects[i].(type) {
		case CreateTask:
			eb := b.Effects[i].(CreateTask)
			assert.Equal(t, ea.Task.ID, eb.Task.ID)
		case RunActivity:
			eb := b.Effects[i].(RunActivity)
			assert.Equal(t, ea.Job.ID, eb.Job.ID)
		}
	}
	assert.Equal(t, a.Instance, b.Instance)
	assert.Equal(t, domain.StateRunning, inst.State, "the input instance is not modified")
	assert.Equal(t, []domain.StepType{domain.StepTrigger, domain.StepAssignTask, domain.StepWaitForApproval}, a.Steps)
}

func TestMachineCancelReleasesWait(t *testing.T) {
	def := dealApproval()
	require.NoError(t, def.Normalize())
	var m Machine
	started := m.Start(def, domain.NewWorkflowInstance(def, nil, "u", t0), t0).Instance

	tr := m.Apply(def, started, domain.CancelSignal("boss", "duplicate", t0))
	require.True(t, tr.Changed)
	assert.Equal(t, domain.StateCancelled, tr.Instance.State)
	assert.Nil(t, tr.Instance.WaitingTaskID)
	assert.Nil(t, tr.Instance.WaitDeadline)

	again := m.Apply(def, tr.Instance, domain.CancelSignal("boss", "duplicate", t0))
	assert.False(t, again.Changed)
}

func TestMachineTimeoutBeforeDeadlineIsIgnored(t *testing.T) {
	def := dealApproval()
	require.NoError(t, def.Normalize())
	var m Machine
	started := m.Start(def, domain.NewWorkflowInstance(def, nil, "u", t0), t0).Instance

	tr := m.Apply(def, started, domain.TimeoutSignal(t0.AddDate(0, 0, 2)))
	assert.False(t, tr.Changed)
	assert.Equal(t, "wait deadline not reached", tr.Reason)
}

func TestMachineCycleWithoutWaitFails(t *testing.T) {
	def := &domain.WorkflowDefinition{
		Name:     "loop",
		Statuses: approvalStatuses(),
		Steps: []domain.Step{
			{ID: "start", Config: domain.TriggerConfig{}},
			{ID: "a", Next: "b", Config: domain.UpdateStatusConfig{Status: "pending"}},
			{ID: "b", Next: "a", Config: domain.UpdateStatusConfig{Status: "pending"}},
		},
	}
	require.NoError(t, def.Normalize())

	var m Machine
	tr := m.Start(def, domain.NewWorkflowInstance(def, nil, "u", t0), t0)
	assert.Equal(t, domain.StateFailed, tr.Instance.State)
	assert.Contains(t, tr.Instance.Error, "step limit")
}

func TestEvaluateCondition(t *testing.T) {
	branch := func(op string, v any) domain.ConditionConfig {
		return domain.ConditionConfig{Variable: "x", Branches: []domain.ConditionBranch{{Operator: op, Value: v, Goto: "hit"}}}
	}
	cases := []struct {
		name string
		cfg  domain.ConditionConfig
		vars map[string]any
		want bool
	}{
		{"eq string", branch(domain.OpEq, "gold"), map[string]any{"x": "gold"}, true},
		{"eq number across types", branch(domain.OpEq, 5), map[string]any{"x": 5.0}, true},
		{"eq missing", branch(domain.OpEq, "gold"), map[string]any{}, false},
		{"neq", branch(domain.OpNeq, "gold"), map[string]any{"x": "silver"}, true},
		{"neq missing", branch(domain.OpNeq, "gold"), map[string]any{}, true},
		{"in list", branch(domain.OpIn, []any{"a", "b"}), map[string]any{"x": "b"}, true},
		{"in list miss", branch(domain.OpIn, []any{"a", "b"}), map[string]any{"x": "c"}, false},
		{"exists", branch(domain.OpExists, nil), map[string]any{"x": "v"}, true},
		{"exists blank", branch(domain.OpExists, nil), map[string]any{"x": " "}, false},
		{"exists nil", branch(domain.OpExists, nil), map[string]any{"x": nil}, false},
		{"gt", branch(domain.OpGt, 10), map[string]any{"x": 11}, true},
		{"gt numeric string", branch(domain.OpGt, 10), map[string]any{"x": "12.5"}, true},
		{"lt", branch(domain.OpLt, 10), map[string]any{"x": 11}, false},
		{"gt non numeric", branch(domain.OpGt, 10), map[string]any{"x": "many"}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, ok := evaluateCondition(tc.cfg, tc.vars)
			assert.Equal(t, tc.want, ok)
		})
	}
}

func TestRender(t *testing.T) {
	vars := map[string]any{"name": "Acme"}
	assert.Equal(t, "Hello Acme", render("Hello {{.name}}", vars))
	assert.Equal(t, "Hello ", render("Hello {{.missing}}", vars))
	assert.Equal(t, "plain", render("plain", vars))
	assert.Equal(t, "broken {{", render("broken {{", vars))
}
