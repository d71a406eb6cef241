// Package metrics holds the Prometheus collectors shared by the engine,
// dispatcher, workers and task store.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "crmflow"

var (
	WorkflowTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflow_transitions_total",
		Help:      "Steps executed by the workflow engine.",
	}, []string{"step_type"})

	WorkflowInstances = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "workflow_instances_total",
		Help:      "Workflow instance lifecycle events (started, completed, failed, cancelled).",
	}, []string{"event"})

	Signals = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "signals_total",
		Help:      "Signals handled by the dispatcher, by result.",
	}, []string{"signal", "result"})

	Activities = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "activities_total",
		Help:      "Activity executions, by result.",
	}, []string{"activity", "result"})

	ActivityDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "activity_duration_seconds",
		Help:      "Wall time of a single activity attempt.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"activity"})

	TaskClaims = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "task_claims_total",
		Help:      "Task claim attempts, by result.",
	}, []string{"result"})
)

// Result labels.
const (
	ResultOK        = "ok"
	ResultIgnored   = "ignored"
	ResultConflict  = "conflict"
	ResultForbidden = "forbidden"
	ResultError     = "error"
	ResultRetried   = "retried"
)
