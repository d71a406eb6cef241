package domain

import (
	"time"

	"github.com/google/uuid"
)

type SignalName string

const (
	SignalTaskCompleted     SignalName = "taskCompleted"
	SignalApprovalSubmitted SignalName = "approvalSubmitted"
	SignalTimeout           SignalName = "timeout"
	SignalCancel            SignalName = "cancel"
)

// Signal is an externally delivered event that resumes a suspended
// workflow instance. At is stamped once by the sender so that applying the
// same signal again yields the same transition.
type Signal struct {
	Name    SignalName `json:"name"`
	TaskID  uuid.UUID  `json:"task_id,omitempty"`
	Actor   string     `json:"actor,omitempty"`
	Outcome Outcome    `json:"outcome,omitempty"`
	Comment string     `json:"comment,omitempty"`
	Reason  string     `json:"reason,omitempty"`
	At      time.Time  `json:"at"`
}

// SignalEnvelope is what travels over the signal bus.
type SignalEnvelope struct {
	InstanceID uuid.UUID `json:"instance_id"`
	Signal     Signal    `json:"signal"`
}

func TaskCompletedSignal(taskID uuid.UUID, completedBy string, at time.Time) Signal {
	return Signal{Name: SignalTaskCompleted, TaskID: taskID, Actor: completedBy, At: at}
}

func ApprovalSubmittedSignal(taskID uuid.UUID, outcome Outcome, comment, approvedBy string, at time.Time) Signal {
	return Signal{
		Name:    SignalApprovalSubmitted,
		TaskID:  taskID,
		Actor:   approvedBy,
		Outcome: outcome,
		Comment: comment,
		At:      at,
	}
}

func TimeoutSignal(at time.Time) Signal {
	return Signal{Name: SignalTimeout, At: at}
}

func CancelSignal(actor, reason string, at time.Time) Signal {
	return Signal{Name: SignalCancel, Actor: actor, Reason: reason, At: at}
}
