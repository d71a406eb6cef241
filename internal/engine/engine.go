package engine

import (
	"context"
	"time"

	"crm-flow/internal/core/ports"
	"crm-flow/internal/domain"
	"crm-flow/internal/logging"
	"crm-flow/internal/metrics"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// saveAttempts bounds how often a signal is re-applied after a concurrent
// writer bumped the instance version.
const saveAttempts = 3

type Engine struct {
	store   ports.Store
	queue   ports.ActivityQueue
	sender  ports.SignalSender
	machine Machine
	log     logrus.FieldLogger
	tracer  trace.Tracer
	now     func() time.Time
}

type Option func(*Engine)

func WithLogger(l logrus.FieldLogger) Option {
	return func(e *Engine) { e.log = logging.Component(l, "engine") }
}

// WithClock replaces time.Now. Tests use it to drive timeouts.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// WithSender routes signals the engine raises itself (timeouts, cancels)
// through s instead of applying them inline.
func WithSender(s ports.SignalSender) Option {
	return func(e *Engine) { e.sender = s }
}

func New(store ports.Store, queue ports.ActivityQueue, opts ...Option) *Engine {
	e := &Engine{
		store:  store,
		queue:  queue,
		log:    logging.Component(nil, "engine"),
		tracer: otel.Tracer("crm-flow/engine"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// UseSender sets the signal sender after construction, for senders that
// themselves depend on the engine.
func (e *Engine) UseSender(s ports.SignalSender) { e.sender = s }

// Now returns the engine clock's current time in UTC.
func (e *Engine) Now() time.Time { return e.now().UTC() }

// Start creates an instance of the latest version of the named definition
// and runs it to its first wait.
func (e *Engine) Start(ctx context.Context, p domain.Principal, name string, vars map[string]any) (*domain.WorkflowInstance, error) {
	def, err := e.store.Definitions.GetLatest(ctx, p.OrgID, name)
	if err != nil {
		return nil, err
	}
	if !def.IsActive {
		return nil, domain.Conflictf("workflow %q is inactive", name)
	}
	return e.start(ctx, def, vars, p.UserID)
}

// Trigger starts one instance of every active definition whose trigger
// listens for event. A definition that fails to start is logged and skipped.
func (e *Engine) Trigger(ctx context.Context, orgID, event string, vars map[string]any) ([]*domain.WorkflowInstance, error) {
	defs, err := e.store.Definitions.ListLatest(ctx, orgID)
	if err != nil {
		return nil, err
	}

	var started []*domain.WorkflowInstance
	var firstErr error
	for i := range defs {
		def := &defs[i]
		trig, ok := def.Trigger()
		if !def.IsActive || !ok || trig.Event != event {
			continue
		}
		inst, err := e.start(ctx, def, vars, "event:"+event)
		if err != nil {
			e.log.WithError(err).WithFields(logrus.Fields{
				"definition": def.Name,
				"event":      event,
			}).Warn("failed to start workflow for event")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		started = append(started, inst)
	}
	if len(started) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return started, nil
}

func (e *Engine) start(ctx context.Context, def *domain.WorkflowDefinition, vars map[string]any, startedBy string) (*domain.WorkflowInstance, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.Start", trace.WithAttributes(
		attribute.String("workflow.definition", def.Name),
		attribute.Int("workflow.version", def.Version),
	))
	defer span.End()

	at := e.Now()
	inst := domain.NewWorkflowInstance(def, vars, startedBy, at)
	tr := e.machine.Start(def, inst, at)

	if err := e.createTasks(ctx, tr); err != nil {
		e.discardTasks(ctx, tr)
		recordSpanError(span, err)
		return nil, err
	}
	if err := e.store.Workflows.Create(ctx, tr.Instance); err != nil {
		e.discardTasks(ctx, tr)
		recordSpanError(span, err)
		return nil, errors.Wrap(err, "create workflow instance")
	}
	span.SetAttributes(attribute.String("workflow.instance", tr.Instance.ID.String()))

	metrics.WorkflowInstances.WithLabelValues("started").Inc()
	e.afterPersist(ctx, tr)

	e.log.WithFields(logrus.Fields{
		"instance":   tr.Instance.ID,
		"definition": def.Name,
		"version":    def.Version,
		"state":      tr.Instance.State,
	}).Info("workflow started")
	return tr.Instance, nil
}

// HandleSignal applies one signal to the instance it addresses. Signals that
// do not match the instance's wait return an unchanged transition and no
// error. A missing instance returns domain.ErrNotFound.
func (e *Engine) HandleSignal(ctx context.Context, env domain.SignalEnvelope) (Transition, error) {
	ctx, span := e.tracer.Start(ctx, "Engine.HandleSignal", trace.WithAttributes(
		attribute.String("workflow.instance", env.InstanceID.String()),
		attribute.String("workflow.signal", string(env.Signal.Name)),
	))
	defer span.End()

	sig := env.Signal
	if sig.At.IsZero() {
		sig.At = e.Now()
	}

	for attempt := 1; ; attempt++ {
		inst, err := e.store.Workflows.GetByID(ctx, env.InstanceID)
		if err != nil {
			recordSpanError(span, err)
			return Transition{}, err
		}
		def, err := e.store.Definitions.GetByID(ctx, inst.DefinitionID)
		if err != nil {
			recordSpanError(span, err)
			return Transition{}, errors.Wrapf(err, "definition %s of instance %s", inst.DefinitionID, inst.ID)
		}

		tr := e.machine.Apply(def, inst, sig)
		if !tr.Changed {
			span.SetAttributes(attribute.String("workflow.ignored", tr.Reason))
			return tr, nil
		}

		if err := e.createTasks(ctx, tr); err != nil {
			recordSpanError(span, err)
			return Transition{}, err
		}

		tr.Instance.Version = inst.Version + 1
		err = e.store.Workflows.Save(ctx, tr.Instance, inst.Version)
		if errors.Is(err, domain.ErrConflict) && attempt < saveAttempts {
			e.log.WithField("instance", inst.ID).Debug("instance changed concurrently, re-applying signal")
			continue
		}
		if err != nil {
			recordSpanError(span, err)
			return Transition{}, errors.Wrap(err, "save workflow instance")
		}

		e.afterPersist(ctx, tr)
		e.log.WithFields(logrus.Fields{
			"instance": inst.ID,
			"signal":   sig.Name,
			"step":     tr.Instance.CurrentStepID,
			"state":    tr.Instance.State,
			"status":   tr.Instance.Status,
		}).Info("workflow advanced")
		return tr, nil
	}
}

// Terminate cancels a running or waiting instance by sending it a cancel
// signal. The instance must belong to the caller's org.
func (e *Engine) Terminate(ctx context.Context, p domain.Principal, id uuid.UUID, reason string) error {
	inst, err := e.store.Workflows.GetByID(ctx, id)
	if err != nil {
		return err
	}
	if inst.OrgID != p.OrgID {
		return domain.ErrNotFound
	}
	if inst.IsFinished() {
		return domain.Conflictf("workflow instance is already %s", inst.State)
	}
	return e.send(ctx, id, domain.CancelSignal(p.UserID, reason, e.Now()))
}

func (e *Engine) send(ctx context.Context, id uuid.UUID, sig domain.Signal) error {
	if e.sender != nil {
		return e.sender.Send(ctx, id, sig)
	}
	_, err := e.HandleSignal(ctx, domain.SignalEnvelope{InstanceID: id, Signal: sig})
	return err
}

// createTasks inserts the tasks a transition assigned. A task that already
// exists was created by an earlier attempt of the same transition.
func (e *Engine) createTasks(ctx context.Context, tr Transition) error {
	for _, eff := range tr.Effects {
		ct, ok := eff.(CreateTask)
		if !ok {
			continue
		}
		err := e.store.Tasks.Create(ctx, ct.Task.Clone())
		if errors.Is(err, domain.ErrConflict) {
			continue
		}
		if err != nil {
			return errors.Wrapf(err, "create task for step %s", ct.Task.StepID)
		}
	}
	return nil
}

// discardTasks removes the tasks of a start whose instance was never stored,
// so no task points at a missing workflow.
func (e *Engine) discardTasks(ctx context.Context, tr Transition) {
	var ids []uuid.UUID
	for _, eff := range tr.Effects {
		if ct, ok := eff.(CreateTask); ok {
			ids = append(ids, ct.Task.ID)
		}
	}
	if err := e.store.Tasks.Delete(ctx, ids...); err != nil {
		e.log.WithError(err).WithField("instance", tr.Instance.ID).Warn("failed to discard tasks of an unstarted workflow")
	}
}

// afterPersist enqueues activities and records metrics. Enqueue failures are
// logged and dropped; they never undo a persisted transition.
func (e *Engine) afterPersist(ctx context.Context, tr Transition) {
	for _, st := range tr.Steps {
		metrics.WorkflowTransitions.WithLabelValues(string(st)).Inc()
	}
	switch tr.Instance.State {
	case domain.StateCompleted:
		metrics.WorkflowInstances.WithLabelValues("completed").Inc()
	case domain.StateFailed:
		metrics.WorkflowInstances.WithLabelValues("failed").Inc()
		e.log.WithFields(logrus.Fields{
			"instance": tr.Instance.ID,
			"error":    tr.Instance.Error,
		}).Warn("workflow failed")
	case domain.StateCancelled:
		metrics.WorkflowInstances.WithLabelValues("cancelled").Inc()
	}

	for _, eff := range tr.Effects {
		ra, ok := eff.(RunActivity)
		if !ok {
			continue
		}
		if err := e.queue.Push(ctx, ra.Job); err != nil {
			e.log.WithError(err).WithFields(logrus.Fields{
				"activity": ra.Job.Name,
				"job":      ra.Job.ID,
				"instance": tr.Instance.ID,
			}).Warn("failed to enqueue activity")
		}
	}
}

func recordSpanError(span trace.Span, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}
