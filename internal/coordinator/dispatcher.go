package coordinator

import (
	"context"
	"sync"
	"time"

	"crm-flow/internal/core/ports"
	"crm-flow/internal/domain"
	"crm-flow/internal/engine"
	"crm-flow/internal/logging"
	"crm-flow/internal/metrics"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// SignalHandler applies a single signal. *engine.Engine implements it.
type SignalHandler interface {
	HandleSignal(ctx context.Context, env domain.SignalEnvelope) (engine.Transition, error)
}

// ErrStopped is returned by Dispatch and Enqueue once the dispatcher's
// context is done.
var ErrStopped = errors.New("dispatcher stopped")

const (
	mailboxSize = 64

	// handleAttempts bounds how often a signal is handled in a row before it
	// is handed back to the bus.
	handleAttempts = 3
	retryDelay     = 200 * time.Millisecond
)

type work struct {
	env    domain.SignalEnvelope
	done   chan error
	settle func(error)
}

// Dispatcher serializes signals per instance. Each instance hashes to one of
// a fixed number of mailboxes drained by a single goroutine, so signals for
// the same instance are handled in the order they were enqueued while
// different instances proceed in parallel.
type Dispatcher struct {
	handler    SignalHandler
	mailboxes  []chan work
	log        logrus.FieldLogger
	tracer     trace.Tracer
	retryDelay time.Duration

	once    sync.Once
	stopped chan struct{}
	wg      sync.WaitGroup
}

func NewDispatcher(handler SignalHandler, shards int, log logrus.FieldLogger) *Dispatcher {
	if shards < 1 {
		shards = 1
	}
	d := &Dispatcher{
		handler:    handler,
		mailboxes:  make([]chan work, shards),
		log:        logging.Component(log, "dispatcher"),
		tracer:     otel.Tracer("crm-flow/coordinator"),
		retryDelay: retryDelay,
		stopped:    make(chan struct{}),
	}
	for i := range d.mailboxes {
		d.mailboxes[i] = make(chan work, mailboxSize)
	}
	return d
}

// Start launches one goroutine per mailbox. They exit when ctx is done;
// Wait blocks until they have.
func (d *Dispatcher) Start(ctx context.Context) {
	d.once.Do(func() {
		for i, mb := range d.mailboxes {
			d.wg.Add(1)
			go d.drain(ctx, i, mb)
		}
		go func() {
			<-ctx.Done()
			close(d.stopped)
		}()
		d.log.WithField("shards", len(d.mailboxes)).Info("dispatcher started")
	})
}

func (d *Dispatcher) Wait() { d.wg.Wait() }

// Dispatch delivers sig to the instance and waits until it was handled.
// Unknown and finished instances are not an error.
func (d *Dispatcher) Dispatch(ctx context.Context, instanceID uuid.UUID, sig domain.Signal) error {
	w := work{env: domain.SignalEnvelope{InstanceID: instanceID, Signal: sig}, done: make(chan error, 1)}
	if err := d.enqueue(ctx, w); err != nil {
		return err
	}
	select {
	case err := <-w.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-d.stopped:
		return ErrStopped
	}
}

// Enqueue hands a bus delivery to its mailbox without waiting for the
// result. The delivery is settled once the signal was handled.
func (d *Dispatcher) Enqueue(ctx context.Context, dl ports.SignalDelivery) error {
	return d.enqueue(ctx, work{env: dl.Envelope, settle: dl.Done})
}

func (d *Dispatcher) enqueue(ctx context.Context, w work) error {
	mb := d.mailboxes[d.shard(w.env.InstanceID)]
	select {
	case mb <- w:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-d.stopped:
		return ErrStopped
	}
}

func (d *Dispatcher) shard(id uuid.UUID) int {
	return int(xxhash.Sum64(id[:]) % uint64(len(d.mailboxes)))
}

func (d *Dispatcher) drain(ctx context.Context, shard int, mb <-chan work) {
	defer d.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case w := <-mb:
			err := d.handle(ctx, w.env)
			if w.done != nil {
				w.done <- err
			}
			if w.settle != nil && (err == nil || ctx.Err() == nil) {
				w.settle(d.redeliverable(w.env, err))
			}
		}
	}
}

// handle processes env, retrying transient failures in place so later
// signals for the same instance stay behind it.
func (d *Dispatcher) handle(ctx context.Context, env domain.SignalEnvelope) error {
	var err error
	for attempt := 1; attempt <= handleAttempts; attempt++ {
		err = d.process(ctx, env)
		if err == nil || permanent(err) || attempt == handleAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * d.retryDelay):
		}
	}
	return err
}

// redeliverable returns err unless handling the same signal again cannot fix it.
func (d *Dispatcher) redeliverable(env domain.SignalEnvelope, err error) error {
	if err != nil && permanent(err) {
		d.log.WithError(err).WithField("instance", env.InstanceID).Error("signal dropped")
		return nil
	}
	return err
}

// permanent reports errors that handling the same signal again cannot fix.
func permanent(err error) bool {
	return errors.Is(err, domain.ErrValidation) ||
		errors.Is(err, domain.ErrUnroutableCondition) ||
		errors.Is(err, domain.ErrForbidden)
}

func (d *Dispatcher) process(ctx context.Context, env domain.SignalEnvelope) error {
	log := d.log.WithFields(logrus.Fields{
		"instance": env.InstanceID,
		"signal":   env.Signal.Name,
	})
	name := string(env.Signal.Name)

	ctx, span := d.tracer.Start(ctx, "Dispatcher.process", trace.WithAttributes(
		attribute.String("workflow.instance", env.InstanceID.String()),
		attribute.String("signal.name", name),
	))
	defer span.End()

	tr, err := d.handler.HandleSignal(ctx, env)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		metrics.Signals.WithLabelValues(name, metrics.ResultIgnored).Inc()
		log.Info("signal for unknown workflow instance ignored")
		return nil
	case err != nil:
		metrics.Signals.WithLabelValues(name, metrics.ResultError).Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		log.WithError(err).Warn("signal handling failed")
		return err
	case !tr.Changed:
		metrics.Signals.WithLabelValues(name, metrics.ResultIgnored).Inc()
		log.WithField("reason", tr.Reason).Info("signal ignored")
		return nil
	}
	metrics.Signals.WithLabelValues(name, metrics.ResultOK).Inc()
	return nil
}
