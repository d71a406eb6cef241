package worker

import (
	"context"
	"time"

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

// Result is the outcome of running one activity job to completion or
// exhaustion. Err wraps domain.ErrActivityFailed when the job failed.
type Result struct {
	Activity string
	JobID    uuid.UUID
	Attempts int
	Output   []byte
	Err      error
}

func (r Result) OK() bool { return r.Err == nil }

type Executor struct {
	registry Registry
	policy   RetryPolicy
	log      logrus.FieldLogger
	tracer   trace.Tracer
	sleep    func(ctx context.Context, d time.Duration) error
}

func NewExecutor(registry Registry, policy RetryPolicy, log logrus.FieldLogger) *Executor {
	return &Executor{
		registry: registry,
		policy:   policy,
		log:      logging.Component(log, "executor"),
		tracer:   otel.Tracer("crm-flow/worker"),
		sleep:    sleepCtx,
	}
}

// Execute runs job, retrying transient failures per the retry policy. It
// never panics on handler errors and never returns them other than in Result.
func (e *Executor) Execute(ctx context.Context, job domain.ActivityJob) Result {
	ctx, span := e.tracer.Start(ctx, "Executor.Execute", trace.WithAttributes(
		attribute.String("activity.name", job.Name),
		attribute.String("activity.job", job.ID.String()),
	))
	defer span.End()

	res := Result{Activity: job.Name, JobID: job.ID}
	handler, ok := e.registry[job.Name]
	if !ok {
		res.Err = errors.Wrapf(domain.ErrActivityFailed, "unknown activity %q", job.Name)
		metrics.Activities.WithLabelValues(job.Name, metrics.ResultError).Inc()
		span.SetStatus(codes.Error, res.Err.Error())
		return res
	}

	maxAttempts := e.policy.MaxRetries + 1
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res.Attempts = attempt
		start := time.Now()
		out, err := handler(ctx, job)
		metrics.ActivityDuration.WithLabelValues(job.Name).Observe(time.Since(start).Seconds())
		if err == nil {
			res.Output = out
			metrics.Activities.WithLabelValues(job.Name, metrics.ResultOK).Inc()
			span.SetAttributes(attribute.Int("activity.attempts", attempt))
			return res
		}
		lastErr = err
		if isPermanent(err) || attempt == maxAttempts {
			break
		}

		metrics.Activities.WithLabelValues(job.Name, metrics.ResultRetried).Inc()
		delay := e.policy.Backoff(attempt)
		e.log.WithError(err).WithFields(logrus.Fields{
			"activity": job.Name,
			"job":      job.ID,
			"attempt":  attempt,
			"delay":    delay,
		}).Debug("activity failed, retrying")
		if err := e.sleep(ctx, delay); err != nil {
			lastErr = err
			break
		}
	}

	res.Err = errors.Wrapf(domain.ErrActivityFailed, "%s after %d attempt(s): %v", job.Name, res.Attempts, lastErr)
	metrics.Activities.WithLabelValues(job.Name, metrics.ResultError).Inc()
	span.RecordError(lastErr)
	span.SetStatus(codes.Error, res.Err.Error())
	return res
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
