package worker

import (
	"context"
	"sync"

	"crm-flow/internal/core/ports"
	"crm-flow/internal/logging"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type Worker struct {
	workerID string
	queue    ports.ActivityQueue
	executor *Executor
	log      logrus.FieldLogger
	wg       sync.WaitGroup
}

func NewWorker(q ports.ActivityQueue, executor *Executor, log logrus.FieldLogger) *Worker {
	id := uuid.New().String()
	return &Worker{
		workerID: id,
		queue:    q,
		executor: executor,
		log:      logging.Component(log, "worker").WithField("worker", id),
	}
}

// ProcessNext handles exactly ONE job lifecycle. It returns false once ctx
// is done.
func (w *Worker) ProcessNext(ctx context.Context) bool {
	// 1. POP: Wait until a job is available
	job, err := w.queue.Pop(ctx)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return false
		}
		w.log.WithError(err).Warn("worker error popping from queue")
		return true
	}

	// 2. EXECUTE: retries happen inside the executor
	res := w.executor.Execute(ctx, job)

	// 3. REPORT: failures are logged, never propagated
	log := w.log.WithFields(logrus.Fields{
		"activity": res.Activity,
		"job":      res.JobID,
		"attempts": res.Attempts,
	})
	if !res.OK() {
		log.WithError(res.Err).Warn("activity failed")
		return true
	}
	log.Debug("activity finished")
	return true
}

// StartPool launches concurrent worker loops. They stop when ctx is done;
// Wait blocks until they have.
func (w *Worker) StartPool(ctx context.Context, concurrency int) {
	if concurrency < 1 {
		concurrency = 1
	}
	w.log.WithField("concurrency", concurrency).Info("starting worker pool")

	for i := 0; i < concurrency; i++ {
		w.wg.Add(1)
		go func(threadID int) {
			defer w.wg.Done()
			for w.ProcessNext(ctx) {
			}
			w.log.WithField("thread", threadID).Debug("worker thread shutting down")
		}(i)
	}
}

func (w *Worker) Wait() { w.wg.Wait() }
