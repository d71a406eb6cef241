package engine

import (
	"context"
	"time"

	"crm-flow/internal/domain"

	"github.com/sirupsen/logrus"
)

const sweepBatch = 100

// SweepTimeouts sends a timeout signal to every waiting instance whose
// deadline is at or before now and returns how many were signalled.
func (e *Engine) SweepTimeouts(ctx context.Context, now time.Time) (int, error) {
	expired, err := e.store.Workflows.ListExpiredWaits(ctx, now, sweepBatch)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, inst := range expired {
		if err := e.send(ctx, inst.ID, domain.TimeoutSignal(now)); err != nil {
			e.log.WithError(err).WithField("instance", inst.ID).Warn("failed to deliver timeout")
			continue
		}
		sent++
	}
	return sent, nil
}

// RunTimers sweeps every interval until ctx is done.
func (e *Engine) RunTimers(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	e.log.WithField("interval", interval).Info("timer sweeper started")

	for {
		select {
		case <-ctx.Done():
			e.log.Info("timer sweeper shutting down")
			return
		case <-ticker.C:
			n, err := e.SweepTimeouts(ctx, e.Now())
			if err != nil {
				e.log.WithError(err).Warn("timeout sweep failed")
				continue
			}
			if n > 0 {
				e.log.WithFields(logrus.Fields{"timeouts": n}).Info("delivered timeouts")
			}
		}
	}
}
