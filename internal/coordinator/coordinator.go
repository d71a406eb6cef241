package coordinator

import (
	"context"

	"crm-flow/internal/core/ports"
	"crm-flow/internal/logging"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

type Coordinator struct {
	bus        ports.SignalBus
	dispatcher *Dispatcher
	log        logrus.FieldLogger
}

func NewCoordinator(bus ports.SignalBus, dispatcher *Dispatcher, log logrus.FieldLogger) *Coordinator {
	return &Coordinator{
		bus:        bus,
		dispatcher: dispatcher,
		log:        logging.Component(log, "coordinator"),
	}
}

// Start begins the listening loop and blocks until ctx is done. Call this in
// main.go as a goroutine.
func (c *Coordinator) Start(ctx context.Context) error {
	c.dispatcher.Start(ctx)

	// Subscribe returns a Go channel fed by the configured transport
	signals, err := c.bus.Subscribe(ctx)
	if err != nil {
		return errors.Wrap(err, "subscribe to signal bus")
	}
	c.log.Info("coordinator started, listening for signals")

	for {
		select {
		case <-ctx.Done():
			c.log.Info("coordinator shutting down")
			c.dispatcher.Wait()
			return nil

		case dl, ok := <-signals:
			if !ok {
				// Mailboxes keep draining until ctx is done.
				c.log.Info("signal bus closed")
				return nil
			}
			// Order per instance is kept by the mailbox. The dispatcher settles
			// the delivery once the signal was handled.
			if err := c.dispatcher.Enqueue(ctx, dl); err != nil {
				c.log.WithError(err).WithField("instance", dl.Envelope.InstanceID).Warn("failed to enqueue signal")
			}
		}
	}
}
