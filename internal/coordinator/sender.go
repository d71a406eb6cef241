package coordinator

import (
	"context"
	"time"

	"crm-flow/internal/core/ports"
	"crm-flow/internal/domain"

	"github.com/google/uuid"
)

// BusSender publishes signals on the signal bus; the coordinator consuming
// that bus feeds them to a dispatcher, possibly in another process.
type BusSender struct {
	Bus ports.SignalBus
}

func (s BusSender) Send(ctx context.Context, instanceID uuid.UUID, sig domain.Signal) error {
	return s.Bus.Publish(ctx, domain.SignalEnvelope{InstanceID: instanceID, Signal: stamp(sig)})
}

// DirectSender dispatches in-process and returns once the signal was handled.
type DirectSender struct {
	Dispatcher *Dispatcher
}

func (s DirectSender) Send(ctx context.Context, instanceID uuid.UUID, sig domain.Signal) error {
	return s.Dispatcher.Dispatch(ctx, instanceID, stamp(sig))
}

func stamp(sig domain.Signal) domain.Signal {
	if sig.At.IsZero() {
		sig.At = time.Now().UTC()
	}
	return sig
}

var (
	_ ports.SignalSender = BusSender{}
	_ ports.SignalSender = DirectSender{}
)
