package nats

import (
	"context"
	"encoding/json"
	"time"

	"crm-flow/internal/core/ports"
	"crm-flow/internal/domain"
	"crm-flow/internal/logging"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const (
	SignalStream   = "CRMFLOW_SIGNALS"
	signalSubject  = "crmflow.signals"
	signalConsumer = "coordinator"

	signalsInFlight = 256
	redeliveryDelay = time.Second
)

// SignalBus is a ports.SignalBus on a JetStream stream. One durable consumer
// delivers signals in stream order. A message is acked once its delivery is
// settled without an error and naked otherwise.
type SignalBus struct {
	client *Client
	log    logrus.FieldLogger
}

func NewSignalBus(ctx context.Context, client *Client, log logrus.FieldLogger) (*SignalBus, error) {
	_, err := client.EnsureStream(ctx, jetstream.StreamConfig{
		Name:      SignalStream,
		Subjects:  []string{signalSubject},
		Storage:   jetstream.FileStorage,
		Retention: jetstream.WorkQueuePolicy,
		MaxAge:    7 * 24 * time.Hour,
	})
	if err != nil {
		return nil, err
	}
	return &SignalBus{client: client, log: logging.Component(log, "nats-signal-bus")}, nil
}

func (b *SignalBus) Publish(ctx context.Context, env domain.SignalEnvelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := b.client.js.Publish(ctx, signalSubject, payload); err != nil {
		return errors.Wrap(err, "publish signal")
	}
	return nil
}

func (b *SignalBus) Subscribe(ctx context.Context) (<-chan ports.SignalDelivery, error) {
	consumer, err := b.client.EnsureConsumer(ctx, SignalStream, jetstream.ConsumerConfig{
		Durable:       signalConsumer,
		AckPolicy:     jetstream.AckExplicitPolicy,
		MaxAckPending: signalsInFlight,
		AckWait:       30 * time.Second,
	})
	if err != nil {
		return nil, err
	}
	iter, err := consumer.Messages()
	if err != nil {
		return nil, errors.Wrap(err, "open signal iterator")
	}
	go func() {
		<-ctx.Done()
		iter.Stop()
	}()

	out := make(chan ports.SignalDelivery)
	go func() {
		defer close(out)
		for {
			msg, err := iter.Next()
			if err != nil {
				if errors.Is(err, jetstream.ErrMsgIteratorClosed) || ctx.Err() != nil {
					return
				}
				b.log.WithError(err).Warn("failed to fetch signal")
				continue
			}

			var env domain.SignalEnvelope
			if err := json.Unmarshal(msg.Data(), &env); err != nil {
				b.log.WithError(err).Warn("dropping malformed signal")
				_ = msg.Term()
				continue
			}
			select {
			case out <- ports.SignalDelivery{Envelope: env, Settle: b.settler(msg)}:
			case <-ctx.Done():
				_ = msg.Nak()
				return
			}
		}
	}()
	return out, nil
}

func (b *SignalBus) settler(msg jetstream.Msg) func(error) {
	return func(handleErr error) {
		var err error
		if handleErr != nil {
			err = msg.NakWithDelay(redeliveryDelay)
		} else {
			err = msg.Ack()
		}
		if err != nil {
			b.log.WithError(err).Warn("failed to settle signal")
		}
	}
}
