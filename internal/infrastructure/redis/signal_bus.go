package redis

import (
	"context"
	"encoding/json"
	"time"

	"crm-flow/internal/core/ports"
	"crm-flow/internal/domain"
	"crm-flow/internal/logging"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const (
	signalListKey       = "crmflow:signals"
	signalProcessingKey = "crmflow:signals:processing"
	settleTimeout       = 5 * time.Second
)

// RedisSignalBus carries signal envelopes on a Redis list. Unlike pub/sub a
// list keeps signals published while no coordinator is listening, and a
// single consumer sees them in publish order. An envelope being handled sits
// on a processing list until it is settled.
type RedisSignalBus struct {
	client     *redis.Client
	key        string
	processing string
	log        logrus.FieldLogger
}

func NewRedisSignalBus(client *redis.Client, log logrus.FieldLogger) *RedisSignalBus {
	return &RedisSignalBus{
		client:     client,
		key:        signalListKey,
		processing: signalProcessingKey,
		log:        logging.Component(log, "redis-signal-bus"),
	}
}

// Publish appends the envelope to the list
func (b *RedisSignalBus) Publish(ctx context.Context, env domain.SignalEnvelope) error {
	// Serialize the struct to JSON
	payload, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return b.client.RPush(ctx, b.key, payload).Err()
}

// Subscribe opens a continuous stream for the Coordinator. Envelopes left on
// the processing list by a previous consumer are delivered first.
func (b *RedisSignalBus) Subscribe(ctx context.Context) (<-chan ports.SignalDelivery, error) {
	if err := b.client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	if err := b.requeueInFlight(ctx); err != nil {
		return nil, err
	}
	out := make(chan ports.SignalDelivery)

	// Start a background goroutine to drain Redis and forward to our Go channel
	go func() {
		defer close(out)
		for {
			payload, err := b.take(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				b.log.WithError(err).Warn("failed to read signal, backing off")
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
				}
				continue
			}
			if payload == "" {
				continue
			}
			var env domain.SignalEnvelope
			if err := json.Unmarshal([]byte(payload), &env); err != nil {
				b.log.WithError(err).Warn("dropping malformed signal")
				b.settle(payload, nil)
				continue
			}
			d := ports.SignalDelivery{Envelope: env, Settle: func(err error) { b.settle(payload, err) }}
			select {
			case out <- d:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// take moves the oldest envelope onto the processing list. It returns ""
// when the wait timed out.
func (b *RedisSignalBus) take(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	payload, err := b.client.BLMove(ctx, b.key, b.processing, "LEFT", "RIGHT", popTimeout).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", err
	}
	return payload, nil
}

// settle drops payload from the processing list. A failed delivery goes back
// to the tail of the signal list.
func (b *RedisSignalBus) settle(payload string, handleErr error) {
	ctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
	defer cancel()
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, b.processing, 1, payload)
		if handleErr != nil {
			pipe.RPush(ctx, b.key, payload)
		}
		return nil
	})
	if err != nil {
		b.log.WithError(err).Warn("failed to settle signal")
	}
}

// requeueInFlight puts envelopes a stopped consumer never settled back at the
// head of the signal list, oldest first.
func (b *RedisSignalBus) requeueInFlight(ctx context.Context) error {
	moved := 0
	for {
		err := b.client.LMove(ctx, b.processing, b.key, "RIGHT", "LEFT").Err()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return errors.Wrap(err, "requeue unsettled signals")
		}
		moved++
	}
	if moved > 0 {
		b.log.WithField("count", moved).Info("requeued unsettled signals")
	}
	return nil
}
