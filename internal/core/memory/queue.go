package memory

import (
	"context"
	"sync"

	"crm-flow/internal/core/ports"
	"crm-flow/internal/domain"
)

// fifo is an unbounded queue whose pop blocks until an item or cancellation.
type fifo[T any] struct {
	mu     sync.Mutex
	items  []T
	notify chan struct{}
}

func newFIFO[T any]() *fifo[T] {
	return &fifo[T]{notify: make(chan struct{}, 1)}
}

func (q *fifo[T]) push(item T) {
	q.mu.Lock()
	q.items = append(q.items, item)
	q.mu.Unlock()
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

func (q *fifo[T]) pop(ctx context.Context) (T, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			item := q.items[0]
			var zero T
			q.items[0] = zero
			q.items = q.items[1:]
			more := len(q.items) > 0
			q.mu.Unlock()
			if more {
				select {
				case q.notify <- struct{}{}:
				default:
				}
			}
			return item, nil
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			var zero T
			return zero, ctx.Err()
		case <-q.notify:
		}
	}
}

func (q *fifo[T]) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// ActivityQueue is an in-process ports.ActivityQueue.
type ActivityQueue struct {
	q *fifo[domain.ActivityJob]
}

func NewActivityQueue() *ActivityQueue {
	return &ActivityQueue{q: newFIFO[domain.ActivityJob]()}
}

func (a *ActivityQueue) Push(_ context.Context, job domain.ActivityJob) error {
	a.q.push(job)
	return nil
}

func (a *ActivityQueue) Pop(ctx context.Context) (domain.ActivityJob, error) {
	return a.q.pop(ctx)
}

// Len reports how many jobs are waiting.
func (a *ActivityQueue) Len() int { return a.q.len() }

// SignalBus is an in-process ports.SignalBus with a single consumer.
type SignalBus struct {
	q *fifo[domain.SignalEnvelope]
}

func NewSignalBus() *SignalBus {
	return &SignalBus{q: newFIFO[domain.SignalEnvelope]()}
}

func (b *SignalBus) Publish(_ context.Context, env domain.SignalEnvelope) error {
	b.q.push(env)
	return nil
}

// Subscribe streams envelopes to a single consumer. A delivery settled with
// an error goes back to the tail of the queue.
func (b *SignalBus) Subscribe(ctx context.Context) (<-chan ports.SignalDelivery, error) {
	out := make(chan ports.SignalDelivery)
	go func() {
		defer close(out)
		for {
			env, err := b.q.pop(ctx)
			if err != nil {
				return
			}
			d := ports.SignalDelivery{Envelope: env, Settle: b.settler(env)}
			select {
			case out <- d:
			case <-ctx.Done():
				b.q.push(env)
				return
			}
		}
	}()
	return out, nil
}

func (b *SignalBus) settler(env domain.SignalEnvelope) func(error) {
	return func(err error) {
		if err != nil {
			b.q.push(env)
		}
	}
}

// Len reports how many envelopes wait for delivery.
func (b *SignalBus) Len() int { return b.q.len() }
