package coordinator

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"crm-flow/internal/core/memory"
	"crm-flow/internal/domain"
	"crm-flow/internal/engine"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	logtest "github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockHandler struct {
	mock.Mock
}

func (m *mockHandler) HandleSignal(ctx context.Context, env domain.SignalEnvelope) (engine.Transition, error) {
	args := m.Called(ctx, env)
	return args.Get(0).(engine.Transition), args.Error(1)
}

// recordingHandler remembers the order signals arrive per instance.
type recordingHandler struct {
	mu   sync.Mutex
	seen map[uuid.UUID][]string
}

func (r *recordingHandler) HandleSignal(_ context.Context, env domain.SignalEnvelope) (engine.Transition, error) {
	// Give other shards a chance to interleave.
	time.Sleep(time.Millisecond)
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seen[env.InstanceID] = append(r.seen[env.InstanceID], env.Signal.Reason)
	return engine.Transition{Changed: true}, nil
}

func TestDispatchUnknownInstanceIsNoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger, hook := logtest.NewNullLogger()

	h := new(mockHandler)
	h.On("HandleSignal", mock.Anything, mock.Anything).Return(engine.Transition{}, domain.ErrNotFound)

	d := NewDispatcher(h, 2, logger)
	d.Start(ctx)

	err := d.Dispatch(ctx, uuid.New(), domain.CancelSignal("u", "", time.Now()))
	require.NoError(t, err)
	h.AssertNumberOfCalls(t, "HandleSignal", 1)

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, logrus.InfoLevel, entry.Level)
	assert.Equal(t, "signal for unknown workflow instance ignored", entry.Message)
}

func TestDispatchIgnoredTransitionLogsReason(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger, hook := logtest.NewNullLogger()

	h := new(mockHandler)
	h.On("HandleSignal", mock.Anything, mock.Anything).Return(engine.Transition{Reason: "instance is completed"}, nil)

	d := NewDispatcher(h, 1, logger)
	d.Start(ctx)
	require.NoError(t, d.Dispatch(ctx, uuid.New(), domain.TimeoutSignal(time.Now())))

	entry := hook.LastEntry()
	require.NotNil(t, entry)
	assert.Equal(t, "signal ignored", entry.Message)
	assert.Equal(t, "instance is completed", entry.Data["reason"])
}

func TestDispatchPropagatesHandlerErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger, _ := logtest.NewNullLogger()

	boom := assert.AnError
	h := new(mockHandler)
	h.On("HandleSignal", mock.Anything, mock.Anything).Return(engine.Transition{}, boom)

	d := NewDispatcher(h, 1, logger)
	d.retryDelay = time.Millisecond
	d.Start(ctx)
	assert.ErrorIs(t, d.Dispatch(ctx, uuid.New(), domain.TimeoutSignal(time.Now())), boom)
	h.AssertNumberOfCalls(t, "HandleSignal", handleAttempts)
}

func TestDispatchDoesNotRetryPermanentErrors(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger, _ := logtest.NewNullLogger()

	h := new(mockHandler)
	h.On("HandleSignal", mock.Anything, mock.Anything).Return(engine.Transition{}, domain.ErrUnroutableCondition)

	d := NewDispatcher(h, 1, logger)
	d.Start(ctx)
	assert.ErrorIs(t, d.Dispatch(ctx, uuid.New(), domain.TimeoutSignal(time.Now())), domain.ErrUnroutableCondition)
	h.AssertNumberOfCalls(t, "HandleSignal", 1)
}

func TestCoordinatorRetriesTransientFailures(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger, _ := logtest.NewNullLogger()

	id := uuid.New()
	var calls atomic.Int32
	count := func(mock.Arguments) { calls.Add(1) }
	h := new(mockHandler)
	h.On("HandleSignal", mock.Anything, mock.Anything).Return(engine.Transition{}, errors.New("connection reset")).Run(count).Once()
	h.On("HandleSignal", mock.Anything, mock.Anything).Return(engine.Transition{Changed: true}, nil).Run(count).Once()

	bus := memory.NewSignalBus()
	d := NewDispatcher(h, 2, logger)
	d.retryDelay = time.Millisecond
	c := NewCoordinator(bus, d, logger)
	go func() { _ = c.Start(ctx) }()

	require.NoError(t, BusSender{Bus: bus}.Send(ctx, id, domain.TaskCompletedSignal(uuid.New(), "sam", time.Now())))
	require.Eventually(t, func() bool {
		return calls.Load() == 2
	}, 5*time.Second, 10*time.Millisecond)
	h.AssertExpectations(t)
	assert.Zero(t, bus.Len())
}

func TestCoordinatorHandsExhaustedSignalsBackToTheBus(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger, _ := logtest.NewNullLogger()

	var calls atomic.Int32
	count := func(mock.Arguments) { calls.Add(1) }
	h := new(mockHandler)
	h.On("HandleSignal", mock.Anything, mock.Anything).Return(engine.Transition{}, errors.New("connection reset")).Run(count).Times(handleAttempts)
	h.On("HandleSignal", mock.Anything, mock.Anything).Return(engine.Transition{Changed: true}, nil).Run(count).Once()

	bus := memory.NewSignalBus()
	d := NewDispatcher(h, 1, logger)
	d.retryDelay = time.Millisecond
	c := NewCoordinator(bus, d, logger)
	go func() { _ = c.Start(ctx) }()

	require.NoError(t, BusSender{Bus: bus}.Send(ctx, uuid.New(), domain.TimeoutSignal(time.Now())))
	require.Eventually(t, func() bool {
		return calls.Load() == handleAttempts+1
	}, 5*time.Second, 10*time.Millisecond)
	h.AssertExpectations(t)
}

func TestDispatchAfterStopFails(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	logger, _ := logtest.NewNullLogger()
	d := NewDispatcher(new(mockHandler), 1, logger)
	d.Start(ctx)
	cancel()
	d.Wait()

	// Fill the mailbox so the send cannot succeed before the stop is seen.
	for i := 0; i < mailboxSize; i++ {
		d.mailboxes[0] <- work{}
	}
	require.Eventually(t, func() bool {
		return d.Dispatch(context.Background(), uuid.New(), domain.Signal{}) == ErrStopped
	}, time.Second, 10*time.Millisecond)
}

func TestCoordinatorKeepsPerInstanceOrder(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger, _ := logtest.NewNullLogger()

	rec := &recordingHandler{seen: map[uuid.UUID][]string{}}
	bus := memory.NewSignalBus()
	d := NewDispatcher(rec, 4, logger)
	c := NewCoordinator(bus, d, logger)

	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	sender := BusSender{Bus: bus}
	want := []string{"1", "2", "3", "4", "5"}
	for _, seq := range want {
		for _, id := range ids {
			require.NoError(t, sender.Send(ctx, id, domain.Signal{Name: domain.SignalTimeout, Reason: seq}))
		}
	}

	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		for _, id := range ids {
			if len(rec.seen[id]) != len(want) {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)

	rec.mu.Lock()
	for _, id := range ids {
		assert.Equal(t, want, rec.seen[id])
	}
	rec.mu.Unlock()

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not stop")
	}
}

func TestDirectSenderStampsTime(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger, _ := logtest.NewNullLogger()

	h := new(mockHandler)
	h.On("HandleSignal", mock.Anything, mock.MatchedBy(func(env domain.SignalEnvelope) bool {
		return !env.Signal.At.IsZero()
	})).Return(engine.Transition{Changed: true}, nil)

	d := NewDispatcher(h, 1, logger)
	d.Start(ctx)
	require.NoError(t, DirectSender{Dispatcher: d}.Send(ctx, uuid.New(), domain.Signal{Name: domain.SignalCancel}))
	h.AssertExpectations(t)
}

type slowHandler struct {
	started  chan struct{}
	finished atomic.Bool
}

func (s *slowHandler) HandleSignal(context.Context, domain.SignalEnvelope) (engine.Transition, error) {
	close(s.started)
	time.Sleep(100 * time.Millisecond)
	s.finished.Store(true)
	return engine.Transition{Changed: true}, nil
}

func TestCoordinatorStopWaitsForInFlightSignals(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	logger, _ := logtest.NewNullLogger()

	h := &slowHandler{started: make(chan struct{})}
	bus := memory.NewSignalBus()
	c := NewCoordinator(bus, NewDispatcher(h, 1, logger), logger)
	done := make(chan error, 1)
	go func() { done <- c.Start(ctx) }()

	require.NoError(t, BusSender{Bus: bus}.Send(ctx, uuid.New(), domain.TimeoutSignal(time.Now())))
	select {
	case <-h.started:
	case <-time.After(2 * time.Second):
		t.Fatal("signal was not handled")
	}
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
		assert.True(t, h.finished.Load())
	case <-time.After(2 * time.Second):
		t.Fatal("coordinator did not stop")
	}
}
