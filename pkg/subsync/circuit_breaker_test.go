package subsync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errTransport = fmt.Errorf("%w: connection reset", ErrUpstreamUnavailable)

type stateRecorder struct {
	mu     sync.Mutex
	states []CircuitBreakerState
}

func (r *stateRecorder) record(s CircuitBreakerState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) all() []CircuitBreakerState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]CircuitBreakerState(nil), r.states...)
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	rec := &stateRecorder{}
	cb := NewDefaultCircuitBreaker(2, time.Hour, rec.record)
	ctx := context.Background()
	fail := func() error { return errTransport }

	assert.ErrorIs(t, cb.Execute(ctx, fail), ErrUpstreamUnavailable)
	assert.Equal(t, StateClosed, cb.State())
	assert.ErrorIs(t, cb.Execute(ctx, fail), ErrUpstreamUnavailable)
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func() error { called = true; return nil })
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.False(t, called)
	assert.Equal(t, []CircuitBreakerState{StateOpen}, rec.all())
}

func TestCircuitBreaker_DomainErrorsDoNotTrip(t *testing.T) {
	cb := NewDefaultCircuitBreaker(1, time.Hour, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := cb.Execute(ctx, func() error { return fmt.Errorf("lookup: %w", ErrUserNotFound) })
		assert.ErrorIs(t, err, ErrUserNotFound)
	}
	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenRecovery(t *testing.T) {
	rec := &stateRecorder{}
	cb := NewDefaultCircuitBreaker(1, 20*time.Millisecond, rec.record)
	ctx := context.Background()

	_ = cb.Execute(ctx, func() error { return errTransport })
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, StateHalfOpen, cb.State())

	require.NoError(t, cb.Execute(ctx, func() error { return nil }))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, []CircuitBreakerState{StateOpen, StateClosed}, rec.all())
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb := NewDefaultCircuitBreaker(3, 20*time.Millisecond, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = cb.Execute(ctx, func() error { return errTransport })
	}
	require.Equal(t, StateOpen, cb.State())

	time.Sleep(40 * time.Millisecond)
	_ = cb.Execute(ctx, func() error { return errTransport })
	assert.Equal(t, StateOpen, cb.State(), "one failed trial call reopens the circuit")
}

func TestCircuitBreaker_CanceledContext(t *testing.T) {
	cb := NewDefaultCircuitBreaker(1, time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := cb.Execute(ctx, func() error { return nil })
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, StateClosed, cb.State())
}
