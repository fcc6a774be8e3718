package circuitbreaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClosedAllowsUntilThreshold(t *testing.T) {
	b := NewBreaker("identity", Config{FailureThreshold: 3, RecoveryTimeout: time.Minute, HalfOpenMaxCalls: 1}, nil, nil)

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.RecordFailure()
	}
	assert.Equal(t, Closed, b.State())

	require.NoError(t, b.Allow())
	b.RecordFailure()
	assert.Equal(t, Open, b.State())
}

func TestOpenRejectsUntilRecoveryTimeout(t *testing.T) {
	b := NewBreaker("identity", Config{FailureThreshold: 1, RecoveryTimeout: 20 * time.Millisecond, HalfOpenMaxCalls: 1}, nil, nil)

	require.NoError(t, b.Allow())
	b.RecordFailure()
	require.Equal(t, Open, b.State())

	err := b.Allow()
	assert.ErrorIs(t, err, ErrOpen)

	time.Sleep(30 * time.Millisecond)
	require.NoError(t, b.Allow())
	assert.Equal(t, HalfOpen, b.State())
}

func TestHalfOpenSuccessClosesCircuit(t *testing.T) {
	b := NewBreaker("identity", Config{FailureThreshold: 1, RecoveryTimeout: time.Millisecond, HalfOpenMaxCalls: 1}, nil, nil)

	require.NoError(t, b.Allow())
	b.RecordFailure()
	time.Sleep(2 * time.Millisecond)

	require.NoError(t, b.Allow())
	assert.Equal(t, HalfOpen, b.State())

	b.RecordSuccess()
	assert.Equal(t, Closed, b.State())
}

func TestHalfOpenFailureReopens(t *testing.T) {
	b := NewBreaker("identity", Config{FailureThreshold: 1, RecoveryTimeout: time.Millisecond, HalfOpenMaxCalls: 1}, nil, nil)

	require.NoError(t, b.Allow())
	b.RecordFailure()
	time.Sleep(2 * time.Millisecond)

	require.NoError(t, b.Allow())
	assert.Equal(t, HalfOpen, b.State())

	b.RecordFailure()
	assert.Equal(t, Open, b.State())
}

func TestHalfOpenSaturatesAtMaxCalls(t *testing.T) {
	b := NewBreaker("identity", Config{FailureThreshold: 1, RecoveryTimeout: time.Millisecond, HalfOpenMaxCalls: 1}, nil, nil)

	require.NoError(t, b.Allow())
	b.RecordFailure()
	time.Sleep(2 * time.Millisecond)

	require.NoError(t, b.Allow()) // consumes the single half-open slot
	err := b.Allow()
	assert.ErrorIs(t, err, ErrHalfOpenSaturated)
}

func TestRegistryIsolatesBreakersByName(t *testing.T) {
	r := NewRegistry(DefaultConfig(), nil, nil)

	a := r.Get("identity")
	for i := 0; i < 5; i++ {
		require.NoError(t, a.Allow())
		a.RecordFailure()
	}
	assert.Equal(t, Open, r.Get("identity").State())
	assert.Equal(t, Closed, r.Get("notification").State())
}

func TestOnTransitionCallbackFires(t *testing.T) {
	var seen []State
	b := NewBreaker("identity", Config{FailureThreshold: 1, RecoveryTimeout: time.Minute, HalfOpenMaxCalls: 1}, nil, func(name string, from, to State) {
		seen = append(seen, to)
	})

	require.NoError(t, b.Allow())
	b.RecordFailure()

	require.Len(t, seen, 1)
	assert.Equal(t, Open, seen[0])
}
