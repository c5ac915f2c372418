package retry

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestShouldRetryTrueOnFirstSight(t *testing.T) {
	m := New()
	require.True(t, m.ShouldRetry("image:nginx:alpine"))
}

func TestRecordFailureSchedulesBackoff(t *testing.T) {
	m := New()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.withClock(func() time.Time { return clock })

	key := "image:nodered:does-not-exist"
	m.RecordFailure(key, errors.New("manifest unknown"))

	require.False(t, m.ShouldRetry(key))

	state, ok := m.StateOf(key)
	require.True(t, ok)
	require.Equal(t, 1, state.Attempt)
	require.Equal(t, clock.Add(10*time.Second), state.NextAttempt)

	clock = clock.Add(10 * time.Second)
	require.True(t, m.ShouldRetry(key))
}

func TestBackoffDoublesAndCaps(t *testing.T) {
	m := New()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.withClock(func() time.Time { return clock })

	key := "service:1:web"
	var delays []time.Duration
	for i := 0; i < 8; i++ {
		before := clock
		m.RecordFailure(key, errors.New("boom"))
		state, _ := m.StateOf(key)
		delays = append(delays, state.NextAttempt.Sub(before))
		clock = state.NextAttempt
	}

	require.Equal(t, 10*time.Second, delays[0])
	require.Equal(t, 20*time.Second, delays[1])
	require.Equal(t, 40*time.Second, delays[2])
	for _, d := range delays {
		require.LessOrEqual(t, d, 5*time.Minute)
	}
	require.Equal(t, 5*time.Minute, delays[len(delays)-1])
}

func TestMaxAttemptsExhausted(t *testing.T) {
	m := New()
	key := "image:broken"
	for i := 0; i < maxAttempt; i++ {
		m.RecordFailure(key, errors.New("fail"))
	}
	require.True(t, m.Exhausted(key))
	require.False(t, m.ShouldRetry(key))
}

func TestRecordSuccessErasesEntry(t *testing.T) {
	m := New()
	key := "image:nginx"
	m.RecordFailure(key, errors.New("fail"))
	require.False(t, m.ShouldRetry(key))

	m.RecordSuccess(key)
	require.True(t, m.ShouldRetry(key))
	_, ok := m.StateOf(key)
	require.False(t, ok)
}
