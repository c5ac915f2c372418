// Package retry implements the generic exponential-backoff scheduler
// shared by the container manager and the sensor adapter manager.
package retry

import (
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	base       = 10 * time.Second
	capDelay   = 5 * time.Minute
	maxAttempt = 10
)

// Entry is the per-key retry bookkeeping record.
type Entry struct {
	Attempt     int
	LastError   error
	NextAttempt time.Time
}

// Manager tracks retry state per opaque string key. A zero Manager is not
// usable; use New.
type Manager struct {
	mu      sync.Mutex
	entries map[string]*Entry
	now     func() time.Time
}

// New creates a ready-to-use Manager.
func New() *Manager {
	return &Manager{
		entries: make(map[string]*Entry),
		now:     time.Now,
	}
}

// newBackoffPolicy builds the attempt->delay curve used to compute
// NextAttempt: min(base * 2^(n-1), cap), matching backoff.v4's
// ExponentialBackOff with a hard MaxElapsedTime disabled (this package
// enforces the attempt cap itself, not an elapsed-time cap).
func newBackoffPolicy() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.MaxInterval = capDelay
	b.MaxElapsedTime = 0 // uncapped; Manager enforces maxAttempt instead
	b.RandomizationFactor = 0
	return b
}

// delayForAttempt returns the backoff delay that should elapse before
// attempt n (1-indexed) may run, by calling backoff.v4's NextBackOff n
// times and keeping the last value. n is always small (<= maxAttempt) so
// this is cheap.
func delayForAttempt(n int) time.Duration {
	b := newBackoffPolicy()
	b.Reset()
	var d time.Duration
	for i := 0; i < n; i++ {
		d = b.NextBackOff()
	}
	return d
}

// ShouldRetry reports whether the key may attempt again now: true on
// first sight of a key, otherwise true iff now >= nextAttemptAt and the
// attempt cap has not been reached.
func (m *Manager) ShouldRetry(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		return true
	}
	if e.Attempt >= maxAttempt {
		return false
	}
	return !m.now().Before(e.NextAttempt)
}

// RecordFailure increments the attempt count for key and schedules the
// next eligible attempt using the exponential backoff curve.
func (m *Manager) RecordFailure(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]
	if !ok {
		e = &Entry{}
		m.entries[key] = e
	}
	e.Attempt++
	e.LastError = err
	if e.Attempt <= maxAttempt {
		e.NextAttempt = m.now().Add(delayForAttempt(e.Attempt))
	}
}

// RecordSuccess erases the retry entry for key, resetting it to the
// "first sight" state.
func (m *Manager) RecordSuccess(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, key)
}

// StateOf returns a copy of the current retry state for key, and false if
// the key has no recorded attempts.
func (m *Manager) StateOf(key string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	if !ok {
		return Entry{}, false
	}
	return *e, true
}

// Exhausted reports whether key has reached the maximum attempt count.
func (m *Manager) Exhausted(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[key]
	return ok && e.Attempt >= maxAttempt
}

// withClock overrides the time source, for deterministic tests.
func (m *Manager) withClock(now func() time.Time) {
	m.now = now
}
