// Package guard provides a mutex whose acquire is bounded by a timeout.
// Shared tables on the node (actuator channels, dedup cache, telemetry
// batch, error counters, topic identity) use it so a stuck holder turns
// into a recoverable error instead of a deadlock.
package guard

import (
	"context"
	"errors"
	"time"

	"golang.org/x/sync/semaphore"
)

// DefaultTimeout bounds Lock when no explicit timeout is configured.
const DefaultTimeout = time.Second

// ErrTimeout is returned when the lock could not be acquired in time.
var ErrTimeout = errors.New("guard: lock acquire timeout")

// Mutex is a mutual-exclusion lock with a bounded acquire.
// The zero value is not usable; call New.
type Mutex struct {
	sem     *semaphore.Weighted
	timeout time.Duration
}

// New returns a Mutex that waits at most timeout in Lock.
func New(timeout time.Duration) *Mutex {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Mutex{sem: semaphore.NewWeighted(1), timeout: timeout}
}

// Lock acquires the mutex or returns ErrTimeout.
func (m *Mutex) Lock() error {
	if m.sem.TryAcquire(1) {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()
	if err := m.sem.Acquire(ctx, 1); err != nil {
		return ErrTimeout
	}
	return nil
}

// Unlock releases the mutex.
func (m *Mutex) Unlock() {
	m.sem.Release(1)
}
