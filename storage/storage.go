package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eddielth/nodecore/logger"
	"golang.org/x/sync/errgroup"
)

// ErrNotFound is returned by Get when the key has never been written.
var ErrNotFound = errors.New("storage: key not found")

var log = logger.Tag("storage")

// Backend is a key-value persistence layer addressed by namespace and key.
type Backend interface {
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Put(ctx context.Context, namespace, key string, value []byte) error
	Delete(ctx context.Context, namespace, key string) error
	Close() error
}

// Manager writes to a primary backend and mirrors to optional secondaries.
// Reads fall back to mirrors only when the primary fails for a reason
// other than ErrNotFound.
type Manager struct {
	mu        sync.RWMutex
	primary   Backend
	mirrors   []Backend
	opTimeout time.Duration
}

// NewManager creates a manager. opTimeout bounds every call; zero means 1s.
func NewManager(primary Backend, opTimeout time.Duration, mirrors ...Backend) *Manager {
	if opTimeout <= 0 {
		opTimeout = time.Second
	}
	return &Manager{primary: primary, mirrors: mirrors, opTimeout: opTimeout}
}

// Get reads namespace/key.
func (m *Manager) Get(ctx context.Context, namespace, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()

	value, err := m.primary.Get(ctx, namespace, key)
	if err == nil || errors.Is(err, ErrNotFound) {
		return value, err
	}
	log.Warn("primary read %s/%s failed: %v", namespace, key, err)

	for _, mirror := range m.mirrors {
		if value, merr := mirror.Get(ctx, namespace, key); merr == nil {
			return value, nil
		}
	}
	return nil, fmt.Errorf("storage: get %s/%s: %w", namespace, key, err)
}

// Put writes namespace/key. A primary failure is returned; mirror
// failures are logged.
func (m *Manager) Put(ctx context.Context, namespace, key string, value []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()

	if err := m.primary.Put(ctx, namespace, key, value); err != nil {
		return fmt.Errorf("storage: put %s/%s: %w", namespace, key, err)
	}

	// Mirrors are written in parallel so one slow backend does not eat
	// the others' share of opTimeout.
	var g errgroup.Group
	for i, mirror := range m.mirrors {
		i, mirror := i, mirror
		g.Go(func() error {
			if err := mirror.Put(ctx, namespace, key, value); err != nil {
				log.Error("mirror %d write %s/%s failed: %v", i, namespace, key, err)
			}
			return nil
		})
	}
	_ = g.Wait()
	return nil
}

// Delete removes namespace/key from every backend.
func (m *Manager) Delete(ctx context.Context, namespace, key string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ctx, cancel := context.WithTimeout(ctx, m.opTimeout)
	defer cancel()

	if err := m.primary.Delete(ctx, namespace, key); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("storage: delete %s/%s: %w", namespace, key, err)
	}
	for _, mirror := range m.mirrors {
		if err := mirror.Delete(ctx, namespace, key); err != nil && !errors.Is(err, ErrNotFound) {
			log.Error("mirror delete %s/%s failed: %v", namespace, key, err)
		}
	}
	return nil
}

// Close closes all backends.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var errs []error
	for _, b := range append([]Backend{m.primary}, m.mirrors...) {
		if err := b.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
