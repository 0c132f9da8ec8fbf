package nodeconfig

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/eddielth/nodecore/storage"
)

// Persistence location of the live document.
const (
	Namespace = "node_config"
	Key       = "config"
)

// ErrNotConfigured is returned before any config was persisted.
var ErrNotConfigured = errors.New("node not configured")

// KV is the subset of the storage manager the store needs.
type KV interface {
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Put(ctx context.Context, namespace, key string, value []byte) error
}

// Store owns the single live NodeConfig. Callers only ever receive copies.
type Store struct {
	kv      KV
	mu      sync.RWMutex
	current *NodeConfig
}

// NewStore creates a store over kv.
func NewStore(kv KV) *Store {
	return &Store{kv: kv}
}

// Load reads and validates the persisted document. A corrupt document is
// reported and left in place; the node then runs unconfigured.
func (s *Store) Load(ctx context.Context) (*NodeConfig, error) {
	raw, err := s.kv.Get(ctx, Namespace, Key)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrNotConfigured
	}
	if err != nil {
		return nil, fmt.Errorf("nodeconfig: load: %w", err)
	}
	cfg, err := Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("nodeconfig: persisted document: %w", err)
	}

	s.mu.Lock()
	s.current = cfg
	s.mu.Unlock()
	return cfg.Clone(), nil
}

// Save persists cfg and makes it current. The in-memory copy is replaced
// only after the write succeeded.
func (s *Store) Save(ctx context.Context, cfg *NodeConfig) error {
	if cfg == nil || len(cfg.raw) == 0 {
		return fmt.Errorf("%w: config was not produced by Parse", ErrInvalid)
	}
	if err := s.kv.Put(ctx, Namespace, Key, cfg.raw); err != nil {
		return fmt.Errorf("nodeconfig: save: %w", err)
	}

	s.mu.Lock()
	s.current = cfg.Clone()
	s.mu.Unlock()
	return nil
}

// Current returns a copy of the live config, or nil.
func (s *Store) Current() *NodeConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Clone()
}

// Channels returns a copy of the live channel list.
func (s *Store) Channels() []Channel {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return nil
	}
	return append([]Channel(nil), s.current.Channels...)
}

// Channel looks up one channel of the live config.
func (s *Store) Channel(name string) (Channel, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current.Channel(name)
}

// Version returns the live version, or -1 when unconfigured.
func (s *Store) Version() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		return -1
	}
	return s.current.Version
}
