// Package link holds the network credentials handed over by node
// configs. On a host the network itself is managed outside the node, so
// credentials are persisted for the network manager to pick up.
package link

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/eddielth/nodecore/apply"
	"github.com/eddielth/nodecore/logger"
	"github.com/eddielth/nodecore/storage"
)

var log = logger.Tag("link")

const (
	Namespace = "link"
	Key       = "settings"
)

// KV is the persistence the link needs.
type KV interface {
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Put(ctx context.Context, namespace, key string, value []byte) error
}

// Settings is the persisted link state.
type Settings struct {
	SSID          string `json:"ssid"`
	Password      string `json:"password,omitempty"`
	AutoReconnect bool   `json:"auto_reconnect"`
	TimeoutMs     int64  `json:"timeout_ms,omitempty"`
	Generation    uint64 `json:"generation"`
}

var _ apply.Link = (*Stored)(nil)

// Stored implements apply.Link on top of a KV store.
type Stored struct {
	kv KV

	mu  sync.Mutex
	cur Settings
}

// Load returns a link primed with the persisted settings, if any.
func Load(ctx context.Context, kv KV) (*Stored, error) {
	s := &Stored{kv: kv, cur: Settings{AutoReconnect: true}}
	raw, err := kv.Get(ctx, Namespace, Key)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return s, nil
	case err != nil:
		return nil, fmt.Errorf("link: load: %w", err)
	}
	if err := json.Unmarshal(raw, &s.cur); err != nil {
		log.Warn("persisted link settings unreadable, starting fresh: %v", err)
	}
	return s, nil
}

// SetCredentials replaces the credentials and bumps the generation so
// the network manager reconnects.
func (s *Stored) SetCredentials(ctx context.Context, ssid, password string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cur
	next.SSID, next.Password = ssid, password
	next.Generation++
	if err := s.save(ctx, next); err != nil {
		return err
	}
	log.Info("link credentials updated for %q (generation %d)", ssid, next.Generation)
	return nil
}

// SetOptions changes reconnect behaviour. Nil fields are left alone.
func (s *Stored) SetOptions(autoReconnect *bool, timeoutMs *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	next := s.cur
	if autoReconnect != nil {
		next.AutoReconnect = *autoReconnect
	}
	if timeoutMs != nil {
		next.TimeoutMs = *timeoutMs
	}
	return s.save(context.Background(), next)
}

func (s *Stored) save(ctx context.Context, next Settings) error {
	raw, err := json.Marshal(next)
	if err != nil {
		return fmt.Errorf("link: encode: %w", err)
	}
	if err := s.kv.Put(ctx, Namespace, Key, raw); err != nil {
		return fmt.Errorf("link: persist: %w", err)
	}
	s.cur = next
	return nil
}

// Settings returns a copy of the current settings.
func (s *Stored) Settings() Settings {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cur
}

// State implements apply.Link.
func (s *Stored) State() apply.LinkState {
	cur := s.Settings()
	return apply.LinkState{
		SSID:          cur.SSID,
		Password:      cur.Password,
		AutoReconnect: cur.AutoReconnect,
		Timeout:       cur.TimeoutMs,
	}
}
