// Package bus is the transactional I/O layer between drivers and the
// sensor/actuator chips: a Bus contract, a retrying wrapper with bus
// recovery, and the two chips the safety drivers use.
package bus

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/eddielth/nodecore/logger"
	"github.com/eddielth/nodecore/metrics"
)

var log = logger.Tag("bus")

var (
	// ErrNoDevice is returned when nothing answers at an address.
	ErrNoDevice = errors.New("bus: no device at address")
	// ErrVerify is returned when a read-back does not match what was written.
	ErrVerify = errors.New("bus: read-back mismatch")
)

// Bus performs one write-then-read transaction. tx or rx may be empty.
type Bus interface {
	Transfer(ctx context.Context, addr uint8, tx, rx []byte) error
	// Recover tears the bus down and brings it back.
	Recover(ctx context.Context) error
}

// RetryConfig tunes Retrying.
type RetryConfig struct {
	Attempts  int
	Delay     time.Duration
	OpTimeout time.Duration
}

// DefaultRetryConfig is 3 attempts 10ms apart, each bounded by 1s.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{Attempts: 3, Delay: 10 * time.Millisecond, OpTimeout: time.Second}
}

// Stats counts Retrying activity.
type Stats struct {
	Transfers  uint64 `json:"transfers"`
	Retries    uint64 `json:"retries"`
	Recoveries uint64 `json:"recoveries"`
	Failures   uint64 `json:"failures"`
}

// Retrying wraps a Bus with bounded retries. When every attempt fails
// the bus is recovered and the transaction tried once more.
type Retrying struct {
	inner   Bus
	cfg     RetryConfig
	metrics *metrics.Metrics

	// Transactions are serialized: a bus has one master.
	mu    sync.Mutex
	stats Stats
}

// NewRetrying wraps inner.
func NewRetrying(inner Bus, cfg RetryConfig, m *metrics.Metrics) *Retrying {
	def := DefaultRetryConfig()
	if cfg.Attempts <= 0 {
		cfg.Attempts = def.Attempts
	}
	if cfg.Delay < 0 {
		cfg.Delay = 0
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = def.OpTimeout
	}
	return &Retrying{inner: inner, cfg: cfg, metrics: m}
}

func (r *Retrying) once(ctx context.Context, addr uint8, tx, rx []byte) error {
	opCtx, cancel := context.WithTimeout(ctx, r.cfg.OpTimeout)
	defer cancel()
	return r.inner.Transfer(opCtx, addr, tx, rx)
}

// Transfer implements Bus.
func (r *Retrying) Transfer(ctx context.Context, addr uint8, tx, rx []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Transfers++

	var lastErr error
	for attempt := 1; attempt <= r.cfg.Attempts; attempt++ {
		if lastErr = r.once(ctx, addr, tx, rx); lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, ErrNoDevice) {
			r.stats.Failures++
			return fmt.Errorf("bus: 0x%02x: %w", addr, lastErr)
		}
		if ctx.Err() != nil {
			r.stats.Failures++
			return fmt.Errorf("bus: 0x%02x cancelled: %w", addr, ctx.Err())
		}
		if attempt == r.cfg.Attempts {
			break
		}
		r.stats.Retries++
		r.metrics.BusRetry()

		timer := time.NewTimer(r.cfg.Delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			r.stats.Failures++
			return fmt.Errorf("bus: 0x%02x cancelled during retry: %w", addr, ctx.Err())
		case <-timer.C:
		}
	}

	log.Warn("0x%02x failed %d times (%v), recovering bus", addr, r.cfg.Attempts, lastErr)
	r.stats.Recoveries++
	r.metrics.BusRecovery()
	if err := r.inner.Recover(ctx); err != nil {
		r.stats.Failures++
		return fmt.Errorf("bus: recovery failed: %w (last error: %v)", err, lastErr)
	}
	if err := r.once(ctx, addr, tx, rx); err != nil {
		r.stats.Failures++
		return fmt.Errorf("bus: 0x%02x failed after recovery: %w", addr, err)
	}
	return nil
}

// Recover implements Bus.
func (r *Retrying) Recover(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.Recoveries++
	r.metrics.BusRecovery()
	return r.inner.Recover(ctx)
}

// Stats returns a copy of the counters.
func (r *Retrying) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

// WriteReg writes data to register reg.
func WriteReg(ctx context.Context, b Bus, addr, reg uint8, data ...byte) error {
	return b.Transfer(ctx, addr, append([]byte{reg}, data...), nil)
}

// ReadReg reads n bytes starting at register reg.
func ReadReg(ctx context.Context, b Bus, addr, reg uint8, n int) ([]byte, error) {
	rx := make([]byte, n)
	if err := b.Transfer(ctx, addr, []byte{reg}, rx); err != nil {
		return nil, err
	}
	return rx, nil
}
