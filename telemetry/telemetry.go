// Package telemetry batches sensor readings and flushes them as one
// outbound message per item.
package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/eddielth/nodecore/guard"
	"github.com/eddielth/nodecore/logger"
	"github.com/eddielth/nodecore/metrics"
	"github.com/eddielth/nodecore/transport"
)

var log = logger.Tag("telemetry")

var (
	// ErrInvalidValue rejects NaN and infinite readings.
	ErrInvalidValue = errors.New("telemetry: value is not finite")
	// ErrBatchFull is returned when the batch is full and cannot be
	// flushed, usually because the transport is down.
	ErrBatchFull = errors.New("telemetry: batch full")
)

// Item is one reading as it goes on the wire.
type Item struct {
	Channel    string   `json:"channel"`
	MetricType string   `json:"metric_type"`
	Value      float64  `json:"value"`
	Unit       string   `json:"unit,omitempty"`
	Raw        *float64 `json:"raw,omitempty"`
	Stub       bool     `json:"stub"`
	Stable     bool     `json:"stable"`
	TS         int64    `json:"ts"`
}

// Reading is the input to Publish.
type Reading struct {
	Channel    string
	MetricType string
	Value      float64
	Unit       string
	Raw        *float64
	Stub       bool
	Stable     bool
}

// TopicFunc maps a channel to its telemetry topic.
type TopicFunc func(channel string) string

// Options tunes the batch.
type Options struct {
	BatchSize     int
	FlushInterval time.Duration
	LockTimeout   time.Duration
}

// DefaultOptions returns a 10-item batch flushed at least every 5s.
func DefaultOptions() Options {
	return Options{BatchSize: 10, FlushInterval: 5 * time.Second, LockTimeout: time.Second}
}

// Engine is the telemetry batching engine.
type Engine struct {
	opts    Options
	tr      transport.Transport
	topic   TopicFunc
	metrics *metrics.Metrics
	now     func() time.Time

	mu        *guard.Mutex
	batch     []Item
	lastFlush time.Time

	wg sync.WaitGroup
}

// New creates an engine publishing through tr.
func New(opts Options, tr transport.Transport, topic TopicFunc, m *metrics.Metrics) *Engine {
	def := DefaultOptions()
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = def.FlushInterval
	}
	return &Engine{
		opts:      opts,
		tr:        tr,
		topic:     topic,
		metrics:   m,
		now:       time.Now,
		mu:        guard.New(opts.LockTimeout),
		batch:     make([]Item, 0, opts.BatchSize),
		lastFlush: time.Now(),
	}
}

// Publish validates r and appends it to the batch. A flush runs first
// when the batch is full or the flush interval has elapsed.
func (e *Engine) Publish(r Reading) error {
	if math.IsNaN(r.Value) || math.IsInf(r.Value, 0) {
		e.metrics.TelemetryReject("non_finite")
		return fmt.Errorf("%w: %s/%s", ErrInvalidValue, r.Channel, r.MetricType)
	}
	if r.Raw != nil && (math.IsNaN(*r.Raw) || math.IsInf(*r.Raw, 0)) {
		r.Raw = nil
	}

	if err := e.mu.Lock(); err != nil {
		e.metrics.TelemetryReject("lock_timeout")
		return fmt.Errorf("telemetry: publish %s: %w", r.Channel, err)
	}
	defer e.mu.Unlock()

	now := e.now()
	if len(e.batch) >= e.opts.BatchSize || now.Sub(e.lastFlush) >= e.opts.FlushInterval {
		e.flushLocked(now)
	}
	if len(e.batch) >= e.opts.BatchSize {
		e.metrics.TelemetryReject("batch_full")
		return ErrBatchFull
	}

	e.batch = append(e.batch, Item{
		Channel:    r.Channel,
		MetricType: r.MetricType,
		Value:      r.Value,
		Unit:       r.Unit,
		Raw:        r.Raw,
		Stub:       r.Stub,
		Stable:     r.Stable,
		TS:         now.Unix(),
	})
	e.metrics.TelemetryBacklog(len(e.batch))
	return nil
}

// PublishStub records a failed read: value 0, stub=true, never stable.
func (e *Engine) PublishStub(channel, metricType, unit string) error {
	return e.Publish(Reading{Channel: channel, MetricType: metricType, Unit: unit, Stub: true})
}

// Flush publishes buffered items. It is a no-op while disconnected.
func (e *Engine) Flush() error {
	if err := e.mu.Lock(); err != nil {
		return fmt.Errorf("telemetry: flush: %w", err)
	}
	defer e.mu.Unlock()
	e.flushLocked(e.now())
	return nil
}

func (e *Engine) flushLocked(now time.Time) {
	if len(e.batch) == 0 {
		e.lastFlush = now
		return
	}
	if !e.tr.IsConnected() {
		log.Debug("transport down, keeping %d items", len(e.batch))
		return
	}

	sent := 0
	for _, it := range e.batch {
		payload, err := json.Marshal(it)
		if err != nil {
			log.Error("encode %s: %v", it.Channel, err)
			sent++
			continue
		}
		if err := e.tr.Publish(e.topic(it.Channel), payload, transport.AtLeastOnce, false); err != nil {
			log.Warn("publish %s: %v", it.Channel, err)
			break
		}
		sent++
	}

	remaining := copy(e.batch, e.batch[sent:])
	e.batch = e.batch[:remaining]
	if remaining == 0 {
		e.lastFlush = now
	}
	e.metrics.TelemetrySent(sent)
	e.metrics.TelemetryBacklog(remaining)
}

// Pending returns the number of buffered items.
func (e *Engine) Pending() int {
	if err := e.mu.Lock(); err != nil {
		return 0
	}
	defer e.mu.Unlock()
	return len(e.batch)
}

// Start runs a periodic flush until ctx is done.
func (e *Engine) Start(ctx context.Context) {
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		ticker := time.NewTicker(e.opts.FlushInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := e.Flush(); err != nil {
					log.Warn("periodic flush: %v", err)
				}
			}
		}
	}()
}

// Wait blocks until the periodic flush has stopped.
func (e *Engine) Wait() {
	e.wg.Wait()
}
