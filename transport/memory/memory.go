// Package memory is an in-process Transport used by tests and bench runs.
package memory

import (
	"sync"

	"github.com/eddielth/nodecore/transport"
)

// Message is a recorded publish.
type Message struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

type subscription struct {
	filter  string
	handler transport.Handler
}

// Transport records publishes and routes Deliver calls to subscribers.
type Transport struct {
	mu        sync.Mutex
	connected bool
	published []Message
	retained  map[string][]byte
	subs      []subscription
}

// New returns a connected transport.
func New() *Transport {
	return &Transport{connected: true, retained: make(map[string][]byte)}
}

// SetConnected flips the link state.
func (t *Transport) SetConnected(up bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connected = up
}

// Publish implements transport.Transport.
func (t *Transport) Publish(topic string, payload []byte, qos byte, retained bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.connected {
		return transport.ErrNotConnected
	}
	cp := append([]byte(nil), payload...)
	t.published = append(t.published, Message{Topic: topic, Payload: cp, QoS: qos, Retained: retained})
	if retained {
		t.retained[topic] = cp
	}
	return nil
}

// Subscribe implements transport.Transport.
func (t *Transport) Subscribe(filter string, qos byte, h transport.Handler) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i, s := range t.subs {
		if s.filter == filter {
			t.subs[i].handler = h
			return nil
		}
	}
	t.subs = append(t.subs, subscription{filter: filter, handler: h})
	return nil
}

// Unsubscribe implements transport.Transport.
func (t *Transport) Unsubscribe(filters ...string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	kept := t.subs[:0]
	for _, s := range t.subs {
		drop := false
		for _, f := range filters {
			if s.filter == f {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, s)
		}
	}
	t.subs = kept
	return nil
}

// IsConnected implements transport.Transport.
func (t *Transport) IsConnected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Deliver dispatches an inbound message synchronously. It reports whether
// any subscriber matched.
func (t *Transport) Deliver(topic string, payload []byte) bool {
	t.mu.Lock()
	var handlers []transport.Handler
	for _, s := range t.subs {
		if transport.Match(s.filter, topic) {
			handlers = append(handlers, s.handler)
		}
	}
	t.mu.Unlock()

	for _, h := range handlers {
		h(topic, payload)
	}
	return len(handlers) > 0
}

// Published returns a copy of every recorded publish.
func (t *Transport) Published() []Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Message(nil), t.published...)
}

// On returns the publishes made to topic.
func (t *Transport) On(topic string) []Message {
	var out []Message
	for _, m := range t.Published() {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

// Retained returns the last retained payload on topic.
func (t *Transport) Retained(topic string) ([]byte, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.retained[topic]
	return p, ok
}

// Filters lists active subscription filters.
func (t *Transport) Filters() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.subs))
	for _, s := range t.subs {
		out = append(out, s.filter)
	}
	return out
}

// Reset drops recorded publishes.
func (t *Transport) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.published = nil
}
