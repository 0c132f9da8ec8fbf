// Package transport is the narrow publish/subscribe contract the node core
// consumes. Connection management, reconnects and TLS belong to the
// implementation (see package mqtt).
package transport

import (
	"errors"
	"strings"
)

// ErrNotConnected is returned by Publish while the link is down.
var ErrNotConnected = errors.New("transport: not connected")

// QoS levels.
const (
	AtMostOnce  byte = 0
	AtLeastOnce byte = 1
)

// Handler receives an inbound message.
type Handler func(topic string, payload []byte)

// Transport publishes and subscribes. Publish must not block on the
// network: it fails fast when disconnected.
type Transport interface {
	Publish(topic string, payload []byte, qos byte, retained bool) error
	Subscribe(filter string, qos byte, h Handler) error
	Unsubscribe(filters ...string) error
	IsConnected() bool
}

// Match reports whether topic matches an MQTT-style filter with + and #.
func Match(filter, topic string) bool {
	f := strings.Split(filter, "/")
	t := strings.Split(topic, "/")
	for i, part := range f {
		if part == "#" {
			return true
		}
		if i >= len(t) {
			return false
		}
		if part != "+" && part != t[i] {
			return false
		}
	}
	return len(f) == len(t)
}
