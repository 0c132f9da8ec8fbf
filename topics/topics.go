// Package topics builds and parses the node's publish/subscribe namespace:
//
//	hydro/{facility}/{zone}/{node}/{suffix}
package topics

import (
	"strings"
	"time"

	"github.com/eddielth/nodecore/guard"
)

const (
	// Root prefixes every topic.
	Root = "hydro"
	// Placeholder is the facility and zone of an unprovisioned node.
	Placeholder = "temp"
	// NodeHello is the fixed registration topic.
	NodeHello = Root + "/node_hello"
)

// Namespace identifies one node.
type Namespace struct {
	Facility string
	Zone     string
	Node     string
}

// Temp returns the provisioning namespace for a hardware serial.
func Temp(hardwareID string) Namespace {
	return Namespace{Facility: Placeholder, Zone: Placeholder, Node: hardwareID}
}

// IsPlaceholder reports whether the namespace has not been assigned yet.
func (n Namespace) IsPlaceholder() bool {
	return n.Facility == "" || n.Zone == "" || n.Node == "" ||
		n.Facility == Placeholder || n.Zone == Placeholder
}

// Base is the topic prefix without trailing slash.
func (n Namespace) Base() string {
	return strings.Join([]string{Root, n.Facility, n.Zone, n.Node}, "/")
}

func (n Namespace) Telemetry(channel string) string       { return n.Base() + "/" + channel + "/telemetry" }
func (n Namespace) Command(channel string) string         { return n.Base() + "/" + channel + "/command" }
func (n Namespace) CommandResponse(channel string) string { return n.Base() + "/" + channel + "/command_response" }
func (n Namespace) Status() string                        { return n.Base() + "/status" }
func (n Namespace) Heartbeat() string                     { return n.Base() + "/heartbeat" }
func (n Namespace) Config() string                        { return n.Base() + "/config" }
func (n Namespace) ConfigResponse() string                { return n.Base() + "/config_response" }
func (n Namespace) Error() string                         { return n.Base() + "/error" }
func (n Namespace) LWT() string                           { return n.Base() + "/lwt" }

// CommandFilter subscribes to commands for every channel.
func (n Namespace) CommandFilter() string { return n.Base() + "/+/command" }

// ParseCommand extracts the namespace and channel from a command topic.
func ParseCommand(topic string) (Namespace, string, bool) {
	parts := strings.Split(topic, "/")
	if len(parts) != 6 || parts[0] != Root || parts[5] != "command" {
		return Namespace{}, "", false
	}
	for _, p := range parts[1:5] {
		if p == "" {
			return Namespace{}, "", false
		}
	}
	return Namespace{Facility: parts[1], Zone: parts[2], Node: parts[3]}, parts[4], true
}

// Identity is the live namespace shared by publishers and the config
// engine.
type Identity struct {
	mu         *guard.Mutex
	ns         Namespace
	hardwareID string
}

// NewIdentity starts from ns; hardwareID names the temp namespace.
func NewIdentity(ns Namespace, hardwareID string) *Identity {
	return &Identity{mu: guard.New(100 * time.Millisecond), ns: ns, hardwareID: hardwareID}
}

// Get returns the current namespace. On lock timeout it falls back to the
// temp namespace, which the node always listens on while unprovisioned.
func (i *Identity) Get() Namespace {
	if err := i.mu.Lock(); err != nil {
		return Temp(i.hardwareID)
	}
	defer i.mu.Unlock()
	return i.ns
}

// Set replaces the namespace and reports whether it changed.
func (i *Identity) Set(ns Namespace) (bool, error) {
	if err := i.mu.Lock(); err != nil {
		return false, err
	}
	defer i.mu.Unlock()
	changed := i.ns != ns
	i.ns = ns
	return changed, nil
}

// HardwareID returns the stable serial.
func (i *Identity) HardwareID() string {
	return i.hardwareID
}

// Subscriptions lists the namespaces the node listens on: the current one
// plus the temp namespace while unprovisioned.
func (i *Identity) Subscriptions() []Namespace {
	cur := i.Get()
	temp := Temp(i.hardwareID)
	if cur == temp || !cur.IsPlaceholder() {
		return []Namespace{cur}
	}
	return []Namespace{cur, temp}
}
