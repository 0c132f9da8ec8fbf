// Package nodeconfig holds the node configuration document, its
// validation rules and the persisted store.
package nodeconfig

import (
	"encoding/json"
	"reflect"
)

// ChannelType tells sensors and actuators apart.
type ChannelType string

const (
	Sensor   ChannelType = "SENSOR"
	Actuator ChannelType = "ACTUATOR"
)

// ActuatorType selects the driver that owns an actuator channel.
type ActuatorType string

const (
	Relay  ActuatorType = "RELAY"
	Pump   ActuatorType = "PUMP"
	PWM    ActuatorType = "PWM"
	Fan    ActuatorType = "FAN"
	Heater ActuatorType = "HEATER"
	LED    ActuatorType = "LED"
	Valve  ActuatorType = "VALVE"
)

// FailSafeMode is the contact state the channel falls back to when
// de-energized.
type FailSafeMode string

const (
	NormallyClosed FailSafeMode = "NC"
	NormallyOpen   FailSafeMode = "NO"
)

// SafeLimits bounds actuator timing.
type SafeLimits struct {
	MaxDurationMs int64 `json:"max_duration_ms,omitempty"`
	MinOffMs      int64 `json:"min_off_ms,omitempty"`
}

// Channel is one sensor or actuator declared by the node configuration.
// Pins are never part of it: drivers resolve names through firmware tables.
type Channel struct {
	Name           string       `json:"name"`
	Type           ChannelType  `json:"type"`
	ActuatorType   ActuatorType `json:"actuator_type,omitempty"`
	Metric         string       `json:"metric,omitempty"`
	Unit           string       `json:"unit,omitempty"`
	PollIntervalMs int64        `json:"poll_interval_ms,omitempty"`
	FailSafeMode   FailSafeMode `json:"fail_safe_mode,omitempty"`
	SafeLimits     *SafeLimits  `json:"safe_limits,omitempty"`
	MlPerSecond    float64      `json:"ml_per_second,omitempty"`
}

// IsActuator reports whether the channel is an actuator of type t.
func (c Channel) IsActuator(t ActuatorType) bool {
	return c.Type == Actuator && c.ActuatorType == t
}

// WiFiConfig uses pointers so an absent field means "leave unchanged".
type WiFiConfig struct {
	SSID          *string `json:"ssid,omitempty"`
	Password      *string `json:"password,omitempty"`
	AutoReconnect *bool   `json:"auto_reconnect,omitempty"`
	Timeout       *int64  `json:"timeout,omitempty"`
}

// MQTTConfig is the broker section. Host and port are required.
type MQTTConfig struct {
	Host      string  `json:"host"`
	Port      int     `json:"port"`
	Keepalive *int    `json:"keepalive,omitempty"`
	Username  *string `json:"username,omitempty"`
	Password  *string `json:"password,omitempty"`
	UseTLS    *bool   `json:"use_tls,omitempty"`
}

// NodeConfig is the versioned document the node receives, persists and
// applies.
type NodeConfig struct {
	NodeID   string     `json:"node_id"`
	Version  int64      `json:"version"`
	Type     string     `json:"type"`
	GhUID    string     `json:"gh_uid"`
	ZoneUID  string     `json:"zone_uid"`
	Channels []Channel  `json:"channels"`
	WiFi     WiFiConfig `json:"wifi"`
	MQTT     MQTTConfig `json:"mqtt"`

	raw json.RawMessage
}

// Raw returns the document exactly as received.
func (c *NodeConfig) Raw() json.RawMessage {
	return append(json.RawMessage(nil), c.raw...)
}

// Clone returns a deep copy.
func (c *NodeConfig) Clone() *NodeConfig {
	if c == nil {
		return nil
	}
	out, err := Parse(c.raw)
	if err != nil {
		// raw always passed Parse before it was stored here.
		cp := *c
		cp.Channels = append([]Channel(nil), c.Channels...)
		return &cp
	}
	return out
}

// ActuatorChannels returns the actuator channels of type t, in order.
func (c *NodeConfig) ActuatorChannels(t ActuatorType) []Channel {
	if c == nil {
		return nil
	}
	var out []Channel
	for _, ch := range c.Channels {
		if ch.IsActuator(t) {
			out = append(out, ch)
		}
	}
	return out
}

// Channel finds a channel by name.
func (c *NodeConfig) Channel(name string) (Channel, bool) {
	if c == nil {
		return Channel{}, false
	}
	for _, ch := range c.Channels {
		if ch.Name == name {
			return ch, true
		}
	}
	return Channel{}, false
}

// SameChannels reports whether two channel lists are identical.
func SameChannels(a, b []Channel) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	return reflect.DeepEqual(a, b)
}
