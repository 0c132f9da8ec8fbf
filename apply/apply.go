// Package apply diffs a freshly received node configuration against the
// previous one and restarts only the subsystems it affects.
package apply

import (
	"context"
	"errors"
	"fmt"

	"github.com/eddielth/nodecore/logger"
	"github.com/eddielth/nodecore/metrics"
	"github.com/eddielth/nodecore/nodeconfig"
)

var log = logger.Tag("apply")

// Component names reported in the config ACK.
const (
	ComponentWiFi = "wifi"
	ComponentMQTT = "mqtt"
)

// Persister stores the validated document.
type Persister interface {
	Save(ctx context.Context, cfg *nodeconfig.NodeConfig) error
}

// LinkState is what the link is running with right now.
type LinkState struct {
	SSID          string
	Password      string
	AutoReconnect bool
	Timeout       int64
}

// Link is the network link under the messaging client.
type Link interface {
	// State returns the live settings. Wi-Fi fields of a config are
	// diffed against it, not against the previous document, which may
	// have left them out.
	State() LinkState
	// SetCredentials reconnects the link with new credentials. The
	// messaging client is stopped before it is called.
	SetCredentials(ctx context.Context, ssid, password string) error
	// SetOptions changes link behaviour without reconnecting.
	SetOptions(autoReconnect *bool, timeout *int64) error
}

// Messaging is the publish/subscribe client. Restart must re-attach the
// callbacks registered before the stop.
type Messaging interface {
	Stop()
	Restart(ctx context.Context, cfg *nodeconfig.NodeConfig) error
}

// Driver is an actuator safety driver.
type Driver interface {
	Name() string
	Type() nodeconfig.ActuatorType
	Init(ctx context.Context, channels []nodeconfig.Channel) error
	Deinit(ctx context.Context) error
}

// ChannelHook runs node-specific setup for one channel.
type ChannelHook func(ctx context.Context, ch nodeconfig.Channel) error

// Result lists what an apply did.
type Result struct {
	Restarted []string
	// Failed maps a component to the error that stopped its restart.
	Failed map[string]string
	// HookErrors counts channel hooks that returned an error.
	HookErrors int
}

func (r *Result) fail(component string, err error) {
	if r.Failed == nil {
		r.Failed = make(map[string]string)
	}
	r.Failed[component] = err.Error()
	log.Error("%s: %v", component, err)
}

// Engine is the config-apply engine.
type Engine struct {
	store   Persister
	link    Link
	msg     Messaging
	drivers []Driver
	hooks   []ChannelHook
	metrics *metrics.Metrics
}

// New creates an engine. link and msg may be nil on nodes without them.
func New(store Persister, link Link, msg Messaging, m *metrics.Metrics) *Engine {
	return &Engine{store: store, link: link, msg: msg, metrics: m}
}

// AddDriver registers an actuator driver.
func (e *Engine) AddDriver(d Driver) {
	e.drivers = append(e.drivers, d)
}

// AddChannelHook registers a per-channel hook.
func (e *Engine) AddChannelHook(h ChannelHook) {
	e.hooks = append(e.hooks, h)
}

// Apply persists next and then runs link, broker, actuator and channel
// hook steps in that order. prev nil means everything changed. If next
// cannot be persisted nothing else is touched.
func (e *Engine) Apply(ctx context.Context, next, prev *nodeconfig.NodeConfig) (Result, error) {
	var res Result
	if next == nil {
		return res, fmt.Errorf("%w: empty document", nodeconfig.ErrInvalid)
	}
	if err := e.store.Save(ctx, next); err != nil {
		e.metrics.ConfigApplied("rejected", nil)
		return res, fmt.Errorf("apply: persist: %w", err)
	}
	log.Info("applying config version %d", next.Version)

	linkDown := e.applyLink(ctx, next, &res)

	if e.msg != nil && (linkDown || brokerChanged(next, prev)) {
		if err := e.msg.Restart(ctx, next); err != nil {
			res.fail(ComponentMQTT, err)
		} else {
			res.Restarted = append(res.Restarted, ComponentMQTT)
		}
	}

	for _, d := range e.drivers {
		if prev != nil && nodeconfig.SameChannels(prev.ActuatorChannels(d.Type()), next.ActuatorChannels(d.Type())) {
			continue
		}
		if err := d.Deinit(ctx); err != nil && !notInstalled(err) {
			log.Warn("%s deinit: %v", d.Name(), err)
		}
		err := d.Init(ctx, next.Channels)
		switch {
		case err == nil:
			res.Restarted = append(res.Restarted, d.Name())
		case notInstalled(err):
			log.Debug("%s not installed on this node", d.Name())
		default:
			res.fail(d.Name(), err)
		}
	}

	for _, ch := range next.Channels {
		for _, hook := range e.hooks {
			if err := hook(ctx, ch); err != nil {
				res.HookErrors++
				log.Warn("channel %s hook: %v", ch.Name, err)
			}
		}
	}

	result := "ok"
	if len(res.Failed) > 0 {
		result = "partial"
	}
	e.metrics.ConfigApplied(result, res.Restarted)
	log.Info("config version %d applied, restarted %v", next.Version, res.Restarted)
	return res, nil
}

// applyLink reports whether the link was torn down. Absent fields keep
// the live value.
func (e *Engine) applyLink(ctx context.Context, next *nodeconfig.NodeConfig, res *Result) bool {
	if e.link == nil {
		return false
	}
	live := e.link.State()
	nw := next.WiFi

	if differs(nw.SSID, live.SSID) || differs(nw.Password, live.Password) {
		ssid, password := pick(nw.SSID, live.SSID), pick(nw.Password, live.Password)
		if ssid == "" {
			res.fail(ComponentWiFi, errors.New("password given without an ssid"))
		} else {
			if e.msg != nil {
				e.msg.Stop()
			}
			if err := e.link.SetCredentials(ctx, ssid, password); err != nil {
				res.fail(ComponentWiFi, err)
			} else {
				res.Restarted = append(res.Restarted, ComponentWiFi)
			}
			// The client was stopped either way and must come back.
			return true
		}
	}

	var ar *bool
	var to *int64
	if differs(nw.AutoReconnect, live.AutoReconnect) {
		ar = nw.AutoReconnect
	}
	if differs(nw.Timeout, live.Timeout) {
		to = nw.Timeout
	}
	if ar != nil || to != nil {
		if err := e.link.SetOptions(ar, to); err != nil {
			log.Warn("link options: %v", err)
		}
	}
	return false
}

// differs reports whether a field present in a document changes the
// live value.
func differs[T comparable](next *T, live T) bool {
	return next != nil && *next != live
}

// brokerChanged compares the fields present in next against prev,
// including the identifiers that form the topic namespace.
func brokerChanged(next, prev *nodeconfig.NodeConfig) bool {
	if prev == nil {
		return true
	}
	if next.NodeID != prev.NodeID || next.GhUID != prev.GhUID || next.ZoneUID != prev.ZoneUID {
		return true
	}
	n, p := next.MQTT, prev.MQTT
	if n.Host != p.Host || n.Port != p.Port {
		return true
	}
	if n.Keepalive != nil && (p.Keepalive == nil || *n.Keepalive != *p.Keepalive) {
		return true
	}
	return strChanged(n.Username, p.Username) || strChanged(n.Password, p.Password) || boolChanged(n.UseTLS, p.UseTLS)
}

// An absent field in next never counts as a change.
func strChanged(next, prev *string) bool {
	return next != nil && (prev == nil || *next != *prev)
}

func boolChanged(next, prev *bool) bool {
	return next != nil && (prev == nil || *next != *prev)
}

func pick(next *string, live string) string {
	if next != nil {
		return *next
	}
	return live
}

// notInstalled recognises the drivers' "no channels" error.
func notInstalled(err error) bool {
	var coded interface{ ErrorCode() string }
	return errors.As(err, &coded) && coded.ErrorCode() == "not_found"
}

// Boot brings drivers and channel hooks up from an already persisted
// config at startup. Nothing is persisted and the link and messaging
// client are left alone.
func (e *Engine) Boot(ctx context.Context, cfg *nodeconfig.NodeConfig) []string {
	var started []string
	for _, d := range e.drivers {
		err := d.Init(ctx, cfg.Channels)
		switch {
		case err == nil:
			started = append(started, d.Name())
		case notInstalled(err):
		default:
			log.Error("%s init: %v", d.Name(), err)
		}
	}
	for _, ch := range cfg.Channels {
		for _, hook := range e.hooks {
			if err := hook(ctx, ch); err != nil {
				log.Warn("channel %s hook: %v", ch.Name, err)
			}
		}
	}
	return started
}
