// Package node is the runtime every node runs: it composes the config
// store, state manager, command handler, telemetry engine, config-apply
// engine and actuator drivers, and runs the periodic tasks.
package node

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eddielth/nodecore/apply"
	"github.com/eddielth/nodecore/calibration"
	"github.com/eddielth/nodecore/command"
	"github.com/eddielth/nodecore/config"
	"github.com/eddielth/nodecore/logger"
	"github.com/eddielth/nodecore/metrics"
	"github.com/eddielth/nodecore/nodeconfig"
	"github.com/eddielth/nodecore/pump"
	"github.com/eddielth/nodecore/relay"
	"github.com/eddielth/nodecore/state"
	"github.com/eddielth/nodecore/telemetry"
	"github.com/eddielth/nodecore/topics"
	"github.com/eddielth/nodecore/transport"
	"golang.org/x/time/rate"
)

var log = logger.Tag("node")

// TelemetrySource reads one sensor channel. Node-specific code provides
// it; read algorithms are not part of the runtime.
type TelemetrySource interface {
	Read(ctx context.Context, ch nodeconfig.Channel) (float64, error)
}

// Capabilities are optional hooks compiled into a particular node. Every
// field may be nil.
type Capabilities struct {
	Telemetry   TelemetrySource
	ChannelInit apply.ChannelHook
	Diagnostics func() map[string]interface{}
}

// KV is the persistence the runtime needs.
type KV interface {
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Put(ctx context.Context, namespace, key string, value []byte) error
}

// Deps are the collaborators built by the composition root.
type Deps struct {
	Settings     *config.Config
	Session      Session
	KV           KV
	Pumps        *pump.Driver
	Relays       *relay.Driver
	Link         apply.Link
	Calibration  *calibration.Manager
	Metrics      *metrics.Metrics
	Capabilities Capabilities
}

// Node is the runtime.
type Node struct {
	settings *config.Config
	session  Session
	kv       KV
	caps     Capabilities
	metrics  *metrics.Metrics

	identity *topics.Identity
	store    *nodeconfig.Store
	state    *state.Manager
	cmds     *command.Handler
	tele     *telemetry.Engine
	engine   *apply.Engine
	calib    *calibration.Manager
	pumps    *pump.Driver
	relays   *relay.Driver

	errLimiter *rate.Limiter
	started    time.Time
	helloSent  atomic.Bool

	ackMu      sync.Mutex
	pendingAck []byte

	pollMu     sync.Mutex
	lastPolled map[string]time.Time

	// applyMu serializes config applies.
	applyMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the runtime. It loads the hardware id and the persisted
// config but does not touch the network or the outputs.
func New(ctx context.Context, d Deps) (*Node, error) {
	if d.Settings == nil || d.Session == nil || d.KV == nil {
		return nil, errors.New("node: settings, session and kv are required")
	}
	s := d.Settings

	hwid, err := hardwareID(ctx, d.KV, s.Node.HardwareID)
	if err != nil {
		return nil, err
	}

	n := &Node{
		settings:   s,
		session:    d.Session,
		kv:         d.KV,
		caps:       d.Capabilities,
		metrics:    d.Metrics,
		calib:      d.Calibration,
		pumps:      d.Pumps,
		relays:     d.Relays,
		store:      nodeconfig.NewStore(d.KV),
		lastPolled: make(map[string]time.Time),
		errLimiter: rate.NewLimiter(rate.Limit(s.Errors.RatePerSecond), max(s.Errors.Burst, 1)),
	}

	ns := topics.Temp(hwid)
	cfg, err := n.store.Load(ctx)
	switch {
	case err == nil:
		ns = namespaceOf(cfg)
		log.Info("loaded config version %d for %s", cfg.Version, ns.Base())
	case errors.Is(err, nodeconfig.ErrNotConfigured):
		log.Info("no config persisted, waiting for provisioning on %s", ns.Base())
	default:
		log.Error("persisted config unusable, running unconfigured: %v", err)
	}
	n.identity = topics.NewIdentity(ns, hwid)

	n.state = state.NewManager(state.Options{
		CriticalThreshold: uint32(s.Safety.CriticalThreshold),
		ErrorEscalation:   uint32(s.Safety.ErrorEscalation),
		RecoveryWindow:    s.Safety.RecoveryWindow,
		LockTimeout:       s.Commands.LockTimeout,
	}, n)
	n.state.SetSafeModeHook(n.disableActuators)

	n.cmds = command.NewHandler(command.Options{
		DedupSize:   s.Commands.DedupSize,
		DedupTTL:    s.Commands.DedupTTL,
		QueueSize:   s.Commands.QueueSize,
		LockTimeout: s.Commands.LockTimeout,
	}, d.Session, func(ch string) string { return n.identity.Get().CommandResponse(ch) }, n.state, d.Metrics)

	n.tele = telemetry.New(telemetry.Options{
		BatchSize:     s.Telemetry.BatchSize,
		FlushInterval: s.Telemetry.FlushInterval,
		LockTimeout:   s.Commands.LockTimeout,
	}, d.Session, func(ch string) string { return n.identity.Get().Telemetry(ch) }, d.Metrics)

	n.engine = apply.New(n.store, d.Link, messaging{n}, d.Metrics)
	if n.pumps != nil {
		n.pumps.SetFaultHandler(n.outputFault("pump"))
		n.engine.AddDriver(n.pumps)
	}
	if n.relays != nil {
		n.relays.SetFaultHandler(n.outputFault("relay"))
		n.engine.AddDriver(n.relays)
	}
	if d.Capabilities.ChannelInit != nil {
		n.engine.AddChannelHook(d.Capabilities.ChannelInit)
	}

	n.registerCommands()
	return n, nil
}

// An output that cannot be de-energized is a safety fault.
func (n *Node) outputFault(component string) func(string, error) {
	return func(channel string, err error) {
		n.state.ReportErrorDetails(state.Critical, component, "output_fault",
			fmt.Sprintf("channel %s: %v", channel, err), map[string]interface{}{"channel": channel})
	}
}

// Start subscribes, brings the drivers up from the persisted config,
// connects and launches the periodic tasks.
func (n *Node) Start(ctx context.Context) error {
	ctx, n.cancel = context.WithCancel(ctx)
	n.started = time.Now()

	if cfg := n.store.Current(); cfg != nil {
		started := n.engine.Boot(ctx, cfg)
		log.Info("actuator drivers up: %v", started)
	} else if err := n.disableActuators(); err != nil {
		log.Warn("initial output reset: %v", err)
	}

	n.session.OnConnect(n.onConnect)
	n.session.OnConnectionLost(n.onConnectionLost)
	if err := n.subscribe(); err != nil {
		return fmt.Errorf("node: subscribe: %w", err)
	}
	n.cmds.Start()
	n.state.Start()

	n.session.SetOptions(n.sessionOptions())
	if err := n.session.Start(); err != nil {
		// The client keeps retrying on its own.
		log.Warn("broker not reachable yet: %v", err)
	}

	n.tele.Start(ctx)
	n.every(ctx, n.settings.Heartbeat.Interval, n.publishHeartbeat)
	n.every(ctx, n.settings.Heartbeat.StatusInterval, func() { n.publishStatus(n.state.State(), n.state.Reason()) })
	n.every(ctx, time.Second, n.state.Tick)
	if n.caps.Telemetry != nil {
		n.every(ctx, n.settings.Telemetry.PollInterval, func() { n.poll(ctx) })
	}
	log.Info("node %s started", n.identity.HardwareID())
	return nil
}

func (n *Node) every(ctx context.Context, d time.Duration, fn func()) {
	if d <= 0 {
		return
	}
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		t := time.NewTicker(d)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				fn()
			}
		}
	}()
}

// Stop de-energizes the outputs, flushes telemetry and disconnects.
func (n *Node) Stop() {
	if n.cancel != nil {
		n.cancel()
	}
	n.wg.Wait()
	n.tele.Wait()

	if err := n.disableActuators(); err != nil {
		log.Error("shutdown output reset: %v", err)
	}
	if err := n.tele.Flush(); err != nil {
		log.Warn("final telemetry flush: %v", err)
	}
	_ = n.session.Publish(n.identity.Get().LWT(), []byte(lwtOffline), transport.AtLeastOnce, true)
	n.cmds.Stop()
	n.session.Stop()
	log.Info("node stopped")
}

func (n *Node) subscribe() error {
	for _, ns := range n.identity.Subscriptions() {
		if err := n.session.Subscribe(ns.CommandFilter(), transport.AtLeastOnce, n.onCommand); err != nil {
			return err
		}
		if err := n.session.Subscribe(ns.Config(), transport.AtLeastOnce, n.onConfig); err != nil {
			return err
		}
	}
	return nil
}

func (n *Node) onConnect() {
	ns := n.identity.Get()
	if err := n.session.Publish(ns.LWT(), []byte(lwtOnline), transport.AtLeastOnce, true); err != nil {
		log.Warn("publish lwt online: %v", err)
	}
	n.publishStatus(n.state.State(), n.state.Reason())

	if ns.IsPlaceholder() && !n.helloSent.Load() {
		if err := n.publishHello(); err == nil {
			n.helloSent.Store(true)
		}
	}
	n.resendAck()
}

// The broker publishes the retained offline will itself.
func (n *Node) onConnectionLost(err error) {
	n.metrics.ConnectionLost()
	log.Warn("broker session lost in state %s: %v", n.state.State(), err)
}

func (n *Node) onCommand(topic string, payload []byte) {
	_, channel, ok := topics.ParseCommand(topic)
	if !ok {
		log.Warn("ignoring message on %s", topic)
		return
	}
	n.cmds.Process(context.Background(), channel, payload)
}

// onConfig validates, applies and acknowledges a config document. A
// rejected document leaves the previous config in force.
func (n *Node) onConfig(topic string, payload []byte) {
	n.applyMu.Lock()
	defer n.applyMu.Unlock()

	ctx := context.Background()
	cfg, err := nodeconfig.Parse(payload)
	if err != nil {
		log.Warn("config on %s rejected: %v", topic, err)
		n.metrics.ConfigApplied("rejected", nil)
		n.publishConfigResponse(configAck{Status: "ERROR", Error: err.Error()})
		return
	}
	if cur := n.store.Version(); cfg.Version < cur {
		log.Warn("config version %d is older than %d, applying anyway", cfg.Version, cur)
	}

	prev := n.store.Current()
	res, err := n.engine.Apply(ctx, cfg, prev)
	if err != nil {
		n.publishConfigResponse(configAck{Status: "ERROR", Version: cfg.Version, Error: err.Error()})
		return
	}
	restarted := res.Restarted
	if restarted == nil {
		restarted = []string{}
	}
	n.publishConfigResponse(configAck{Status: "ACK", Version: cfg.Version, Restarted: restarted, Failed: res.Failed})
}

// disableActuators is the safe-mode hook: every output de-energized.
func (n *Node) disableActuators() error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var errs []error
	if n.pumps != nil {
		if err := n.pumps.EmergencyStop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("pumps: %w", err))
		}
	}
	if n.relays != nil {
		if err := n.relays.AllSafe(ctx); err != nil {
			errs = append(errs, fmt.Errorf("relays: %w", err))
		}
	}
	return errors.Join(errs...)
}

// poll reads every due sensor channel. A failed read or calibration is
// published as stub telemetry.
func (n *Node) poll(ctx context.Context) {
	now := time.Now()
	for _, ch := range n.store.Channels() {
		if ch.Type != nodeconfig.Sensor || !n.due(ch, now) {
			continue
		}
		metric := ch.Metric
		if metric == "" {
			metric = ch.Name
		}

		raw, err := n.caps.Telemetry.Read(ctx, ch)
		if err != nil {
			n.state.ReportError(state.Warning, "sensor", "read_failed", fmt.Sprintf("%s: %v", ch.Name, err))
			n.publishStub(ch.Name, metric, ch.Unit)
			continue
		}

		reading := calibration.Reading{Value: raw, Stable: true}
		if n.calib != nil {
			if reading, err = n.calib.Calibrate(ch.Name, raw); err != nil {
				n.state.ReportError(state.Warning, "sensor", "calibration_failed", err.Error())
				n.publishStub(ch.Name, metric, ch.Unit)
				continue
			}
		}

		rawCopy := raw
		err = n.tele.Publish(telemetry.Reading{
			Channel:    ch.Name,
			MetricType: metric,
			Value:      reading.Value,
			Unit:       ch.Unit,
			Raw:        &rawCopy,
			Stable:     reading.Stable,
		})
		if errors.Is(err, telemetry.ErrInvalidValue) {
			n.state.ReportError(state.Warning, "sensor", "invalid_value", fmt.Sprintf("%s: %v", ch.Name, err))
			n.publishStub(ch.Name, metric, ch.Unit)
		} else if err != nil {
			log.Debug("telemetry %s: %v", ch.Name, err)
		}
	}
}

func (n *Node) publishStub(channel, metric, unit string) {
	if err := n.tele.PublishStub(channel, metric, unit); err != nil {
		log.Debug("stub telemetry %s: %v", channel, err)
	}
}

func (n *Node) due(ch nodeconfig.Channel, now time.Time) bool {
	if ch.PollIntervalMs <= 0 {
		return true
	}
	n.pollMu.Lock()
	defer n.pollMu.Unlock()
	if last, ok := n.lastPolled[ch.Name]; ok && now.Sub(last) < time.Duration(ch.PollIntervalMs)*time.Millisecond {
		return false
	}
	n.lastPolled[ch.Name] = now
	return true
}

// State returns the lifecycle state manager.
func (n *Node) State() *state.Manager { return n.state }

// Identity returns the live topic namespace.
func (n *Node) Identity() *topics.Identity { return n.identity }

// Telemetry returns the batching engine for node-specific publishers.
func (n *Node) Telemetry() *telemetry.Engine { return n.tele }

// Commands returns the handler so node-specific code can register more
// commands.
func (n *Node) Commands() *command.Handler { return n.cmds }

// Config returns a copy of the live node config, or nil.
func (n *Node) Config() *nodeconfig.NodeConfig { return n.store.Current() }
