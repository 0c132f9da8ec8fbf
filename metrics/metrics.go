// Package metrics exposes node counters to Prometheus. Every helper is
// safe on a nil *Metrics so components can run without instrumentation.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nodecore"

// Metrics groups the node's collectors.
type Metrics struct {
	Commands           *prometheus.CounterVec
	TelemetryPublished prometheus.Counter
	TelemetryRejected  *prometheus.CounterVec
	TelemetryBuffered  prometheus.Gauge
	ErrorsReported     *prometheus.CounterVec
	ErrorsThrottled    prometheus.Counter
	NodeState          prometheus.Gauge
	PumpRuns           *prometheus.CounterVec
	RelaySwitches      *prometheus.CounterVec
	ConfigApplies      *prometheus.CounterVec
	Restarts           *prometheus.CounterVec
	BusRetries         prometheus.Counter
	BusRecoveries      prometheus.Counter
	ConnectionsLost    prometheus.Counter
}

// New builds and registers the collectors on reg. A nil reg skips
// registration.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "commands", Name: "total",
			Help: "Commands processed by command name and response status",
		}, []string{"command", "status"}),
		TelemetryPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "telemetry", Name: "published_total",
			Help: "Telemetry items published",
		}),
		TelemetryRejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "telemetry", Name: "rejected_total",
			Help: "Telemetry items rejected at publish time",
		}, []string{"reason"}),
		TelemetryBuffered: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "telemetry", Name: "buffered",
			Help: "Telemetry items waiting for the next flush",
		}),
		ErrorsReported: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "errors", Name: "reported_total",
			Help: "Errors reported by level and component",
		}, []string{"level", "component"}),
		ErrorsThrottled: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "errors", Name: "throttled_total",
			Help: "Error messages not published because of the rate limit",
		}),
		NodeState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Subsystem: "node", Name: "state",
			Help: "Node state (0=init, 1=running, 2=error, 3=safe_mode)",
		}),
		PumpRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pump", Name: "runs_total",
			Help: "Pump runs by channel and result",
		}, []string{"channel", "result"}),
		RelaySwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "relay", Name: "switches_total",
			Help: "Relay state changes by channel and target state",
		}, []string{"channel", "state"}),
		ConfigApplies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "config", Name: "applies_total",
			Help: "Config documents applied by result",
		}, []string{"result"}),
		Restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "config", Name: "restarts_total",
			Help: "Subsystem restarts caused by config changes",
		}, []string{"component"}),
		BusRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "retries_total",
			Help: "Bus transfers retried",
		}),
		BusRecoveries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "bus", Name: "recoveries_total",
			Help: "Bus recoveries performed",
		}),
		ConnectionsLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "mqtt", Name: "connections_lost_total",
			Help: "Broker sessions dropped",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.Commands, m.TelemetryPublished, m.TelemetryRejected, m.TelemetryBuffered,
			m.ErrorsReported, m.ErrorsThrottled, m.NodeState, m.PumpRuns, m.RelaySwitches,
			m.ConfigApplies, m.Restarts, m.BusRetries, m.BusRecoveries, m.ConnectionsLost,
		)
	}
	return m
}

func (m *Metrics) CommandProcessed(command, status string) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(command, status).Inc()
}

func (m *Metrics) TelemetrySent(n int) {
	if m == nil {
		return
	}
	m.TelemetryPublished.Add(float64(n))
}

func (m *Metrics) TelemetryReject(reason string) {
	if m == nil {
		return
	}
	m.TelemetryRejected.WithLabelValues(reason).Inc()
}

func (m *Metrics) TelemetryBacklog(n int) {
	if m == nil {
		return
	}
	m.TelemetryBuffered.Set(float64(n))
}

func (m *Metrics) ErrorReported(level, component string) {
	if m == nil {
		return
	}
	m.ErrorsReported.WithLabelValues(level, component).Inc()
}

func (m *Metrics) ErrorThrottled() {
	if m == nil {
		return
	}
	m.ErrorsThrottled.Inc()
}

func (m *Metrics) State(s int) {
	if m == nil {
		return
	}
	m.NodeState.Set(float64(s))
}

func (m *Metrics) PumpRun(channel, result string) {
	if m == nil {
		return
	}
	m.PumpRuns.WithLabelValues(channel, result).Inc()
}

func (m *Metrics) RelaySwitch(channel, state string) {
	if m == nil {
		return
	}
	m.RelaySwitches.WithLabelValues(channel, state).Inc()
}

func (m *Metrics) ConfigApplied(result string, restarted []string) {
	if m == nil {
		return
	}
	m.ConfigApplies.WithLabelValues(result).Inc()
	for _, c := range restarted {
		m.Restarts.WithLabelValues(c).Inc()
	}
}

func (m *Metrics) BusRetry() {
	if m == nil {
		return
	}
	m.BusRetries.Inc()
}

func (m *Metrics) BusRecovery() {
	if m == nil {
		return
	}
	m.BusRecoveries.Inc()
}

func (m *Metrics) ConnectionLost() {
	if m == nil {
		return
	}
	m.ConnectionsLost.Inc()
}
