package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.CommandProcessed("run_pump", "DONE")
		m.ConfigApplied("ack", []string{"mqtt"})
		m.State(3)
		m.ConnectionLost()
	})
}

func TestMetrics_Counts(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.CommandProcessed("run_pump", "ACCEPTED")
	m.CommandProcessed("run_pump", "ACCEPTED")
	m.ConfigApplied("ack", []string{"mqtt", "pump"})

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Commands.WithLabelValues("run_pump", "ACCEPTED")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Restarts.WithLabelValues("pump")))
}
