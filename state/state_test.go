package state

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu       sync.Mutex
	statuses []State
	reports  []Report
}

func (r *recorder) PublishStatus(s State, _ string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *recorder) PublishError(rep Report) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, rep)
}

func TestManager_ErrorMovesRunningToError(t *testing.T) {
	rec := &recorder{}
	m := NewManager(Options{}, rec)
	m.Start()
	require.Equal(t, Running, m.State())

	m.ReportError(Warning, "bus", "retry", "slow ack")
	assert.Equal(t, Running, m.State())

	m.ReportError(Err, "bus", "nack", "device did not ack")
	assert.Equal(t, Error, m.State())
	assert.Equal(t, Counters{Warning: 1, Error: 1}, m.Counters("bus"))
	assert.Equal(t, []State{Running, Error}, rec.statuses)
	assert.Len(t, rec.reports, 2)
}

func TestManager_CriticalEntersSafeModeAfterHook(t *testing.T) {
	rec := &recorder{}
	m := NewManager(Options{}, rec)
	m.Start()

	var order []string
	m.SetSafeModeHook(func() error {
		order = append(order, "hook:"+m.State().String())
		return errors.New("relay bus down")
	})

	m.ReportError(Critical, "pump", "overcurrent", "pump_acid drew 900mA")

	assert.Equal(t, SafeMode, m.State())
	assert.Equal(t, []string{"hook:running"}, order)
	assert.Equal(t, "pump: overcurrent", m.Reason())
	assert.Equal(t, SafeMode, rec.statuses[len(rec.statuses)-1])

	// Further criticals do not re-run the hook.
	m.ReportError(Critical, "pump", "overcurrent", "again")
	assert.Len(t, order, 1)
}

func TestManager_ExitSafeMode(t *testing.T) {
	m := NewManager(Options{}, nil)
	m.Start()
	assert.ErrorIs(t, m.ExitSafeMode(), ErrNotInSafeMode)

	m.ReportError(Critical, "relay", "stuck", "")
	require.True(t, m.InSafeMode())

	require.NoError(t, m.ExitSafeMode())
	assert.Equal(t, Running, m.State())
	assert.Equal(t, uint32(1), m.Counters("relay").Critical)
}

func TestManager_ThresholdAndEscalation(t *testing.T) {
	m := NewManager(Options{CriticalThreshold: 2, ErrorEscalation: 3}, nil)
	m.Start()

	m.ReportError(Critical, "a", "x", "")
	assert.Equal(t, Running, m.State())

	m.ReportError(Err, "b", "y", "")
	m.ReportError(Err, "b", "y", "")
	assert.Equal(t, Error, m.State())
	m.ReportError(Err, "b", "y", "")
	assert.Equal(t, SafeMode, m.State())
	assert.Equal(t, uint32(1), m.Counters("b").Critical)
}

func TestManager_RecoversAfterWindow(t *testing.T) {
	m := NewManager(Options{RecoveryWindow: time.Minute}, nil)
	now := time.Unix(1000, 0)
	m.now = func() time.Time { return now }
	m.Start()

	m.ReportError(Err, "bus", "nack", "")
	m.Tick()
	assert.Equal(t, Error, m.State())

	now = now.Add(2 * time.Minute)
	m.Tick()
	assert.Equal(t, Running, m.State())
}

func TestManager_CriticalFromHookDoesNotReenter(t *testing.T) {
	rec := &recorder{}
	m := NewManager(Options{}, rec)
	m.Start()

	calls := 0
	m.SetSafeModeHook(func() error {
		calls++
		// A stuck output reports again while the hook is still running.
		m.ReportError(Critical, "pump", "output_fault", "acid stuck on")
		return errors.New("acid stuck on")
	})

	m.ReportError(Critical, "pump", "output_fault", "acid stuck on")

	assert.Equal(t, 1, calls)
	assert.Equal(t, SafeMode, m.State())
	assert.Equal(t, uint32(2), m.Counters("pump").Critical)
	assert.Len(t, rec.reports, 2)

	// Entry is possible again after an exit.
	require.NoError(t, m.ExitSafeMode())
	m.ReportError(Critical, "pump", "output_fault", "again")
	assert.Equal(t, 2, calls)
	assert.Equal(t, SafeMode, m.State())
}

func TestManager_EscalationRestartsAfterExit(t *testing.T) {
	m := NewManager(Options{ErrorEscalation: 2}, nil)
	m.Start()

	m.ReportError(Err, "bus", "nack", "")
	m.ReportError(Err, "bus", "nack", "")
	require.Equal(t, SafeMode, m.State())
	require.NoError(t, m.ExitSafeMode())

	m.ReportError(Err, "bus", "nack", "")
	assert.Equal(t, Error, m.State(), "one error after exit is not escalated")
	assert.Equal(t, uint32(3), m.Counters("bus").Error)
	assert.Equal(t, uint32(1), m.Counters("bus").Critical)

	m.ReportError(Err, "bus", "nack", "")
	assert.Equal(t, SafeMode, m.State())
}
