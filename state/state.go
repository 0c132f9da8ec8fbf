// Package state tracks the node lifecycle (INIT, RUNNING, ERROR,
// SAFE_MODE), per-component error counters and the safe-mode actuator
// shutdown hook.
package state

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eddielth/nodecore/guard"
	"github.com/eddielth/nodecore/logger"
)

var log = logger.Tag("state")

// State is the node lifecycle state.
type State int

const (
	Init State = iota
	Running
	Error
	SafeMode
)

func (s State) String() string {
	switch s {
	case Init:
		return "init"
	case Running:
		return "running"
	case Error:
		return "error"
	case SafeMode:
		return "safe_mode"
	default:
		return "unknown"
	}
}

// Level is an error severity.
type Level int

const (
	Warning Level = iota
	Err
	Critical
)

func (l Level) String() string {
	switch l {
	case Warning:
		return "WARNING"
	case Err:
		return "ERROR"
	case Critical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// ErrNotInSafeMode is returned by ExitSafeMode outside SAFE_MODE.
var ErrNotInSafeMode = errors.New("state: not in safe mode")

// Counters holds the per-component tallies.
type Counters struct {
	Warning  uint32 `json:"warning"`
	Error    uint32 `json:"error"`
	Critical uint32 `json:"critical"`
}

// Report is one error occurrence.
type Report struct {
	Level     Level
	Component string
	Code      string
	Message   string
	Details   map[string]interface{}
	Time      time.Time
}

// Publisher sends state changes and error reports out. Implementations
// must not call back into the Manager.
type Publisher interface {
	PublishStatus(s State, reason string)
	PublishError(r Report)
}

// Options tunes escalation.
type Options struct {
	// CriticalThreshold is the number of CRITICAL reports that force
	// SAFE_MODE. Zero means 1.
	CriticalThreshold uint32
	// ErrorEscalation promotes every ErrorEscalation-th ERROR from a
	// component to CRITICAL. Zero disables escalation.
	ErrorEscalation uint32
	// RecoveryWindow moves ERROR back to RUNNING after this long without
	// a new ERROR. Zero disables automatic recovery.
	RecoveryWindow time.Duration
	LockTimeout    time.Duration
}

// Manager is the node state machine.
type Manager struct {
	opts Options
	mu   *guard.Mutex

	state         State
	reason        string
	counters      map[string]*Counters
	streaks       map[string]uint32
	criticalTotal uint32
	lastError     time.Time

	hookMu   sync.Mutex
	safeHook func() error
	entering atomic.Bool

	pub Publisher
	now func() time.Time
}

// NewManager starts in INIT.
func NewManager(opts Options, pub Publisher) *Manager {
	if opts.CriticalThreshold == 0 {
		opts.CriticalThreshold = 1
	}
	return &Manager{
		opts:     opts,
		mu:       guard.New(opts.LockTimeout),
		state:    Init,
		counters: make(map[string]*Counters),
		streaks:  make(map[string]uint32),
		pub:      pub,
		now:      time.Now,
	}
}

// SetSafeModeHook registers the actuator shutdown run on SAFE_MODE entry.
func (m *Manager) SetSafeModeHook(fn func() error) {
	m.hookMu.Lock()
	defer m.hookMu.Unlock()
	m.safeHook = fn
}

// State returns the current state. On lock timeout it answers SAFE_MODE,
// the most restrictive state, so callers err on the side of rejecting.
func (m *Manager) State() State {
	if err := m.mu.Lock(); err != nil {
		return SafeMode
	}
	defer m.mu.Unlock()
	return m.state
}

// InSafeMode reports whether the node is in SAFE_MODE.
func (m *Manager) InSafeMode() bool {
	return m.State() == SafeMode
}

// Reason returns the reason attached to the last transition.
func (m *Manager) Reason() string {
	if err := m.mu.Lock(); err != nil {
		return ""
	}
	defer m.mu.Unlock()
	return m.reason
}

// Start moves INIT to RUNNING.
func (m *Manager) Start() {
	m.transition(func(cur State) (State, bool) {
		return Running, cur == Init
	}, "started")
}

func (m *Manager) transition(decide func(State) (State, bool), reason string) bool {
	if err := m.mu.Lock(); err != nil {
		log.Error("transition %q dropped: %v", reason, err)
		return false
	}
	next, ok := decide(m.state)
	if !ok || next == m.state {
		m.mu.Unlock()
		return false
	}
	prev := m.state
	m.state = next
	m.reason = reason
	pub := m.pub
	m.mu.Unlock()

	log.Info("%s -> %s (%s)", prev, next, reason)
	if pub != nil {
		pub.PublishStatus(next, reason)
	}
	return true
}

// ReportError records an error and applies the escalation rules.
func (m *Manager) ReportError(level Level, component, code, message string) {
	m.ReportErrorDetails(level, component, code, message, nil)
}

// ReportErrorDetails is ReportError with structured details.
func (m *Manager) ReportErrorDetails(level Level, component, code, message string, details map[string]interface{}) {
	r := Report{
		Level:     level,
		Component: component,
		Code:      code,
		Message:   message,
		Details:   details,
		Time:      m.now(),
	}

	if err := m.mu.Lock(); err != nil {
		// Counters are best effort; a critical report must still reach
		// the actuators.
		log.Error("error counters locked, reporting %s/%s unsynchronized", component, code)
		if level == Critical {
			m.enterSafeMode(fmt.Sprintf("%s: %s", component, code))
		}
		return
	}

	c := m.counters[component]
	if c == nil {
		c = &Counters{}
		m.counters[component] = c
	}

	escalated := false
	switch level {
	case Warning:
		c.Warning++
	case Err:
		c.Error++
		m.lastError = r.Time
		m.streaks[component]++
		if m.opts.ErrorEscalation > 0 && m.streaks[component] >= m.opts.ErrorEscalation {
			m.streaks[component] = 0
			escalated = true
			r.Level = Critical
			r.Details = withDetail(r.Details, "escalated_from", Err.String())
		}
	}
	if r.Level == Critical {
		c.Critical++
		m.criticalTotal++
		m.lastError = r.Time
	}

	enterSafe := r.Level == Critical && m.criticalTotal >= m.opts.CriticalThreshold && m.state != SafeMode
	toError := r.Level == Err && m.state == Running
	pub := m.pub
	m.mu.Unlock()

	switch r.Level {
	case Warning:
		log.Warn("[%s] %s: %s", component, code, message)
	default:
		log.Error("[%s] %s %s: %s", component, r.Level, code, message)
	}
	if escalated {
		log.Warn("[%s] error count reached %d, escalating to CRITICAL", component, m.opts.ErrorEscalation)
	}

	if pub != nil {
		pub.PublishError(r)
	}

	switch {
	case enterSafe:
		m.enterSafeMode(fmt.Sprintf("%s: %s", component, code))
	case toError:
		m.transition(func(cur State) (State, bool) { return Error, cur == Running }, component+": "+code)
	}
}

func withDetail(d map[string]interface{}, k string, v interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(d)+1)
	for key, val := range d {
		out[key] = val
	}
	out[k] = v
	return out
}

// enterSafeMode runs the shutdown hook first, then transitions. The hook
// is synchronous and best effort: failures are logged, never retried.
// A CRITICAL raised by the hook itself finds entry in progress and
// returns at once.
func (m *Manager) enterSafeMode(reason string) {
	if !m.entering.CompareAndSwap(false, true) {
		log.Warn("safe mode entry already in progress, %q noted", reason)
		return
	}
	defer m.entering.Store(false)

	m.hookMu.Lock()
	hook := m.safeHook
	m.hookMu.Unlock()

	if hook != nil {
		if err := hook(); err != nil {
			log.Error("disable actuators failed: %v", err)
		}
	} else {
		log.Warn("no safe-mode hook registered")
	}

	if !m.transition(func(cur State) (State, bool) { return SafeMode, cur != SafeMode }, reason) {
		// Lock timeout: still make the state visible.
		log.Error("entering safe mode without lock: %s", reason)
	}
}

// ExitSafeMode moves SAFE_MODE to RUNNING. No hardware re-validation is
// performed: leaving safe mode is an operator decision.
func (m *Manager) ExitSafeMode() error {
	if !m.transition(func(cur State) (State, bool) { return Running, cur == SafeMode }, "exit_safe_mode") {
		if m.State() != SafeMode {
			return ErrNotInSafeMode
		}
		return guard.ErrTimeout
	}
	if err := m.mu.Lock(); err == nil {
		m.criticalTotal = 0
		m.streaks = make(map[string]uint32)
		m.mu.Unlock()
	}
	log.Warn("safe mode cleared by operator; the triggering condition was not re-checked")
	return nil
}

// Tick applies time-based recovery from ERROR.
func (m *Manager) Tick() {
	if m.opts.RecoveryWindow <= 0 {
		return
	}
	now := m.now()
	m.transition(func(cur State) (State, bool) {
		return Running, cur == Error && now.Sub(m.lastError) >= m.opts.RecoveryWindow
	}, "recovered")
}

// Counters returns a copy of one component's counters.
func (m *Manager) Counters(component string) Counters {
	if err := m.mu.Lock(); err != nil {
		return Counters{}
	}
	defer m.mu.Unlock()
	if c := m.counters[component]; c != nil {
		return *c
	}
	return Counters{}
}

// Snapshot returns copies of all counters.
func (m *Manager) Snapshot() map[string]Counters {
	out := make(map[string]Counters)
	if err := m.mu.Lock(); err != nil {
		return out
	}
	defer m.mu.Unlock()
	for k, v := range m.counters {
		out[k] = *v
	}
	return out
}
