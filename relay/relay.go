// Package relay is the relay safety driver: a two-state (OPEN/CLOSED)
// model mapped to a physical level through the firmware pin table.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/eddielth/nodecore/actuator"
	"github.com/eddielth/nodecore/command"
	"github.com/eddielth/nodecore/guard"
	"github.com/eddielth/nodecore/logger"
	"github.com/eddielth/nodecore/metrics"
	"github.com/eddielth/nodecore/nodeconfig"
)

var log = logger.Tag("relay")

// State is the contact state.
type State int

const (
	Open State = iota
	Closed
)

func (s State) String() string {
	if s == Closed {
		return "CLOSED"
	}
	return "OPEN"
}

// ParseState accepts OPEN/CLOSED (any case), on/off and 1/0.
func ParseState(s string) (State, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "OPEN", "OFF", "0":
		return Open, nil
	case "CLOSED", "CLOSE", "ON", "1":
		return Closed, nil
	}
	return Open, fmt.Errorf("%w: %q", ErrInvalidState, s)
}

// Error is a relay failure carrying a wire error code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string { return "relay: " + e.Message }

// ErrorCode returns the wire error code.
func (e *Error) ErrorCode() string { return e.Code }

var (
	ErrNotFound       = &Error{"not_found", "no relay channels on this node"}
	ErrUnknownChannel = &Error{"unknown_channel", "unknown relay channel"}
	ErrInvalidState   = &Error{"invalid_params", "invalid relay state"}
	ErrOutput         = &Error{"output_fault", "output write failed"}
	ErrLockTimeout    = &Error{"busy", "relay table lock timeout"}
	ErrEmergencyStop  = &Error{"emergency_stop", "emergency stop"}
)

// Hardware is one firmware pin table entry.
type Hardware struct {
	Channel    string
	Output     actuator.Output
	ActiveHigh bool
	// RelayType is the contact type: NO closes when energized, NC opens.
	RelayType nodeconfig.FailSafeMode
}

func (h Hardware) energizedFor(s State) bool {
	if h.RelayType == nodeconfig.NormallyClosed {
		return s == Open
	}
	return s == Closed
}

func (h Hardware) restState() State {
	if h.RelayType == nodeconfig.NormallyClosed {
		return Closed
	}
	return Open
}

// ChannelState is a snapshot of one relay.
type ChannelState struct {
	Channel      string `json:"channel_name"`
	State        string `json:"physical_state"`
	Energized    bool   `json:"energized"`
	LastChangeTS int64  `json:"last_change_ts,omitempty"`
	SwitchCount  uint32 `json:"switch_count"`
	FailureCount uint32 `json:"failure_count"`
	TimedUntil   int64  `json:"timed_until,omitempty"`
}

type channel struct {
	name  string
	hw    Hardware
	state State

	lastChange   time.Time
	switchCount  uint32
	failureCount uint32

	gen        uint64
	timer      *time.Timer
	timedUntil time.Time
	done       *command.Completion
}

// Options configures a Driver.
type Options struct {
	LockTimeout time.Duration
	OnFault     func(channel string, err error)
}

// Driver owns every relay output on the node.
type Driver struct {
	hw      map[string]Hardware
	opts    Options
	metrics *metrics.Metrics
	now     func() time.Time

	mu     *guard.Mutex
	chans  map[string]*channel
	faults []outputFault
}

type outputFault struct {
	channel string
	err     error
}

// New creates a driver over the firmware table.
func New(table []Hardware, opts Options, m *metrics.Metrics) *Driver {
	hw := make(map[string]Hardware, len(table))
	for _, h := range table {
		if h.RelayType == "" {
			h.RelayType = nodeconfig.NormallyOpen
		}
		hw[h.Channel] = h
	}
	return &Driver{
		hw:      hw,
		opts:    opts,
		metrics: m,
		now:     time.Now,
		mu:      guard.New(opts.LockTimeout),
		chans:   make(map[string]*channel),
	}
}

// Name implements the config-apply driver contract.
func (d *Driver) Name() string { return "relay" }

// Type returns the actuator type this driver owns.
func (d *Driver) Type() nodeconfig.ActuatorType { return nodeconfig.Relay }

// Init binds the RELAY channels of the configuration and leaves each one
// de-energized.
func (d *Driver) Init(ctx context.Context, channels []nodeconfig.Channel) error {
	if err := d.mu.Lock(); err != nil {
		return ErrLockTimeout
	}
	defer d.unlock()

	d.chans = make(map[string]*channel)
	for _, c := range channels {
		if !c.IsActuator(nodeconfig.Relay) {
			continue
		}
		hw, ok := d.hw[c.Name]
		if !ok {
			log.Warn("channel %s has no relay hardware, skipped", c.Name)
			continue
		}
		if c.FailSafeMode != "" && c.FailSafeMode != hw.RelayType {
			log.Warn("channel %s: config says %s, hardware is %s; using hardware", c.Name, c.FailSafeMode, hw.RelayType)
		}
		ch := &channel{name: c.Name, hw: hw, state: hw.restState(), lastChange: d.now()}
		if err := d.write(ctx, ch, false); err != nil {
			log.Error("channel %s: initial state failed: %v", c.Name, err)
			d.noteFault(c.Name, err)
		}
		d.chans[c.Name] = ch
	}
	if len(d.chans) == 0 {
		return ErrNotFound
	}
	log.Info("initialized %d relay channels", len(d.chans))
	return nil
}

// Deinit de-energizes everything and drops the bindings.
func (d *Driver) Deinit(ctx context.Context) error {
	err := d.allSafe(ctx, &Error{"reconfigured", "driver reinitialized"})
	if lerr := d.mu.Lock(); lerr == nil {
		d.chans = make(map[string]*channel)
		d.unlock()
	}
	return err
}

func (d *Driver) write(ctx context.Context, ch *channel, energize bool) error {
	return ch.hw.Output.Set(ctx, actuator.Level(energize, ch.hw.ActiveHigh))
}

// SetFaultHandler replaces Options.OnFault. Call it before the driver
// is in use.
func (d *Driver) SetFaultHandler(fn func(channel string, err error)) {
	d.opts.OnFault = fn
}

func (d *Driver) fault(name string, err error) {
	if d.opts.OnFault != nil {
		d.opts.OnFault(name, err)
	}
}

// noteFault queues a fault for delivery after unlock; the handler may
// call back into AllSafe.
func (d *Driver) noteFault(name string, err error) {
	d.faults = append(d.faults, outputFault{name, err})
}

func (d *Driver) unlock() {
	faults := d.faults
	d.faults = nil
	d.mu.Unlock()
	for _, f := range faults {
		d.fault(f.channel, f.err)
	}
}

func (d *Driver) lookup(name string) (*channel, error) {
	if len(d.chans) == 0 {
		return nil, ErrNotFound
	}
	ch, ok := d.chans[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	return ch, nil
}

// cancelTimer stops a pending auto-open and returns its completion.
func (ch *channel) cancelTimer() *command.Completion {
	if ch.timer != nil {
		ch.timer.Stop()
		ch.timer = nil
	}
	ch.gen++
	ch.timedUntil = time.Time{}
	done := ch.done
	ch.done = nil
	return done
}

// SetState drives the channel to s. With duration > 0 and s == Closed the
// relay re-opens on its own and done receives DONE at that point. Any
// earlier timed command on the channel is superseded and its pending
// completion dropped. It reports whether a timer was armed.
func (d *Driver) SetState(ctx context.Context, name string, s State, duration time.Duration, done *command.Completion) (bool, error) {
	if err := d.mu.Lock(); err != nil {
		return false, ErrLockTimeout
	}
	ch, err := d.lookup(name)
	if err != nil {
		d.unlock()
		return false, err
	}

	superseded := ch.cancelTimer()
	if err := d.write(ctx, ch, ch.hw.energizedFor(s)); err != nil {
		ch.failureCount++
		if offErr := d.write(ctx, ch, false); offErr == nil {
			ch.state = ch.hw.restState()
		} else {
			d.noteFault(name, offErr)
		}
		d.unlock()
		superseded.Cancel()
		return false, fmt.Errorf("%w: %v", ErrOutput, err)
	}

	now := d.now()
	if ch.state != s {
		ch.switchCount++
		ch.lastChange = now
	}
	ch.state = s

	timed := duration > 0 && s == Closed
	if timed {
		gen := ch.gen
		ch.done = done
		ch.timedUntil = now.Add(duration)
		ch.timer = time.AfterFunc(duration, func() { d.autoOpen(name, gen, duration) })
	}
	d.unlock()

	if superseded != nil {
		log.Debug("channel %s: timed command %s superseded", name, superseded.CmdID())
		superseded.Cancel()
	}
	d.metrics.RelaySwitch(name, s.String())
	log.Info("channel %s -> %s", name, s)
	return timed, nil
}

func (d *Driver) autoOpen(name string, gen uint64, ran time.Duration) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	forced := false
	if err := d.mu.Lock(); err != nil {
		log.Error("channel %s: auto-open lock timeout, opening output without the table", name)
		hw := d.hw[name]
		if werr := hw.Output.Set(ctx, actuator.Level(hw.energizedFor(Open), hw.ActiveHigh)); werr != nil {
			d.fault(name, werr)
		}
		for attempt := 1; d.mu.Lock() != nil; attempt++ {
			log.Warn("channel %s: table still locked after forced open (attempt %d)", name, attempt)
		}
		forced = true
	}
	ch, ok := d.chans[name]
	if !ok || ch.gen != gen {
		if ok && forced {
			// A newer command owns the channel; put its level back.
			if err := d.write(ctx, ch, ch.hw.energizedFor(ch.state)); err != nil {
				ch.failureCount++
				d.noteFault(name, err)
			}
		}
		d.unlock()
		return
	}
	done := ch.cancelTimer()
	err := d.write(ctx, ch, ch.hw.energizedFor(Open))
	if err == nil {
		if ch.state != Open {
			ch.switchCount++
			ch.lastChange = d.now()
		}
		ch.state = Open
	} else {
		ch.failureCount++
		d.noteFault(name, err)
	}
	d.unlock()

	data := map[string]interface{}{"channel": name, "state": Open.String(), "duration_ms": ran.Milliseconds()}
	if err != nil {
		done.Finish(command.Fail(ErrOutput.Code, err.Error(), data))
		return
	}
	d.metrics.RelaySwitch(name, Open.String())
	done.Finish(command.OK(data))
}

// Toggle flips the channel and returns the new state.
func (d *Driver) Toggle(ctx context.Context, name string) (State, error) {
	if err := d.mu.Lock(); err != nil {
		return Open, ErrLockTimeout
	}
	ch, err := d.lookup(name)
	if err != nil {
		d.unlock()
		return Open, err
	}
	next := Closed
	if ch.state == Closed {
		next = Open
	}
	d.unlock()

	_, err = d.SetState(ctx, name, next, 0, nil)
	return next, err
}

// AllSafe de-energizes every relay. Timed commands in flight finish as
// FAILED/emergency_stop.
func (d *Driver) AllSafe(ctx context.Context) error {
	log.Warn("forcing every relay to its de-energized state")
	return d.allSafe(ctx, ErrEmergencyStop)
}

func (d *Driver) allSafe(ctx context.Context, cause *Error) error {
	if err := d.mu.Lock(); err != nil {
		return d.forceOff(ctx)
	}
	if len(d.chans) == 0 {
		d.unlock()
		return d.forceOff(ctx)
	}

	var errs []error
	var pending []*command.Completion
	for name, ch := range d.chans {
		if done := ch.cancelTimer(); done != nil {
			pending = append(pending, done)
		}
		if err := d.write(ctx, ch, false); err != nil {
			ch.failureCount++
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if rest := ch.hw.restState(); ch.state != rest {
			ch.state = rest
			ch.switchCount++
			ch.lastChange = d.now()
		}
	}
	d.unlock()

	for _, done := range pending {
		done.Finish(command.Fail(cause.Code, cause.Message, map[string]interface{}{"channel": done.Channel()}))
	}
	return errors.Join(errs...)
}

// forceOff de-energizes every output without the table. Like allSafe it
// returns failures to the caller instead of reporting faults.
func (d *Driver) forceOff(ctx context.Context) error {
	var errs []error
	for name, hw := range d.hw {
		if err := hw.Output.Set(ctx, actuator.Level(false, hw.ActiveHigh)); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// States returns a snapshot of every channel, sorted by name.
func (d *Driver) States() []ChannelState {
	if err := d.mu.Lock(); err != nil {
		return nil
	}
	defer d.unlock()

	out := make([]ChannelState, 0, len(d.chans))
	for name, ch := range d.chans {
		cs := ChannelState{
			Channel:      name,
			State:        ch.state.String(),
			Energized:    ch.hw.energizedFor(ch.state),
			SwitchCount:  ch.switchCount,
			FailureCount: ch.failureCount,
		}
		if !ch.lastChange.IsZero() {
			cs.LastChangeTS = ch.lastChange.Unix()
		}
		if !ch.timedUntil.IsZero() {
			cs.TimedUntil = ch.timedUntil.Unix()
		}
		out = append(out, cs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Channel < out[j].Channel })
	return out
}

// State returns the snapshot of one channel.
func (d *Driver) State(name string) (ChannelState, bool) {
	for _, st := range d.States() {
		if st.Channel == name {
			return st, true
		}
	}
	return ChannelState{}, false
}
