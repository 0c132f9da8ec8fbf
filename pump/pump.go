// Package pump is the pump safety driver. Each channel moves
// OFF -> ON -> COOLDOWN -> OFF; runs are clamped to the channel's
// max duration, checked against the load current after start and
// auto-stopped by a single-shot timer.
package pump

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/eddielth/nodecore/actuator"
	"github.com/eddielth/nodecore/command"
	"github.com/eddielth/nodecore/guard"
	"github.com/eddielth/nodecore/logger"
	"github.com/eddielth/nodecore/metrics"
	"github.com/eddielth/nodecore/nodeconfig"
)

var log = logger.Tag("pump")

// CalibrationNamespace is where ml_per_second overrides are persisted.
const CalibrationNamespace = "pump_calib"

// State is the per-channel pump state.
type State int

const (
	Off State = iota
	On
	Cooldown
)

func (s State) String() string {
	switch s {
	case Off:
		return "OFF"
	case On:
		return "ON"
	case Cooldown:
		return "COOLDOWN"
	default:
		return "UNKNOWN"
	}
}

// Hardware is one entry of the firmware pin table. It is never built
// from received configuration.
type Hardware struct {
	Channel    string
	Output     actuator.Output
	ActiveHigh bool

	// Current is nil when the channel has no current sensing.
	Current      actuator.CurrentSensor
	MinCurrentMA float64
	MaxCurrentMA float64
	Stabilize    time.Duration
}

// KV persists calibrations.
type KV interface {
	Get(ctx context.Context, namespace, key string) ([]byte, error)
	Put(ctx context.Context, namespace, key string, value []byte) error
}

// ChannelState is a snapshot of one channel.
type ChannelState struct {
	Channel        string  `json:"channel_name"`
	State          string  `json:"physical_state"`
	LastStartTS    int64   `json:"last_start_ts,omitempty"`
	LastStopTS     int64   `json:"last_stop_ts,omitempty"`
	RunCount       uint32  `json:"run_count"`
	FailureCount   uint32  `json:"failure_count"`
	CooldownUntil  int64   `json:"cooldown_until,omitempty"`
	TotalRunMs     int64   `json:"total_run_time_ms"`
	LastRunSuccess bool    `json:"last_run_success"`
	LastCurrentMA  float64 `json:"last_current_ma"`
	MlPerSecond    float64 `json:"ml_per_second,omitempty"`
}

// RunInfo describes an accepted run.
type RunInfo struct {
	Duration  time.Duration
	Clamped   bool
	CurrentMA float64
	Sensed    bool
}

type channel struct {
	cfg nodeconfig.Channel
	hw  Hardware

	state          State
	lastStart      time.Time
	lastStop       time.Time
	runCount       uint32
	failureCount   uint32
	cooldownUntil  time.Time
	totalRun       time.Duration
	lastRunSuccess bool
	lastCurrentMA  float64
	mlPerSecond    float64

	gen   uint64
	timer *time.Timer
	done  *command.Completion
}

// Options configures a Driver.
type Options struct {
	LockTimeout time.Duration
	// OnFault is called when an output cannot be de-energized.
	OnFault func(channel string, err error)
}

// Driver owns every pump output on the node.
type Driver struct {
	hw      map[string]Hardware
	kv      KV
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

// New creates a driver over the firmware table. kv may be nil.
func New(table []Hardware, kv KV, opts Options, m *metrics.Metrics) *Driver {
	hw := make(map[string]Hardware, len(table))
	for _, h := range table {
		hw[h.Channel] = h
	}
	return &Driver{
		hw:      hw,
		kv:      kv,
		opts:    opts,
		metrics: m,
		now:     time.Now,
		mu:      guard.New(opts.LockTimeout),
		chans:   make(map[string]*channel),
	}
}

// Name implements the config-apply driver contract.
func (d *Driver) Name() string { return "pump" }

// Type returns the actuator type this driver owns.
func (d *Driver) Type() nodeconfig.ActuatorType { return nodeconfig.Pump }

// Init binds the PUMP channels of the configuration to hardware and
// drives every bound output off. It returns ErrNotFound when the node has
// none.
func (d *Driver) Init(ctx context.Context, channels []nodeconfig.Channel) error {
	if err := d.mu.Lock(); err != nil {
		return ErrLockTimeout
	}
	defer d.unlock()

	d.chans = make(map[string]*channel)
	for _, c := range channels {
		if !c.IsActuator(nodeconfig.Pump) {
			continue
		}
		hw, ok := d.hw[c.Name]
		if !ok {
			log.Warn("channel %s has no pump hardware, skipped", c.Name)
			continue
		}
		ch := &channel{cfg: c, hw: hw, mlPerSecond: c.MlPerSecond}
		if err := d.drive(ctx, ch, false); err != nil {
			log.Error("channel %s: initial off failed: %v", c.Name, err)
			d.noteFault(c.Name, err)
		}
		d.loadCalibration(ctx, ch)
		d.chans[c.Name] = ch
	}
	if len(d.chans) == 0 {
		return ErrNotFound
	}
	log.Info("initialized %d pump channels", len(d.chans))
	return nil
}

// Deinit stops every channel and releases the bindings. Runs in flight
// finish as FAILED.
func (d *Driver) Deinit(ctx context.Context) error {
	err := d.stopAll(ctx, &Error{"reconfigured", "driver reinitialized"})
	if lerr := d.mu.Lock(); lerr == nil {
		d.chans = make(map[string]*channel)
		d.unlock()
	}
	return err
}

func (d *Driver) loadCalibration(ctx context.Context, ch *channel) {
	if d.kv == nil {
		return
	}
	raw, err := d.kv.Get(ctx, CalibrationNamespace, ch.cfg.Name)
	if err != nil {
		return
	}
	v, err := strconv.ParseFloat(string(raw), 64)
	if err != nil || v <= 0 {
		log.Warn("channel %s: ignoring stored calibration %q", ch.cfg.Name, raw)
		return
	}
	ch.mlPerSecond = v
}

func (d *Driver) drive(ctx context.Context, ch *channel, energize bool) error {
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

// noteFault queues a fault seen while the table is locked. OnFault may
// stop every channel, so it only runs after unlock.
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

// Run energizes the channel for duration. done, if non-nil, receives the
// terminal result when the run ends.
func (d *Driver) Run(ctx context.Context, name string, duration time.Duration, done *command.Completion) (RunInfo, error) {
	if duration <= 0 {
		return RunInfo{}, ErrInvalidDuration
	}
	if err := d.mu.Lock(); err != nil {
		return RunInfo{}, ErrLockTimeout
	}

	ch, err := d.lookup(name)
	if err != nil {
		d.unlock()
		return RunInfo{}, err
	}
	now := d.now()
	switch ch.state {
	case On:
		d.unlock()
		return RunInfo{}, ErrBusy
	case Cooldown:
		if now.Before(ch.cooldownUntil) {
			remaining := ch.cooldownUntil.Sub(now)
			d.unlock()
			d.metrics.PumpRun(name, "cooldown")
			return RunInfo{}, &CooldownError{Channel: name, Remaining: remaining}
		}
		ch.state = Off
	}

	info := RunInfo{Duration: duration}
	if lim := ch.cfg.SafeLimits; lim != nil && lim.MaxDurationMs > 0 {
		if limit := time.Duration(lim.MaxDurationMs) * time.Millisecond; duration > limit {
			info.Duration, info.Clamped = limit, true
			log.Warn("channel %s: duration %v clamped to %v", name, duration, limit)
		}
	}

	if err := d.drive(ctx, ch, true); err != nil {
		if offErr := d.drive(ctx, ch, false); offErr != nil {
			d.noteFault(name, offErr)
		}
		ch.failureCount++
		ch.lastRunSuccess = false
		d.unlock()
		d.metrics.PumpRun(name, "output_fault")
		return RunInfo{}, fmt.Errorf("%w: %v", ErrOutput, err)
	}
	ch.state = On
	ch.lastStart = now
	ch.runCount++
	ch.gen++
	gen := ch.gen

	if ch.hw.Current != nil {
		// Release the table while the load settles so an emergency stop
		// is never blocked behind it.
		d.unlock()
		if err := d.settle(ctx, ch.hw.Stabilize); err != nil {
			d.abort(ctx, name, gen, err)
			return RunInfo{}, err
		}
		ma, serr := ch.hw.Current.Milliamps(ctx)

		if err := d.mu.Lock(); err != nil {
			// Cannot prove the run is still ours; drop the output anyway
			// and fix the table once the lock frees up.
			if offErr := d.driveOff(context.WithoutCancel(ctx), name); offErr != nil {
				d.fault(name, offErr)
			}
			go d.reconcile(name, gen, ErrForcedOff)
			return RunInfo{}, ErrLockTimeout
		}
		if ch.gen != gen || ch.state != On {
			d.unlock()
			return RunInfo{}, ErrEmergencyStop
		}

		var cerr error
		switch {
		case serr != nil:
			cerr = fmt.Errorf("%w: %v", ErrCurrentSensor, serr)
		case ma < ch.hw.MinCurrentMA:
			cerr = fmt.Errorf("%w: %.1fmA < %.1fmA", ErrCurrentNotDetected, ma, ch.hw.MinCurrentMA)
		case ch.hw.MaxCurrentMA > 0 && ma > ch.hw.MaxCurrentMA:
			cerr = fmt.Errorf("%w: %.1fmA > %.1fmA", ErrOvercurrent, ma, ch.hw.MaxCurrentMA)
		}
		ch.lastCurrentMA = ma
		info.CurrentMA, info.Sensed = ma, serr == nil
		if cerr != nil {
			if _, _, err := d.stopLocked(ctx, ch, false); err != nil {
				d.noteFault(name, err)
			}
			d.unlock()
			log.Error("channel %s: %v", name, cerr)
			d.metrics.PumpRun(name, codeOf(cerr))
			return info, cerr
		}
	}

	ch.done = done
	ch.timer = time.AfterFunc(info.Duration, func() { d.autoStop(name, gen) })
	d.unlock()

	log.Info("channel %s running for %v", name, info.Duration)
	return info, nil
}

func (d *Driver) settle(ctx context.Context, wait time.Duration) error {
	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// abort stops a run that failed while the table was unlocked.
func (d *Driver) abort(ctx context.Context, name string, gen uint64, cause error) {
	if err := d.mu.Lock(); err != nil {
		return
	}
	defer d.unlock()
	if ch, ok := d.chans[name]; ok && ch.gen == gen && ch.state == On {
		if _, _, err := d.stopLocked(context.WithoutCancel(ctx), ch, false); err != nil {
			d.noteFault(name, err)
		}
		log.Warn("channel %s: run aborted: %v", name, cause)
	}
}

// stopLocked de-energizes ch and starts its cooldown. The returned
// completion, if any, belongs to the caller, and so does reporting a
// write error.
func (d *Driver) stopLocked(ctx context.Context, ch *channel, success bool) (time.Duration, *command.Completion, error) {
	now := d.now()
	err := d.drive(ctx, ch, false)
	if err != nil {
		log.Error("channel %s: de-energize failed: %v", ch.cfg.Name, err)
		success = false
	}

	ran := now.Sub(ch.lastStart)
	if ch.timer != nil {
		ch.timer.Stop()
		ch.timer = nil
	}
	ch.gen++
	ch.state = Cooldown
	ch.lastStop = now
	ch.totalRun += ran
	ch.lastRunSuccess = success
	if !success {
		ch.failureCount++
	}
	var minOff time.Duration
	if ch.cfg.SafeLimits != nil {
		minOff = time.Duration(ch.cfg.SafeLimits.MinOffMs) * time.Millisecond
	}
	ch.cooldownUntil = now.Add(minOff)

	done := ch.done
	ch.done = nil
	return ran, done, err
}

func (d *Driver) autoStop(name string, gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := d.mu.Lock(); err != nil {
		log.Error("channel %s: auto-stop lock timeout, forcing output off", name)
		if offErr := d.driveOff(ctx, name); offErr != nil {
			d.fault(name, offErr)
		}
		d.reconcile(name, gen, ErrForcedOff)
		return
	}
	ch, ok := d.chans[name]
	if !ok || ch.gen != gen || ch.state != On {
		d.unlock()
		return
	}
	ran, done, err := d.stopLocked(ctx, ch, true)
	if err != nil {
		d.noteFault(name, err)
	}
	d.unlock()

	data := map[string]interface{}{"channel": name, "ran_ms": ran.Milliseconds()}
	if err != nil {
		d.metrics.PumpRun(name, "output_fault")
		done.Finish(command.Fail(ErrOutput.Code, err.Error(), data))
		return
	}
	d.metrics.PumpRun(name, "ok")
	log.Info("channel %s stopped after %v", name, ran)
	done.Finish(command.OK(data))
}

// Stop ends a running channel early. The run's pending completion is
// answered DONE with stopped_early set.
func (d *Driver) Stop(ctx context.Context, name string) (time.Duration, error) {
	if err := d.mu.Lock(); err != nil {
		return 0, ErrLockTimeout
	}
	ch, err := d.lookup(name)
	if err != nil {
		d.unlock()
		return 0, err
	}
	if ch.state != On {
		d.unlock()
		return 0, ErrNotRunning
	}
	ran, done, serr := d.stopLocked(ctx, ch, true)
	if serr != nil {
		d.noteFault(name, serr)
	}
	d.unlock()

	data := map[string]interface{}{"channel": name, "ran_ms": ran.Milliseconds(), "stopped_early": true}
	if serr != nil {
		done.Finish(command.Fail(ErrOutput.Code, serr.Error(), data))
		return ran, fmt.Errorf("%w: %v", ErrOutput, serr)
	}
	d.metrics.PumpRun(name, "stopped")
	done.Finish(command.OK(data))
	return ran, nil
}

// EmergencyStop de-energizes every channel, running or not. Runs in
// flight finish as FAILED/emergency_stop.
func (d *Driver) EmergencyStop(ctx context.Context) error {
	log.Warn("emergency stop")
	return d.stopAll(ctx, ErrEmergencyStop)
}

func (d *Driver) stopAll(ctx context.Context, cause *Error) error {
	if err := d.mu.Lock(); err != nil {
		log.Error("pump table lock timeout, forcing every output off")
		return d.forceOff(ctx)
	}
	if len(d.chans) == 0 {
		d.unlock()
		return d.forceOff(ctx)
	}

	var errs []error
	var pending []*command.Completion
	for name, ch := range d.chans {
		if ch.state == On {
			_, done, err := d.stopLocked(ctx, ch, false)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", name, err))
			}
			if done != nil {
				pending = append(pending, done)
			}
			d.metrics.PumpRun(name, cause.Code)
			continue
		}
		if err := d.drive(ctx, ch, false); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	d.unlock()

	for _, done := range pending {
		done.Finish(command.Fail(cause.Code, cause.Message, map[string]interface{}{"channel": done.Channel()}))
	}
	return errors.Join(errs...)
}

// forceOff drives every hardware output off without consulting the
// channel table. It runs on the emergency path, so failures are only
// returned, never reported as faults.
func (d *Driver) forceOff(ctx context.Context) error {
	var errs []error
	for name := range d.hw {
		if err := d.driveOff(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}

// driveOff de-energizes one output straight from the hardware table,
// which never changes after New.
func (d *Driver) driveOff(ctx context.Context, name string) error {
	hw, ok := d.hw[name]
	if !ok {
		return nil
	}
	return hw.Output.Set(ctx, actuator.Level(false, hw.ActiveHigh))
}

// reconcile waits for the table after an output was forced off without
// it, then records the run as failed and answers its completion.
func (d *Driver) reconcile(name string, gen uint64, cause *Error) {
	for attempt := 1; d.mu.Lock() != nil; attempt++ {
		log.Warn("channel %s: table still locked after forced stop (attempt %d)", name, attempt)
	}
	ch, ok := d.chans[name]
	if !ok || ch.gen != gen || ch.state != On {
		d.unlock()
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	ran, done, err := d.stopLocked(ctx, ch, false)
	if err != nil {
		d.noteFault(name, err)
	}
	d.unlock()

	d.metrics.PumpRun(name, cause.Code)
	done.Finish(command.Fail(cause.Code, cause.Message, map[string]interface{}{"channel": name, "ran_ms": ran.Milliseconds()}))
}

// Dose runs the channel long enough to deliver ml millilitres.
func (d *Driver) Dose(ctx context.Context, name string, ml float64, done *command.Completion) (RunInfo, error) {
	if ml <= 0 {
		return RunInfo{}, ErrInvalidDuration
	}
	rate, err := d.rate(name)
	if err != nil {
		return RunInfo{}, err
	}
	dur := time.Duration(ml / rate * float64(time.Second))
	return d.Run(ctx, name, dur, done)
}

func (d *Driver) rate(name string) (float64, error) {
	if err := d.mu.Lock(); err != nil {
		return 0, ErrLockTimeout
	}
	defer d.unlock()
	ch, err := d.lookup(name)
	if err != nil {
		return 0, err
	}
	if ch.mlPerSecond <= 0 {
		return 0, ErrNoCalibration
	}
	return ch.mlPerSecond, nil
}

// Calibrate records that a run of duration delivered ml millilitres and
// persists the resulting ml_per_second.
func (d *Driver) Calibrate(ctx context.Context, name string, ml float64, duration time.Duration) (float64, error) {
	if ml <= 0 || duration <= 0 {
		return 0, ErrInvalidCalibration
	}
	rate := ml / duration.Seconds()

	if err := d.mu.Lock(); err != nil {
		return 0, ErrLockTimeout
	}
	ch, err := d.lookup(name)
	if err != nil {
		d.unlock()
		return 0, err
	}
	ch.mlPerSecond = rate
	d.unlock()

	if d.kv != nil {
		if err := d.kv.Put(ctx, CalibrationNamespace, name, []byte(strconv.FormatFloat(rate, 'f', -1, 64))); err != nil {
			return rate, fmt.Errorf("pump: persist calibration for %s: %w", name, err)
		}
	}
	log.Info("channel %s calibrated to %.3f ml/s", name, rate)
	return rate, nil
}

// States returns a snapshot of every channel, sorted by name.
func (d *Driver) States() []ChannelState {
	if err := d.mu.Lock(); err != nil {
		return nil
	}
	defer d.unlock()

	now := d.now()
	out := make([]ChannelState, 0, len(d.chans))
	for name, ch := range d.chans {
		st := ch.state
		if st == Cooldown && !now.Before(ch.cooldownUntil) {
			st = Off
		}
		out = append(out, ChannelState{
			Channel:        name,
			State:          st.String(),
			LastStartTS:    unix(ch.lastStart),
			LastStopTS:     unix(ch.lastStop),
			RunCount:       ch.runCount,
			FailureCount:   ch.failureCount,
			CooldownUntil:  unix(ch.cooldownUntil),
			TotalRunMs:     ch.totalRun.Milliseconds(),
			LastRunSuccess: ch.lastRunSuccess,
			LastCurrentMA:  ch.lastCurrentMA,
			MlPerSecond:    ch.mlPerSecond,
		})
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

func unix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

func codeOf(err error) string {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code
	}
	return "error"
}
