// Package actuator holds the hardware contracts the safety drivers own:
// a physical output and an optional current sensor.
package actuator

import (
	"context"
	"errors"
	"sync"
)

// Output drives one physical line to a level.
type Output interface {
	Set(ctx context.Context, high bool) error
}

// CurrentSensor samples the load current of an output.
type CurrentSensor interface {
	Milliamps(ctx context.Context) (float64, error)
}

// Level maps "energize the load" to the physical level of the line.
func Level(energize, activeHigh bool) bool {
	return energize == activeHigh
}

// ErrOutputFault is what Recorder returns while failing.
var ErrOutputFault = errors.New("actuator: output fault")

// Recorder is an in-memory Output that remembers every level written.
type Recorder struct {
	mu      sync.Mutex
	level   bool
	history []bool
	fail    bool
}

// Set implements Output.
func (r *Recorder) Set(_ context.Context, high bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.fail {
		return ErrOutputFault
	}
	r.level = high
	r.history = append(r.history, high)
	return nil
}

// Level returns the current level.
func (r *Recorder) Level() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.level
}

// History returns every level written, oldest first.
func (r *Recorder) History() []bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]bool(nil), r.history...)
}

// Fail makes subsequent writes fail or succeed.
func (r *Recorder) Fail(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fail = on
}

// FixedCurrent is a CurrentSensor returning a settable value.
type FixedCurrent struct {
	mu  sync.Mutex
	ma  float64
	err error
}

// SetMilliamps sets the next reading.
func (f *FixedCurrent) SetMilliamps(ma float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ma = ma
}

// SetError makes reads fail with err.
func (f *FixedCurrent) SetError(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Milliamps implements CurrentSensor.
func (f *FixedCurrent) Milliamps(context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ma, f.err
}
