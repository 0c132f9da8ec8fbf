package bus

import (
	"context"
	"fmt"
	"sync"
)

// Expander register map (PCA9554-style 8-bit port).
const (
	RegExpanderOutput uint8 = 0x01
	RegExpanderConfig uint8 = 0x03
)

// Expander drives an 8-bit output port. Every write is read back; on a
// failed write the cached port value is left unchanged.
type Expander struct {
	bus  Bus
	addr uint8

	mu     sync.Mutex
	shadow byte
}

// NewExpander returns an expander at addr. Call Init before use.
func NewExpander(b Bus, addr uint8) *Expander {
	return &Expander{bus: b, addr: addr}
}

// Init writes the initial port value, then switches every pin to output.
// Writing the port first avoids glitching outputs on at power-up.
func (e *Expander) Init(ctx context.Context, initial byte) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := WriteReg(ctx, e.bus, e.addr, RegExpanderOutput, initial); err != nil {
		return fmt.Errorf("expander 0x%02x: init output: %w", e.addr, err)
	}
	if err := WriteReg(ctx, e.bus, e.addr, RegExpanderConfig, 0x00); err != nil {
		return fmt.Errorf("expander 0x%02x: init config: %w", e.addr, err)
	}
	e.shadow = initial
	return nil
}

// Write sets pin to the given physical level.
func (e *Expander) Write(ctx context.Context, pin uint8, high bool) error {
	if pin > 7 {
		return fmt.Errorf("expander 0x%02x: pin %d out of range", e.addr, pin)
	}
	e.mu.Lock()
	defer e.mu.Unlock()

	next := e.shadow &^ (1 << pin)
	if high {
		next |= 1 << pin
	}
	if err := WriteReg(ctx, e.bus, e.addr, RegExpanderOutput, next); err != nil {
		return fmt.Errorf("expander 0x%02x pin %d: %w", e.addr, pin, err)
	}
	got, err := ReadReg(ctx, e.bus, e.addr, RegExpanderOutput, 1)
	if err != nil {
		return fmt.Errorf("expander 0x%02x pin %d: read-back: %w", e.addr, pin, err)
	}
	if got[0] != next {
		return fmt.Errorf("expander 0x%02x pin %d: %w (want %08b, got %08b)", e.addr, pin, ErrVerify, next, got[0])
	}
	e.shadow = next
	return nil
}

// Port returns the last value known to be on the port.
func (e *Expander) Port() byte {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.shadow
}

// Pin returns a single-pin output.
func (e *Expander) Pin(n uint8) *Pin {
	return &Pin{e: e, n: n}
}

// Pin is one expander output. It satisfies actuator.Output.
type Pin struct {
	e *Expander
	n uint8
}

// Set drives the pin to the physical level high.
func (p *Pin) Set(ctx context.Context, high bool) error {
	return p.e.Write(ctx, p.n, high)
}

// Level reports the last confirmed level of the pin.
func (p *Pin) Level() bool {
	return p.e.Port()&(1<<p.n) != 0
}
