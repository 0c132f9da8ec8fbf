package bus

import (
	"context"
	"errors"
	"sync"
)

// ErrInjected is the fault Sim returns while failures are pending.
var ErrInjected = errors.New("bus: injected fault")

// Sim is an in-memory bus of register-file devices. Writes store
// tx[1:] starting at register tx[0]; reads return consecutive registers.
type Sim struct {
	mu         sync.Mutex
	devices    map[uint8]map[uint8]byte
	failures   int
	recoveries int
	// stuck registers ignore writes, to model a dead output latch.
	stuck map[uint8]map[uint8]bool
}

// NewSim returns an empty bus.
func NewSim() *Sim {
	return &Sim{devices: make(map[uint8]map[uint8]byte), stuck: make(map[uint8]map[uint8]bool)}
}

// Attach adds a device at addr.
func (s *Sim) Attach(addr uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.devices[addr]; !ok {
		s.devices[addr] = make(map[uint8]byte)
	}
}

// Set presets a register, for example a sensor reading.
func (s *Sim) Set(addr, reg uint8, data ...byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dev, ok := s.devices[addr]
	if !ok {
		dev = make(map[uint8]byte)
		s.devices[addr] = dev
	}
	for i, b := range data {
		dev[reg+uint8(i)] = b
	}
}

// Reg reads back one register.
func (s *Sim) Reg(addr, reg uint8) byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.devices[addr][reg]
}

// Stick makes writes to a register silently ignored.
func (s *Sim) Stick(addr, reg uint8) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stuck[addr] == nil {
		s.stuck[addr] = make(map[uint8]bool)
	}
	s.stuck[addr][reg] = true
}

// FailNext makes the next n transfers fail with ErrInjected.
func (s *Sim) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = n
}

// Recoveries reports how often Recover ran.
func (s *Sim) Recoveries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recoveries
}

// Transfer implements Bus.
func (s *Sim) Transfer(ctx context.Context, addr uint8, tx, rx []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.failures > 0 {
		s.failures--
		return ErrInjected
	}
	dev, ok := s.devices[addr]
	if !ok {
		return ErrNoDevice
	}
	if len(tx) == 0 {
		return nil
	}
	reg := tx[0]
	for i, b := range tx[1:] {
		r := reg + uint8(i)
		if !s.stuck[addr][r] {
			dev[r] = b
		}
	}
	for i := range rx {
		rx[i] = dev[reg+uint8(i)]
	}
	return nil
}

// Recover implements Bus.
func (s *Sim) Recover(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recoveries++
	return ctx.Err()
}
