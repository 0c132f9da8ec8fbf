package bus

import (
	"context"
	"encoding/binary"
	"fmt"
)

// RegCurrent holds the signed 16-bit current reading.
const RegCurrent uint8 = 0x04

// CurrentMonitor reads a shunt current sensor. It satisfies
// actuator.CurrentSensor.
type CurrentMonitor struct {
	bus  Bus
	addr uint8
	// LSB is milliamps per count.
	LSB float64
}

// NewCurrentMonitor returns a monitor with a 1 mA LSB.
func NewCurrentMonitor(b Bus, addr uint8) *CurrentMonitor {
	return &CurrentMonitor{bus: b, addr: addr, LSB: 1}
}

// Milliamps samples the current register.
func (c *CurrentMonitor) Milliamps(ctx context.Context) (float64, error) {
	raw, err := ReadReg(ctx, c.bus, c.addr, RegCurrent, 2)
	if err != nil {
		return 0, fmt.Errorf("current monitor 0x%02x: %w", c.addr, err)
	}
	counts := int16(binary.BigEndian.Uint16(raw))
	return float64(counts) * c.LSB, nil
}
