package bus

import (
	"context"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRetrying_RetriesTransientFaults(t *testing.T) {
	sim := NewSim()
	sim.Attach(0x20)
	sim.FailNext(2)

	r := NewRetrying(sim, RetryConfig{Attempts: 3, Delay: 0}, nil)
	require.NoError(t, WriteReg(context.Background(), r, 0x20, 0x01, 0xAA))

	assert.Equal(t, byte(0xAA), sim.Reg(0x20, 0x01))
	st := r.Stats()
	assert.Equal(t, uint64(2), st.Retries)
	assert.Zero(t, st.Recoveries)
	assert.Zero(t, sim.Recoveries())
}

func TestRetrying_RecoversThenTriesOnce(t *testing.T) {
	sim := NewSim()
	sim.Attach(0x20)
	sim.FailNext(3)

	r := NewRetrying(sim, RetryConfig{Attempts: 3}, nil)
	require.NoError(t, WriteReg(context.Background(), r, 0x20, 0x01, 0x01))
	assert.Equal(t, 1, sim.Recoveries())
	assert.Equal(t, uint64(1), r.Stats().Recoveries)

	sim.FailNext(4)
	err := WriteReg(context.Background(), r, 0x20, 0x01, 0x02)
	require.ErrorIs(t, err, ErrInjected)
	assert.Equal(t, 2, sim.Recoveries())
	assert.Equal(t, uint64(1), r.Stats().Failures)
}

func TestRetrying_MissingDeviceFailsFast(t *testing.T) {
	sim := NewSim()
	r := NewRetrying(sim, DefaultRetryConfig(), nil)

	err := WriteReg(context.Background(), r, 0x40, 0x00, 0x00)
	assert.ErrorIs(t, err, ErrNoDevice)
	assert.Zero(t, sim.Recoveries())
}

func TestExpander_WriteAndVerify(t *testing.T) {
	ctx := context.Background()
	sim := NewSim()
	sim.Attach(0x20)

	e := NewExpander(sim, 0x20)
	require.NoError(t, e.Init(ctx, 0x00))
	assert.Equal(t, byte(0x00), sim.Reg(0x20, RegExpanderConfig))

	p := e.Pin(3)
	require.NoError(t, p.Set(ctx, true))
	assert.True(t, p.Level())
	assert.Equal(t, byte(0x08), sim.Reg(0x20, RegExpanderOutput))

	sim.Stick(0x20, RegExpanderOutput)
	err := e.Pin(0).Set(ctx, true)
	require.ErrorIs(t, err, ErrVerify)
	assert.Equal(t, byte(0x08), e.Port(), "failed write leaves the cached port unchanged")
}

func TestCurrentMonitor_SignedReading(t *testing.T) {
	sim := NewSim()
	sim.Attach(0x41)

	raw := make([]byte, 2)
	counts := int16(-250)
	binary.BigEndian.PutUint16(raw, uint16(counts))
	sim.Set(0x41, RegCurrent, raw...)

	c := NewCurrentMonitor(sim, 0x41)
	c.LSB = 0.5
	ma, err := c.Milliamps(context.Background())
	require.NoError(t, err)
	assert.Equal(t, -125.0, ma)
}
