package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeSettings(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "node.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadConfig_AppliesDefaults(t *testing.T) {
	path := writeSettings(t, `
node:
  hardware_id: "esp-01"
  node_type: ph
mqtt:
  host: broker.local
hardware:
  pumps:
    - channel: pump_acid
      pin: 2
      active_high: true
      min_current_ma: 80
      max_current_ma: 900
      stabilize: 150ms
  relays:
    - channel: fan
      pin: 5
      type: NC
calibration:
  ph_sensor:
    script_code: "function calibrate(raw) { return raw * 2; }"
`)
	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, "esp-01", cfg.Node.HardwareID)
	assert.Equal(t, 1883, cfg.MQTT.Port)
	assert.Equal(t, 30*time.Second, cfg.MQTT.Keepalive)
	assert.Equal(t, 10, cfg.Telemetry.BatchSize)
	assert.Equal(t, 60*time.Second, cfg.Commands.DedupTTL)
	assert.Equal(t, 1, cfg.Safety.CriticalThreshold)
	assert.Equal(t, "file", cfg.Storage.Backend)

	require.Len(t, cfg.Hardware.Pumps, 1)
	assert.Equal(t, 150*time.Millisecond, cfg.Hardware.Pumps[0].Stabilize)
	assert.Equal(t, uint8(2), cfg.Hardware.Pumps[0].Pin)
	assert.Equal(t, "NC", cfg.Hardware.Relays[0].Type)
	assert.Contains(t, cfg.Calibration["ph_sensor"].ScriptCode, "calibrate")
}

func TestLoadConfig_RejectsBadRelayType(t *testing.T) {
	path := writeSettings(t, `
hardware:
  relays:
    - channel: fan
      type: SPDT
`)
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
