package nodeconfig

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/eddielth/nodecore/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const validDoc = `{
  "node_id": "nd-ph-1",
  "version": 3,
  "type": "ph",
  "gh_uid": "gh-1",
  "zone_uid": "zn-1",
  "channels": [
    {"name": "ph_sensor", "type": "SENSOR", "metric": "PH"},
    {"name": "pump_acid", "type": "ACTUATOR", "actuator_type": "PUMP",
     "safe_limits": {"max_duration_ms": 30000, "min_off_ms": 5000}, "ml_per_second": 1.5}
  ],
  "wifi": {"auto_reconnect": true},
  "mqtt": {"host": "broker.local", "port": 1883, "keepalive": 30}
}`

func TestParse_Valid(t *testing.T) {
	cfg, err := Parse([]byte(validDoc))
	require.NoError(t, err)

	assert.Equal(t, "nd-ph-1", cfg.NodeID)
	assert.Equal(t, int64(3), cfg.Version)
	assert.Nil(t, cfg.WiFi.SSID)
	require.NotNil(t, cfg.WiFi.AutoReconnect)
	assert.True(t, *cfg.WiFi.AutoReconnect)
	assert.Equal(t, 1883, cfg.MQTT.Port)

	pumps := cfg.ActuatorChannels(Pump)
	require.Len(t, pumps, 1)
	assert.Equal(t, int64(30000), pumps[0].SafeLimits.MaxDurationMs)
}

func TestParse_Rejects(t *testing.T) {
	cases := map[string]string{
		"not json":           `{`,
		"missing node_id":    `{"version":1,"type":"ph","gh_uid":"g","zone_uid":"z","channels":[],"wifi":{},"mqtt":{"host":"h","port":1}}`,
		"string version":     `{"node_id":"n","version":"1","type":"ph","gh_uid":"g","zone_uid":"z","channels":[],"wifi":{},"mqtt":{"host":"h","port":1}}`,
		"missing mqtt port":  `{"node_id":"n","version":1,"type":"ph","gh_uid":"g","zone_uid":"z","channels":[],"wifi":{},"mqtt":{"host":"h"}}`,
		"port out of range":  `{"node_id":"n","version":1,"type":"ph","gh_uid":"g","zone_uid":"z","channels":[],"wifi":{},"mqtt":{"host":"h","port":70000}}`,
		"bad channel type":   `{"node_id":"n","version":1,"type":"ph","gh_uid":"g","zone_uid":"z","channels":[{"name":"a","type":"MOTOR"}],"wifi":{},"mqtt":{"host":"h","port":1}}`,
		"actuator no kind":   `{"node_id":"n","version":1,"type":"ph","gh_uid":"g","zone_uid":"z","channels":[{"name":"a","type":"ACTUATOR"}],"wifi":{},"mqtt":{"host":"h","port":1}}`,
		"duplicate channels": `{"node_id":"n","version":1,"type":"ph","gh_uid":"g","zone_uid":"z","channels":[{"name":"a","type":"SENSOR"},{"name":"a","type":"SENSOR"}],"wifi":{},"mqtt":{"host":"h","port":1}}`,
		"wifi ssid number":   `{"node_id":"n","version":1,"type":"ph","gh_uid":"g","zone_uid":"z","channels":[],"wifi":{"ssid":5},"mqtt":{"host":"h","port":1}}`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	fs, err := storage.NewFileStorage(filepath.Join(t.TempDir(), "nvs"))
	require.NoError(t, err)
	store := NewStore(storage.NewManager(fs, 0))

	_, err = store.Load(ctx)
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Equal(t, int64(-1), store.Version())

	cfg, err := Parse([]byte(validDoc))
	require.NoError(t, err)
	require.NoError(t, store.Save(ctx, cfg))

	raw, err := fs.Get(ctx, Namespace, Key)
	require.NoError(t, err)
	assert.JSONEq(t, validDoc, string(raw))

	reloaded := NewStore(storage.NewManager(fs, 0))
	got, err := reloaded.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, cfg.NodeID, got.NodeID)
	assert.JSONEq(t, validDoc, string(got.Raw()))
	assert.Equal(t, int64(3), reloaded.Version())
}

func TestStore_CopiesAreIndependent(t *testing.T) {
	fs, err := storage.NewFileStorage(t.TempDir())
	require.NoError(t, err)
	store := NewStore(fs)

	cfg, err := Parse([]byte(validDoc))
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), cfg))

	c := store.Current()
	c.Channels[0].Name = "mutated"
	ch, ok := store.Channel("ph_sensor")
	assert.True(t, ok)
	assert.Equal(t, "ph_sensor", ch.Name)
}
