package apply

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/eddielth/nodecore/nodeconfig"
	"github.com/eddielth/nodecore/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memKV map[string][]byte

func (m memKV) Get(_ context.Context, ns, key string) ([]byte, error) {
	v, ok := m[ns+"/"+key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return v, nil
}

func (m memKV) Put(_ context.Context, ns, key string, v []byte) error {
	m[ns+"/"+key] = v
	return nil
}

type failingStore struct{}

func (failingStore) Save(context.Context, *nodeconfig.NodeConfig) error {
	return errors.New("flash write failed")
}

type fakeLink struct {
	calls []string
	live  LinkState
}

func (l *fakeLink) State() LinkState { return l.live }

func (l *fakeLink) SetCredentials(_ context.Context, ssid, password string) error {
	l.calls = append(l.calls, "credentials")
	l.live.SSID, l.live.Password = ssid, password
	return nil
}

func (l *fakeLink) SetOptions(ar *bool, timeout *int64) error {
	l.calls = append(l.calls, "options")
	if ar != nil {
		l.live.AutoReconnect = *ar
	}
	if timeout != nil {
		l.live.Timeout = *timeout
	}
	return nil
}

type fakeMsg struct{ log *[]string }

func (m fakeMsg) Stop() { *m.log = append(*m.log, "mqtt-stop") }
func (m fakeMsg) Restart(context.Context, *nodeconfig.NodeConfig) error {
	*m.log = append(*m.log, "mqtt-restart")
	return nil
}

type notFound struct{}

func (notFound) Error() string     { return "no channels" }
func (notFound) ErrorCode() string { return "not_found" }

type fakeDriver struct {
	name  string
	typ   nodeconfig.ActuatorType
	inits int
}

func (d *fakeDriver) Name() string                  { return d.name }
func (d *fakeDriver) Type() nodeconfig.ActuatorType { return d.typ }
func (d *fakeDriver) Deinit(context.Context) error  { return nil }
func (d *fakeDriver) Init(_ context.Context, chs []nodeconfig.Channel) error {
	d.inits++
	for _, c := range chs {
		if c.IsActuator(d.typ) {
			return nil
		}
	}
	return notFound{}
}

func doc(mut func(m map[string]interface{})) map[string]interface{} {
	m := map[string]interface{}{
		"node_id":  "nd-1",
		"version":  1,
		"type":     "pump",
		"gh_uid":   "gh-1",
		"zone_uid": "zn-1",
		"channels": []interface{}{
			map[string]interface{}{"name": "acid", "type": "ACTUATOR", "actuator_type": "PUMP"},
			map[string]interface{}{"name": "ph", "type": "SENSOR"},
		},
		"wifi": map[string]interface{}{"ssid": "farm", "password": "secret"},
		"mqtt": map[string]interface{}{"host": "broker", "port": 1883},
	}
	if mut != nil {
		mut(m)
	}
	return m
}

func parse(t *testing.T, m map[string]interface{}) *nodeconfig.NodeConfig {
	t.Helper()
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	cfg, err := nodeconfig.Parse(raw)
	require.NoError(t, err)
	return cfg
}

type rig struct {
	e     *Engine
	store *nodeconfig.Store
	kv    memKV
	link  *fakeLink
	order []string
	pump  *fakeDriver
	relay *fakeDriver
	hooks []string
}

func newRig() *rig {
	r := &rig{kv: memKV{}, link: &fakeLink{}}
	r.store = nodeconfig.NewStore(r.kv)
	r.e = New(r.store, r.link, fakeMsg{log: &r.order}, nil)
	r.pump = &fakeDriver{name: "pump", typ: nodeconfig.Pump}
	r.relay = &fakeDriver{name: "relay", typ: nodeconfig.Relay}
	r.e.AddDriver(r.pump)
	r.e.AddDriver(r.relay)
	r.e.AddChannelHook(func(_ context.Context, ch nodeconfig.Channel) error {
		r.hooks = append(r.hooks, ch.Name)
		if ch.Name == "ph" {
			return errors.New("probe missing")
		}
		return nil
	})
	return r
}

// settle applies cfg as the node's current config and forgets what the
// fakes recorded doing it.
func (r *rig) settle(t *testing.T, cfg *nodeconfig.NodeConfig) {
	t.Helper()
	_, err := r.e.Apply(context.Background(), cfg, nil)
	require.NoError(t, err)
	r.link.calls, r.order, r.hooks = nil, nil, nil
	r.pump.inits, r.relay.inits = 0, 0
}

func TestApply_FirstConfigRestartsEverything(t *testing.T) {
	r := newRig()
	res, err := r.e.Apply(context.Background(), parse(t, doc(nil)), nil)
	require.NoError(t, err)

	assert.Equal(t, []string{"wifi", "mqtt", "pump"}, res.Restarted, "relay is not installed")
	assert.Empty(t, res.Failed)
	assert.Equal(t, 1, res.HookErrors)
	assert.Equal(t, []string{"acid", "ph"}, r.hooks)
	assert.Equal(t, []string{"mqtt-stop", "mqtt-restart"}, r.order)
	assert.Equal(t, "farm", r.link.live.SSID)
}

func TestApply_OnlyBrokerPort(t *testing.T) {
	r := newRig()
	prev := parse(t, doc(nil))
	r.settle(t, prev)
	next := parse(t, doc(func(m map[string]interface{}) {
		m["version"] = 2
		m["mqtt"] = map[string]interface{}{"host": "broker", "port": 8883}
	}))

	res, err := r.e.Apply(context.Background(), next, prev)
	require.NoError(t, err)
	assert.Equal(t, []string{"mqtt"}, res.Restarted)
	assert.Empty(t, r.link.calls)
}

func TestApply_AbsentSSIDKeepsLinkUp(t *testing.T) {
	r := newRig()
	prev := parse(t, doc(nil))
	r.settle(t, prev)
	next := parse(t, doc(func(m map[string]interface{}) {
		m["wifi"] = map[string]interface{}{"auto_reconnect": true}
	}))

	res, err := r.e.Apply(context.Background(), next, prev)
	require.NoError(t, err)
	assert.Empty(t, res.Restarted)
	assert.Equal(t, []string{"options"}, r.link.calls)
	assert.Empty(t, r.order, "messaging untouched")
}

func TestApply_CredentialChangeRestartsMessaging(t *testing.T) {
	r := newRig()
	prev := parse(t, doc(nil))
	r.settle(t, prev)
	next := parse(t, doc(func(m map[string]interface{}) {
		m["wifi"] = map[string]interface{}{"ssid": "farm-2"}
	}))

	res, err := r.e.Apply(context.Background(), next, prev)
	require.NoError(t, err)
	assert.Equal(t, []string{"wifi", "mqtt"}, res.Restarted)
	assert.Equal(t, "farm-2", r.link.live.SSID)
	assert.Equal(t, "secret", r.link.live.Password, "absent password keeps the live one")
}

func TestApply_IdentityChangeRestartsMessaging(t *testing.T) {
	r := newRig()
	prev := parse(t, doc(nil))
	r.settle(t, prev)
	next := parse(t, doc(func(m map[string]interface{}) { m["zone_uid"] = "zn-2" }))

	res, err := r.e.Apply(context.Background(), next, prev)
	require.NoError(t, err)
	assert.Equal(t, []string{"mqtt"}, res.Restarted)
}

func TestApply_ActuatorSetChange(t *testing.T) {
	r := newRig()
	prev := parse(t, doc(nil))
	r.settle(t, prev)
	next := parse(t, doc(func(m map[string]interface{}) {
		m["channels"] = []interface{}{
			map[string]interface{}{"name": "acid", "type": "ACTUATOR", "actuator_type": "PUMP"},
			map[string]interface{}{"name": "fan", "type": "ACTUATOR", "actuator_type": "RELAY"},
		}
	}))

	res, err := r.e.Apply(context.Background(), next, prev)
	require.NoError(t, err)
	assert.Equal(t, []string{"relay"}, res.Restarted)
	assert.Zero(t, r.pump.inits)
}

func TestApply_PersistFailureTouchesNothing(t *testing.T) {
	link := &fakeLink{}
	var order []string
	e := New(failingStore{}, link, fakeMsg{log: &order}, nil)
	d := &fakeDriver{name: "pump", typ: nodeconfig.Pump}
	e.AddDriver(d)

	_, err := e.Apply(context.Background(), parse(t, doc(nil)), nil)
	require.Error(t, err)
	assert.Empty(t, link.calls)
	assert.Empty(t, order)
	assert.Zero(t, d.inits)
}

func TestApply_RoundTrip(t *testing.T) {
	r := newRig()
	cfg := parse(t, doc(nil))
	_, err := r.e.Apply(context.Background(), cfg, nil)
	require.NoError(t, err)

	loaded, err := nodeconfig.NewStore(r.kv).Load(context.Background())
	require.NoError(t, err)
	assert.JSONEq(t, string(cfg.Raw()), string(loaded.Raw()))
	assert.Equal(t, cfg.Channels, loaded.Channels)
}

func TestApply_OmittedSSIDThenSameSSIDKeepsLinkUp(t *testing.T) {
	r := newRig()
	cfg1 := parse(t, doc(nil))
	r.settle(t, cfg1)

	cfg2 := parse(t, doc(func(m map[string]interface{}) {
		m["version"] = 2
		m["wifi"] = map[string]interface{}{}
	}))
	res, err := r.e.Apply(context.Background(), cfg2, cfg1)
	require.NoError(t, err)
	assert.Empty(t, res.Restarted)

	cfg3 := parse(t, doc(func(m map[string]interface{}) {
		m["version"] = 3
		m["wifi"] = map[string]interface{}{"ssid": "farm"}
	}))
	res, err = r.e.Apply(context.Background(), cfg3, cfg2)
	require.NoError(t, err)
	assert.Empty(t, res.Restarted)
	assert.Empty(t, r.link.calls)
	assert.Empty(t, r.order, "messaging untouched")
}

func TestApply_PasswordOnlyAfterOmittedSSID(t *testing.T) {
	r := newRig()
	cfg1 := parse(t, doc(nil))
	r.settle(t, cfg1)

	cfg2 := parse(t, doc(func(m map[string]interface{}) {
		m["version"] = 2
		m["wifi"] = map[string]interface{}{}
	}))
	_, err := r.e.Apply(context.Background(), cfg2, cfg1)
	require.NoError(t, err)

	cfg3 := parse(t, doc(func(m map[string]interface{}) {
		m["version"] = 3
		m["wifi"] = map[string]interface{}{"password": "rotated"}
	}))
	res, err := r.e.Apply(context.Background(), cfg3, cfg2)
	require.NoError(t, err)
	assert.Empty(t, res.Failed)
	assert.Equal(t, []string{"wifi", "mqtt"}, res.Restarted)
	assert.Equal(t, LinkState{SSID: "farm", Password: "rotated"}, r.link.live)
}
