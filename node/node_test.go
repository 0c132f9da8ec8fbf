package node

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/eddielth/nodecore/actuator"
	"github.com/eddielth/nodecore/calibration"
	"github.com/eddielth/nodecore/command"
	"github.com/eddielth/nodecore/config"
	"github.com/eddielth/nodecore/metrics"
	"github.com/eddielth/nodecore/mqtt"
	"github.com/eddielth/nodecore/nodeconfig"
	"github.com/eddielth/nodecore/pump"
	"github.com/eddielth/nodecore/relay"
	"github.com/eddielth/nodecore/state"
	"github.com/eddielth/nodecore/storage"
	"github.com/eddielth/nodecore/telemetry"
	"github.com/eddielth/nodecore/topics"
	"github.com/eddielth/nodecore/transport/memory"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"
)

// fakeSession is an in-memory broker session. Reconfigure reconnects at
// once unless holdReconnect is set.
type fakeSession struct {
	*memory.Transport

	mu            sync.Mutex
	hooks         []func()
	lostHooks     []func(error)
	initial       mqtt.Options
	reconfigured  []mqtt.Options
	holdReconnect bool
}

func newSession() *fakeSession {
	s := &fakeSession{Transport: memory.New()}
	s.SetConnected(false)
	return s
}

func (s *fakeSession) OnConnect(fn func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hooks = append(s.hooks, fn)
}

func (s *fakeSession) OnConnectionLost(fn func(error)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lostHooks = append(s.lostHooks, fn)
}

// drop simulates the broker session dying.
func (s *fakeSession) drop(err error) {
	s.SetConnected(false)
	s.mu.Lock()
	hooks := append([]func(error){}, s.lostHooks...)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn(err)
	}
}

func (s *fakeSession) SetOptions(opts mqtt.Options) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.initial = opts
}

func (s *fakeSession) Start() error {
	s.reconnect()
	return nil
}

func (s *fakeSession) Stop() { s.SetConnected(false) }

func (s *fakeSession) Reconfigure(opts mqtt.Options) error {
	s.mu.Lock()
	s.reconfigured = append(s.reconfigured, opts)
	hold := s.holdReconnect
	s.mu.Unlock()

	s.SetConnected(false)
	if !hold {
		s.reconnect()
	}
	return nil
}

func (s *fakeSession) reconnect() {
	s.SetConnected(true)
	s.mu.Lock()
	hooks := append([]func(){}, s.hooks...)
	s.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

type failingSource struct{}

func (failingSource) Read(context.Context, nodeconfig.Channel) (float64, error) {
	return 0, errors.New("probe not responding")
}

type fixedSource float64

func (f fixedSource) Read(context.Context, nodeconfig.Channel) (float64, error) {
	return float64(f), nil
}

type rig struct {
	n     *Node
	sess  *fakeSession
	kv    *storage.FileStorage
	pump  *actuator.Recorder
	relay *actuator.Recorder
}

func settings() *config.Config {
	return &config.Config{
		Node: config.NodeSettings{
			HardwareID:   "hw-1",
			NodeType:     "ph_node",
			FWVersion:    "1.2.0",
			Capabilities: []string{"ph", "pump"},
		},
		Telemetry: config.TelemetryConfig{BatchSize: 10, FlushInterval: time.Hour},
		Commands:  config.CommandsConfig{DedupSize: 20, DedupTTL: time.Minute, QueueSize: 16, LockTimeout: time.Second},
		Safety:    config.SafetyConfig{CriticalThreshold: 1},
		Errors:    config.ErrorsConfig{RatePerSecond: 100, Burst: 100},
	}
}

func newRig(t *testing.T, caps Capabilities, calib *calibration.Manager) *rig {
	t.Helper()
	kv, err := storage.NewFileStorage(t.TempDir())
	require.NoError(t, err)

	r := &rig{sess: newSession(), kv: kv, pump: &actuator.Recorder{}, relay: &actuator.Recorder{}}
	pumps := pump.New([]pump.Hardware{{Channel: "acid", Output: r.pump, ActiveHigh: true}}, kv, pump.Options{}, nil)
	relays := relay.New([]relay.Hardware{
		{Channel: "fan", Output: r.relay, ActiveHigh: true, RelayType: nodeconfig.NormallyOpen},
	}, relay.Options{}, nil)

	r.n, err = New(context.Background(), Deps{
		Settings:     settings(),
		Session:      r.sess,
		KV:           kv,
		Pumps:        pumps,
		Relays:       relays,
		Calibration:  calib,
		Capabilities: caps,
	})
	require.NoError(t, err)
	require.NoError(t, r.n.Start(context.Background()))
	t.Cleanup(r.n.Stop)
	return r
}

const provisioned = `{
  "node_id": "n1", "version": 3, "type": "ph_node", "gh_uid": "gh1", "zone_uid": "z1",
  "channels": [
    {"name": "ph", "type": "SENSOR", "metric": "PH", "unit": "pH"},
    {"name": "acid", "type": "ACTUATOR", "actuator_type": "PUMP", "fail_safe_mode": "NO",
     "safe_limits": {"max_duration_ms": 60000}},
    {"name": "fan", "type": "ACTUATOR", "actuator_type": "RELAY", "fail_safe_mode": "NO"}
  ],
  "wifi": {},
  "mqtt": {"host": "broker.local", "port": 1883}
}`

var live = topics.Namespace{Facility: "gh1", Zone: "z1", Node: "n1"}

func (r *rig) provision(t *testing.T) {
	t.Helper()
	require.True(t, r.sess.Deliver(topics.Temp("hw-1").Config(), []byte(provisioned)))
}

func (r *rig) send(t *testing.T, channel, payload string) {
	t.Helper()
	require.True(t, r.sess.Deliver(live.Command(channel), []byte(payload)))
}

func (r *rig) responses(channel string) []command.Response {
	var out []command.Response
	for _, m := range r.sess.On(live.CommandResponse(channel)) {
		var resp command.Response
		if json.Unmarshal(m.Payload, &resp) == nil {
			out = append(out, resp)
		}
	}
	return out
}

func (r *rig) waitResponses(t *testing.T, channel string, n int) []command.Response {
	t.Helper()
	require.Eventually(t, func() bool { return len(r.responses(channel)) >= n },
		2*time.Second, 5*time.Millisecond)
	return r.responses(channel)
}

func lastAck(t *testing.T, r *rig, ns topics.Namespace) configAck {
	t.Helper()
	msgs := r.sess.On(ns.ConfigResponse())
	require.NotEmpty(t, msgs)
	var ack configAck
	require.NoError(t, json.Unmarshal(msgs[len(msgs)-1].Payload, &ack))
	return ack
}

func TestStart_UnprovisionedAnnouncesItself(t *testing.T) {
	r := newRig(t, Capabilities{}, nil)
	temp := topics.Temp("hw-1")

	assert.Contains(t, r.sess.Filters(), temp.CommandFilter())
	assert.Contains(t, r.sess.Filters(), temp.Config())
	assert.Equal(t, temp.LWT(), r.sess.initial.WillTopic)
	assert.Equal(t, "hw-1", r.sess.initial.ClientID)

	lwt, ok := r.sess.Retained(temp.LWT())
	require.True(t, ok)
	assert.Equal(t, "online", string(lwt))

	hello := r.sess.On(topics.NodeHello)
	require.Len(t, hello, 1)
	var msg helloMessage
	require.NoError(t, json.Unmarshal(hello[0].Payload, &msg))
	assert.Equal(t, "hw-1", msg.HardwareID)
	assert.Equal(t, "ph_node", msg.NodeType)
	assert.Equal(t, []string{"ph", "pump"}, msg.Capabilities)

	// A reconnect does not announce again.
	r.sess.reconnect()
	assert.Len(t, r.sess.On(topics.NodeHello), 1)
}

func TestConfig_AppliedAndAcknowledgedOnNewNamespace(t *testing.T) {
	r := newRig(t, Capabilities{}, nil)
	r.provision(t)

	ack := lastAck(t, r, live)
	assert.Equal(t, "ACK", ack.Status)
	assert.Equal(t, int64(3), ack.Version)
	assert.Equal(t, []string{"mqtt", "pump", "relay"}, ack.Restarted)

	require.Len(t, r.sess.reconfigured, 1)
	assert.Equal(t, "broker.local", r.sess.reconfigured[0].Host)
	assert.Equal(t, live.LWT(), r.sess.reconfigured[0].WillTopic)

	assert.Contains(t, r.sess.Filters(), live.CommandFilter())
	assert.NotContains(t, r.sess.Filters(), topics.Temp("hw-1").CommandFilter())
	assert.Equal(t, live, r.n.Identity().Get())

	// Persisted byte for byte.
	raw, err := r.kv.Get(context.Background(), nodeconfig.Namespace, nodeconfig.Key)
	require.NoError(t, err)
	assert.JSONEq(t, provisioned, string(raw))
	assert.Equal(t, int64(3), r.n.Config().Version)
}

func TestConfig_AckDeferredUntilReconnect(t *testing.T) {
	r := newRig(t, Capabilities{}, nil)
	r.sess.holdReconnect = true
	r.provision(t)

	assert.Empty(t, r.sess.On(live.ConfigResponse()))

	r.sess.reconnect()
	ack := lastAck(t, r, live)
	assert.Equal(t, "ACK", ack.Status)
	assert.Equal(t, []string{"mqtt", "pump", "relay"}, ack.Restarted)

	// Delivered once.
	r.sess.reconnect()
	assert.Len(t, r.sess.On(live.ConfigResponse()), 1)
}

func TestConfig_InvalidKeepsPrevious(t *testing.T) {
	r := newRig(t, Capabilities{}, nil)
	temp := topics.Temp("hw-1")

	require.True(t, r.sess.Deliver(temp.Config(), []byte(`{"node_id":"n1","version":1}`)))

	ack := lastAck(t, r, temp)
	assert.Equal(t, "ERROR", ack.Status)
	assert.Contains(t, ack.Error, "invalid node config")
	assert.Nil(t, r.n.Config())
	assert.Empty(t, r.sess.reconfigured)
}

func TestCommands_PumpAndRelay(t *testing.T) {
	r := newRig(t, Capabilities{}, nil)
	r.provision(t)

	r.send(t, "acid", `{"cmd":"run_pump","cmd_id":"c1","params":{"duration_ms":90000}}`)
	resps := r.waitResponses(t, "acid", 1)
	assert.Equal(t, command.Accepted, resps[0].Status)
	assert.Equal(t, true, resps[0].Data["clamped"])
	assert.EqualValues(t, 60000, resps[0].Data["duration_ms"])
	assert.True(t, r.pump.Level())

	r.send(t, "acid", `{"cmd":"stop_pump","cmd_id":"c2"}`)
	resps = r.waitResponses(t, "acid", 3)
	assert.False(t, r.pump.Level())
	byID := map[string]command.Response{}
	for _, resp := range resps {
		byID[resp.CmdID+"/"+string(resp.Status)] = resp
	}
	assert.Contains(t, byID, "c1/DONE")
	assert.Contains(t, byID, "c2/DONE")

	// Legacy top-level params.
	r.send(t, "fan", `{"cmd":"set_relay","cmd_id":"c3","state":"CLOSED"}`)
	resps = r.waitResponses(t, "fan", 1)
	assert.Equal(t, command.Done, resps[0].Status)
	assert.True(t, r.relay.Level())

	r.send(t, "fan", `{"cmd":"set_relay","cmd_id":"c4","params":{"state":"AJAR"}}`)
	resps = r.waitResponses(t, "fan", 2)
	assert.Equal(t, command.Failed, resps[1].Status)
	assert.Equal(t, command.CodeInvalidParams, resps[1].ErrorCode)

	// Rejected by the params schema before the driver is touched.
	r.send(t, "fan", `{"cmd":"set_relay","cmd_id":"c5","params":{"duration_ms":100}}`)
	resps = r.waitResponses(t, "fan", 3)
	assert.Equal(t, command.Failed, resps[2].Status)
	assert.Equal(t, command.CodeInvalidParams, resps[2].ErrorCode)
	assert.Contains(t, resps[2].ErrorMessage, "state")
	assert.True(t, r.relay.Level())
}

func TestCommands_StopIdlePumpHasNoEffect(t *testing.T) {
	r := newRig(t, Capabilities{}, nil)
	r.provision(t)

	r.send(t, "acid", `{"cmd":"stop_pump","cmd_id":"s1"}`)
	resps := r.waitResponses(t, "acid", 1)
	assert.Equal(t, command.NoEffect, resps[0].Status)
	assert.Equal(t, "not_running", resps[0].ErrorCode)
}

func TestCritical_EntersSafeModeAndDisablesOutputs(t *testing.T) {
	r := newRig(t, Capabilities{}, nil)
	r.provision(t)

	r.send(t, "acid", `{"cmd":"run_pump","cmd_id":"p1","params":{"duration_ms":5000}}`)
	r.waitResponses(t, "acid", 1)
	r.send(t, "fan", `{"cmd":"set_relay","cmd_id":"f1","params":{"state":"CLOSED"}}`)
	r.waitResponses(t, "fan", 1)
	require.True(t, r.pump.Level())
	require.True(t, r.relay.Level())

	r.n.State().ReportError(state.Critical, "sensor", "probe_fault", "ph probe shorted")

	assert.Equal(t, state.SafeMode, r.n.State().State())
	assert.False(t, r.pump.Level())
	assert.False(t, r.relay.Level())

	status, ok := r.sess.Retained(live.Status())
	require.True(t, ok)
	var st statusMessage
	require.NoError(t, json.Unmarshal(status, &st))
	assert.Equal(t, "safe_mode", st.State)
	assert.Equal(t, "n1", st.NodeID)

	errs := r.sess.On(live.Error())
	require.NotEmpty(t, errs)
	var em errorMessage
	require.NoError(t, json.Unmarshal(errs[len(errs)-1].Payload, &em))
	assert.Equal(t, "ERROR", em.Level)
	assert.Equal(t, "CRITICAL", em.Details["original_level"])

	// The in-flight run is answered.
	resps := r.waitResponses(t, "acid", 2)
	assert.Equal(t, command.Failed, resps[1].Status)
	assert.Equal(t, "emergency_stop", resps[1].ErrorCode)

	r.send(t, "acid", `{"cmd":"run_pump","cmd_id":"p2","params":{"duration_ms":1000}}`)
	resps = r.waitResponses(t, "acid", 3)
	assert.Equal(t, command.Error, resps[2].Status)
	assert.Equal(t, command.CodeSafeMode, resps[2].ErrorCode)
	assert.False(t, r.pump.Level())

	r.send(t, "acid", `{"cmd":"exit_safe_mode","cmd_id":"p3"}`)
	resps = r.waitResponses(t, "acid", 4)
	assert.Equal(t, command.Done, resps[3].Status)
	assert.Equal(t, state.Running, r.n.State().State())

	r.send(t, "acid", `{"cmd":"exit_safe_mode","cmd_id":"p4"}`)
	resps = r.waitResponses(t, "acid", 5)
	assert.Equal(t, command.NoEffect, resps[4].Status)
}

func TestGetStatus(t *testing.T) {
	r := newRig(t, Capabilities{Diagnostics: func() map[string]interface{} {
		return map[string]interface{}{"probe": "ok"}
	}}, nil)
	r.provision(t)

	r.send(t, "acid", `{"cmd":"get_status","cmd_id":"g1"}`)
	resps := r.waitResponses(t, "acid", 1)
	require.Equal(t, command.Done, resps[0].Status)
	data := resps[0].Data
	assert.Equal(t, "running", data["state"])
	assert.Equal(t, "hw-1", data["hardware_id"])
	assert.EqualValues(t, 3, data["config_version"])
	assert.Len(t, data["pumps"], 1)
	assert.Len(t, data["relays"], 1)
	assert.Equal(t, map[string]interface{}{"probe": "ok"}, data["diagnostics"])
	assert.Contains(t, data["commands"], "run_pump")
	assert.Contains(t, data["commands"], command.ExitSafeMode)
}

func TestPoll_FailedReadPublishesStub(t *testing.T) {
	r := newRig(t, Capabilities{Telemetry: failingSource{}}, nil)
	r.provision(t)

	r.n.poll(context.Background())
	require.NoError(t, r.n.Telemetry().Flush())

	msgs := r.sess.On(live.Telemetry("ph"))
	require.Len(t, msgs, 1)
	var item telemetry.Item
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &item))
	assert.True(t, item.Stub)
	assert.False(t, item.Stable)
	assert.Equal(t, "PH", item.MetricType)
	assert.Equal(t, uint32(1), r.n.State().Counters("sensor").Warning)
}

func TestPoll_CalibratedReading(t *testing.T) {
	calib, err := calibration.NewManager(map[string]config.Script{
		"ph": {ScriptCode: `function calibrate(raw) { return linear(raw, 1000, 7.0, 2000, 4.0); }`},
	})
	require.NoError(t, err)
	r := newRig(t, Capabilities{Telemetry: fixedSource(1500)}, calib)
	r.provision(t)

	r.n.poll(context.Background())
	require.NoError(t, r.n.Telemetry().Flush())

	msgs := r.sess.On(live.Telemetry("ph"))
	require.Len(t, msgs, 1)
	var item telemetry.Item
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &item))
	assert.InDelta(t, 5.5, item.Value, 1e-9)
	require.NotNil(t, item.Raw)
	assert.InDelta(t, 1500, *item.Raw, 1e-9)
	assert.True(t, item.Stable)
	assert.False(t, item.Stub)
}

func TestHardwareID(t *testing.T) {
	ctx := context.Background()
	kv, err := storage.NewFileStorage(t.TempDir())
	require.NoError(t, err)

	id, err := hardwareID(ctx, kv, "")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	again, err := hardwareID(ctx, kv, "")
	require.NoError(t, err)
	assert.Equal(t, id, again, "generated id is persisted")

	configured, err := hardwareID(ctx, kv, "serial-42")
	require.NoError(t, err)
	assert.Equal(t, "serial-42", configured)
}

func TestHeartbeat(t *testing.T) {
	r := newRig(t, Capabilities{}, nil)
	r.provision(t)

	r.n.publishHeartbeat()
	msgs := r.sess.On(live.Heartbeat())
	require.Len(t, msgs, 1)
	var hb heartbeatMessage
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &hb))
	assert.Equal(t, "running", hb.State)
	assert.NotZero(t, hb.TS)
}

func TestCritical_StuckOutputReachesSafeMode(t *testing.T) {
	r := newRig(t, Capabilities{}, nil)
	r.provision(t)

	r.send(t, "fan", `{"cmd":"set_relay","cmd_id":"f1","params":{"state":"CLOSED"}}`)
	r.waitResponses(t, "fan", 1)
	require.True(t, r.relay.Level())

	r.pump.Fail(true)
	r.send(t, "acid", `{"cmd":"run_pump","cmd_id":"p1","params":{"duration_ms":5000}}`)

	resps := r.waitResponses(t, "acid", 1)
	assert.Equal(t, command.Failed, resps[0].Status)
	assert.Equal(t, "output_fault", resps[0].ErrorCode)
	assert.Equal(t, state.SafeMode, r.n.State().State())
	assert.False(t, r.relay.Level(), "relays are opened even though a pump is stuck")

	status, ok := r.sess.Retained(live.Status())
	require.True(t, ok)
	var st statusMessage
	require.NoError(t, json.Unmarshal(status, &st))
	assert.Equal(t, "safe_mode", st.State)
}

func TestPublishError_CriticalBypassesLimit(t *testing.T) {
	r := newRig(t, Capabilities{}, nil)
	r.provision(t)
	r.n.errLimiter = rate.NewLimiter(0, 1)

	now := time.Now()
	r.n.PublishError(state.Report{Level: state.Warning, Component: "bus", Code: "retry", Time: now})
	r.n.PublishError(state.Report{Level: state.Warning, Component: "bus", Code: "retry", Time: now})
	r.n.PublishError(state.Report{Level: state.Critical, Component: "pump", Code: "output_fault", Time: now})

	msgs := r.sess.On(live.Error())
	require.Len(t, msgs, 2)
	var em errorMessage
	require.NoError(t, json.Unmarshal(msgs[1].Payload, &em))
	assert.Equal(t, "output_fault", em.ErrorCode)
	assert.Equal(t, "CRITICAL", em.Details["original_level"])
}

func TestConnectionLost_Counted(t *testing.T) {
	r := newRig(t, Capabilities{}, nil)
	m := metrics.New(prometheus.NewRegistry())
	r.n.metrics = m

	r.sess.drop(errors.New("keepalive timeout"))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ConnectionsLost))
	assert.False(t, r.sess.IsConnected())

	r.sess.reconnect()
	lwt, ok := r.sess.Retained(topics.Temp("hw-1").LWT())
	require.True(t, ok)
	assert.Equal(t, "online", string(lwt))
}
