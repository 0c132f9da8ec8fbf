package node

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/eddielth/nodecore/state"
	"github.com/eddielth/nodecore/storage"
	"github.com/eddielth/nodecore/topics"
	"github.com/eddielth/nodecore/transport"
	"github.com/google/uuid"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
	"github.com/shirou/gopsutil/v3/process"
)

const (
	lwtOnline  = "online"
	lwtOffline = "offline"

	identityNamespace = "node_identity"
	identityKey       = "hardware_id"
)

type statusMessage struct {
	State         string `json:"state"`
	Reason        string `json:"reason,omitempty"`
	HardwareID    string `json:"hardware_id"`
	NodeID        string `json:"node_id,omitempty"`
	FWVersion     string `json:"fw_version"`
	ConfigVersion int64  `json:"config_version"`
	TS            int64  `json:"ts"`
}

type heartbeatMessage struct {
	Uptime  int64   `json:"uptime"`
	FreeMem uint64  `json:"free_mem,omitempty"`
	Load1   float64 `json:"load1,omitempty"`
	RSS     uint64  `json:"rss,omitempty"`
	State   string  `json:"state"`
	TS      int64   `json:"ts"`
}

type helloMessage struct {
	HardwareID   string   `json:"hardware_id"`
	NodeType     string   `json:"node_type"`
	FWVersion    string   `json:"fw_version"`
	Capabilities []string `json:"capabilities"`
	TS           int64    `json:"ts"`
}

type errorMessage struct {
	Level     string                 `json:"level"`
	Component string                 `json:"component"`
	ErrorCode string                 `json:"error_code"`
	Message   string                 `json:"message"`
	TS        int64                  `json:"ts"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

type configAck struct {
	Status    string            `json:"status"`
	Version   int64             `json:"version,omitempty"`
	Restarted []string          `json:"restarted,omitempty"`
	Failed    map[string]string `json:"failed,omitempty"`
	Error     string            `json:"error,omitempty"`
	TS        int64             `json:"ts"`
}

func (n *Node) publishJSON(topic string, v interface{}, retained bool) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", topic, err)
	}
	return n.session.Publish(topic, payload, transport.AtLeastOnce, retained)
}

// PublishStatus implements state.Publisher.
func (n *Node) PublishStatus(s state.State, reason string) {
	n.metrics.State(int(s))
	n.publishStatus(s, reason)
}

func (n *Node) publishStatus(s state.State, reason string) {
	ns := n.identity.Get()
	msg := statusMessage{
		State:         s.String(),
		Reason:        reason,
		HardwareID:    n.identity.HardwareID(),
		FWVersion:     n.settings.Node.FWVersion,
		ConfigVersion: n.store.Version(),
		TS:            time.Now().Unix(),
	}
	if !ns.IsPlaceholder() {
		msg.NodeID = ns.Node
	}
	if err := n.publishJSON(ns.Status(), msg, true); err != nil {
		log.Debug("status not published: %v", err)
	}
}

// PublishError implements state.Publisher. CRITICAL goes out as ERROR
// with the original level kept in details. Reports beyond the rate limit
// are counted and dropped; CRITICAL reports bypass the limit.
func (n *Node) PublishError(r state.Report) {
	n.metrics.ErrorReported(r.Level.String(), r.Component)
	if r.Level != state.Critical && !n.errLimiter.Allow() {
		n.metrics.ErrorThrottled()
		log.Debug("error report %s/%s throttled", r.Component, r.Code)
		return
	}

	msg := errorMessage{
		Level:     r.Level.String(),
		Component: r.Component,
		ErrorCode: r.Code,
		Message:   r.Message,
		TS:        r.Time.Unix(),
		Details:   r.Details,
	}
	if r.Level == state.Critical {
		msg.Level = state.Err.String()
		details := make(map[string]interface{}, len(r.Details)+1)
		for k, v := range r.Details {
			details[k] = v
		}
		details["original_level"] = state.Critical.String()
		msg.Details = details
	}
	if err := n.publishJSON(n.identity.Get().Error(), msg, false); err != nil {
		log.Debug("error report not published: %v", err)
	}
}

func (n *Node) publishHeartbeat() {
	msg := heartbeatMessage{
		Uptime: int64(time.Since(n.started).Seconds()),
		State:  n.state.State().String(),
		TS:     time.Now().Unix(),
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		msg.FreeMem = vm.Available
	}
	if avg, err := load.Avg(); err == nil {
		msg.Load1 = avg.Load1
	}
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if mi, err := p.MemoryInfo(); err == nil {
			msg.RSS = mi.RSS
		}
	}
	if err := n.publishJSON(n.identity.Get().Heartbeat(), msg, false); err != nil {
		log.Debug("heartbeat not published: %v", err)
	}
}

func (n *Node) publishHello() error {
	caps := n.settings.Node.Capabilities
	if caps == nil {
		caps = []string{}
	}
	msg := helloMessage{
		HardwareID:   n.identity.HardwareID(),
		NodeType:     n.settings.Node.NodeType,
		FWVersion:    n.settings.Node.FWVersion,
		Capabilities: caps,
		TS:           time.Now().Unix(),
	}
	if err := n.publishJSON(topics.NodeHello, msg, false); err != nil {
		log.Warn("node_hello not published: %v", err)
		return err
	}
	log.Info("node_hello sent for %s", msg.HardwareID)
	return nil
}

// publishConfigResponse sends the ACK on the current namespace. When the
// client is down (typically restarting for this very config) the ACK is
// kept and sent on the next connect.
func (n *Node) publishConfigResponse(ack configAck) {
	ack.TS = time.Now().Unix()
	payload, err := json.Marshal(ack)
	if err != nil {
		log.Error("encode config ack: %v", err)
		return
	}
	if err := n.session.Publish(n.identity.Get().ConfigResponse(), payload, transport.AtLeastOnce, false); err != nil {
		log.Info("config ack deferred until reconnect: %v", err)
		n.ackMu.Lock()
		n.pendingAck = payload
		n.ackMu.Unlock()
		return
	}
	n.ackMu.Lock()
	n.pendingAck = nil
	n.ackMu.Unlock()
}

func (n *Node) resendAck() {
	n.ackMu.Lock()
	defer n.ackMu.Unlock()
	if n.pendingAck == nil {
		return
	}
	if err := n.session.Publish(n.identity.Get().ConfigResponse(), n.pendingAck, transport.AtLeastOnce, false); err != nil {
		log.Warn("pending config ack: %v", err)
		return
	}
	n.pendingAck = nil
	log.Info("pending config ack delivered")
}

// hardwareID returns the configured serial, or the persisted one, or a
// freshly generated one that is then persisted.
func hardwareID(ctx context.Context, kv KV, configured string) (string, error) {
	if configured != "" {
		return configured, nil
	}
	raw, err := kv.Get(ctx, identityNamespace, identityKey)
	if err == nil && len(raw) > 0 {
		return string(raw), nil
	}
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("node: load hardware id: %w", err)
	}
	id := uuid.NewString()
	if err := kv.Put(ctx, identityNamespace, identityKey, []byte(id)); err != nil {
		return "", fmt.Errorf("node: persist hardware id: %w", err)
	}
	log.Info("generated hardware id %s", id)
	return id, nil
}
