package node

import (
	"context"
	"time"

	"github.com/eddielth/nodecore/config"
	"github.com/eddielth/nodecore/mqtt"
	"github.com/eddielth/nodecore/nodeconfig"
	"github.com/eddielth/nodecore/topics"
	"github.com/eddielth/nodecore/transport"
)

// Session is the messaging client: a Transport that can be restarted
// with new broker options. *mqtt.Client implements it.
type Session interface {
	transport.Transport
	Start() error
	Stop()
	SetOptions(opts mqtt.Options)
	Reconfigure(opts mqtt.Options) error
	OnConnect(fn func())
	OnConnectionLost(fn func(error))
}

// BootstrapOptions builds broker options from the local settings, used
// until a node config names a broker.
func BootstrapOptions(s config.MQTTConfig, ns topics.Namespace, clientID string) mqtt.Options {
	return mqtt.Options{
		Host:           s.Host,
		Port:           s.Port,
		Keepalive:      s.Keepalive,
		Username:       s.Username,
		Password:       s.Password,
		UseTLS:         s.UseTLS,
		ClientID:       clientID,
		WillTopic:      ns.LWT(),
		WillPayload:    []byte(lwtOffline),
		ConnectTimeout: s.ConnectTimeout,
	}
}

// brokerOptions merges the broker section of cfg over the local settings.
func brokerOptions(s config.MQTTConfig, cfg *nodeconfig.NodeConfig, ns topics.Namespace, clientID string) mqtt.Options {
	opts := BootstrapOptions(s, ns, clientID)
	opts.Host = cfg.MQTT.Host
	opts.Port = cfg.MQTT.Port
	if cfg.MQTT.Keepalive != nil {
		opts.Keepalive = time.Duration(*cfg.MQTT.Keepalive) * time.Second
	}
	if cfg.MQTT.Username != nil {
		opts.Username = *cfg.MQTT.Username
	}
	if cfg.MQTT.Password != nil {
		opts.Password = *cfg.MQTT.Password
	}
	if cfg.MQTT.UseTLS != nil {
		opts.UseTLS = *cfg.MQTT.UseTLS
	}
	return opts
}

// sessionOptions picks the broker for the first connect: the persisted
// config's when there is one, else the local bootstrap broker.
func (n *Node) sessionOptions() mqtt.Options {
	ns := n.identity.Get()
	if cfg := n.store.Current(); cfg != nil {
		return brokerOptions(n.settings.MQTT, cfg, ns, n.identity.HardwareID())
	}
	return BootstrapOptions(n.settings.MQTT, ns, n.identity.HardwareID())
}

func namespaceOf(cfg *nodeconfig.NodeConfig) topics.Namespace {
	return topics.Namespace{Facility: cfg.GhUID, Zone: cfg.ZoneUID, Node: cfg.NodeID}
}

// messaging adapts the session to the config-apply engine.
type messaging struct{ n *Node }

// Stop implements apply.Messaging.
func (m messaging) Stop() {
	m.n.session.Stop()
}

// Restart implements apply.Messaging. Topic subscriptions follow the new
// namespace; handlers stay attached.
func (m messaging) Restart(_ context.Context, cfg *nodeconfig.NodeConfig) error {
	n := m.n
	old := n.identity.Subscriptions()
	changed, err := n.identity.Set(namespaceOf(cfg))
	if err != nil {
		return err
	}
	if changed {
		var filters []string
		for _, ns := range old {
			filters = append(filters, ns.CommandFilter(), ns.Config())
		}
		if err := n.session.Unsubscribe(filters...); err != nil {
			log.Warn("unsubscribe old namespace: %v", err)
		}
		if err := n.subscribe(); err != nil {
			return err
		}
		log.Info("namespace is now %s", n.identity.Get().Base())
	}
	return n.session.Reconfigure(brokerOptions(n.settings.MQTT, cfg, n.identity.Get(), n.identity.HardwareID()))
}
