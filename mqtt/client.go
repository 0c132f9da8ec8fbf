package mqtt

import (
	"crypto/tls"
	"errors"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eddielth/nodecore/logger"
	"github.com/eddielth/nodecore/transport"
)

var log = logger.Tag("mqtt")

// Options describes one broker session.
type Options struct {
	Host      string
	Port      int
	Keepalive time.Duration
	Username  string
	Password  string
	UseTLS    bool
	ClientID  string

	// WillTopic, when set, is published by the broker if the session dies.
	WillTopic   string
	WillPayload []byte

	ConnectTimeout time.Duration
}

// BrokerURL returns the paho broker address.
func (o Options) BrokerURL() string {
	scheme := "tcp"
	if o.UseTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, o.Host, o.Port)
}

type subscription struct {
	qos     byte
	handler transport.Handler
}

// Client is a paho-backed transport.Transport. Subscriptions are recorded
// and re-attached on every (re)connect, so a Reconfigure keeps callbacks.
type Client struct {
	mu        sync.RWMutex
	client    mqtt.Client
	opts      Options
	subs      map[string]subscription
	onConnect []func()
	onLost    []func(error)
}

// ErrNoBroker is returned by Start when no broker host is set.
var ErrNoBroker = errors.New("MQTT broker address cannot be empty")

// NewClient creates an unconnected client. opts may be completed later
// with SetOptions.
func NewClient(opts Options) *Client {
	return &Client{opts: opts, subs: make(map[string]subscription)}
}

// SetOptions replaces the options used by the next Start.
func (c *Client) SetOptions(opts Options) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.opts = opts
}

// OnConnect registers fn to run after every successful (re)connect.
func (c *Client) OnConnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onConnect = append(c.onConnect, fn)
}

// OnConnectionLost registers fn to run when the session drops.
func (c *Client) OnConnectionLost(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onLost = append(c.onLost, fn)
}

func (c *Client) build(o Options) mqtt.Client {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(o.BrokerURL())

	if o.ClientID == "" {
		o.ClientID = fmt.Sprintf("node-%d", time.Now().Unix())
	}
	opts.SetClientID(o.ClientID)

	if o.Username != "" {
		opts.SetUsername(o.Username)
		opts.SetPassword(o.Password)
	}
	if o.Keepalive > 0 {
		opts.SetKeepAlive(o.Keepalive)
	}
	if o.UseTLS {
		opts.SetTLSConfig(&tls.Config{MinVersion: tls.VersionTLS12})
	}
	if o.WillTopic != "" {
		opts.SetBinaryWill(o.WillTopic, o.WillPayload, transport.AtLeastOnce, true)
	}

	opts.SetCleanSession(true)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.SetOrderMatters(false)

	opts.SetOnConnectHandler(func(cl mqtt.Client) {
		log.Info("connected to MQTT broker: %s", o.BrokerURL())
		c.resubscribe(cl)

		c.mu.RLock()
		hooks := append([]func(){}, c.onConnect...)
		c.mu.RUnlock()
		for _, fn := range hooks {
			fn()
		}
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Error("MQTT connection lost: %v", err)
		c.mu.RLock()
		hooks := append([]func(error){}, c.onLost...)
		c.mu.RUnlock()
		for _, fn := range hooks {
			fn(err)
		}
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		log.Info("trying to reconnect to MQTT broker...")
	})

	return mqtt.NewClient(opts)
}

// Start connects and waits up to ConnectTimeout for the first session.
// With connect-retry enabled, paho keeps trying in the background after
// a timeout.
func (c *Client) Start() error {
	c.mu.Lock()
	if c.client != nil {
		c.mu.Unlock()
		return nil
	}
	if c.opts.Host == "" {
		c.mu.Unlock()
		return ErrNoBroker
	}
	cl := c.build(c.opts)
	c.client = cl
	timeout := c.opts.ConnectTimeout
	c.mu.Unlock()

	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	token := cl.Connect()
	if !token.WaitTimeout(timeout) {
		return fmt.Errorf("connection to MQTT broker timed out")
	}
	return token.Error()
}

// Stop disconnects. Recorded subscriptions are kept.
func (c *Client) Stop() {
	c.mu.Lock()
	cl := c.client
	c.client = nil
	c.mu.Unlock()

	if cl != nil {
		cl.Disconnect(250)
		log.Info("disconnected from MQTT broker")
	}
}

// Reconfigure stops the session, swaps options and starts again.
func (c *Client) Reconfigure(opts Options) error {
	c.Stop()
	c.SetOptions(opts)
	return c.Start()
}

// Options returns the active options.
func (c *Client) Options() Options {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.opts
}

// Publish implements transport.Transport. It does not wait for the
// broker's acknowledgement.
func (c *Client) Publish(topic string, payload []byte, qos byte, retained bool) error {
	c.mu.RLock()
	cl := c.client
	c.mu.RUnlock()

	if cl == nil || !cl.IsConnectionOpen() {
		return transport.ErrNotConnected
	}

	token := cl.Publish(topic, qos, retained, payload)
	select {
	case <-token.Done():
		return token.Error()
	default:
		return nil
	}
}

// Subscribe implements transport.Transport. The filter is recorded even
// when disconnected and attached on the next connect.
func (c *Client) Subscribe(filter string, qos byte, h transport.Handler) error {
	c.mu.Lock()
	c.subs[filter] = subscription{qos: qos, handler: h}
	cl := c.client
	c.mu.Unlock()

	if cl == nil || !cl.IsConnectionOpen() {
		return nil
	}
	return c.subscribe(cl, filter, qos, h)
}

func (c *Client) subscribe(cl mqtt.Client, filter string, qos byte, h transport.Handler) error {
	token := cl.Subscribe(filter, qos, func(_ mqtt.Client, msg mqtt.Message) {
		log.Debug("received message from topic %s", msg.Topic())
		h(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscription to topic %s timed out", filter)
	}
	if err := token.Error(); err != nil {
		return err
	}
	log.Info("successfully subscribed to topic: %s", filter)
	return nil
}

func (c *Client) resubscribe(cl mqtt.Client) {
	c.mu.RLock()
	subs := make(map[string]subscription, len(c.subs))
	for f, s := range c.subs {
		subs[f] = s
	}
	c.mu.RUnlock()

	// paho runs the on-connect handler on its own goroutine, so waiting
	// on subscribe tokens here does not stall the network loop.
	for filter, s := range subs {
		if err := c.subscribe(cl, filter, s.qos, s.handler); err != nil {
			log.Warn("failed to subscribe to topic %s: %v", filter, err)
		}
	}
}

// Unsubscribe implements transport.Transport.
func (c *Client) Unsubscribe(filters ...string) error {
	c.mu.Lock()
	for _, f := range filters {
		delete(c.subs, f)
	}
	cl := c.client
	c.mu.Unlock()

	if cl == nil || !cl.IsConnectionOpen() || len(filters) == 0 {
		return nil
	}
	token := cl.Unsubscribe(filters...)
	if !token.WaitTimeout(5 * time.Second) {
		return errors.New("unsubscribe timed out")
	}
	return token.Error()
}

// IsConnected implements transport.Transport.
func (c *Client) IsConnected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.client != nil && c.client.IsConnectionOpen()
}
