package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/audiolux/lumen/core"
	"github.com/audiolux/lumen/logging"
	"github.com/audiolux/lumen/session"
)

const (
	// DefaultTopicPrefix roots all session topics. A session's envelopes
	// travel on <prefix>/<session>/deltas, .../snapshots and .../resync.
	DefaultTopicPrefix = "lumen/sessions"

	// DefaultQoS is at-least-once: duplicates are cheaper than losses and
	// the protocol absorbs both.
	DefaultQoS byte = 1
)

// ErrNotConnected is returned when using an MQTT transport before Connect
// succeeds.
var ErrNotConnected = errors.New("transport: mqtt not connected")

// MQTTOptions configures an MQTT transport.
type MQTTOptions struct {
	// ClientID identifies this process to the broker. Defaults to a
	// random lumen-prefixed ID.
	ClientID string

	// TopicPrefix roots the session topic tree.
	TopicPrefix string

	// QoS is the quality of service for all session traffic.
	QoS byte

	// Username and Password authenticate against brokers that require it.
	Username string
	Password string

	// ConnectTimeout bounds the initial broker handshake.
	ConnectTimeout time.Duration

	// PublishTimeout bounds each publish acknowledgement.
	PublishTimeout time.Duration

	// SubscribeTimeout bounds subscription acknowledgement.
	SubscribeTimeout time.Duration

	// ConnectRetryInterval is the delay between reconnect attempts.
	ConnectRetryInterval time.Duration

	// MaxReconnectInterval caps the reconnect backoff.
	MaxReconnectInterval time.Duration

	// BufferSize is each channel's incoming envelope buffer.
	BufferSize int

	// Logger receives connection lifecycle and delivery logs.
	Logger logging.Logger
}

// WithClientID sets the broker client ID.
func WithClientID(id string) func(*MQTTOptions) {
	return func(o *MQTTOptions) {
		if id != "" {
			o.ClientID = id
		}
	}
}

// WithTopicPrefix sets the root of the session topic tree.
func WithTopicPrefix(prefix string) func(*MQTTOptions) {
	return func(o *MQTTOptions) {
		if prefix != "" {
			o.TopicPrefix = strings.TrimRight(prefix, "/")
		}
	}
}

// WithQoS sets the quality of service level.
func WithQoS(qos byte) func(*MQTTOptions) {
	return func(o *MQTTOptions) {
		if qos <= 2 {
			o.QoS = qos
		}
	}
}

// WithCredentials sets broker authentication.
func WithCredentials(username, password string) func(*MQTTOptions) {
	return func(o *MQTTOptions) {
		o.Username = username
		o.Password = password
	}
}

// WithMQTTLogger sets the transport's logger.
func WithMQTTLogger(l logging.Logger) func(*MQTTOptions) {
	return func(o *MQTTOptions) {
		if l != nil {
			o.Logger = l
		}
	}
}

// MQTT binds sessions to an MQTT broker so participants on different
// machines share them. Deltas and resync requests publish plainly;
// snapshots publish retained, so a late subscriber receives the newest one
// the moment it joins the topic. Retained snapshots may be stale, which the
// roll-forward rule makes harmless.
type MQTT struct {
	broker string
	client mqtt.Client
	logger logging.Logger

	clientID         string
	topicPrefix      string
	qos              byte
	connectTimeout   time.Duration
	publishTimeout   time.Duration
	subscribeTimeout time.Duration
	bufSize          int

	mu        sync.RWMutex
	connected bool
}

// NewMQTT constructs a transport for the given broker address. The address
// may be a bare host:port or carry an explicit scheme.
func NewMQTT(broker string, optFns ...func(*MQTTOptions)) *MQTT {
	opts := MQTTOptions{
		ClientID:             "lumen-" + uuid.NewString()[:8],
		TopicPrefix:          DefaultTopicPrefix,
		QoS:                  DefaultQoS,
		ConnectTimeout:       5 * time.Second,
		PublishTimeout:       2 * time.Second,
		SubscribeTimeout:     5 * time.Second,
		ConnectRetryInterval: 2 * time.Second,
		MaxReconnectInterval: 30 * time.Second,
		BufferSize:           64,
		Logger:               logging.NewNoOpLogger(),
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	if !strings.Contains(broker, "://") {
		broker = "tcp://" + broker
	}

	t := &MQTT{
		broker:           broker,
		logger:           opts.Logger,
		clientID:         opts.ClientID,
		topicPrefix:      opts.TopicPrefix,
		qos:              opts.QoS,
		connectTimeout:   opts.ConnectTimeout,
		publishTimeout:   opts.PublishTimeout,
		subscribeTimeout: opts.SubscribeTimeout,
		bufSize:          opts.BufferSize,
	}

	clientOpts := mqtt.NewClientOptions()
	clientOpts.AddBroker(broker)
	clientOpts.SetClientID(opts.ClientID)
	clientOpts.SetAutoReconnect(true)
	clientOpts.SetConnectRetry(true)
	clientOpts.SetConnectRetryInterval(opts.ConnectRetryInterval)
	clientOpts.SetMaxReconnectInterval(opts.MaxReconnectInterval)
	clientOpts.SetCleanSession(true)
	if opts.Username != "" {
		clientOpts.SetUsername(opts.Username)
		clientOpts.SetPassword(opts.Password)
	}
	clientOpts.OnConnect = func(mqtt.Client) {
		t.mu.Lock()
		t.connected = true
		t.mu.Unlock()
		t.logger.Info("MQTT connection established",
			"broker", broker,
			"client_id", opts.ClientID)
	}
	clientOpts.OnConnectionLost = func(_ mqtt.Client, err error) {
		t.mu.Lock()
		t.connected = false
		t.mu.Unlock()
		t.logger.Warn("MQTT connection lost, reconnecting",
			"broker", broker,
			"error", err)
	}

	t.client = mqtt.NewClient(clientOpts)
	return t
}

// Connect establishes the broker connection.
func (t *MQTT) Connect(ctx context.Context) error {
	t.logger.Info("Connecting to MQTT broker", "broker", t.broker)

	token := t.client.Connect()
	if !waitToken(ctx, token, t.connectTimeout) {
		return fmt.Errorf("mqtt connect to %s: timeout", t.broker)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", t.broker, err)
	}

	t.mu.Lock()
	t.connected = true
	t.mu.Unlock()
	return nil
}

// Connected reports whether the broker connection is up.
func (t *MQTT) Connected() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.connected
}

// Open binds a channel to one session's topic subtree.
func (t *MQTT) Open(_ context.Context, id core.SessionID) (session.Channel, error) {
	if !t.Connected() {
		return nil, ErrNotConnected
	}
	return &mqttChannel{
		transport: t,
		id:        id,
		base:      fmt.Sprintf("%s/%s", t.topicPrefix, id),
		events:    make(chan session.Envelope, t.bufSize),
	}, nil
}

// Close disconnects from the broker.
func (t *MQTT) Close() error {
	if t.client.IsConnected() {
		t.client.Disconnect(250)
		t.logger.Info("MQTT disconnected", "broker", t.broker)
	}
	t.mu.Lock()
	t.connected = false
	t.mu.Unlock()
	return nil
}

// waitToken waits for a paho token under both a timeout and the caller's
// context.
func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-token.Done():
		return true
	case <-timer.C:
		return false
	case <-ctx.Done():
		return false
	}
}

type mqttChannel struct {
	transport *MQTT
	id        core.SessionID
	base      string
	events    chan session.Envelope

	mu         sync.Mutex
	subscribed bool
	closed     bool
}

// topicFor routes an envelope kind to its topic leaf.
func (c *mqttChannel) topicFor(kind session.EnvelopeKind) string {
	switch kind {
	case session.KindSnapshot:
		return c.base + "/snapshots"
	case session.KindResync:
		return c.base + "/resync"
	default:
		return c.base + "/deltas"
	}
}

// Publish sends one envelope to the session's peers. Snapshots publish
// retained so late joiners catch up immediately.
func (c *mqttChannel) Publish(ctx context.Context, env session.Envelope) error {
	if err := env.Validate(); err != nil {
		return fmt.Errorf("publish on session %s: %w", c.id, err)
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope for session %s: %w", c.id, err)
	}

	retained := env.Kind == session.KindSnapshot
	token := c.transport.client.Publish(c.topicFor(env.Kind), c.transport.qos, retained, payload)
	if !waitToken(ctx, token, c.transport.publishTimeout) {
		return fmt.Errorf("publish on session %s: timeout", c.id)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("publish on session %s: %w", c.id, err)
	}
	return nil
}

// Subscribe attaches to the session's topic subtree and returns the stream
// of incoming envelopes.
func (c *mqttChannel) Subscribe(ctx context.Context) (<-chan session.Envelope, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil, ErrNotConnected
	}
	if c.subscribed {
		return c.events, nil
	}

	token := c.transport.client.Subscribe(c.base+"/+", c.transport.qos, c.onMessage)
	if !waitToken(ctx, token, c.transport.subscribeTimeout) {
		return nil, fmt.Errorf("subscribe to session %s: timeout", c.id)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("subscribe to session %s: %w", c.id, err)
	}

	c.subscribed = true
	c.transport.logger.Debug("Subscribed to session topics", "session", c.id, "base", c.base)
	return c.events, nil
}

// onMessage decodes one broker message and queues it, dropping on
// backpressure. The sync protocol treats a dropped envelope like any other
// loss.
func (c *mqttChannel) onMessage(_ mqtt.Client, msg mqtt.Message) {
	var env session.Envelope
	if err := json.Unmarshal(msg.Payload(), &env); err != nil {
		c.transport.logger.Warn("Discarding undecodable envelope",
			"session", c.id,
			"topic", msg.Topic(),
			"error", err)
		return
	}
	if err := env.Validate(); err != nil {
		c.transport.logger.Warn("Discarding malformed envelope",
			"session", c.id,
			"topic", msg.Topic(),
			"error", err)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	select {
	case c.events <- env:
	default:
		c.transport.logger.Warn("Envelope queue full, dropping", "session", c.id, "topic", msg.Topic())
	}
}

// Close unsubscribes from the session's topics.
func (c *mqttChannel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	subscribed := c.subscribed
	c.mu.Unlock()

	if subscribed && c.transport.client.IsConnected() {
		token := c.transport.client.Unsubscribe(c.base + "/+")
		token.WaitTimeout(time.Second)
	}

	c.mu.Lock()
	close(c.events)
	c.mu.Unlock()
	return nil
}
