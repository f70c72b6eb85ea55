package emitter

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/e7canasta/orion-vision/modules/detection"
)

// ErrNotConnected is returned by Publish while the broker connection is down.
var ErrNotConnected = errors.New("emitter: mqtt not connected")

const (
	defaultConnectTimeout = 5 * time.Second
	defaultPublishTimeout = 2 * time.Second
)

// MQTTConfig configures the MQTT publisher.
type MQTTConfig struct {
	// Broker is host:port or a full URL (tcp://, ssl://, ws://).
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
	Retain      bool

	ConnectTimeout time.Duration
	PublishTimeout time.Duration
}

// MQTTStats are cumulative publisher counters.
type MQTTStats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// MQTT publishes results to topic <prefix>/<service_id>/detections.
type MQTT struct {
	cfg    MQTTConfig
	client mqtt.Client
	logger *slog.Logger

	mu        sync.RWMutex
	connected bool
	published map[string]uint64
	errors    uint64
	onConnect []func(mqtt.Client)
}

var _ Publisher = (*MQTT)(nil)

// NewMQTT builds an unconnected publisher. An empty ClientID gets a random
// suffix so several daemons can share a broker.
func NewMQTT(cfg MQTTConfig, logger *slog.Logger) *MQTT {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "orion-vision-" + uuid.NewString()[:8]
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "orion/vision"
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	return &MQTT{
		cfg:       cfg,
		logger:    logger,
		published: make(map[string]uint64),
	}
}

// NewMQTTWithClient uses an existing client; Connect is not needed when the
// client is already connected.
func NewMQTTWithClient(cfg MQTTConfig, client mqtt.Client, logger *slog.Logger) *MQTT {
	m := NewMQTT(cfg, logger)
	m.client = client
	m.connected = client.IsConnected()
	return m
}

func brokerURL(broker string) string {
	if strings.Contains(broker, "://") {
		return broker
	}
	return "tcp://" + broker
}

// Connect dials the broker. Lost connections are re-established by the
// client in the background.
func (m *MQTT) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL(m.cfg.Broker))
	opts.SetClientID(m.cfg.ClientID)
	if m.cfg.Username != "" {
		opts.SetUsername(m.cfg.Username)
		opts.SetPassword(m.cfg.Password)
	}
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(c mqtt.Client) {
		m.setConnected(true)
		m.logger.Info("emitter: mqtt connected", "broker", m.cfg.Broker, "client_id", m.cfg.ClientID)

		m.mu.RLock()
		hooks := slices.Clone(m.onConnect)
		m.mu.RUnlock()
		for _, fn := range hooks {
			fn(c)
		}
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		m.setConnected(false)
		m.logger.Warn("emitter: mqtt connection lost, will auto-reconnect",
			"broker", m.cfg.Broker,
			"error", err,
		)
	}

	client := mqtt.NewClient(opts)
	m.mu.Lock()
	m.client = client
	m.mu.Unlock()

	m.logger.Info("emitter: connecting to mqtt broker", "broker", m.cfg.Broker)

	token := client.Connect()
	if err := waitToken(ctx, token, m.cfg.ConnectTimeout); err != nil {
		return fmt.Errorf("emitter: mqtt connect %s: %w", m.cfg.Broker, err)
	}
	m.setConnected(true)
	return nil
}

// OnConnect registers fn to run after every (re)connection, typically to
// restore subscriptions.
func (m *MQTT) OnConnect(fn func(mqtt.Client)) {
	m.mu.Lock()
	m.onConnect = append(m.onConnect, fn)
	m.mu.Unlock()
}

// Client returns the underlying client, nil before Connect.
func (m *MQTT) Client() mqtt.Client {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.client
}

// waitToken waits for token within timeout or until ctx ends.
func waitToken(ctx context.Context, token mqtt.Token, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-token.Done():
		return token.Error()
	case <-timer.C:
		return errors.New("timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Topic returns the topic results of serviceID are published on.
func (m *MQTT) Topic(serviceID string) string {
	return m.cfg.TopicPrefix + "/" + serviceID + "/detections"
}

func (m *MQTT) Publish(ctx context.Context, serviceID string, r detection.DetectionResult) error {
	m.mu.RLock()
	client, connected := m.client, m.connected
	m.mu.RUnlock()

	if client == nil || !connected {
		m.countError()
		return ErrNotConnected
	}

	payload, err := Encode(serviceID, r)
	if err != nil {
		m.countError()
		return fmt.Errorf("emitter: encode result: %w", err)
	}

	topic := m.Topic(serviceID)
	token := client.Publish(topic, m.cfg.QoS, m.cfg.Retain, payload)
	if err := waitToken(ctx, token, m.cfg.PublishTimeout); err != nil {
		m.countError()
		return fmt.Errorf("emitter: publish %s: %w", topic, err)
	}

	m.mu.Lock()
	m.published[topic]++
	m.mu.Unlock()

	m.logger.Debug("emitter: result published",
		"topic", topic,
		"frame_id", r.FrameID,
		"size", len(payload),
	)
	return nil
}

// Close disconnects with a 250ms grace period.
func (m *MQTT) Close() error {
	m.mu.Lock()
	client := m.client
	m.connected = false
	m.mu.Unlock()

	if client != nil && client.IsConnected() {
		client.Disconnect(250)
		m.logger.Info("emitter: mqtt disconnected")
	}
	return nil
}

func (m *MQTT) Stats() MQTTStats {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return MQTTStats{
		Connected: m.connected,
		Published: maps.Clone(m.published),
		Errors:    m.errors,
	}
}

func (m *MQTT) setConnected(v bool) {
	m.mu.Lock()
	m.connected = v
	m.mu.Unlock()
}

func (m *MQTT) countError() {
	m.mu.Lock()
	m.errors++
	m.mu.Unlock()
}
