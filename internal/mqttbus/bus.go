// Package mqttbus owns the single shared MQTT connection used by shadow,
// sensor-publish, jobs, and log backends. It wraps reconnection and a
// subscription registry so consumers register topics once and survive
// broker restarts.
package mqttbus

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/zemfyre/device-supervisor/internal/logging"
	"github.com/zemfyre/device-supervisor/internal/metrics"
)

// Handler receives inbound messages for a subscribed topic filter.
type Handler func(topic string, payload []byte)

// Config holds broker connection settings. Credentials are supplied via a
// provider so a key rotation is picked up on the next reconnect without
// rebuilding the bus.
type Config struct {
	BrokerURL      string
	ClientID       string // "device-<uuid>"
	ConnectTimeout time.Duration

	// Credentials returns (username, password) at connect time. May be
	// nil for anonymous brokers.
	Credentials func() (string, string)
}

type subscription struct {
	qos     byte
	handler Handler
}

// Bus is the process-wide shared MQTT connection. Publish is fan-in safe;
// the subscription registry is mutex-guarded.
type Bus struct {
	cfg     Config
	log     *zap.SugaredLogger
	metrics *metrics.Metrics

	mu     sync.Mutex
	subs   map[string]subscription
	client mqtt.Client
}

// New creates a Bus; call Connect before publishing.
func New(cfg Config, mets *metrics.Metrics) *Bus {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	return &Bus{
		cfg:     cfg,
		log:     logging.Named("mqttbus"),
		metrics: mets,
		subs:    make(map[string]subscription),
	}
}

// Connect establishes the connection. Reconnection afterwards is
// automatic; registered subscriptions are replayed on every reconnect.
func (b *Bus) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(b.cfg.BrokerURL).
		SetClientID(b.cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOrderMatters(false).
		SetKeepAlive(30 * time.Second)

	if b.cfg.Credentials != nil {
		opts.SetCredentialsProvider(func() (string, string) {
			return b.cfg.Credentials()
		})
	}

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		b.log.Infow("mqtt connected", "broker", b.cfg.BrokerURL)
		b.resubscribe(c)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		if b.metrics != nil {
			b.metrics.MQTTReconnects.Inc()
		}
		b.log.Warnw("mqtt connection lost", "error", err)
	})

	client := mqtt.NewClient(opts)
	b.mu.Lock()
	b.client = client
	b.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return err
	}
	token := client.Connect()
	if !token.WaitTimeout(b.cfg.ConnectTimeout) {
		return fmt.Errorf("mqtt connect to %s timed out", b.cfg.BrokerURL)
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connect to %s: %w", b.cfg.BrokerURL, err)
	}
	return nil
}

func (b *Bus) resubscribe(c mqtt.Client) {
	b.mu.Lock()
	subs := make(map[string]subscription, len(b.subs))
	for topic, sub := range b.subs {
		subs[topic] = sub
	}
	b.mu.Unlock()

	for topic, sub := range subs {
		handler := sub.handler
		tok := c.Subscribe(topic, sub.qos, func(_ mqtt.Client, msg mqtt.Message) {
			handler(msg.Topic(), msg.Payload())
		})
		if tok.WaitTimeout(b.cfg.ConnectTimeout) && tok.Error() != nil {
			b.log.Warnw("mqtt resubscribe failed", "topic", topic, "error", tok.Error())
		}
	}
}

// Subscribe registers topic in the registry and, if connected, subscribes
// immediately. The registration survives reconnects.
func (b *Bus) Subscribe(topic string, qos byte, h Handler) error {
	b.mu.Lock()
	b.subs[topic] = subscription{qos: qos, handler: h}
	client := b.client
	b.mu.Unlock()

	if client == nil || !client.IsConnected() {
		return nil
	}
	tok := client.Subscribe(topic, qos, func(_ mqtt.Client, msg mqtt.Message) {
		h(msg.Topic(), msg.Payload())
	})
	if !tok.WaitTimeout(b.cfg.ConnectTimeout) {
		return fmt.Errorf("mqtt subscribe to %s timed out", topic)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt subscribe to %s: %w", topic, err)
	}
	return nil
}

// Unsubscribe removes topic from the registry and the live connection.
func (b *Bus) Unsubscribe(topic string) {
	b.mu.Lock()
	delete(b.subs, topic)
	client := b.client
	b.mu.Unlock()
	if client != nil && client.IsConnected() {
		client.Unsubscribe(topic)
	}
}

// Publish sends one message. Safe for concurrent use.
func (b *Bus) Publish(topic string, qos byte, retained bool, payload []byte) error {
	b.mu.Lock()
	client := b.client
	b.mu.Unlock()
	if client == nil {
		return fmt.Errorf("mqtt bus not connected")
	}
	tok := client.Publish(topic, qos, retained, payload)
	if !tok.WaitTimeout(b.cfg.ConnectTimeout) {
		return fmt.Errorf("mqtt publish to %s timed out", topic)
	}
	if err := tok.Error(); err != nil {
		return fmt.Errorf("mqtt publish to %s: %w", topic, err)
	}
	return nil
}

// PublishBatch publishes a batch of payloads to the same topic, the
// default shipping mode for logs and sensor readings.
func (b *Bus) PublishBatch(topic string, qos byte, payloads [][]byte) error {
	for _, p := range payloads {
		if err := b.Publish(topic, qos, false, p); err != nil {
			return err
		}
	}
	return nil
}

// Close disconnects after letting in-flight work settle. Runs after all
// of the bus's consumers have stopped.
func (b *Bus) Close() {
	b.mu.Lock()
	client := b.client
	b.client = nil
	b.mu.Unlock()
	if client != nil && client.IsConnected() {
		client.Disconnect(250)
	}
}
