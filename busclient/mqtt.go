package busclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"github.com/c360/entitystream/errors"
)

// MQTTTransport speaks MQTT 3.1.1 over WebSocket (ws://, wss://) or TCP (tcp://, ssl://)
type MQTTTransport struct {
	qos             byte
	keepAlive       time.Duration
	disconnectQuiet uint
	tls             *tls.Config

	mu     sync.Mutex
	client mqtt.Client
}

var (
	_ Transport    = (*MQTTTransport)(nil)
	_ TLSTransport = (*MQTTTransport)(nil)
)

// MQTTOption configures an MQTTTransport
type MQTTOption func(*MQTTTransport)

// WithQoS sets the subscribe and publish QoS (0 or 1)
func WithQoS(qos byte) MQTTOption {
	return func(m *MQTTTransport) {
		if qos <= 1 {
			m.qos = qos
		}
	}
}

// WithKeepAlive sets the MQTT keepalive interval
func WithKeepAlive(d time.Duration) MQTTOption {
	return func(m *MQTTTransport) {
		if d > 0 {
			m.keepAlive = d
		}
	}
}

// SetTLS sets the client TLS config used for wss:// and ssl:// brokers
func (m *MQTTTransport) SetTLS(cfg *tls.Config) {
	m.tls = cfg
}

// NewMQTTTransport creates an MQTT transport
func NewMQTTTransport(opts ...MQTTOption) *MQTTTransport {
	m := &MQTTTransport{
		keepAlive:       30 * time.Second,
		disconnectQuiet: 250,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// brokerURL appends the token as a query parameter on WebSocket URLs, where the
// upgrade request is the only place a gateway can authenticate.
func brokerURL(raw, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "ws", "wss":
		if token != "" {
			q := u.Query()
			q.Set("token", token)
			u.RawQuery = q.Encode()
		}
	case "tcp", "ssl", "tls", "mqtt", "mqtts":
	default:
		return "", fmt.Errorf("unsupported mqtt scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// Connect implements Transport
func (m *MQTTTransport) Connect(ctx context.Context, rawURL string, creds Credentials, onLost func(error)) error {
	broker, err := brokerURL(rawURL, creds.Token)
	if err != nil {
		return errors.WrapInvalid(err, "MQTTTransport", "Connect", "parse broker url")
	}

	clientID := creds.ClientID
	if clientID == "" {
		clientID = "entitystream-" + uuid.NewString()
	}

	var client mqtt.Client
	opts := mqtt.NewClientOptions().
		AddBroker(broker).
		SetClientID(clientID).
		SetCleanSession(true).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetOrderMatters(false).
		SetKeepAlive(m.keepAlive).
		SetConnectionLostHandler(func(c mqtt.Client, err error) {
			m.mu.Lock()
			current := m.client == client
			if current {
				m.client = nil
			}
			m.mu.Unlock()
			if current && onLost != nil {
				onLost(err)
			}
		})
	if deadline, ok := ctx.Deadline(); ok {
		opts.SetConnectTimeout(time.Until(deadline))
	}
	if m.tls != nil {
		opts.SetTLSConfig(m.tls.Clone())
	}
	if creds.Username != "" {
		opts.SetUsername(creds.Username)
	}
	if creds.Token != "" {
		if creds.Username == "" {
			opts.SetUsername("token")
		}
		opts.SetPassword(creds.Token)
	}

	client = mqtt.NewClient(opts)
	if err := waitToken(ctx, client.Connect()); err != nil {
		client.Disconnect(0)
		return errors.Transport(err, "MQTTTransport", "Connect", "connect to "+rawURL)
	}

	m.mu.Lock()
	m.client = client
	m.mu.Unlock()
	return nil
}

// Subscribe implements Transport
func (m *MQTTTransport) Subscribe(pattern string, deliver DeliverFunc) error {
	client := m.current()
	if client == nil {
		return errors.ErrNotConnected
	}
	token := client.Subscribe(pattern, m.qos, func(_ mqtt.Client, msg mqtt.Message) {
		deliver(msg.Topic(), msg.Payload())
	})
	if err := waitToken(context.Background(), token); err != nil {
		return fmt.Errorf("%w: %s: %w", errors.ErrSubscriptionFailed, pattern, err)
	}
	return nil
}

// Unsubscribe implements Transport
func (m *MQTTTransport) Unsubscribe(pattern string) error {
	client := m.current()
	if client == nil {
		return errors.ErrNotConnected
	}
	return waitToken(context.Background(), client.Unsubscribe(pattern))
}

// Publish implements Transport
func (m *MQTTTransport) Publish(ctx context.Context, topic string, payload []byte) error {
	client := m.current()
	if client == nil {
		return errors.ErrNotConnected
	}
	return waitToken(ctx, client.Publish(topic, m.qos, false, payload))
}

// IsConnected implements Transport
func (m *MQTTTransport) IsConnected() bool {
	client := m.current()
	return client != nil && client.IsConnectionOpen()
}

// Close implements Transport
func (m *MQTTTransport) Close() error {
	m.mu.Lock()
	client := m.client
	m.client = nil
	m.mu.Unlock()

	if client != nil {
		client.Disconnect(m.disconnectQuiet)
	}
	return nil
}

func (m *MQTTTransport) current() mqtt.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client
}

// waitToken waits for a paho token, bounded by ctx and a fallback of 30s for calls
// made without a deadline.
func waitToken(ctx context.Context, token mqtt.Token) error {
	timer := time.NewTimer(30 * time.Second)
	defer timer.Stop()

	select {
	case <-token.Done():
		return token.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return errors.ErrConnectionTimeout
	}
}
