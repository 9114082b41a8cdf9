package busclient

import (
	"context"
	"crypto/tls"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/c360/entitystream/errors"
)

// NATSTransport carries entity topics over core NATS subjects. MQTT topic syntax is
// translated on the way in and out, so entity ids must not contain '.'.
type NATSTransport struct {
	tls *tls.Config

	mu   sync.Mutex
	conn *nats.Conn
	subs map[string]*nats.Subscription
}

var (
	_ Transport    = (*NATSTransport)(nil)
	_ TLSTransport = (*NATSTransport)(nil)
)

// NewNATSTransport creates a NATS transport
func NewNATSTransport() *NATSTransport {
	return &NATSTransport{subs: make(map[string]*nats.Subscription)}
}

// SetTLS makes Connect require TLS with cfg
func (n *NATSTransport) SetTLS(cfg *tls.Config) {
	n.tls = cfg
}

// ToSubject converts an MQTT topic or pattern to a NATS subject
func ToSubject(topic string) string {
	levels := strings.Split(topic, "/")
	for i, l := range levels {
		switch l {
		case "+":
			levels[i] = "*"
		case "#":
			levels[i] = ">"
		}
	}
	return strings.Join(levels, ".")
}

// FromSubject converts a concrete NATS subject back to an MQTT topic
func FromSubject(subject string) string {
	return strings.ReplaceAll(subject, ".", "/")
}

// Connect implements Transport
func (n *NATSTransport) Connect(ctx context.Context, url string, creds Credentials, onLost func(error)) error {
	opts := []nats.Option{
		nats.NoReconnect(),
		nats.Name(clientName(creds)),
	}
	if deadline, ok := ctx.Deadline(); ok {
		opts = append(opts, nats.Timeout(time.Until(deadline)))
	}
	if creds.Token != "" {
		opts = append(opts, nats.Token(creds.Token))
	}
	if n.tls != nil {
		opts = append(opts, nats.Secure(n.tls.Clone()))
	}

	opts = append(opts, nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
		n.mu.Lock()
		current := n.conn != nil && n.conn == nc
		if current {
			n.conn = nil
			n.subs = make(map[string]*nats.Subscription)
		}
		n.mu.Unlock()
		if current && onLost != nil {
			if err == nil {
				err = errors.ErrConnectionLost
			}
			onLost(err)
		}
	}))

	conn, err := nats.Connect(url, opts...)
	if err != nil {
		return errors.Transport(err, "NATSTransport", "Connect", "connect to "+url)
	}
	if err := ctx.Err(); err != nil {
		conn.Close()
		return err
	}

	n.mu.Lock()
	n.conn = conn
	n.subs = make(map[string]*nats.Subscription)
	n.mu.Unlock()
	return nil
}

// Subscribe implements Transport
func (n *NATSTransport) Subscribe(pattern string, deliver DeliverFunc) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.conn == nil {
		return errors.ErrNotConnected
	}
	if old, ok := n.subs[pattern]; ok {
		_ = old.Unsubscribe()
	}

	sub, err := n.conn.Subscribe(ToSubject(pattern), func(msg *nats.Msg) {
		deliver(FromSubject(msg.Subject), msg.Data)
	})
	if err != nil {
		return errors.WrapTransient(err, "NATSTransport", "Subscribe", "subscribe "+pattern)
	}
	n.subs[pattern] = sub
	return nil
}

// Unsubscribe implements Transport
func (n *NATSTransport) Unsubscribe(pattern string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	sub, ok := n.subs[pattern]
	if !ok {
		return nil
	}
	delete(n.subs, pattern)
	return sub.Unsubscribe()
}

// Publish implements Transport
func (n *NATSTransport) Publish(_ context.Context, topic string, payload []byte) error {
	n.mu.Lock()
	conn := n.conn
	n.mu.Unlock()
	if conn == nil {
		return errors.ErrNotConnected
	}
	return conn.Publish(ToSubject(topic), payload)
}

// IsConnected implements Transport
func (n *NATSTransport) IsConnected() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conn != nil && n.conn.IsConnected()
}

// Close implements Transport
func (n *NATSTransport) Close() error {
	n.mu.Lock()
	conn := n.conn
	n.conn = nil
	n.subs = make(map[string]*nats.Subscription)
	n.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	return nil
}

func clientName(creds Credentials) string {
	if creds.ClientID != "" {
		return creds.ClientID
	}
	return "entitystream"
}
