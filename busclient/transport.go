package busclient

import (
	"context"
	"crypto/tls"
	"strings"
)

// Credentials authenticate the bus connection. Token is the bearer token that rotates
// on REFRESH_TOKEN.
type Credentials struct {
	Token    string
	Username string
	ClientID string
}

// redacted is used when credentials appear in logs
func (c Credentials) redacted() string {
	if c.Token == "" {
		return "none"
	}
	return "token(" + strings.Repeat("*", 4) + ")"
}

// DeliverFunc receives one inbound message
type DeliverFunc func(topic string, payload []byte)

// Transport is one live socket to a broker. Implementations do not reconnect on their
// own; they report loss through onLost and the Client decides what to do.
type Transport interface {
	// Connect opens the socket. onLost is called at most once per successful Connect,
	// when the socket drops without Close being called.
	Connect(ctx context.Context, url string, creds Credentials, onLost func(error)) error
	Subscribe(pattern string, deliver DeliverFunc) error
	Unsubscribe(pattern string) error
	Publish(ctx context.Context, topic string, payload []byte) error
	IsConnected() bool
	// Close tears the socket down. Safe to call when not connected.
	Close() error
}

// MatchTopic reports whether an MQTT-style pattern matches topic
func MatchTopic(pattern, topic string) bool {
	if pattern == topic {
		return true
	}

	p := strings.Split(pattern, "/")
	t := strings.Split(topic, "/")
	for i, level := range p {
		if level == "#" {
			return i == len(p)-1
		}
		if i >= len(t) {
			return false
		}
		if level != "+" && level != t[i] {
			return false
		}
	}
	return len(p) == len(t)
}

// validPattern rejects empty patterns and misplaced multi-level wildcards
func validPattern(pattern string) bool {
	if pattern == "" {
		return false
	}
	levels := strings.Split(pattern, "/")
	for i, level := range levels {
		if strings.Contains(level, "#") && (level != "#" || i != len(levels)-1) {
			return false
		}
		if strings.Contains(level, "+") && level != "+" {
			return false
		}
	}
	return true
}

// TLSTransport is implemented by transports that can dial brokers over TLS
type TLSTransport interface {
	SetTLS(cfg *tls.Config)
}
