package busclient

import (
	"context"
	"fmt"
	"sync"

	"github.com/c360/entitystream/errors"
)

// MemoryBroker is an in-process broker with MQTT wildcard matching. Several
// MemoryTransports can share one broker.
type MemoryBroker struct {
	mu    sync.RWMutex
	conns map[*MemoryTransport]struct{}
}

// NewMemoryBroker creates an empty broker
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{conns: make(map[*MemoryTransport]struct{})}
}

// Publish delivers payload to every connected subscriber whose pattern matches topic.
// Delivery is synchronous and happens outside the broker lock.
func (b *MemoryBroker) Publish(topic string, payload []byte) int {
	b.mu.RLock()
	conns := make([]*MemoryTransport, 0, len(b.conns))
	for t := range b.conns {
		conns = append(conns, t)
	}
	b.mu.RUnlock()

	delivered := 0
	for _, t := range conns {
		delivered += t.deliver(topic, payload)
	}
	return delivered
}

func (b *MemoryBroker) attach(t *MemoryTransport) {
	b.mu.Lock()
	b.conns[t] = struct{}{}
	b.mu.Unlock()
}

func (b *MemoryBroker) detach(t *MemoryTransport) {
	b.mu.Lock()
	delete(b.conns, t)
	b.mu.Unlock()
}

// MemoryTransport is a Transport backed by a MemoryBroker. It supports fault injection.
type MemoryTransport struct {
	broker *MemoryBroker

	mu           sync.Mutex
	connected    bool
	onLost       func(error)
	subs         map[string]DeliverFunc
	failConnects int
	connectErr   error
	connects     []Credentials
	urls         []string
	gate         chan struct{}
}

var _ Transport = (*MemoryTransport)(nil)

// NewMemoryTransport creates a transport attached to broker. A nil broker gets a private one.
func NewMemoryTransport(broker *MemoryBroker) *MemoryTransport {
	if broker == nil {
		broker = NewMemoryBroker()
	}
	return &MemoryTransport{
		broker: broker,
		subs:   make(map[string]DeliverFunc),
	}
}

// Broker returns the broker the transport publishes to
func (m *MemoryTransport) Broker() *MemoryBroker {
	return m.broker
}

// FailNextConnects makes the next n Connect calls fail with err (ErrConnectionLost if nil)
func (m *MemoryTransport) FailNextConnects(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failConnects = n
	m.connectErr = err
}

// HoldSubscribes makes Subscribe wait until the returned release func is called,
// simulating a broker slow to acknowledge subscriptions.
func (m *MemoryTransport) HoldSubscribes() (release func()) {
	gate := make(chan struct{})
	m.mu.Lock()
	m.gate = gate
	m.mu.Unlock()
	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			if m.gate == gate {
				m.gate = nil
			}
			m.mu.Unlock()
			close(gate)
		})
	}
}

// DropConnection simulates a broker-side disconnect and fires onLost
func (m *MemoryTransport) DropConnection(cause error) {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return
	}
	m.connected = false
	m.subs = make(map[string]DeliverFunc)
	onLost := m.onLost
	m.onLost = nil
	m.mu.Unlock()

	m.broker.detach(m)
	if cause == nil {
		cause = errors.ErrConnectionLost
	}
	if onLost != nil {
		onLost(cause)
	}
}

// ConnectCalls returns the credentials of every successful Connect, oldest first
func (m *MemoryTransport) ConnectCalls() []Credentials {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Credentials, len(m.connects))
	copy(out, m.connects)
	return out
}

// Patterns returns the patterns currently subscribed on the live connection
func (m *MemoryTransport) Patterns() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.subs))
	for p := range m.subs {
		out = append(out, p)
	}
	return out
}

// Connect implements Transport
func (m *MemoryTransport) Connect(ctx context.Context, url string, creds Credentials, onLost func(error)) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	if m.failConnects > 0 {
		m.failConnects--
		err := m.connectErr
		m.mu.Unlock()
		if err == nil {
			err = errors.ErrConnectionLost
		}
		return fmt.Errorf("memory connect to %s: %w", url, err)
	}
	m.connected = true
	m.onLost = onLost
	m.subs = make(map[string]DeliverFunc)
	m.connects = append(m.connects, creds)
	m.urls = append(m.urls, url)
	m.mu.Unlock()

	m.broker.attach(m)
	return nil
}

// Subscribe implements Transport
func (m *MemoryTransport) Subscribe(pattern string, deliver DeliverFunc) error {
	m.mu.Lock()
	gate := m.gate
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return errors.ErrNotConnected
	}
	m.subs[pattern] = deliver
	return nil
}

// Unsubscribe implements Transport
func (m *MemoryTransport) Unsubscribe(pattern string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return errors.ErrNotConnected
	}
	delete(m.subs, pattern)
	return nil
}

// Publish implements Transport
func (m *MemoryTransport) Publish(_ context.Context, topic string, payload []byte) error {
	m.mu.Lock()
	connected := m.connected
	m.mu.Unlock()
	if !connected {
		return errors.ErrNotConnected
	}
	m.broker.Publish(topic, payload)
	return nil
}

// IsConnected implements Transport
func (m *MemoryTransport) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// Close implements Transport
func (m *MemoryTransport) Close() error {
	m.mu.Lock()
	m.connected = false
	m.onLost = nil
	m.subs = make(map[string]DeliverFunc)
	m.mu.Unlock()

	m.broker.detach(m)
	return nil
}

func (m *MemoryTransport) deliver(topic string, payload []byte) int {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return 0
	}
	var targets []DeliverFunc
	for pattern, fn := range m.subs {
		if MatchTopic(pattern, topic) {
			targets = append(targets, fn)
		}
	}
	m.mu.Unlock()

	for _, fn := range targets {
		body := make([]byte, len(payload))
		copy(body, payload)
		fn(topic, body)
	}
	return len(targets)
}
