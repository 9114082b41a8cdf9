package busclient

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/entitystream/errors"
	"github.com/c360/entitystream/metric"
	"github.com/c360/entitystream/pkg/retry"
	"github.com/c360/entitystream/types"
)

// DefaultConnectTimeout bounds a single connect attempt
const DefaultConnectTimeout = 10 * time.Second

// Handler receives messages for a subscribed pattern
type Handler func(topic string, payload []byte)

// Unsubscribe removes the handler it was returned for. Safe to call more than once.
type Unsubscribe func()

// StateListener observes connection state transitions
type StateListener func(old, new types.ConnectionState)

// Stats is a snapshot of client activity
type Stats struct {
	State             types.ConnectionState `json:"state"`
	URL               string                `json:"url"`
	Subscriptions     int                   `json:"subscriptions"`
	Handlers          int                   `json:"handlers"`
	Connects          int64                 `json:"connects"`
	ReconnectAttempts int64                 `json:"reconnect_attempts"`
	ConnectFailures   int64                 `json:"connect_failures"`
	MessagesReceived  int64                 `json:"messages_received"`
	MessagesPublished int64                 `json:"messages_published"`
	PublishFailures   int64                 `json:"publish_failures"`
	HandlerPanics     int64                 `json:"handler_panics"`
	LastError         string                `json:"last_error,omitempty"`
	LastConnected     time.Time             `json:"last_connected,omitempty"`
}

// session is one connection target (url + credentials). A new session replaces the
// old one on Connect to a new target, on RefreshCredentials and on Disconnect.
type session struct {
	gen     uint64
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	looping bool // guarded by Client.mu
}

type handlerEntry struct {
	id uint64
	fn Handler
}

type attemptResult int

const (
	attemptConnected attemptResult = iota
	attemptFailed
	attemptStale
)

// Client manages the shared bus connection with transparent reconnects
type Client struct {
	transport      Transport
	logger         *slog.Logger
	metrics        *metric.Metrics
	backoff        *retry.Backoff
	connectTimeout time.Duration

	state atomic.Int32

	// opMu serializes Connect, RefreshCredentials and Disconnect
	opMu sync.Mutex

	mu         sync.RWMutex
	url        string
	creds      Credentials
	sess       *session
	gen        uint64
	subs       map[string][]handlerEntry
	nextID     uint64
	refreshing bool
	closed     bool

	// subMu serializes transport Subscribe/Unsubscribe so they run without mu held and
	// deliveries are never stalled behind a broker round trip. Lock order: subMu, then mu.
	subMu   sync.Mutex
	applied map[string]bool // patterns live on the current transport connection, guarded by subMu

	listenersMu sync.RWMutex
	listeners   []StateListener

	connects          atomic.Int64
	reconnectAttempts atomic.Int64
	connectFailures   atomic.Int64
	received          atomic.Int64
	published         atomic.Int64
	publishFailures   atomic.Int64
	panics            atomic.Int64
	lastErr           atomic.Value // string
	lastConnected     atomic.Value // time.Time
}

// NewClient creates a disconnected client over transport
func NewClient(transport Transport, opts ...ClientOption) *Client {
	c := &Client{
		transport:      transport,
		logger:         slog.Default(),
		backoff:        retry.NewBackoff(retry.BackoffConfig{Jitter: retry.DefaultJitter}),
		connectTimeout: DefaultConnectTimeout,
		subs:           make(map[string][]handlerEntry),
		applied:        make(map[string]bool),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.state.Store(int32(types.StateDisconnected))
	c.lastErr.Store("")
	c.lastConnected.Store(time.Time{})
	return c
}

// State returns the current connection state
func (c *Client) State() types.ConnectionState {
	return types.ConnectionState(c.state.Load())
}

// IsConnected reports whether the client is CONNECTED
func (c *Client) IsConnected() bool {
	return c.State() == types.StateConnected
}

// URL returns the current connection target
func (c *Client) URL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.url
}

// OnStateChange registers a listener for state transitions. Listeners run synchronously
// on the goroutine that caused the transition and must not block.
func (c *Client) OnStateChange(fn StateListener) {
	if fn == nil {
		return
	}
	c.listenersMu.Lock()
	c.listeners = append(c.listeners, fn)
	c.listenersMu.Unlock()
}

// Connect targets url with creds. The first attempt runs before Connect returns; if it
// fails the client moves to RECONNECTING and keeps retrying in the background, and
// Connect still returns nil. Connecting again to the same url with the same
// credentials is a no-op. Errors are returned only for invalid input or a closed client.
func (c *Client) Connect(ctx context.Context, url string, creds Credentials) error {
	if url == "" {
		return errors.WrapInvalid(fmt.Errorf("empty broker url"), "Client", "Connect", "validate url")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.WrapFatal(errors.ErrClosed, "Client", "Connect", "check client state")
	}
	if c.sess != nil && c.url == url && c.creds == creds {
		c.mu.Unlock()
		c.logger.Debug("Bus connect ignored, target unchanged", "url", url, "state", c.State())
		return nil
	}
	old := c.sess
	c.url = url
	c.creds = creds
	c.refreshing = false
	sess := c.newSessionLocked()
	c.mu.Unlock()

	if old != nil {
		old.cancel()
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	if old != nil {
		old.wg.Wait()
		c.closeTransport()
	}

	c.backoff.Reset()
	c.setState(types.StateConnecting)
	c.logger.Info("Connecting to bus", "url", url, "credentials", creds.redacted())
	c.start(ctx, sess)
	return nil
}

// RefreshCredentials handles a rotated token: the socket is closed and reopened with
// the new credentials and every active subscription is replayed. Publishes fail with
// ErrStaleCredential until the new connection is up. Without an active target the
// credentials are only stored for the next Connect.
func (c *Client) RefreshCredentials(ctx context.Context, creds Credentials) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return errors.WrapFatal(errors.ErrClosed, "Client", "RefreshCredentials", "check client state")
	}
	c.creds = creds
	old := c.sess
	if old == nil {
		c.mu.Unlock()
		c.logger.Debug("Stored refreshed credentials, no active connection")
		return nil
	}
	c.refreshing = true
	sess := c.newSessionLocked()
	c.mu.Unlock()

	old.cancel()

	c.opMu.Lock()
	defer c.opMu.Unlock()

	old.wg.Wait()
	c.closeTransport()

	c.backoff.Reset()
	c.setState(types.StateReconnecting)
	c.logger.Info("Credentials refreshed, reconnecting to bus", "url", c.URL())
	c.start(ctx, sess)
	return nil
}

// Disconnect stops any reconnect loop, closes the transport and moves to DISCONNECTED.
// Subscriptions are kept and replayed on the next Connect. Safe to call repeatedly.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	sess := c.sess
	c.sess = nil
	c.gen++
	c.refreshing = false
	c.mu.Unlock()

	if sess != nil {
		sess.cancel()
	}

	c.opMu.Lock()
	defer c.opMu.Unlock()

	if sess != nil {
		if err := waitGroup(ctx, &sess.wg); err != nil {
			return errors.WrapTransient(err, "Client", "Disconnect", "wait for reconnect loop")
		}
	}
	c.closeTransport()

	if c.setState(types.StateDisconnected) {
		c.logger.Info("Disconnected from bus")
	}
	return nil
}

// Close disconnects and rejects further Connect calls
func (c *Client) Close(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.Disconnect(ctx)
}

// Subscribe registers handler for pattern. Every handler of a pattern receives every
// matching message. The transport subscription is shared per pattern and is applied
// immediately when connected, otherwise on the next successful connect.
func (c *Client) Subscribe(pattern string, handler Handler) (Unsubscribe, error) {
	if !validPattern(pattern) || handler == nil {
		return func() {}, errors.WrapInvalid(
			fmt.Errorf("%w: pattern %q", errors.ErrInvalidData, pattern),
			"Client", "Subscribe", "validate subscription")
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return func() {}, errors.WrapFatal(errors.ErrClosed, "Client", "Subscribe", "check client state")
	}
	c.nextID++
	id := c.nextID
	c.subs[pattern] = append(c.subs[pattern], handlerEntry{id: id, fn: handler})
	count := len(c.subs[pattern])
	c.mu.Unlock()

	c.reconcile(pattern)
	c.logger.Debug("Subscribed", "pattern", pattern, "handlers", count)

	var once sync.Once
	return func() {
		once.Do(func() { c.unsubscribe(pattern, id) })
	}, nil
}

// Publish sends payload to topic. Nothing is queued: when the client is not connected
// the message is dropped and ErrTransport, or ErrStaleCredential during a credential
// refresh, is returned.
func (c *Client) Publish(ctx context.Context, topic string, payload []byte) error {
	if topic == "" {
		return errors.WrapInvalid(fmt.Errorf("empty topic"), "Client", "Publish", "validate topic")
	}

	if c.State() != types.StateConnected {
		c.publishFailures.Add(1)
		c.metrics.RecordPublish(false)

		c.mu.RLock()
		refreshing := c.refreshing
		c.mu.RUnlock()
		if refreshing {
			return errors.WrapTransient(errors.ErrStaleCredential, "Client", "Publish", "publish during credential refresh")
		}
		return errors.Transport(errors.ErrNotConnected, "Client", "Publish", "publish")
	}

	if err := c.transport.Publish(ctx, topic, payload); err != nil {
		c.publishFailures.Add(1)
		c.metrics.RecordPublish(false)
		c.recordError(err)
		return errors.Transport(err, "Client", "Publish", "publish")
	}

	c.published.Add(1)
	c.metrics.RecordPublish(true)
	return nil
}

// WaitForConnection blocks until CONNECTED or ctx is done
func (c *Client) WaitForConnection(ctx context.Context) error {
	if c.IsConnected() {
		return nil
	}

	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return errors.WrapTransient(fmt.Errorf("%w: %w", errors.ErrConnectionTimeout, ctx.Err()),
				"Client", "WaitForConnection", "wait for connection")
		case <-ticker.C:
			if c.IsConnected() {
				return nil
			}
		}
	}
}

// Stats returns a snapshot of client activity
func (c *Client) Stats() Stats {
	c.mu.RLock()
	subs := len(c.subs)
	handlers := 0
	for _, h := range c.subs {
		handlers += len(h)
	}
	url := c.url
	c.mu.RUnlock()

	return Stats{
		State:             c.State(),
		URL:               url,
		Subscriptions:     subs,
		Handlers:          handlers,
		Connects:          c.connects.Load(),
		ReconnectAttempts: c.reconnectAttempts.Load(),
		ConnectFailures:   c.connectFailures.Load(),
		MessagesReceived:  c.received.Load(),
		MessagesPublished: c.published.Load(),
		PublishFailures:   c.publishFailures.Load(),
		HandlerPanics:     c.panics.Load(),
		LastError:         c.lastErr.Load().(string),
		LastConnected:     c.lastConnected.Load().(time.Time),
	}
}

func (c *Client) newSessionLocked() *session {
	c.gen++
	ctx, cancel := context.WithCancel(context.Background())
	s := &session{gen: c.gen, ctx: ctx, cancel: cancel}
	s.wg.Add(1) // first attempt, released by start
	c.sess = s
	return s
}

// start runs the first attempt on the caller's goroutine and falls back to the
// reconnect loop on failure.
func (c *Client) start(ctx context.Context, sess *session) {
	result := c.attempt(ctx, sess)
	sess.wg.Done()

	if result != attemptFailed {
		return
	}
	c.setState(types.StateReconnecting)
	c.startLoop(sess)
}

func (c *Client) attempt(ctx context.Context, sess *session) attemptResult {
	attemptCtx, cancel := context.WithTimeout(sess.ctx, c.connectTimeout)
	defer cancel()
	if ctx != nil {
		stop := context.AfterFunc(ctx, cancel)
		defer stop()
	}

	c.mu.RLock()
	url, creds, current := c.url, c.creds, sess.gen == c.gen
	c.mu.RUnlock()
	if !current {
		return attemptStale
	}

	if err := c.transport.Connect(attemptCtx, url, creds, c.lostHandler(sess)); err != nil {
		c.connectFailures.Add(1)
		c.recordError(err)
		c.logger.Warn("Bus connect attempt failed", "url", url, "error", err)
		return attemptFailed
	}

	// Replay outside mu. Subscribe and unsubscribe calls that race with the replay wait
	// on subMu and reconcile against the connected state afterwards.
	c.subMu.Lock()
	clear(c.applied)
	c.mu.RLock()
	current = sess.gen == c.gen && !c.closed
	patterns := make([]string, 0, len(c.subs))
	for pattern := range c.subs {
		patterns = append(patterns, pattern)
	}
	c.mu.RUnlock()
	if !current {
		c.subMu.Unlock()
		return attemptStale
	}

	for _, pattern := range patterns {
		if err := c.transport.Subscribe(pattern, c.router(pattern)); err != nil {
			clear(c.applied)
			c.subMu.Unlock()
			c.connectFailures.Add(1)
			c.recordError(err)
			c.logger.Warn("Replaying subscription failed", "pattern", pattern, "error", err)
			c.closeTransport()
			return attemptFailed
		}
		c.applied[pattern] = true
	}

	c.mu.Lock()
	if sess.gen != c.gen || c.closed {
		c.mu.Unlock()
		c.subMu.Unlock()
		return attemptStale
	}
	replayed := len(patterns)
	c.refreshing = false
	sess.looping = false
	old := c.swapState(types.StateConnected)
	c.mu.Unlock()
	c.subMu.Unlock()

	c.backoff.Reset()
	c.connects.Add(1)
	c.lastConnected.Store(time.Now())
	c.notify(old, types.StateConnected)
	c.logger.Info("Connected to bus", "url", url, "subscriptions", replayed)
	return attemptConnected
}

func (c *Client) lostHandler(sess *session) func(error) {
	return func(err error) {
		c.mu.RLock()
		current := sess.gen == c.gen && !c.closed
		c.mu.RUnlock()
		if !current {
			return
		}

		if err == nil {
			err = errors.ErrConnectionLost
		}
		c.recordError(err)
		c.logger.Warn("Bus connection lost", "error", err)
		c.setState(types.StateReconnecting)
		c.startLoop(sess)
	}
}

func (c *Client) startLoop(sess *session) {
	c.mu.Lock()
	if sess.looping || sess.gen != c.gen || c.closed {
		c.mu.Unlock()
		return
	}
	sess.looping = true
	sess.wg.Add(1)
	c.mu.Unlock()

	go c.reconnectLoop(sess)
}

func (c *Client) reconnectLoop(sess *session) {
	defer sess.wg.Done()

	for {
		delay := c.backoff.Next()
		c.reconnectAttempts.Add(1)
		c.metrics.RecordReconnect()
		c.logger.Debug("Scheduling bus reconnect", "attempt", c.backoff.Attempts(), "delay", delay)

		if err := retry.Sleep(sess.ctx, delay); err != nil {
			c.clearLooping(sess)
			return
		}

		switch c.attempt(nil, sess) {
		case attemptConnected:
			return
		case attemptStale:
			c.clearLooping(sess)
			return
		}
	}
}

func (c *Client) clearLooping(sess *session) {
	c.mu.Lock()
	sess.looping = false
	c.mu.Unlock()
}

func (c *Client) unsubscribe(pattern string, id uint64) {
	c.mu.Lock()
	handlers := c.subs[pattern]
	for i, h := range handlers {
		if h.id == id {
			handlers = append(handlers[:i:i], handlers[i+1:]...)
			break
		}
	}
	if len(handlers) > 0 {
		c.subs[pattern] = handlers
		c.mu.Unlock()
		return
	}
	delete(c.subs, pattern)
	c.mu.Unlock()

	c.reconcile(pattern)
	c.logger.Debug("Unsubscribed", "pattern", pattern)
}

// reconcile brings the transport subscription of pattern in line with its handlers.
// The decision is taken from current state under subMu, so concurrent Subscribe and
// Unsubscribe calls for one pattern converge whatever order they run in.
func (c *Client) reconcile(pattern string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()

	c.mu.RLock()
	wanted := len(c.subs[pattern]) > 0
	c.mu.RUnlock()
	connected := c.State() == types.StateConnected
	applied := c.applied[pattern]

	switch {
	case wanted && !applied && connected:
		if err := c.transport.Subscribe(pattern, c.router(pattern)); err != nil {
			c.logger.Warn("Transport subscribe failed, will retry on reconnect",
				"pattern", pattern, "error", err)
			return
		}
		c.applied[pattern] = true
	case !wanted && applied:
		delete(c.applied, pattern)
		if !connected {
			return
		}
		if err := c.transport.Unsubscribe(pattern); err != nil {
			c.logger.Warn("Transport unsubscribe failed", "pattern", pattern, "error", err)
		}
	}
}

// router fans a transport delivery out to the pattern's current handlers
func (c *Client) router(pattern string) DeliverFunc {
	return func(topic string, payload []byte) {
		c.received.Add(1)

		c.mu.RLock()
		entries := c.subs[pattern]
		handlers := make([]Handler, len(entries))
		for i, e := range entries {
			handlers[i] = e.fn
		}
		c.mu.RUnlock()

		for _, h := range handlers {
			c.invoke(pattern, topic, payload, h)
		}
	}
}

func (c *Client) invoke(pattern, topic string, payload []byte, h Handler) {
	defer func() {
		if r := recover(); r != nil {
			c.panics.Add(1)
			c.logger.Error("Bus handler panicked",
				"pattern", pattern,
				"topic", topic,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()
	h(topic, payload)
}

func (c *Client) closeTransport() {
	if err := c.transport.Close(); err != nil {
		c.logger.Warn("Closing transport failed", "error", err)
	}
}

// setState transitions and notifies listeners. Must not be called with c.mu held.
// Returns false if the state did not change.
func (c *Client) setState(s types.ConnectionState) bool {
	old := c.swapState(s)
	if old == s {
		return false
	}
	c.notify(old, s)
	return true
}

func (c *Client) swapState(s types.ConnectionState) types.ConnectionState {
	return types.ConnectionState(c.state.Swap(int32(s)))
}

func (c *Client) notify(old, s types.ConnectionState) {
	if old == s {
		return
	}
	c.metrics.RecordBusState(int(s))
	c.logger.Debug("Bus state changed", "from", old, "to", s)

	c.listenersMu.RLock()
	listeners := make([]StateListener, len(c.listeners))
	copy(listeners, c.listeners)
	c.listenersMu.RUnlock()

	for _, fn := range listeners {
		fn(old, s)
	}
}

func (c *Client) recordError(err error) {
	if err != nil {
		c.lastErr.Store(err.Error())
	}
}

func waitGroup(ctx context.Context, wg *sync.WaitGroup) error {
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
