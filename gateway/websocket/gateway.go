package websocket

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/c360/entitystream/errors"
	"github.com/c360/entitystream/gateway"
	"github.com/c360/entitystream/health"
	"github.com/c360/entitystream/metric"
)

// Option configures a Gateway
type Option func(*Gateway)

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithMetricsRegistry enables Prometheus metrics
func WithMetricsRegistry(registry *metric.MetricsRegistry) Option {
	return func(g *Gateway) {
		g.registry = registry
	}
}

// Gateway accepts websocket sessions and bridges them to a Hub
type Gateway struct {
	hub      gateway.Hub
	cfg      gateway.Config
	upgrader websocket.Upgrader
	logger   *slog.Logger
	registry *metric.MetricsRegistry
	metrics  *wsMetrics

	mu         sync.Mutex
	sessions   map[string]*session
	dashboards map[string]int
	closed     bool
	wg         sync.WaitGroup
	startTime  time.Time

	accepted atomic.Int64
	rejected atomic.Int64
	dropped  atomic.Int64
}

var _ gateway.HTTPHandler = (*Gateway)(nil)

// New creates a gateway. cfg is validated and defaulted.
func New(hub gateway.Hub, cfg gateway.Config, opts ...Option) (*Gateway, error) {
	if hub == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil hub"), "WebsocketGateway", "New", "validate hub")
	}
	if err := cfg.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "WebsocketGateway", "New", "config validation")
	}

	g := &Gateway{
		hub:        hub,
		cfg:        cfg,
		logger:     slog.Default(),
		sessions:   make(map[string]*session),
		dashboards: make(map[string]int),
		startTime:  time.Now(),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "websocket_gateway")

	m, err := newMetrics(g.registry)
	if err != nil {
		return nil, errors.WrapTransient(err, "WebsocketGateway", "New", "metrics registration")
	}
	g.metrics = m

	g.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return g.cfg.OriginAllowed(r.Header.Get("Origin"))
		},
	}
	return g, nil
}

// RegisterHTTPHandlers mounts the socket at <prefix>ws
func (g *Gateway) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	mux.Handle(gateway.NormalizePrefix(prefix)+"ws", g)
}

// ServeHTTP upgrades the request and runs the session until the socket closes. The
// optional "dashboard" query parameter is the default for frames without dashboard_id.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	g.mu.Lock()
	full := g.cfg.MaxSessions > 0 && len(g.sessions) >= g.cfg.MaxSessions
	closed := g.closed
	g.mu.Unlock()

	if closed || full {
		err := errors.WrapTransient(errors.ErrShuttingDown, "WebsocketGateway", "ServeHTTP", "accept session")
		if full {
			err = errors.WrapTransient(errors.ErrQueueFull, "WebsocketGateway", "ServeHTTP", "session limit reached")
		}
		g.rejected.Add(1)
		g.metrics.fail("session_rejected")
		http.Error(w, gateway.PublicMessage(err), gateway.HTTPStatus(err))
		return
	}

	conn, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.rejected.Add(1)
		g.metrics.fail("connection_upgrade")
		g.logger.Debug("Websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}

	s := newSession(uuid.NewString(), r.URL.Query().Get("dashboard"), conn, g)

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		_ = conn.Close()
		return
	}
	g.sessions[s.id] = s
	active := len(g.sessions)
	g.wg.Add(2)
	g.mu.Unlock()

	g.accepted.Add(1)
	g.metrics.opened(active)
	g.logger.Debug("Websocket session opened", "session_id", s.id, "remote", r.RemoteAddr)

	welcome := newFrame(FrameWelcome, "")
	welcome.SessionID = s.id
	s.enqueue(welcome)

	go func() {
		defer g.wg.Done()
		s.writeLoop()
	}()
	go func() {
		defer g.wg.Done()
		s.readLoop()
	}()
}

// Close ends every session and rejects new ones
func (g *Gateway) Close(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	sessions := make([]*session, 0, len(g.sessions))
	for _, s := range g.sessions {
		sessions = append(sessions, s)
	}
	g.mu.Unlock()

	for _, s := range sessions {
		s.close(websocket.CloseGoingAway, "server shutting down")
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.WrapTransient(ctx.Err(), "WebsocketGateway", "Close", "wait for sessions")
	}
}

// Sessions returns the number of open sessions
func (g *Gateway) Sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

// Stats is a snapshot of gateway activity
type Stats struct {
	Sessions   int   `json:"sessions"`
	Accepted   int64 `json:"accepted"`
	Rejected   int64 `json:"rejected"`
	Dropped    int64 `json:"dropped"`
	Dashboards int   `json:"dashboards"`
}

// Stats returns a snapshot of gateway activity
func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Stats{
		Sessions:   len(g.sessions),
		Accepted:   g.accepted.Load(),
		Rejected:   g.rejected.Load(),
		Dropped:    g.dropped.Load(),
		Dashboards: len(g.dashboards),
	}
}

// Health reports the gateway as unhealthy once closed
func (g *Gateway) Health() health.Status {
	g.mu.Lock()
	closed, n := g.closed, len(g.sessions)
	g.mu.Unlock()

	if closed {
		return health.NewUnhealthy("websocket_gateway", "Gateway closed")
	}
	return health.NewHealthy("websocket_gateway", fmt.Sprintf("%d sessions", n)).
		WithMetrics(&health.Metrics{
			Uptime:     time.Since(g.startTime),
			ErrorCount: int(g.rejected.Load() + g.dropped.Load()),
		})
}

// acquire records that a session uses dashboardID
func (g *Gateway) acquire(dashboardID string) {
	g.mu.Lock()
	g.dashboards[dashboardID]++
	g.mu.Unlock()
}

// release closes the dashboard on the hub once no session uses it
func (g *Gateway) release(dashboardID string) {
	g.mu.Lock()
	g.dashboards[dashboardID]--
	last := g.dashboards[dashboardID] <= 0
	if last {
		delete(g.dashboards, dashboardID)
	}
	g.mu.Unlock()

	if last {
		g.hub.CloseDashboard(dashboardID)
	}
}

func (g *Gateway) remove(s *session, reason string) {
	g.mu.Lock()
	delete(g.sessions, s.id)
	active := len(g.sessions)
	g.mu.Unlock()

	if reason == reasonSlowConsumer {
		g.dropped.Add(1)
		g.metrics.fail(reasonSlowConsumer)
	}
	g.metrics.closed(active)
	g.logger.Debug("Websocket session closed",
		"session_id", s.id,
		"reason", reason,
		"duration", time.Since(s.connectedAt))
}
