// Package http hosts gateways on one HTTP server with request ids, CORS preflight,
// panic recovery and a /health endpoint.
package http

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/c360/entitystream/errors"
	"github.com/c360/entitystream/gateway"
	"github.com/c360/entitystream/health"
)

// getOrGenerateRequestID keeps an incoming X-Request-ID or creates one
func getOrGenerateRequestID(r *http.Request) string {
	if reqID := r.Header.Get("X-Request-ID"); reqID != "" {
		return reqID
	}
	return uuid.NewString()
}

// Server is the HTTP server gateways register their routes on
type Server struct {
	addr   string
	config gateway.Config
	logger *slog.Logger
	mux    *http.ServeMux

	mu        sync.Mutex
	server    *http.Server
	listener  net.Listener
	tlsConfig *tls.Config

	running   atomic.Bool
	startTime time.Time

	requestsTotal  atomic.Uint64
	requestsFailed atomic.Uint64
	panics         atomic.Uint64
	lastActivity   atomic.Int64
}

// NewServer creates a server listening on addr. config is validated and defaulted.
func NewServer(addr string, config gateway.Config, logger *slog.Logger) (*Server, error) {
	if addr == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "Server", "NewServer", "listen address is required")
	}
	if err := config.Validate(); err != nil {
		return nil, errors.WrapInvalid(err, "Server", "NewServer", "config validation")
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Server{
		addr:   addr,
		config: config,
		logger: logger.With("component", "http_server"),
		mux:    http.NewServeMux(),
	}, nil
}

// Mount registers a gateway's routes under prefix
func (s *Server) Mount(prefix string, h gateway.HTTPHandler) {
	h.RegisterHTTPHandlers(gateway.NormalizePrefix(prefix), s.mux)
}

// SetTLS makes Start serve TLS with cfg. A nil cfg serves plain HTTP.
func (s *Server) SetTLS(cfg *tls.Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tlsConfig = cfg
}

// HandleHealth serves the monitor's aggregate at /health
func (s *Server) HandleHealth(m *health.Monitor, systemName string) {
	s.mux.Handle("/health", health.Handler(m, systemName))
}

// Handler returns the mux wrapped in the server middleware. Exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.wrap(s.mux)
}

// Start listens and serves until Shutdown. It returns once the listener is closed.
func (s *Server) Start() error {
	s.mu.Lock()
	if s.server != nil {
		s.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Server", "Start", "check server state")
	}

	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.mu.Unlock()
		return errors.WrapFatal(err, "Server", "Start", fmt.Sprintf("listen on %s", s.addr))
	}
	secure := s.tlsConfig != nil
	if secure {
		ln = tls.NewListener(ln, s.tlsConfig.Clone())
	}

	srv := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.server = srv
	s.listener = ln
	s.startTime = time.Now()
	s.running.Store(true)
	s.mu.Unlock()

	s.logger.Info("HTTP server listening", "addr", ln.Addr().String(), "tls", secure)
	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		s.running.Store(false)
		return errors.WrapFatal(err, "Server", "Start", "serve")
	}
	return nil
}

// Addr returns the bound address once started, otherwise the configured one
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// Shutdown stops accepting requests and waits for in-flight ones. Hijacked websocket
// connections are not tracked here; close the websocket gateway first.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.listener = nil
	s.mu.Unlock()

	s.running.Store(false)
	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "Server", "Shutdown", "graceful shutdown")
	}
	return nil
}

// wrap applies request ids, CORS and panic recovery
func (s *Server) wrap(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := getOrGenerateRequestID(r)
		w.Header().Set("X-Request-ID", requestID)

		s.requestsTotal.Add(1)
		s.lastActivity.Store(time.Now().UnixNano())

		if s.config.EnableCORS {
			s.applyCORS(w, r)
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}

		defer func() {
			if rec := recover(); rec != nil {
				if rec == http.ErrAbortHandler {
					panic(rec)
				}
				s.panics.Add(1)
				s.logger.Error("Handler panic recovered",
					"request_id", requestID,
					"path", r.URL.Path,
					"panic", fmt.Sprint(rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()

		next.ServeHTTP(w, r)
	})
}

// applyCORS sets CORS headers for allowed origins
func (s *Server) applyCORS(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" || !s.config.OriginAllowed(origin) {
		return
	}
	w.Header().Set("Access-Control-Allow-Origin", origin)
	w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	w.Header().Set("Access-Control-Max-Age", "3600")
	w.Header().Add("Vary", "Origin")
}

// writeError writes a JSON error body
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	s.requestsFailed.Add(1)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error":  message,
		"status": statusCode,
	})
}

// Stats is a snapshot of request counters
type Stats struct {
	RequestsTotal  uint64    `json:"requests_total"`
	RequestsFailed uint64    `json:"requests_failed"`
	Panics         uint64    `json:"panics"`
	LastActivity   time.Time `json:"last_activity"`
}

// Stats returns a snapshot of request counters
func (s *Server) Stats() Stats {
	var last time.Time
	if ns := s.lastActivity.Load(); ns > 0 {
		last = time.Unix(0, ns)
	}
	return Stats{
		RequestsTotal:  s.requestsTotal.Load(),
		RequestsFailed: s.requestsFailed.Load(),
		Panics:         s.panics.Load(),
		LastActivity:   last,
	}
}

// Health reports whether the server is accepting requests
func (s *Server) Health() health.Status {
	if !s.running.Load() {
		return health.NewUnhealthy("http_server", "Not serving")
	}
	st := s.Stats()
	s.mu.Lock()
	uptime := time.Since(s.startTime)
	s.mu.Unlock()
	return health.NewHealthy("http_server", "Serving").WithMetrics(&health.Metrics{
		Uptime:            uptime,
		ErrorCount:        int(st.RequestsFailed),
		MessagesProcessed: int64(st.RequestsTotal),
		LastActivity:      st.LastActivity,
	})
}
