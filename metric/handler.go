package metric

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/c360/entitystream/errors"
)

// Server serves the Prometheus registry and an optional health endpoint
type Server struct {
	port     int
	path     string
	server   *http.Server
	registry *MetricsRegistry
	health   http.Handler
	mu       sync.Mutex // protects server field
}

// ServerOption configures a Server
type ServerOption func(*Server)

// WithHealthHandler replaces the default static /health handler
func WithHealthHandler(h http.Handler) ServerOption {
	return func(s *Server) {
		s.health = h
	}
}

// NewServer creates a new metrics server with the provided registry
func NewServer(port int, path string, registry *MetricsRegistry, opts ...ServerOption) *Server {
	if path == "" {
		path = "/metrics"
	}
	if port == 0 {
		port = 9090
	}

	s := &Server{
		port:     port,
		path:     path,
		registry: registry,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Handler builds the HTTP mux. Exposed for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.HandlerFor(
		s.registry.PrometheusRegistry(),
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	))

	if s.health != nil {
		mux.Handle("/health", s.health)
	} else {
		mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("OK"))
		})
	}
	return mux
}

// Start blocks serving until Stop or Shutdown is called
func (s *Server) Start() error {
	s.mu.Lock()
	if s.server != nil {
		s.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("server already running"),
			"Server", "Start", "cannot start server that is already running")
	}
	if s.registry == nil {
		s.mu.Unlock()
		return errors.WrapFatal(
			fmt.Errorf("nil registry"),
			"Server", "Start", "metrics registry not provided")
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.server = srv
	s.mu.Unlock()

	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		s.mu.Lock()
		s.server = nil
		s.mu.Unlock()
		return errors.WrapFatal(err, "Server", "Start",
			fmt.Sprintf("failed to listen on port %d", s.port))
	}

	if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
		return errors.WrapFatal(err, "Server", "Start",
			fmt.Sprintf("failed to serve on port %d", s.port))
	}
	return nil
}

// Shutdown gracefully stops the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()

	if srv == nil {
		return nil
	}
	if err := srv.Shutdown(ctx); err != nil {
		return errors.WrapTransient(err, "Server", "Shutdown", "graceful shutdown")
	}
	return nil
}

// Stop closes the server immediately
func (s *Server) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.server != nil {
		err := s.server.Close()
		s.server = nil
		if err != nil {
			return errors.WrapTransient(err, "Server", "Stop",
				"failed to stop HTTP server")
		}
	}
	return nil
}

// Address returns the server address
func (s *Server) Address() string {
	return fmt.Sprintf("http://localhost:%d%s", s.port, s.path)
}
