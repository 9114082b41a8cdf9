package http

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/entitystream/gateway"
	"github.com/c360/entitystream/health"
	"github.com/c360/entitystream/testutil"
)

type routeFunc func(prefix string, mux *http.ServeMux)

func (f routeFunc) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) { f(prefix, mux) }

func newTestServer(t *testing.T, mutate func(*gateway.Config)) *Server {
	t.Helper()
	cfg := gateway.DefaultConfig()
	if mutate != nil {
		mutate(&cfg)
	}
	s, err := NewServer("127.0.0.1:0", cfg, nil)
	require.NoError(t, err)

	s.Mount("live", routeFunc(func(prefix string, mux *http.ServeMux) {
		mux.HandleFunc(prefix+"echo", func(w http.ResponseWriter, _ *http.Request) {
			_, _ = w.Write([]byte(prefix))
		})
		mux.HandleFunc(prefix+"boom", func(http.ResponseWriter, *http.Request) {
			panic("handler bug")
		})
	}))
	return s
}

func serve(s *Server, method, path string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	for k, v := range header {
		req.Header[k] = v
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestGetOrGenerateRequestID(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("X-Request-ID", "existing-request-id")
	assert.Equal(t, "existing-request-id", getOrGenerateRequestID(req))

	req = httptest.NewRequest(http.MethodGet, "/test", nil)
	ids := make(map[string]bool)
	for i := 0; i < 100; i++ {
		id := getOrGenerateRequestID(req)
		require.NotEmpty(t, id)
		require.False(t, ids[id], "duplicate request id %s", id)
		ids[id] = true
	}
}

func TestNewServer_Validation(t *testing.T) {
	_, err := NewServer("", gateway.DefaultConfig(), nil)
	require.Error(t, err)

	cfg := gateway.DefaultConfig()
	cfg.EnableCORS = true
	_, err = NewServer(":0", cfg, nil)
	require.Error(t, err)
}

func TestServer_MountAndRequestID(t *testing.T) {
	s := newTestServer(t, nil)

	rec := serve(s, http.MethodGet, "/live/echo", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "/live/", rec.Body.String())
	assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))

	rec = serve(s, http.MethodGet, "/live/echo", http.Header{"X-Request-Id": []string{"abc"}})
	assert.Equal(t, "abc", rec.Header().Get("X-Request-ID"))
	assert.Equal(t, uint64(2), s.Stats().RequestsTotal)
}

func TestServer_RecoversPanics(t *testing.T) {
	s := newTestServer(t, nil)

	rec := serve(s, http.MethodGet, "/live/boom", nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "internal server error", body["error"])
	assert.Equal(t, uint64(1), s.Stats().Panics)
}

func TestServer_CORS(t *testing.T) {
	s := newTestServer(t, func(c *gateway.Config) {
		c.EnableCORS = true
		c.CORSOrigins = []string{"https://dash.example.com"}
	})

	rec := serve(s, http.MethodOptions, "/live/echo", http.Header{"Origin": []string{"https://dash.example.com"}})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://dash.example.com", rec.Header().Get("Access-Control-Allow-Origin"))

	rec = serve(s, http.MethodGet, "/live/echo", http.Header{"Origin": []string{"https://evil.example.com"}})
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestServer_Health(t *testing.T) {
	s := newTestServer(t, nil)
	monitor := health.NewMonitor()
	monitor.UpdateHealthy("bus", "connected")
	s.HandleHealth(monitor, "entitystream")

	rec := serve(s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	monitor.UpdateUnhealthy("bus", "disconnected")
	rec = serve(s, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_StartShutdown(t *testing.T) {
	s := newTestServer(t, nil)
	assert.True(t, s.Health().IsUnhealthy())

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()
	testutil.Eventually(t, 2*time.Second, func() bool { return s.Health().IsHealthy() }, "server running")

	resp, err := http.Get("http://" + s.Addr() + "/live/echo")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	require.NoError(t, <-errCh)
	assert.True(t, s.Health().IsUnhealthy())
}

func TestServer_StartTLS(t *testing.T) {
	// borrow httptest's certificate and a client that trusts it
	donor := httptest.NewTLSServer(http.NotFoundHandler())
	cert := donor.TLS.Certificates[0]
	client := donor.Client()
	donor.Close()

	s := newTestServer(t, nil)
	s.SetTLS(&tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12})

	errCh := make(chan error, 1)
	go func() { errCh <- s.Start() }()
	testutil.Eventually(t, 2*time.Second, func() bool { return s.Health().IsHealthy() }, "server running")

	resp, err := client.Get("https://" + s.Addr() + "/live/echo")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// the tls server answers plain http with 400
	plain, err := http.Get("http://" + s.Addr() + "/live/echo")
	if err == nil {
		_ = plain.Body.Close()
		assert.Equal(t, http.StatusBadRequest, plain.StatusCode)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))
	require.NoError(t, <-errCh)
}
