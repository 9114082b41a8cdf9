package health

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/entitystream/types"
)

func TestFromConnectionState(t *testing.T) {
	tests := []struct {
		state types.ConnectionState
		want  string
	}{
		{types.StateConnected, StateHealthy},
		{types.StateConnecting, StateDegraded},
		{types.StateReconnecting, StateDegraded},
		{types.StateDisconnected, StateUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.state.String(), func(t *testing.T) {
			s := FromConnectionState("bus", tt.state)
			assert.Equal(t, tt.want, s.Status)
			assert.Equal(t, tt.want == StateHealthy, s.Healthy)
			assert.Equal(t, "bus", s.Component)
		})
	}
}

func TestAggregate(t *testing.T) {
	tests := []struct {
		name string
		subs []Status
		want string
	}{
		{"empty", nil, StateHealthy},
		{"all healthy", []Status{NewHealthy("a", ""), NewHealthy("b", "")}, StateHealthy},
		{"one degraded", []Status{NewHealthy("a", ""), NewDegraded("b", "")}, StateDegraded},
		{"unhealthy wins", []Status{NewDegraded("a", ""), NewUnhealthy("b", "")}, StateUnhealthy},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := Aggregate("system", tt.subs)
			assert.Equal(t, tt.want, s.Status)
			assert.Len(t, s.SubStatuses, len(tt.subs))
		})
	}
}

func TestStatus_WithHelpers(t *testing.T) {
	base := NewHealthy("a", "ok")
	withSub := base.WithSubStatus(NewDegraded("b", ""))
	assert.Empty(t, base.SubStatuses)
	assert.Len(t, withSub.SubStatuses, 1)

	withMetrics := base.WithMetrics(&Metrics{ErrorCount: 3})
	assert.Nil(t, base.Metrics)
	assert.Equal(t, 3, withMetrics.Metrics.ErrorCount)

	assert.Equal(t, "ok", base.WithError(nil).Message)
}

func TestSanitizeErrorMessage(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		absent  []string
		present []string
	}{
		{"ws url", "dial ws://broker.internal:9001/mqtt?token=abc failed", []string{"broker.internal", "abc"}, []string{"[URL]"}},
		{"redis url", "connect redis://:pw@10.0.0.5:6379/0", []string{"10.0.0.5", "pw@"}, []string{"[URL]"}},
		{"bearer token", "request rejected: bearer eyJhbGciOi", []string{"eyJhbGciOi"}, []string{"[REDACTED]"}},
		{"ip and port", "dial tcp 192.168.1.10:1883: refused", []string{"192.168.1.10", "1883"}, []string{"[IP]"}},
		{"empty", "", nil, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := sanitizeErrorMessage(tt.in)
			for _, s := range tt.absent {
				assert.NotContains(t, out, s)
			}
			for _, s := range tt.present {
				assert.Contains(t, out, s)
			}
		})
	}

	s := NewUnhealthy("bus", "").WithError(fmt.Errorf("password=hunter2"))
	assert.NotContains(t, s.Message, "hunter2")
}

func TestMonitor_PushAndProbe(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("gateway", "listening")

	state := types.StateReconnecting
	m.Register("livestate", func() Status { return FromConnectionState("ignored", state) })

	got, ok := m.Get("livestate")
	require.True(t, ok)
	assert.Equal(t, "livestate", got.Component)
	assert.True(t, got.IsDegraded())
	assert.True(t, m.AggregateHealth("system").IsDegraded())

	state = types.StateConnected
	assert.True(t, m.AggregateHealth("system").IsHealthy())
	assert.Equal(t, 2, m.Count())

	m.Remove("gateway")
	_, ok = m.Get("gateway")
	assert.False(t, ok)
}

func TestMonitor_ProbePanic(t *testing.T) {
	m := NewMonitor()
	m.Register("broken", func() Status { panic("boom") })

	got, ok := m.Get("broken")
	require.True(t, ok)
	assert.True(t, got.IsUnhealthy())
}

func TestMonitor_Concurrent(t *testing.T) {
	m := NewMonitor()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			name := fmt.Sprintf("c%d", i%5)
			m.UpdateDegraded(name, "")
			_ = m.AggregateHealth("system")
			_ = m.GetAll()
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 5, m.Count())
}

func TestHandler(t *testing.T) {
	m := NewMonitor()
	m.UpdateHealthy("a", "")

	rec := httptest.NewRecorder()
	Handler(m, "entitystream").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var body Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "entitystream", body.Component)
	assert.True(t, body.Healthy)

	m.UpdateUnhealthy("b", "down")
	rec = httptest.NewRecorder()
	Handler(m, "entitystream").ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
