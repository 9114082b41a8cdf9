package statusclient

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/entitystream/errors"
	"github.com/c360/entitystream/pkg/retry"
	"github.com/c360/entitystream/types"
)

func fastRetry() retry.Config {
	return retry.Config{MaxAttempts: 3, InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestNew_Validation(t *testing.T) {
	_, err := New("")
	assert.True(t, errors.IsInvalid(err))

	_, err = New("not a url")
	assert.True(t, errors.IsInvalid(err))

	c, err := New("http://api.test/")
	require.NoError(t, err)
	assert.Equal(t, "http://api.test/entities/status", c.endpoint)
}

func TestGetEntitiesStatus_Success(t *testing.T) {
	var gotAuth string
	var gotBody statusRequest

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, StatusPath, r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":{
			"e1":{"value":21.5,"updated_at":"2026-01-02T03:04:05Z"},
			"e2":{"value":"on","updated_at":1767323045000,"unit":"state"}
		}}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, WithToken("tok"), WithRetry(fastRetry()))
	require.NoError(t, err)

	values, err := c.GetEntitiesStatus(context.Background(), []types.EntityID{"e1", "e2", "e3"})
	require.NoError(t, err)

	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, []types.EntityID{"e1", "e2", "e3"}, gotBody.EntityIDs)

	require.Len(t, values, 2)
	assert.Equal(t, 21.5, values["e1"].Value)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), values["e1"].UpdatedAt)
	assert.Equal(t, "on", values["e2"].Value)
	assert.Equal(t, "state", values["e2"].Attributes["unit"])
	assert.NotContains(t, values, types.EntityID("e3"))
}

func TestGetEntitiesStatus_EmptyIDs(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)

	values, err := c.GetEntitiesStatus(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, values)
	assert.Equal(t, int32(0), calls.Load())
}

func TestGetEntitiesStatus_Errors(t *testing.T) {
	tests := []struct {
		name          string
		statuses      []int
		body          string
		wantErr       bool
		wantInvalid   bool
		wantTransient bool
		wantCalls     int32
	}{
		{"retry then succeed", []int{500, 200}, `{"data":{"e1":{"value":1}}}`, false, false, false, 2},
		{"rate limited retried", []int{429, 429, 429}, `{}`, true, false, true, 3},
		{"client error not retried", []int{403}, `{}`, true, true, false, 1},
		{"malformed body not retried", []int{200}, `{"data":`, true, true, false, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				n := int(calls.Add(1)) - 1
				status := tt.statuses[len(tt.statuses)-1]
				if n < len(tt.statuses) {
					status = tt.statuses[n]
				}
				w.WriteHeader(status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c, err := New(srv.URL, WithRetry(fastRetry()))
			require.NoError(t, err)

			_, err = c.GetEntitiesStatus(context.Background(), []types.EntityID{"e1"})
			assert.Equal(t, tt.wantCalls, calls.Load())
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.wantInvalid, errors.IsInvalid(err))
			if tt.wantTransient {
				assert.True(t, errors.Is(err, errors.ErrTransport))
			}
		})
	}
}

func TestGetEntitiesStatus_SkipsBadEntries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"data":{"good":{"value":true},"bad":{"value":{"nested":1}},"empty":{}}}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)

	values, err := c.GetEntitiesStatus(context.Background(), []types.EntityID{"good", "bad", "empty"})
	require.NoError(t, err)
	assert.Len(t, values, 1)
	assert.Equal(t, true, values["good"].Value)
}

func TestSetToken(t *testing.T) {
	var gotAuth atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth.Store(r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"data":{}}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, WithToken("old"))
	require.NoError(t, err)
	c.SetToken("new")

	_, err = c.GetEntitiesStatus(context.Background(), []types.EntityID{"e1"})
	require.NoError(t, err)
	assert.Equal(t, "Bearer new", gotAuth.Load())
}

func TestGetEntitiesStatus_ContextCancelled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c, err := New(srv.URL, WithRetry(retry.Config{MaxAttempts: 10, InitialDelay: time.Second, MaxDelay: time.Second}))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.GetEntitiesStatus(ctx, []types.EntityID{"e1"})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
