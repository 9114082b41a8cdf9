package busclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/entitystream/errors"
	"github.com/c360/entitystream/pkg/retry"
	"github.com/c360/entitystream/testutil"
	"github.com/c360/entitystream/types"
)

const testURL = "ws://broker.test/mqtt"

type stateLog struct {
	mu     sync.Mutex
	states []types.ConnectionState
}

func (l *stateLog) record(_, s types.ConnectionState) {
	l.mu.Lock()
	l.states = append(l.states, s)
	l.mu.Unlock()
}

func (l *stateLog) get() []types.ConnectionState {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]types.ConnectionState, len(l.states))
	copy(out, l.states)
	return out
}

func newTestClient(t *testing.T) (*Client, *MemoryTransport, *stateLog) {
	t.Helper()
	transport := NewMemoryTransport(nil)
	log := &stateLog{}
	c := NewClient(transport,
		WithBackoff(retry.BackoffConfig{Initial: 5 * time.Millisecond, Max: 20 * time.Millisecond, Multiplier: 2}),
		WithConnectTimeout(time.Second),
		WithStateListener(log.record),
	)
	t.Cleanup(func() { _ = c.Close(context.Background()) })
	return c, transport, log
}

func waitState(t *testing.T, c *Client, want types.ConnectionState) {
	t.Helper()
	testutil.Eventually(t, 2*time.Second, func() bool { return c.State() == want },
		"state "+want.String())
}

func TestClient_ConnectSuccess(t *testing.T) {
	c, transport, log := newTestClient(t)
	ctx := context.Background()

	assert.Equal(t, types.StateDisconnected, c.State())
	require.NoError(t, c.Connect(ctx, testURL, Credentials{Token: "t1"}))

	assert.Equal(t, types.StateConnected, c.State())
	assert.Equal(t, []types.ConnectionState{types.StateConnecting, types.StateConnected}, log.get())
	assert.Equal(t, []Credentials{{Token: "t1"}}, transport.ConnectCalls())
	assert.Equal(t, int64(1), c.Stats().Connects)
}

func TestClient_ConnectSameTargetIsNoop(t *testing.T) {
	c, transport, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx, testURL, Credentials{Token: "t1"}))
	require.NoError(t, c.Connect(ctx, testURL, Credentials{Token: "t1"}))

	assert.Len(t, transport.ConnectCalls(), 1)
	assert.True(t, c.IsConnected())
}

func TestClient_ConnectNewTargetSwitches(t *testing.T) {
	c, transport, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Connect(ctx, testURL, Credentials{Token: "t1"}))
	require.NoError(t, c.Connect(ctx, "ws://other.test/mqtt", Credentials{Token: "t1"}))

	assert.Len(t, transport.ConnectCalls(), 2)
	assert.Equal(t, "ws://other.test/mqtt", c.URL())
	assert.True(t, c.IsConnected())
}

func TestClient_ConnectValidation(t *testing.T) {
	c, _, _ := newTestClient(t)

	err := c.Connect(context.Background(), "", Credentials{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
	assert.Equal(t, types.StateDisconnected, c.State())
}

func TestClient_ConnectFailureRetriesInBackground(t *testing.T) {
	c, transport, log := newTestClient(t)
	transport.FailNextConnects(3, nil)

	// transport failures are never surfaced from Connect
	require.NoError(t, c.Connect(context.Background(), testURL, Credentials{}))
	assert.Equal(t, types.StateReconnecting, c.State())

	waitState(t, c, types.StateConnected)

	stats := c.Stats()
	assert.Equal(t, int64(3), stats.ConnectFailures)
	assert.GreaterOrEqual(t, stats.ReconnectAttempts, int64(3))
	assert.NotEmpty(t, stats.LastError)

	states := log.get()
	require.NotEmpty(t, states)
	assert.Equal(t, types.StateConnecting, states[0])
	assert.Equal(t, types.StateReconnecting, states[1])
	assert.Equal(t, types.StateConnected, states[len(states)-1])
}

func TestClient_SubscribeBeforeConnect(t *testing.T) {
	c, transport, _ := newTestClient(t)
	rec := testutil.NewMessageRecorder()

	_, err := c.Subscribe("entitystream/entity/+", rec.Handle)
	require.NoError(t, err)
	assert.Empty(t, transport.Patterns())

	require.NoError(t, c.Connect(context.Background(), testURL, Credentials{}))
	assert.Equal(t, []string{"entitystream/entity/+"}, transport.Patterns())

	transport.Broker().Publish("entitystream/entity/e1", []byte(`{"value":1}`))
	msgs := rec.WaitForCount(t, 1, time.Second)
	assert.Equal(t, "entitystream/entity/e1", msgs[0].Topic)
	assert.Equal(t, `{"value":1}`, string(msgs[0].Payload))
}

func TestClient_MultipleHandlersSamePattern(t *testing.T) {
	c, transport, _ := newTestClient(t)
	require.NoError(t, c.Connect(context.Background(), testURL, Credentials{}))

	first := testutil.NewMessageRecorder()
	second := testutil.NewMessageRecorder()

	unsubFirst, err := c.Subscribe("a/#", first.Handle)
	require.NoError(t, err)
	unsubSecond, err := c.Subscribe("a/#", second.Handle)
	require.NoError(t, err)
	assert.Equal(t, 2, c.Stats().Handlers)
	assert.Equal(t, 1, c.Stats().Subscriptions)

	transport.Broker().Publish("a/b/c", []byte("x"))
	assert.Equal(t, 1, first.Count())
	assert.Equal(t, 1, second.Count())

	unsubFirst()
	unsubFirst() // idempotent
	transport.Broker().Publish("a/b", []byte("y"))
	assert.Equal(t, 1, first.Count())
	assert.Equal(t, 2, second.Count())
	assert.Equal(t, []string{"a/#"}, transport.Patterns())

	unsubSecond()
	assert.Empty(t, transport.Patterns())
	assert.Equal(t, 0, c.Stats().Subscriptions)
}

func TestClient_SubscribeValidation(t *testing.T) {
	c, _, _ := newTestClient(t)

	tests := []struct {
		name    string
		pattern string
		handler Handler
	}{
		{"empty pattern", "", func(string, []byte) {}},
		{"misplaced hash", "a/#/b", func(string, []byte) {}},
		{"partial plus", "a/b+", func(string, []byte) {}},
		{"nil handler", "a/b", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			unsub, err := c.Subscribe(tt.pattern, tt.handler)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
			assert.NotNil(t, unsub)
		})
	}
}

func TestClient_ReconnectReplaysSubscriptions(t *testing.T) {
	c, transport, _ := newTestClient(t)
	rec := testutil.NewMessageRecorder()

	_, err := c.Subscribe("entitystream/entity/+", rec.Handle)
	require.NoError(t, err)
	require.NoError(t, c.Connect(context.Background(), testURL, Credentials{}))

	transport.FailNextConnects(1, nil)
	transport.DropConnection(nil)
	assert.Equal(t, types.StateReconnecting, c.State())

	waitState(t, c, types.StateConnected)
	assert.Equal(t, []string{"entitystream/entity/+"}, transport.Patterns())

	transport.Broker().Publish("entitystream/entity/e2", []byte("{}"))
	rec.WaitForCount(t, 1, time.Second)
	assert.Equal(t, int64(2), c.Stats().Connects)
}

func TestClient_PublishWhenDisconnected(t *testing.T) {
	c, _, _ := newTestClient(t)

	err := c.Publish(context.Background(), "entitystream/exchange", []byte("{}"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrTransport))
	assert.True(t, errors.Is(err, errors.ErrNotConnected))
	assert.False(t, errors.Is(err, errors.ErrStaleCredential))
	assert.Equal(t, int64(1), c.Stats().PublishFailures)
}

func TestClient_PublishDelivers(t *testing.T) {
	c, transport, _ := newTestClient(t)
	require.NoError(t, c.Connect(context.Background(), testURL, Credentials{}))

	rec := testutil.NewMessageRecorder()
	_, err := c.Subscribe("entitystream/exchange", rec.Handle)
	require.NoError(t, err)

	require.NoError(t, c.Publish(context.Background(), "entitystream/exchange", []byte(`{"exchange":{}}`)))
	rec.WaitForCount(t, 1, time.Second)
	assert.Equal(t, int64(1), c.Stats().MessagesPublished)
	assert.Equal(t, 1, transport.Broker().Publish("entitystream/exchange", nil))
}

func TestClient_PublishDuringRefreshIsStale(t *testing.T) {
	c, transport, _ := newTestClient(t)
	ctx := context.Background()
	require.NoError(t, c.Connect(ctx, testURL, Credentials{Token: "old"}))

	transport.FailNextConnects(1000, nil)
	require.NoError(t, c.RefreshCredentials(ctx, Credentials{Token: "new"}))
	assert.Equal(t, types.StateReconnecting, c.State())

	err := c.Publish(ctx, "entitystream/exchange", []byte("{}"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrStaleCredential))
	assert.True(t, errors.IsTransient(err))

	transport.FailNextConnects(0, nil)
	waitState(t, c, types.StateConnected)
	require.NoError(t, c.Publish(ctx, "entitystream/exchange", []byte("{}")))

	calls := transport.ConnectCalls()
	assert.Equal(t, "new", calls[len(calls)-1].Token)
}

func TestClient_RefreshWhileConnectedReplays(t *testing.T) {
	c, transport, log := newTestClient(t)
	ctx := context.Background()
	rec := testutil.NewMessageRecorder()

	require.NoError(t, c.Connect(ctx, testURL, Credentials{Token: "old"}))
	_, err := c.Subscribe("entitystream/dashboard/+/exchange", rec.Handle)
	require.NoError(t, err)

	require.NoError(t, c.RefreshCredentials(ctx, Credentials{Token: "new"}))
	assert.Equal(t, types.StateConnected, c.State())
	assert.Equal(t, []Credentials{{Token: "old"}, {Token: "new"}}, transport.ConnectCalls())
	assert.Contains(t, log.get(), types.StateReconnecting)

	transport.Broker().Publish("entitystream/dashboard/d1/exchange", []byte("{}"))
	rec.WaitForCount(t, 1, time.Second)
}

// Disconnect, refresh the token, reconnect: a subscription made before the
// disconnect keeps receiving.
func TestClient_RefreshTokenScenario(t *testing.T) {
	c, transport, _ := newTestClient(t)
	ctx := context.Background()
	rec := testutil.NewMessageRecorder()

	require.NoError(t, c.Connect(ctx, testURL, Credentials{Token: "t1"}))
	_, err := c.Subscribe("entitystream/entity/+", rec.Handle)
	require.NoError(t, err)

	require.NoError(t, c.Disconnect(ctx))
	assert.Equal(t, types.StateDisconnected, c.State())

	transport.Broker().Publish("entitystream/entity/e1", []byte("{}"))
	assert.Equal(t, 0, rec.Count())

	require.NoError(t, c.RefreshCredentials(ctx, Credentials{Token: "t2"}))
	assert.Equal(t, types.StateDisconnected, c.State())

	require.NoError(t, c.Connect(ctx, testURL, Credentials{Token: "t2"}))
	assert.Equal(t, types.StateConnected, c.State())
	assert.Equal(t, []Credentials{{Token: "t1"}, {Token: "t2"}}, transport.ConnectCalls())

	transport.Broker().Publish("entitystream/entity/e1", []byte("{}"))
	rec.WaitForCount(t, 1, time.Second)
}

func TestClient_HandlerPanicIsolated(t *testing.T) {
	c, transport, _ := newTestClient(t)
	require.NoError(t, c.Connect(context.Background(), testURL, Credentials{}))

	rec := testutil.NewMessageRecorder()
	_, err := c.Subscribe("t/+", func(string, []byte) { panic("boom") })
	require.NoError(t, err)
	_, err = c.Subscribe("t/+", rec.Handle)
	require.NoError(t, err)

	transport.Broker().Publish("t/1", []byte("x"))
	assert.Equal(t, 1, rec.Count())
	assert.Equal(t, int64(1), c.Stats().HandlerPanics)
	assert.True(t, c.IsConnected())
}

func TestClient_DisconnectStopsReconnectLoop(t *testing.T) {
	c, transport, _ := newTestClient(t)
	ctx := context.Background()

	transport.FailNextConnects(1000, nil)
	require.NoError(t, c.Connect(ctx, testURL, Credentials{}))
	assert.Equal(t, types.StateReconnecting, c.State())

	require.NoError(t, c.Disconnect(ctx))
	require.NoError(t, c.Disconnect(ctx))
	assert.Equal(t, types.StateDisconnected, c.State())

	attempts := c.Stats().ReconnectAttempts
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, attempts, c.Stats().ReconnectAttempts)
	assert.Equal(t, types.StateDisconnected, c.State())
}

func TestClient_CloseRejectsConnect(t *testing.T) {
	c, _, _ := newTestClient(t)
	ctx := context.Background()

	require.NoError(t, c.Close(ctx))
	err := c.Connect(ctx, testURL, Credentials{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrClosed))

	_, err = c.Subscribe("a/b", func(string, []byte) {})
	assert.True(t, errors.Is(err, errors.ErrClosed))
}

func TestClient_WaitForConnection(t *testing.T) {
	c, transport, _ := newTestClient(t)

	transport.FailNextConnects(1000, nil)
	require.NoError(t, c.Connect(context.Background(), testURL, Credentials{}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := c.WaitForConnection(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrConnectionTimeout))

	transport.FailNextConnects(0, nil)
	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	require.NoError(t, c.WaitForConnection(ctx2))
}

func TestClient_ConcurrentSubscribeAndDrops(t *testing.T) {
	c, transport, _ := newTestClient(t)
	require.NoError(t, c.Connect(context.Background(), testURL, Credentials{}))

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unsub, err := c.Subscribe("x/+", func(string, []byte) {})
			assert.NoError(t, err)
			transport.Broker().Publish("x/1", nil)
			unsub()
		}()
	}
	transport.DropConnection(nil)
	wg.Wait()

	waitState(t, c, types.StateConnected)
	assert.Equal(t, 0, c.Stats().Handlers)
}

func TestClient_SlowSubscribeDoesNotStallDelivery(t *testing.T) {
	c, transport, _ := newTestClient(t)
	require.NoError(t, c.Connect(context.Background(), testURL, Credentials{}))

	var mu sync.Mutex
	var got []string
	record := func(topic string, _ []byte) {
		mu.Lock()
		got = append(got, topic)
		mu.Unlock()
	}
	received := func(topic string) func() bool {
		return func() bool {
			mu.Lock()
			defer mu.Unlock()
			for _, g := range got {
				if g == topic {
					return true
				}
			}
			return false
		}
	}

	_, err := c.Subscribe("a/+", record)
	require.NoError(t, err)

	release := transport.HoldSubscribes()
	defer release()
	done := make(chan error, 1)
	go func() {
		_, err := c.Subscribe("b/+", record)
		done <- err
	}()

	// The pending subscribe must not block routing on existing patterns.
	transport.Broker().Publish("a/1", nil)
	testutil.Eventually(t, 2*time.Second, received("a/1"), "delivery on a/+ while b/+ pending")
	select {
	case <-done:
		t.Fatal("subscribe returned while the transport was holding it")
	default:
	}

	release()
	require.NoError(t, <-done)
	transport.Broker().Publish("b/1", nil)
	testutil.Eventually(t, 2*time.Second, received("b/1"), "delivery on b/+ after release")
}

func TestClient_SubscribeUnsubscribeConverges(t *testing.T) {
	tests := []struct {
		name     string
		keepOne  bool
		expected []string
	}{
		{name: "last handler kept", keepOne: true, expected: []string{"y/+"}},
		{name: "all handlers removed", keepOne: false, expected: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, transport, _ := newTestClient(t)
			require.NoError(t, c.Connect(context.Background(), testURL, Credentials{}))

			var keep Unsubscribe
			if tt.keepOne {
				var err error
				keep, err = c.Subscribe("y/+", func(string, []byte) {})
				require.NoError(t, err)
			}

			var wg sync.WaitGroup
			for i := 0; i < 50; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					unsub, err := c.Subscribe("y/+", func(string, []byte) {})
					assert.NoError(t, err)
					unsub()
				}()
			}
			wg.Wait()

			assert.ElementsMatch(t, tt.expected, transport.Patterns())
			if keep != nil {
				keep()
				assert.Empty(t, transport.Patterns())
			}
		})
	}
}
