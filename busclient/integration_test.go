//go:build integration

package busclient

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/entitystream/pkg/retry"
	"github.com/c360/entitystream/testutil"
	"github.com/c360/entitystream/types"
)

func TestIntegration_Transports(t *testing.T) {
	tests := []struct {
		name      string
		start     func(t *testing.T) string
		transport func() Transport
	}{
		{"mqtt", testutil.StartMosquitto, func() Transport { return NewMQTTTransport() }},
		{"nats", testutil.StartNATS, func() Transport { return NewNATSTransport() }},
		{"redis", testutil.StartRedis, func() Transport { return NewRedisTransport(time.Second) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			url := tt.start(t)
			ctx := context.Background()

			c := NewClient(tt.transport(),
				WithBackoff(retry.BackoffConfig{Initial: 50 * time.Millisecond, Max: time.Second}))
			defer c.Close(ctx)

			rec := testutil.NewMessageRecorder()
			_, err := c.Subscribe("entitystream/entity/+", rec.Handle)
			require.NoError(t, err)

			require.NoError(t, c.Connect(ctx, url, Credentials{}))
			waitCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			require.NoError(t, c.WaitForConnection(waitCtx))

			// subscriptions are established asynchronously on some brokers
			testutil.Eventually(t, 5*time.Second, func() bool {
				_ = c.Publish(ctx, "entitystream/entity/warmup", []byte(`{"value":0}`))
				return rec.Count() > 0
			}, "warmup delivery")

			before := rec.Count()
			require.NoError(t, c.Publish(ctx, "entitystream/entity/e1", []byte(`{"value":42}`)))
			msgs := rec.WaitForCount(t, before+1, 5*time.Second)
			last := msgs[len(msgs)-1]
			assert.Equal(t, "entitystream/entity/e1", last.Topic)
			assert.JSONEq(t, `{"value":42}`, string(last.Payload))

			// token refresh keeps the subscription alive
			require.NoError(t, c.RefreshCredentials(ctx, Credentials{}))
			require.NoError(t, c.WaitForConnection(waitCtx))
			assert.Equal(t, types.StateConnected, c.State())

			before = rec.Count()
			testutil.Eventually(t, 5*time.Second, func() bool {
				_ = c.Publish(ctx, "entitystream/entity/e2", []byte(`{"value":1}`))
				return rec.Count() > before
			}, "delivery after refresh")
		})
	}
}
