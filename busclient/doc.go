// Package busclient owns the single shared message-bus connection.
//
// A Client multiplexes any number of topic handlers over one Transport. It never
// surfaces connection failures to callers: a failed connect or a lost socket moves the
// client to RECONNECTING and a background loop retries with exponential backoff and
// jitter until it succeeds or Disconnect is called. Active subscriptions are replayed on
// every successful connect, so handlers registered once keep receiving messages across
// reconnects and credential refreshes without being registered again.
//
// Transports:
//
//   - MQTTTransport: MQTT over TCP or WebSocket (paho), the default
//   - NATSTransport: NATS core subjects, MQTT patterns translated to NATS wildcards
//   - RedisTransport: Redis pub/sub with PSUBSCRIBE patterns
//   - MemoryTransport: in-process broker for single-process deployments and tests
//
// Topic patterns use MQTT syntax everywhere: "+" matches one level, "#" the remainder.
//
//	client := busclient.NewClient(busclient.NewMQTTTransport(), busclient.WithLogger(logger))
//	_ = client.Connect(ctx, "wss://broker.example.com/mqtt", busclient.Credentials{Token: token})
//	unsubscribe, _ := client.Subscribe("entitystream/entity/+", func(topic string, payload []byte) {
//	    ...
//	})
//	defer unsubscribe()
package busclient
