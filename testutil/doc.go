// Package testutil provides helpers shared by the package tests.
//
// Recorders capture bus deliveries and listener callbacks from the goroutines that
// produce them and let tests wait for an expected count with a timeout:
//
//	rec := testutil.NewCallbackRecorder()
//	unregister, _ := hub.UseEntityListener(ids, listener.Options{Callback: rec.Callback()})
//	rec.WaitForCalls(t, 1, time.Second)
//
// Fixtures build entity and exchange payloads in the wire shape published by the
// backend. The container helpers start real brokers through testcontainers and are
// only used by tests built with the integration tag.
package testutil
