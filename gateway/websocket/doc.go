// Package websocket serves live entity updates to remote dashboards.
//
// Each connection is a session with its own id. A session registers widget listeners
// on the hub under "<session>/<widget>" so widget ids from different tabs never
// collide, and unregisters all of them when the socket closes.
//
// Client frames:
//
//	{"type":"listen","id":"1","widget_id":"w1","dashboard_id":"d1","entity_ids":["sensor.a"]}
//	{"type":"unlisten","id":"2","widget_id":"w1"}
//	{"type":"load","id":"3","dashboard_id":"d1","entity_ids":["sensor.a","sensor.b"]}
//	{"type":"action","id":"4","exchange":{"light.kitchen":true}}
//	{"type":"ping","id":"5"}
//
// Server frames are "welcome", "snapshot" (reply to listen), "changed" (one per
// flushed batch per widget, carrying the current cached values), "ack", "error" and
// "pong". Every reply echoes the request id.
//
// Outbound frames go through a bounded per-session queue drained by one writer
// goroutine. A session that cannot keep up is closed rather than allowed to stall
// the dispatcher.
package websocket
