// Package codec maps bus topics and payloads to change events and application actions
// to outbound publishes.
//
// Topic scheme, for a configurable prefix (default "entitystream"):
//
//	<prefix>/entity/<entityID>                 {"value": 21.5, "updated_at": "2024-05-01T12:00:00Z"}
//	<prefix>/dashboard/<dashboardID>/exchange  {"entity_ids": ["a", "b"], "values": {"a": {...}}}
//	<prefix>/exchange                          {"exchange": {"<entityKey>": <value>}}   (outbound)
//
// Inbound payloads are JSON, or CBOR when the first byte is a CBOR map header. Unknown
// fields are tolerated; on entity payloads they are kept as attributes. Every failure is
// returned as a *DecodeError matching errors.ErrDecode. Decode never panics.
package codec
