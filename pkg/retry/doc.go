// Package retry provides exponential backoff for transient failures.
//
// Two shapes are offered:
//
//   - Do / DoWithResult run a bounded number of attempts, used for status fetches.
//   - Backoff hands out an unbounded sequence of delays with jitter, used by the bus
//     connection manager while it is RECONNECTING.
//
// Errors classified as invalid (see the errors package) or wrapped with NonRetryable
// stop a Do loop immediately.
//
//	values, err := retry.DoWithResult(ctx, retry.Quick(), func() (map[types.EntityID]types.EntityValue, error) {
//	    return fetch(ctx, ids)
//	})
package retry
