// Package errors provides the error taxonomy for the entity update pipeline.
//
// # Overview
//
// Errors fall into three classes: Transient (temporary, retryable), Invalid
// (bad input, never retried) and Fatal (stop processing). On top of the classes the
// package declares the pipeline's own sentinels:
//
//   - ErrTransport: connect and publish failures on the bus. Recovered locally by the
//     connection manager through reconnect-with-backoff; never surfaced to widgets.
//   - ErrDecode: malformed inbound payload. The message is dropped with a warning and
//     does not affect other pending messages.
//   - ErrRegistration: a listener registration with no entity ids or a missing
//     widget/dashboard id. Treated as a no-op by the tolerant registry entry points.
//   - ErrStaleCredential: a publish attempted while reconnecting after a token refresh.
//     The action is dropped.
//
// # Error Wrapping Pattern
//
// All wrapping follows the format
//
//	"component.method: action failed: %w"
//
// using Wrap, WrapTransient, WrapInvalid or WrapFatal:
//
//	if err := transport.Publish(ctx, topic, payload); err != nil {
//	    return errors.Transport(err, "Client", "Publish", "publish to "+topic)
//	}
//
// Classified errors support errors.Is and errors.As through Unwrap, so callers can test
// for a sentinel regardless of how deeply it was wrapped:
//
//	if errors.Is(err, errors.ErrStaleCredential) {
//	    // drop the action, the UI layer decides whether to tell the user
//	}
package errors
