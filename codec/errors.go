package codec

import (
	"fmt"

	"github.com/c360/entitystream/errors"
)

// Decode failure reasons, used as metric labels
const (
	ReasonUnknownTopic = "unknown_topic"
	ReasonMalformed    = "malformed"
	ReasonMissingField = "missing_field"
	ReasonBadValue     = "bad_value"
	ReasonBadTimestamp = "bad_timestamp"
	ReasonBadEntityID  = "bad_entity_id"
)

// DecodeError describes an inbound message that could not be decoded.
// It matches errors.ErrDecode.
type DecodeError struct {
	Topic  string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %q: %s: %v", e.Topic, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %q: %s", e.Topic, e.Reason)
}

// Unwrap exposes both the sentinel and the cause
func (e *DecodeError) Unwrap() []error {
	if e.Err == nil {
		return []error{errors.ErrDecode}
	}
	return []error{errors.ErrDecode, e.Err}
}

func decodeErr(topic, reason string, format string, args ...any) *DecodeError {
	var cause error
	if format != "" {
		cause = fmt.Errorf(format, args...)
	}
	return &DecodeError{Topic: topic, Reason: reason, Err: cause}
}
