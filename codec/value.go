package codec

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/c360/entitystream/pkg/timestamp"
	"github.com/c360/entitystream/types"
)

// Payload field names
const (
	FieldValue     = "value"
	FieldUpdatedAt = "updated_at"
	FieldEntityIDs = "entity_ids"
	FieldValues    = "values"
	FieldExchange  = "exchange"
)

// DecodeValue builds an EntityValue from a decoded {value, updated_at, ...} object.
// A missing updated_at takes receivedAt. Unknown fields become attributes.
func DecodeValue(id types.EntityID, fields map[string]any, receivedAt time.Time) (types.EntityValue, error) {
	raw, ok := fields[FieldValue]
	if !ok {
		return types.EntityValue{}, &DecodeError{Reason: ReasonMissingField, Err: fmt.Errorf("no %q field", FieldValue)}
	}

	value, err := normalizeScalar(raw)
	if err != nil {
		return types.EntityValue{}, &DecodeError{Reason: ReasonBadValue, Err: err}
	}

	updatedAt := receivedAt
	if ts, ok := fields[FieldUpdatedAt]; ok && ts != nil {
		updatedAt, err = timestamp.Parse(ts)
		if err != nil {
			return types.EntityValue{}, &DecodeError{Reason: ReasonBadTimestamp, Err: err}
		}
	}

	v := types.NewEntityValue(id, value, updatedAt)
	for k, attr := range fields {
		if k == FieldValue || k == FieldUpdatedAt {
			continue
		}
		if v.Attributes == nil {
			v.Attributes = make(map[string]any)
		}
		v.Attributes[k] = attr
	}
	return v, nil
}

// normalizeScalar accepts JSON scalars and the integer types CBOR produces
func normalizeScalar(raw any) (any, error) {
	switch v := raw.(type) {
	case nil, bool, string, float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case uint64:
		return float64(v), nil
	case int:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	default:
		return nil, fmt.Errorf("non-scalar value of type %T", raw)
	}
}
