// Package types contains the shared data model for entity update distribution.
package types

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// EntityID identifies a live data point (a sensor reading, a device property).
// Opaque to this module; numeric ids from the wire are normalised to decimal strings.
type EntityID string

// String returns the id as a plain string
func (id EntityID) String() string {
	return string(id)
}

// NormalizeID converts wire representations (string, integer, float with no fraction,
// json.Number) into an EntityID. The boolean is false for unsupported or empty values.
func NormalizeID(raw any) (EntityID, bool) {
	switch v := raw.(type) {
	case string:
		if v == "" {
			return "", false
		}
		return EntityID(v), true
	case EntityID:
		return v, v != ""
	case json.Number:
		if isIntegerLiteral(string(v)) {
			return EntityID(v), true
		}
		f, err := v.Float64()
		if err != nil {
			return "", false
		}
		return NormalizeID(f)
	case int:
		return EntityID(strconv.Itoa(v)), true
	case int64:
		return EntityID(strconv.FormatInt(v, 10)), true
	case uint64:
		return EntityID(strconv.FormatUint(v, 10)), true
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) || math.IsNaN(v) {
			return "", false
		}
		return EntityID(strconv.FormatFloat(v, 'f', -1, 64)), true
	default:
		return "", false
	}
}

// isIntegerLiteral reports whether s is an optionally signed run of digits. Such ids are
// kept verbatim so values beyond float64 precision survive.
func isIntegerLiteral(s string) bool {
	s = strings.TrimPrefix(s, "-")
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// ValueType classifies an entity value
type ValueType int

// Supported scalar value types
const (
	ValueNull ValueType = iota
	ValueBool
	ValueNumber
	ValueString
	ValueUnsupported
)

// String returns the lower-case type name
func (t ValueType) String() string {
	switch t {
	case ValueNull:
		return "null"
	case ValueBool:
		return "bool"
	case ValueNumber:
		return "number"
	case ValueString:
		return "string"
	default:
		return "unsupported"
	}
}

// ClassifyValue derives the ValueType of a decoded value.
// Maps, slices and other composite values classify as ValueUnsupported.
func ClassifyValue(v any) ValueType {
	switch v.(type) {
	case nil:
		return ValueNull
	case bool:
		return ValueBool
	case string:
		return ValueString
	case float64, float32, int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, json.Number:
		return ValueNumber
	default:
		return ValueUnsupported
	}
}

// EntityValue is an immutable snapshot of an entity's latest value.
// The cache replaces snapshots, it never mutates them. Attributes holds
// unrecognised payload fields and must be treated as read-only.
type EntityValue struct {
	EntityID   EntityID       `json:"entity_id"`
	Value      any            `json:"value"`
	UpdatedAt  time.Time      `json:"updated_at"`
	ValueType  ValueType      `json:"-"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

// NewEntityValue builds a snapshot and classifies its value
func NewEntityValue(id EntityID, value any, updatedAt time.Time) EntityValue {
	return EntityValue{
		EntityID:  id,
		Value:     value,
		UpdatedAt: updatedAt,
		ValueType: ClassifyValue(value),
	}
}

// IsZero reports whether the snapshot is unset
func (v EntityValue) IsZero() bool {
	return v.EntityID == ""
}

// String implements fmt.Stringer for logging
func (v EntityValue) String() string {
	return fmt.Sprintf("%s=%v@%s", v.EntityID, v.Value, v.UpdatedAt.Format(time.RFC3339))
}

// EventKind distinguishes decoded inbound messages
type EventKind int

// Inbound message kinds
const (
	KindEntityValue EventKind = iota + 1
	KindExchange
)

// String returns the kind name used in logs and metric labels
func (k EventKind) String() string {
	switch k {
	case KindEntityValue:
		return "entity"
	case KindExchange:
		return "exchange"
	default:
		return "unknown"
	}
}

// ChangeEvent is a decoded inbound bus message.
// For KindEntityValue, Values has exactly one element and EntityIDs its id.
// For KindExchange, Values may be empty (ids only, values must be fetched).
type ChangeEvent struct {
	Kind        EventKind
	EntityIDs   []EntityID
	DashboardID string
	Values      []EntityValue
	Raw         []byte
}
