// Package timestamp normalizes the timestamps entity producers send.
//
// Producers disagree on units. RFC 3339 strings are accepted as is; numbers and numeric
// strings are unix epochs in milliseconds, or in seconds when their magnitude is below
// SecondsLimit. Every result is UTC.
//
//	ts, err := timestamp.Parse("2024-05-01T12:00:00Z")
//	ts, err := timestamp.Parse(1714564800000) // same instant
//	ts, err := timestamp.Parse(1714564800)    // same instant
package timestamp

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// SecondsLimit separates second from millisecond epochs (year 2286 in seconds)
const SecondsLimit = 1e10

// Parse converts a decoded timestamp into UTC time
func Parse(raw any) (time.Time, error) {
	switch v := raw.(type) {
	case time.Time:
		return v.UTC(), nil
	case *time.Time:
		if v == nil {
			return time.Time{}, fmt.Errorf("nil timestamp")
		}
		return v.UTC(), nil
	case string:
		s := strings.TrimSpace(v)
		if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
			return t.UTC(), nil
		}
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return FromEpoch(n), nil
		}
		return time.Time{}, fmt.Errorf("unparseable timestamp %q", v)
	case float64:
		return FromEpoch(v), nil
	case float32:
		return FromEpoch(float64(v)), nil
	case json.Number:
		n, err := v.Float64()
		if err != nil {
			return time.Time{}, err
		}
		return FromEpoch(n), nil
	case int64:
		return FromEpoch(float64(v)), nil
	case uint64:
		return FromEpoch(float64(v)), nil
	case int:
		return FromEpoch(float64(v)), nil
	case int32:
		return FromEpoch(float64(v)), nil
	default:
		return time.Time{}, fmt.Errorf("unsupported timestamp type %T", raw)
	}
}

// FromEpoch interprets n as seconds below SecondsLimit and milliseconds otherwise
func FromEpoch(n float64) time.Time {
	if math.Abs(n) < SecondsLimit {
		sec, frac := math.Modf(n)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC()
	}
	return time.UnixMilli(int64(n)).UTC()
}

// ToUnixMs converts t to unix milliseconds. The zero time is 0.
func ToUnixMs(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

// Now returns the current time as unix milliseconds
func Now() int64 {
	return time.Now().UnixMilli()
}

// Format renders t as RFC 3339 in UTC. The zero time is "".
func Format(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}
