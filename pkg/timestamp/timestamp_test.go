package timestamp

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	want := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		raw  any
	}{
		{"rfc3339", "2024-05-01T12:00:00Z"},
		{"rfc3339 with offset", "2024-05-01T14:00:00+02:00"},
		{"millis float", float64(1714564800000)},
		{"millis string", "1714564800000"},
		{"seconds string", " 1714564800 "},
		{"seconds int64", int64(1714564800)},
		{"millis uint64", uint64(1714564800000)},
		{"seconds int", 1714564800},
		{"json number", json.Number("1714564800000")},
		{"time", want.In(time.FixedZone("x", 3600))},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.raw)
			require.NoError(t, err)
			assert.True(t, want.Equal(got), "got %s", got)
			assert.Equal(t, time.UTC, got.Location())
		})
	}
}

func TestParse_Errors(t *testing.T) {
	for _, raw := range []any{"yesterday", []int{1}, map[string]any{}, json.Number("x"), (*time.Time)(nil)} {
		_, err := Parse(raw)
		assert.Error(t, err, "%v", raw)
	}
}

func TestFromEpoch_FractionalSeconds(t *testing.T) {
	got := FromEpoch(1714564800.25)
	assert.Equal(t, int64(1714564800250), got.UnixMilli())

	// just over the limit is milliseconds
	assert.Equal(t, int64(SecondsLimit), FromEpoch(SecondsLimit).UnixMilli())
}

func TestToUnixMsAndFormat(t *testing.T) {
	assert.Zero(t, ToUnixMs(time.Time{}))
	assert.Empty(t, Format(time.Time{}))

	ts := time.Date(2023, 1, 15, 12, 30, 45, 123000000, time.UTC)
	assert.Equal(t, int64(1673785845123), ToUnixMs(ts))
	assert.Equal(t, "2023-01-15T12:30:45.123Z", Format(ts))

	before := time.Now().UnixMilli()
	now := Now()
	assert.GreaterOrEqual(t, now, before)
}
