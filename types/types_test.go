package types_test

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/c360/entitystream/types"
)

func TestNormalizeID(t *testing.T) {
	tests := []struct {
		name   string
		raw    any
		want   types.EntityID
		wantOK bool
	}{
		{"string", "temp-1", "temp-1", true},
		{"empty string", "", "", false},
		{"int", 42, "42", true},
		{"whole float", float64(17), "17", true},
		{"fractional float", 1.5, "", false},
		{"json number", json.Number("99"), "99", true},
		{"json number above 2^53", json.Number("1860580185283555330"), "1860580185283555330", true},
		{"json number beyond uint64", json.Number("-123456789012345678901234567890"), "-123456789012345678901234567890", true},
		{"json number whole exponent", json.Number("1e3"), "1000", true},
		{"json number fraction", json.Number("1.5"), "", false},
		{"uint64 above 2^53", uint64(1860580185283555330), "1860580185283555330", true},
		{"bool", true, "", false},
		{"nil", nil, "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := types.NormalizeID(tt.raw)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestClassifyValue(t *testing.T) {
	tests := []struct {
		value any
		want  types.ValueType
	}{
		{nil, types.ValueNull},
		{true, types.ValueBool},
		{21.5, types.ValueNumber},
		{int64(3), types.ValueNumber},
		{"on", types.ValueString},
		{map[string]any{"a": 1}, types.ValueUnsupported},
		{[]any{1, 2}, types.ValueUnsupported},
	}

	for _, tt := range tests {
		t.Run(tt.want.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, types.ClassifyValue(tt.value))
		})
	}
}

func TestNewEntityValue(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	v := types.NewEntityValue("e1", 3.0, at)

	assert.Equal(t, types.ValueNumber, v.ValueType)
	assert.False(t, v.IsZero())
	assert.True(t, types.EntityValue{}.IsZero())
	assert.Equal(t, "e1=3@2024-05-01T12:00:00Z", v.String())
}

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "DISCONNECTED", types.StateDisconnected.String())
	assert.Equal(t, "CONNECTING", types.StateConnecting.String())
	assert.Equal(t, "CONNECTED", types.StateConnected.String())
	assert.Equal(t, "RECONNECTING", types.StateReconnecting.String())
	assert.Equal(t, "UNKNOWN", types.ConnectionState(99).String())
}

func TestEntitySet(t *testing.T) {
	s := types.NewEntitySet("b", "a", "b", "")
	assert.Len(t, s, 2)
	assert.True(t, s.Has("a"))
	assert.False(t, s.Has(""))
	assert.Equal(t, []types.EntityID{"a", "b"}, s.Slice())

	assert.True(t, s.Intersects(types.NewEntitySet("x", "b")))
	assert.False(t, s.Intersects(types.NewEntitySet("x", "y")))
	assert.False(t, s.Intersects(types.NewEntitySet()))

	c := s.Clone()
	c.Add("z")
	assert.False(t, s.Has("z"))

	s.AddAll(types.NewEntitySet("q"))
	assert.True(t, s.Has("q"))
}
