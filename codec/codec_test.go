package codec

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/entitystream/errors"
	"github.com/c360/entitystream/types"
)

var fixedNow = time.Date(2024, 6, 1, 8, 0, 0, 0, time.UTC)

func newTestCodec() *Codec {
	return New(WithClock(func() time.Time { return fixedNow }))
}

func TestCodec_Topics(t *testing.T) {
	c := New(WithPrefix("/acme/"))
	assert.Equal(t, "acme", c.Prefix())
	assert.Equal(t, "acme/entity/t1", c.EntityTopic("t1"))
	assert.Equal(t, "acme/entity/+", c.EntityWildcard())
	assert.Equal(t, "acme/dashboard/d1/exchange", c.ExchangeTopic("d1"))
	assert.Equal(t, "acme/exchange", c.ActionTopic())

	assert.Equal(t, DefaultPrefix, New().Prefix())
}

func TestCodec_DecodeEntity(t *testing.T) {
	c := newTestCodec()

	tests := []struct {
		name    string
		payload string
		want    types.EntityValue
	}{
		{
			name:    "number with rfc3339",
			payload: `{"value": 21.5, "updated_at": "2024-05-01T12:00:00Z"}`,
			want: types.EntityValue{
				EntityID:  "temp-1",
				Value:     21.5,
				UpdatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
				ValueType: types.ValueNumber,
			},
		},
		{
			name:    "null value with unix millis",
			payload: `{"value": null, "updated_at": 1714564800000}`,
			want: types.EntityValue{
				EntityID:  "temp-1",
				UpdatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
				ValueType: types.ValueNull,
			},
		},
		{
			name:    "unix seconds",
			payload: `{"value": true, "updated_at": 1714564800}`,
			want: types.EntityValue{
				EntityID:  "temp-1",
				Value:     true,
				UpdatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
				ValueType: types.ValueBool,
			},
		},
		{
			name:    "missing timestamp uses receive time and keeps extras",
			payload: `{"value": "on", "unit": "state", "quality": 3}`,
			want: types.EntityValue{
				EntityID:   "temp-1",
				Value:      "on",
				UpdatedAt:  fixedNow,
				ValueType:  types.ValueString,
				Attributes: map[string]any{"unit": "state", "quality": json.Number("3")},
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := c.Decode("entitystream/entity/temp-1", []byte(tt.payload))
			require.NoError(t, err)
			assert.Equal(t, types.KindEntityValue, ev.Kind)
			assert.Equal(t, []types.EntityID{"temp-1"}, ev.EntityIDs)
			require.Len(t, ev.Values, 1)
			if diff := cmp.Diff(tt.want, ev.Values[0]); diff != "" {
				t.Errorf("value mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestCodec_DecodeExchange(t *testing.T) {
	c := newTestCodec()

	ev, err := c.Decode("entitystream/dashboard/d1/exchange",
		[]byte(`{"entity_ids": ["a", 7, "a"], "values": {"b": {"value": 1}}, "source": "rule"}`))
	require.NoError(t, err)

	assert.Equal(t, types.KindExchange, ev.Kind)
	assert.Equal(t, "d1", ev.DashboardID)
	assert.Equal(t, []types.EntityID{"a", "7", "b"}, ev.EntityIDs)
	require.Len(t, ev.Values, 1)
	assert.Equal(t, types.EntityID("b"), ev.Values[0].EntityID)
	assert.Equal(t, fixedNow, ev.Values[0].UpdatedAt)

	ev, err = c.Decode("entitystream/dashboard/d1/exchange", []byte(`{"entity_ids": ["x"]}`))
	require.NoError(t, err)
	assert.Empty(t, ev.Values)
}

func TestCodec_DecodeExchangeLargeNumericIDs(t *testing.T) {
	c := newTestCodec()

	// above 2^53, not representable as float64
	ev, err := c.Decode("entitystream/dashboard/d1/exchange",
		[]byte(`{"entity_ids": [1860580185283555330, "1860580185283555331", 9007199254740993]}`))
	require.NoError(t, err)
	assert.Equal(t, []types.EntityID{"1860580185283555330", "1860580185283555331", "9007199254740993"}, ev.EntityIDs)

	payload, err := cbor.Marshal(map[string]any{"entity_ids": []any{uint64(1860580185283555330)}})
	require.NoError(t, err)
	ev, err = c.Decode("entitystream/dashboard/d1/exchange", payload)
	require.NoError(t, err)
	assert.Equal(t, []types.EntityID{"1860580185283555330"}, ev.EntityIDs)
}

func TestDecodeJSON(t *testing.T) {
	var obj map[string]any
	require.NoError(t, DecodeJSON([]byte(` {"id": 1860580185283555330} `), &obj))
	assert.Equal(t, json.Number("1860580185283555330"), obj["id"])

	assert.Error(t, DecodeJSON([]byte(`{"a": 1} {"b": 2}`), &obj), "trailing document")
	assert.Error(t, DecodeJSON([]byte(`{"a": 1} x`), &obj), "trailing garbage")
	assert.Error(t, DecodeJSON([]byte(``), &obj))
}

func TestCodec_DecodeErrors(t *testing.T) {
	c := newTestCodec()

	tests := []struct {
		name    string
		topic   string
		payload string
		reason  string
	}{
		{"foreign prefix", "other/entity/a", `{"value":1}`, ReasonUnknownTopic},
		{"unknown kind", "entitystream/widget/a", `{"value":1}`, ReasonUnknownTopic},
		{"empty entity id", "entitystream/entity/", `{"value":1}`, ReasonUnknownTopic},
		{"nested entity topic", "entitystream/entity/a/b", `{"value":1}`, ReasonUnknownTopic},
		{"not json", "entitystream/entity/a", `not json`, ReasonMalformed},
		{"truncated", "entitystream/entity/a", `{"value": 1`, ReasonMalformed},
		{"array payload", "entitystream/entity/a", `[1,2]`, ReasonMalformed},
		{"empty payload", "entitystream/entity/a", ``, ReasonMalformed},
		{"missing value", "entitystream/entity/a", `{"updated_at": 1}`, ReasonMissingField},
		{"object value", "entitystream/entity/a", `{"value": {"x": 1}}`, ReasonBadValue},
		{"bad timestamp", "entitystream/entity/a", `{"value": 1, "updated_at": "yesterday"}`, ReasonBadTimestamp},
		{"exchange without ids", "entitystream/dashboard/d/exchange", `{"foo": 1}`, ReasonMissingField},
		{"exchange empty ids", "entitystream/dashboard/d/exchange", `{"entity_ids": []}`, ReasonMissingField},
		{"exchange bad id", "entitystream/dashboard/d/exchange", `{"entity_ids": [true]}`, ReasonBadEntityID},
		{"exchange bad values", "entitystream/dashboard/d/exchange", `{"entity_ids": ["a"], "values": [1]}`, ReasonMalformed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var ev types.ChangeEvent
			var err error
			require.NotPanics(t, func() { ev, err = c.Decode(tt.topic, []byte(tt.payload)) })
			require.Error(t, err)

			var de *DecodeError
			require.True(t, errors.As(err, &de))
			assert.Equal(t, tt.reason, de.Reason)
			assert.Equal(t, tt.topic, de.Topic)
			assert.True(t, errors.Is(err, errors.ErrDecode))
			assert.True(t, errors.IsInvalid(err))
			assert.Zero(t, ev.Kind)
		})
	}
}

func TestCodec_DecodeCBOR(t *testing.T) {
	c := newTestCodec()

	payload, err := cbor.Marshal(map[string]any{
		"value":      uint64(42),
		"updated_at": uint64(1714564800000),
		"meta":       map[string]any{"src": "plc"},
	})
	require.NoError(t, err)
	require.True(t, isCBORMap(payload))

	ev, err := c.Decode("entitystream/entity/counter", payload)
	require.NoError(t, err)
	require.Len(t, ev.Values, 1)
	assert.Equal(t, 42.0, ev.Values[0].Value)
	assert.Equal(t, types.ValueNumber, ev.Values[0].ValueType)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), ev.Values[0].UpdatedAt)
	assert.Equal(t, map[string]any{"src": "plc"}, ev.Values[0].Attributes["meta"])

	exchange, err := cbor.Marshal(map[string]any{"entity_ids": []any{"a", uint64(9)}})
	require.NoError(t, err)
	ev, err = c.Decode("entitystream/dashboard/d/exchange", exchange)
	require.NoError(t, err)
	assert.Equal(t, []types.EntityID{"a", "9"}, ev.EntityIDs)
}

func TestCodec_Encode(t *testing.T) {
	c := New()

	tests := []struct {
		name   string
		action Action
		want   map[string]any
	}{
		{"property update", PropertyUpdate{EntityKey: "lamp.power", Value: true}, map[string]any{"lamp.power": true}},
		{"integer property", PropertyUpdate{EntityKey: "fan.speed", Value: 3}, map[string]any{"fan.speed": 3.0}},
		{"service call", ServiceCall{EntityKey: "door.open", Args: map[string]any{"delay": 5.0}}, map[string]any{"door.open": map[string]any{"delay": 5.0}}},
		{"service call without args", ServiceCall{EntityKey: "door.close"}, map[string]any{"door.close": map[string]any{}}},
		{"raw exchange", Exchange{"a": 1.0, "b": "x"}, map[string]any{"a": 1.0, "b": "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			topic, payload, err := c.Encode(tt.action)
			require.NoError(t, err)
			assert.Equal(t, "entitystream/exchange", topic)

			var body map[string]any
			require.NoError(t, json.Unmarshal(payload, &body))
			assert.Equal(t, tt.want, body["exchange"])
		})
	}
}

func TestCodec_EncodeInvalid(t *testing.T) {
	c := New()

	for name, action := range map[string]Action{
		"nil":                nil,
		"missing key":        PropertyUpdate{Value: 1},
		"non-scalar":         PropertyUpdate{EntityKey: "a", Value: []int{1}},
		"service no key":     ServiceCall{},
		"empty exchange":     Exchange{},
		"exchange empty key": Exchange{"": 1},
	} {
		t.Run(name, func(t *testing.T) {
			_, _, err := c.Encode(action)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestCodec_EncodeCBORRoundTrip(t *testing.T) {
	c := New(WithFormat(FormatCBOR))
	_, payload, err := c.Encode(PropertyUpdate{EntityKey: "valve", Value: "open"})
	require.NoError(t, err)
	require.True(t, isCBORMap(payload))

	ex, err := DecodeAction(payload)
	require.NoError(t, err)
	assert.Equal(t, Exchange{"valve": "open"}, ex)
}

func TestCodec_EncodeCBORKeepsNumbers(t *testing.T) {
	c := New(WithFormat(FormatCBOR))
	_, payload, err := c.Encode(Exchange{
		"fan.speed": json.Number("3"),
		"door.open": map[string]any{"delay": json.Number("1.5"), "ids": []any{json.Number("18446744073709551615")}},
	})
	require.NoError(t, err)

	var body map[string]map[string]any
	require.NoError(t, cbor.Unmarshal(payload, &body))
	assert.Equal(t, uint64(3), body["exchange"]["fan.speed"])
	args, ok := body["exchange"]["door.open"].(map[any]any)
	require.True(t, ok)
	assert.Equal(t, 1.5, args["delay"])
	assert.Equal(t, []any{uint64(18446744073709551615)}, args["ids"])
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	f, err = ParseFormat("cbor")
	require.NoError(t, err)
	assert.Equal(t, FormatCBOR, f)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func TestDecodeValue_EmptyAttributesStayNil(t *testing.T) {
	v, err := DecodeValue("a", map[string]any{"value": 1.0}, fixedNow)
	require.NoError(t, err)
	if diff := cmp.Diff(types.NewEntityValue("a", 1.0, fixedNow), v, cmpopts.EquateEmpty()); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}
}
