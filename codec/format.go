package codec

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strconv"

	"github.com/fxamacker/cbor/v2"
)

// Format is a payload serialization
type Format string

// Supported formats
const (
	FormatJSON Format = "json"
	FormatCBOR Format = "cbor"
)

// ParseFormat validates a configured format name. Empty means JSON.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case "", FormatJSON:
		return FormatJSON, nil
	case FormatCBOR:
		return FormatCBOR, nil
	default:
		return "", fmt.Errorf("unknown payload format %q", s)
	}
}

var (
	cborEnc cbor.EncMode
	cborDec cbor.DecMode
)

func init() {
	var err error

	cborEnc, err = cbor.EncOptions{
		Sort:          cbor.SortCanonical,
		IndefLength:   cbor.IndefLengthForbidden,
		NilContainers: cbor.NilContainerAsNull,
		Time:          cbor.TimeRFC3339Nano,
	}.EncMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR encoder mode: %v", err))
	}

	// Lenient decoding, string-keyed maps throughout so payloads look the same as JSON.
	cborDec, err = cbor.DecOptions{
		DupMapKey:         cbor.DupMapKeyQuiet,
		IndefLength:       cbor.IndefLengthAllowed,
		ExtraReturnErrors: cbor.ExtraDecErrorNone,
		DefaultMapType:    reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("failed to create CBOR decoder mode: %v", err))
	}
}

// isCBORMap reports whether raw starts with a CBOR map header (major type 5).
// No JSON document can start with these bytes.
func isCBORMap(raw []byte) bool {
	return len(raw) > 0 && raw[0]>>5 == 5
}

// unmarshalObject decodes a JSON or CBOR object into a string-keyed map
func unmarshalObject(raw []byte) (map[string]any, error) {
	var obj map[string]any
	if isCBORMap(raw) {
		if err := cborDec.Unmarshal(raw, &obj); err != nil {
			return nil, err
		}
		return obj, nil
	}

	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("payload is not an object")
	}
	if err := DecodeJSON(trimmed, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// DecodeJSON decodes exactly one JSON document into v. Numbers stay json.Number so
// integer entity ids beyond float64 precision reach NormalizeID intact.
func DecodeJSON(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("unexpected data after JSON document")
	}
	return nil
}

func marshal(format Format, v any) ([]byte, error) {
	if format == FormatCBOR {
		return cborEnc.Marshal(nativeNumbers(v))
	}
	return json.Marshal(v)
}

// nativeNumbers replaces json.Number, which CBOR would encode as text, with an
// integer or float
func nativeNumbers(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if u, err := strconv.ParseUint(string(t), 10, 64); err == nil {
			return u
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return string(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, e := range t {
			out[k] = nativeNumbers(e)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = nativeNumbers(e)
		}
		return out
	default:
		return v
	}
}
