package testutil

import (
	"encoding/json"
	"time"
)

// EntityPayload builds an entity update body. A zero updatedAt omits the field.
func EntityPayload(value any, updatedAt time.Time) []byte {
	body := map[string]any{"value": value}
	if !updatedAt.IsZero() {
		body["updated_at"] = updatedAt.UTC().Format(time.RFC3339Nano)
	}
	return mustJSON(body)
}

// ExchangePayload builds a dashboard exchange body. values maps entity id to an
// object carrying at least "value".
func ExchangePayload(entityIDs []string, values map[string]any) []byte {
	body := map[string]any{"entity_ids": entityIDs}
	if values != nil {
		body["values"] = values
	}
	return mustJSON(body)
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}
