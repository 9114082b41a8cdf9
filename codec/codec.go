package codec

import (
	"fmt"
	"strings"
	"time"

	"github.com/c360/entitystream/errors"
	"github.com/c360/entitystream/types"
)

// DefaultPrefix is the default topic prefix
const DefaultPrefix = "entitystream"

// Codec translates between bus messages and the data model. Safe for concurrent use.
type Codec struct {
	prefix string
	format Format
	now    func() time.Time
}

// Option configures a Codec
type Option func(*Codec)

// WithPrefix sets the topic prefix. Leading and trailing slashes are trimmed.
func WithPrefix(prefix string) Option {
	return func(c *Codec) {
		if p := strings.Trim(prefix, "/"); p != "" {
			c.prefix = p
		}
	}
}

// WithFormat sets the outbound payload format
func WithFormat(f Format) Option {
	return func(c *Codec) {
		if f != "" {
			c.format = f
		}
	}
}

// WithClock overrides the receive time used for payloads without updated_at
func WithClock(now func() time.Time) Option {
	return func(c *Codec) {
		if now != nil {
			c.now = now
		}
	}
}

// New creates a codec
func New(opts ...Option) *Codec {
	c := &Codec{
		prefix: DefaultPrefix,
		format: FormatJSON,
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Prefix returns the topic prefix
func (c *Codec) Prefix() string { return c.prefix }

// Format returns the outbound payload format
func (c *Codec) Format() Format { return c.format }

// EntityTopic returns the per-entity topic
func (c *Codec) EntityTopic(id types.EntityID) string {
	return c.prefix + "/entity/" + string(id)
}

// EntityWildcard matches every per-entity topic
func (c *Codec) EntityWildcard() string {
	return c.prefix + "/entity/+"
}

// ExchangeTopic returns the dashboard's exchange topic
func (c *Codec) ExchangeTopic(dashboardID string) string {
	return c.prefix + "/dashboard/" + dashboardID + "/exchange"
}

// ActionTopic is where outbound actions are published
func (c *Codec) ActionTopic() string {
	return c.prefix + "/exchange"
}

// Decode turns an inbound message into a change event. Failures are *DecodeError.
func (c *Codec) Decode(topic string, raw []byte) (ev types.ChangeEvent, err error) {
	defer func() {
		if r := recover(); r != nil {
			ev = types.ChangeEvent{}
			err = decodeErr(topic, ReasonMalformed, "panic while decoding: %v", r)
		}
	}()

	rest, ok := strings.CutPrefix(topic, c.prefix+"/")
	if !ok {
		return types.ChangeEvent{}, decodeErr(topic, ReasonUnknownTopic, "")
	}

	parts := strings.Split(rest, "/")
	switch {
	case len(parts) == 2 && parts[0] == "entity" && parts[1] != "":
		return c.decodeEntity(topic, types.EntityID(parts[1]), raw)
	case len(parts) == 3 && parts[0] == "dashboard" && parts[1] != "" && parts[2] == "exchange":
		return c.decodeExchange(topic, parts[1], raw)
	default:
		return types.ChangeEvent{}, decodeErr(topic, ReasonUnknownTopic, "")
	}
}

func (c *Codec) decodeEntity(topic string, id types.EntityID, raw []byte) (types.ChangeEvent, error) {
	fields, err := unmarshalObject(raw)
	if err != nil {
		return types.ChangeEvent{}, &DecodeError{Topic: topic, Reason: ReasonMalformed, Err: err}
	}

	v, err := DecodeValue(id, fields, c.now())
	if err != nil {
		return types.ChangeEvent{}, withTopic(err, topic)
	}

	return types.ChangeEvent{
		Kind:      types.KindEntityValue,
		EntityIDs: []types.EntityID{id},
		Values:    []types.EntityValue{v},
		Raw:       raw,
	}, nil
}

func (c *Codec) decodeExchange(topic, dashboardID string, raw []byte) (types.ChangeEvent, error) {
	fields, err := unmarshalObject(raw)
	if err != nil {
		return types.ChangeEvent{}, &DecodeError{Topic: topic, Reason: ReasonMalformed, Err: err}
	}

	list, ok := fields[FieldEntityIDs].([]any)
	if !ok {
		return types.ChangeEvent{}, decodeErr(topic, ReasonMissingField, "%q must be an array", FieldEntityIDs)
	}

	seen := make(types.EntitySet, len(list))
	ids := make([]types.EntityID, 0, len(list))
	for _, item := range list {
		id, ok := types.NormalizeID(item)
		if !ok {
			return types.ChangeEvent{}, decodeErr(topic, ReasonBadEntityID, "invalid entity id %v", item)
		}
		if !seen.Has(id) {
			seen.Add(id)
			ids = append(ids, id)
		}
	}

	var values []types.EntityValue
	if rawValues, present := fields[FieldValues]; present && rawValues != nil {
		byID, ok := rawValues.(map[string]any)
		if !ok {
			return types.ChangeEvent{}, decodeErr(topic, ReasonMalformed, "%q must be an object", FieldValues)
		}
		receivedAt := c.now()
		for key, entry := range byID {
			obj, ok := entry.(map[string]any)
			if !ok {
				return types.ChangeEvent{}, decodeErr(topic, ReasonMalformed, "value for %q must be an object", key)
			}
			id := types.EntityID(key)
			v, err := DecodeValue(id, obj, receivedAt)
			if err != nil {
				return types.ChangeEvent{}, withTopic(err, topic)
			}
			values = append(values, v)
			if !seen.Has(id) {
				seen.Add(id)
				ids = append(ids, id)
			}
		}
	}

	if len(ids) == 0 {
		return types.ChangeEvent{}, decodeErr(topic, ReasonMissingField, "empty %q", FieldEntityIDs)
	}

	return types.ChangeEvent{
		Kind:        types.KindExchange,
		EntityIDs:   ids,
		DashboardID: dashboardID,
		Values:      values,
		Raw:         raw,
	}, nil
}

// Encode returns the topic and payload for an outbound action
func (c *Codec) Encode(a Action) (string, []byte, error) {
	if a == nil {
		return "", nil, errors.WrapInvalid(fmt.Errorf("nil action"), "Codec", "Encode", "validate action")
	}

	exchange, err := a.exchange()
	if err != nil {
		return "", nil, errors.WrapInvalid(err, "Codec", "Encode", "validate action")
	}

	payload, err := marshal(c.format, map[string]any{FieldExchange: exchange})
	if err != nil {
		return "", nil, errors.WrapInvalid(err, "Codec", "Encode", "marshal payload")
	}
	return c.ActionTopic(), payload, nil
}

// DecodeAction parses an outbound payload back into an Exchange. Used by bridges and tests.
func DecodeAction(raw []byte) (Exchange, error) {
	fields, err := unmarshalObject(raw)
	if err != nil {
		return nil, &DecodeError{Reason: ReasonMalformed, Err: err}
	}
	ex, ok := fields[FieldExchange].(map[string]any)
	if !ok {
		return nil, &DecodeError{Reason: ReasonMissingField, Err: fmt.Errorf("no %q object", FieldExchange)}
	}
	return Exchange(ex), nil
}

func withTopic(err error, topic string) error {
	if de, ok := err.(*DecodeError); ok {
		de.Topic = topic
		return de
	}
	return &DecodeError{Topic: topic, Reason: ReasonMalformed, Err: err}
}
