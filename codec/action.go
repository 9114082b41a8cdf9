package codec

import (
	"fmt"
)

// Action is an outbound application request
type Action interface {
	exchange() (map[string]any, error)
}

// PropertyUpdate sets a writable entity to a scalar value
type PropertyUpdate struct {
	EntityKey string
	Value     any
}

func (p PropertyUpdate) exchange() (map[string]any, error) {
	if p.EntityKey == "" {
		return nil, fmt.Errorf("property update without entity key")
	}
	v, err := normalizeScalar(p.Value)
	if err != nil {
		return nil, err
	}
	return map[string]any{p.EntityKey: v}, nil
}

// ServiceCall invokes a device service. Nil Args are sent as an empty object.
type ServiceCall struct {
	EntityKey string
	Args      map[string]any
}

func (s ServiceCall) exchange() (map[string]any, error) {
	if s.EntityKey == "" {
		return nil, fmt.Errorf("service call without entity key")
	}
	args := s.Args
	if args == nil {
		args = map[string]any{}
	}
	return map[string]any{s.EntityKey: args}, nil
}

// Exchange is a raw multi-key exchange, as received from remote dashboard clients
type Exchange map[string]any

func (e Exchange) exchange() (map[string]any, error) {
	if len(e) == 0 {
		return nil, fmt.Errorf("empty exchange")
	}
	for k := range e {
		if k == "" {
			return nil, fmt.Errorf("exchange with empty entity key")
		}
	}
	return map[string]any(e), nil
}
