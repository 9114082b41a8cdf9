package websocket

import (
	"fmt"

	"github.com/c360/entitystream/pkg/timestamp"
	"github.com/c360/entitystream/types"
)

// Client frame types
const (
	FrameListen   = "listen"
	FrameUnlisten = "unlisten"
	FrameLoad     = "load"
	FrameAction   = "action"
	FramePing     = "ping"
)

// Server frame types
const (
	FrameWelcome  = "welcome"
	FrameSnapshot = "snapshot"
	FrameChanged  = "changed"
	FrameAck      = "ack"
	FrameError    = "error"
	FramePong     = "pong"
)

// ClientFrame is a request from the browser
type ClientFrame struct {
	Type        string         `json:"type"`
	ID          string         `json:"id,omitempty"`
	WidgetID    string         `json:"widget_id,omitempty"`
	DashboardID string         `json:"dashboard_id,omitempty"`
	EntityIDs   []any          `json:"entity_ids,omitempty"`
	Exchange    map[string]any `json:"exchange,omitempty"`
}

// ServerFrame is a reply or push to the browser
type ServerFrame struct {
	Type        string                                `json:"type"`
	ID          string                                `json:"id,omitempty"`
	SessionID   string                                `json:"session_id,omitempty"`
	WidgetID    string                                `json:"widget_id,omitempty"`
	DashboardID string                                `json:"dashboard_id,omitempty"`
	Changed     []types.EntityID                      `json:"changed,omitempty"`
	Values      map[types.EntityID]types.EntityValue `json:"values,omitempty"`
	Error       string                                `json:"error,omitempty"`
	Timestamp   int64                                 `json:"timestamp"`
}

func newFrame(typ, id string) ServerFrame {
	return ServerFrame{Type: typ, ID: id, Timestamp: timestamp.Now()}
}

// entityIDs normalizes the ids of a frame. Numeric ids are accepted, anything else
// that is not a non-empty string is rejected.
func (f ClientFrame) entityIDs() ([]types.EntityID, error) {
	ids := make([]types.EntityID, 0, len(f.EntityIDs))
	for _, raw := range f.EntityIDs {
		id, ok := types.NormalizeID(raw)
		if !ok {
			return nil, fmt.Errorf("invalid entity id %v", raw)
		}
		ids = append(ids, id)
	}
	return ids, nil
}
