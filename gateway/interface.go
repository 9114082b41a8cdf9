package gateway

import (
	"context"
	"net/http"

	"github.com/c360/entitystream/codec"
	"github.com/c360/entitystream/listener"
	"github.com/c360/entitystream/types"
)

// Hub is the live state a gateway serves. *livestate.Hub satisfies it.
type Hub interface {
	RegisterEntityListener(ids []types.EntityID, opts listener.Options) (listener.Unregister, error)
	LatestEntityValues(ids []types.EntityID) map[types.EntityID]types.EntityValue
	LoadDashboard(ctx context.Context, dashboardID string, ids []types.EntityID) error
	CloseDashboard(dashboardID string)
	PublishAction(ctx context.Context, action codec.Action) error
}

// HTTPHandler is implemented by gateways that mount routes on a shared mux.
// The prefix always ends with "/".
type HTTPHandler interface {
	RegisterHTTPHandlers(prefix string, mux *http.ServeMux)
}

// NormalizePrefix makes prefix absolute with a trailing slash
func NormalizePrefix(prefix string) string {
	if prefix == "" || prefix[0] != '/' {
		prefix = "/" + prefix
	}
	if prefix[len(prefix)-1] != '/' {
		prefix += "/"
	}
	return prefix
}
