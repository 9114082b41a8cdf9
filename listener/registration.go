package listener

import (
	"github.com/c360/entitystream/types"
)

// Callback is invoked once per flushed window with the ids, among those the widget
// registered for, that changed during the window.
type Callback func(changed []types.EntityID)

// Options identify the widget that owns a registration
type Options struct {
	WidgetID    string
	DashboardID string
	Callback    Callback
}

// Registration is a widget's interest in a set of entities.
// EntityIDs is never mutated after registration.
type Registration struct {
	WidgetID    string
	DashboardID string
	EntityIDs   types.EntitySet
	Callback    Callback

	seq uint64
}

// Seq is the monotonically increasing registration order
func (r Registration) Seq() uint64 {
	return r.seq
}

// Changed returns the registered ids present in changed, sorted
func (r Registration) Changed(changed types.EntitySet) []types.EntityID {
	out := make(types.EntitySet)
	for id := range r.EntityIDs {
		if changed.Has(id) {
			out.Add(id)
		}
	}
	return out.Slice()
}

// Unregister removes the registration it was returned for. Safe to call more than once.
type Unregister func()

func noopUnregister() {}

// Notifier receives changed ids for a dashboard
type Notifier interface {
	Notify(dashboardID string, ids []types.EntityID)
}

// NotifierFunc adapts a function to Notifier
type NotifierFunc func(dashboardID string, ids []types.EntityID)

// Notify calls f
func (f NotifierFunc) Notify(dashboardID string, ids []types.EntityID) {
	f(dashboardID, ids)
}

// LifecycleHook observes a dashboard gaining its first registration (active=true) or
// losing its last one (active=false).
type LifecycleHook func(dashboardID string, active bool)
