package listener

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/c360/entitystream/errors"
	"github.com/c360/entitystream/metric"
	"github.com/c360/entitystream/types"
)

// Registry maps entities to widget registrations. Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	byWidget   map[string]*Registration
	byEntity   map[types.EntityID]map[string]*Registration
	dashboards map[string]int
	seq        uint64

	notifier Notifier
	hook     LifecycleHook
	logger   *slog.Logger
	metrics  *metric.Metrics
}

// Option configures a Registry
type Option func(*Registry)

// WithNotifier sets where TriggerAll forwards changes
func WithNotifier(n Notifier) Option {
	return func(r *Registry) {
		r.notifier = n
	}
}

// WithLifecycleHook sets the dashboard lifecycle hook. It runs outside the registry lock.
func WithLifecycleHook(h LifecycleHook) Option {
	return func(r *Registry) {
		r.hook = h
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithMetrics records registration counts on the core metrics
func WithMetrics(m *metric.Metrics) Option {
	return func(r *Registry) {
		r.metrics = m
	}
}

// NewRegistry creates an empty registry
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{
		byWidget:   make(map[string]*Registration),
		byEntity:   make(map[types.EntityID]map[string]*Registration),
		dashboards: make(map[string]int),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetNotifier replaces the notifier. Used when the dispatcher is built after the registry.
func (r *Registry) SetNotifier(n Notifier) {
	r.mu.Lock()
	r.notifier = n
	r.mu.Unlock()
}

// Register associates the callback with every id under the given widget and dashboard,
// replacing any earlier registration of the same widget. Duplicate and empty ids are
// dropped. Returns ErrRegistration when no usable id remains or when the widget id,
// dashboard id or callback is missing.
func (r *Registry) Register(ids []types.EntityID, opts Options) (Unregister, error) {
	set := types.NewEntitySet(ids...)
	if err := validate(set, opts); err != nil {
		r.metrics.RecordRegistrationRejected()
		return noopUnregister, err
	}

	reg := &Registration{
		WidgetID:    opts.WidgetID,
		DashboardID: opts.DashboardID,
		EntityIDs:   set,
		Callback:    opts.Callback,
	}

	r.mu.Lock()
	var events []dashboardEvent
	if old, ok := r.byWidget[opts.WidgetID]; ok {
		events = append(events, r.removeLocked(old)...)
	}
	r.seq++
	reg.seq = r.seq
	events = append(events, r.addLocked(reg)...)
	total := len(r.byWidget)
	r.mu.Unlock()

	r.metrics.RecordListeners(total)
	r.fire(events)

	r.logger.Debug("Registered widget listener",
		"widget_id", reg.WidgetID,
		"dashboard_id", reg.DashboardID,
		"entities", len(set))

	seq := reg.seq
	widgetID := reg.WidgetID
	var once sync.Once
	return func() {
		once.Do(func() { r.removeIfCurrent(widgetID, seq) })
	}, nil
}

// AddListener is the tolerant form of Register: incomplete input, which widgets may
// legitimately pass during their first render, is logged and ignored.
func (r *Registry) AddListener(ids []types.EntityID, opts Options) Unregister {
	unregister, err := r.Register(ids, opts)
	if err != nil {
		r.logger.Debug("Ignoring widget registration",
			"widget_id", opts.WidgetID,
			"dashboard_id", opts.DashboardID,
			"error", err)
		return noopUnregister
	}
	return unregister
}

// RemoveListener removes the widget's registration. Unknown widgets are a no-op.
func (r *Registry) RemoveListener(widgetID string) bool {
	r.mu.Lock()
	reg, ok := r.byWidget[widgetID]
	var events []dashboardEvent
	if ok {
		events = r.removeLocked(reg)
	}
	total := len(r.byWidget)
	r.mu.Unlock()

	if ok {
		r.metrics.RecordListeners(total)
		r.fire(events)
	}
	return ok
}

// RemoveDashboard removes every registration of the dashboard and returns how many
// were removed.
func (r *Registry) RemoveDashboard(dashboardID string) int {
	r.mu.Lock()
	var events []dashboardEvent
	removed := 0
	for _, reg := range r.byWidget {
		if reg.DashboardID != dashboardID {
			continue
		}
		events = append(events, r.removeLocked(reg)...)
		removed++
	}
	total := len(r.byWidget)
	r.mu.Unlock()

	if removed > 0 {
		r.metrics.RecordListeners(total)
		r.fire(events)
	}
	return removed
}

// ListenersFor returns the registrations that include id, in registration order
func (r *Registry) ListenersFor(id types.EntityID) []Registration {
	r.mu.RLock()
	regs := make([]Registration, 0, len(r.byEntity[id]))
	for _, reg := range r.byEntity[id] {
		regs = append(regs, *reg)
	}
	r.mu.RUnlock()

	sortBySeq(regs)
	return regs
}

// Matching returns each distinct registration on the dashboard whose entity set
// intersects changed, in registration order. An empty dashboardID matches every dashboard.
func (r *Registry) Matching(dashboardID string, changed types.EntitySet) []Registration {
	r.mu.RLock()
	seen := make(map[string]struct{})
	var regs []Registration
	for id := range changed {
		for widgetID, reg := range r.byEntity[id] {
			if dashboardID != "" && reg.DashboardID != dashboardID {
				continue
			}
			if _, ok := seen[widgetID]; ok {
				continue
			}
			seen[widgetID] = struct{}{}
			regs = append(regs, *reg)
		}
	}
	r.mu.RUnlock()

	sortBySeq(regs)
	return regs
}

// DashboardsFor returns the dashboards that have at least one listener on any of ids, sorted
func (r *Registry) DashboardsFor(ids []types.EntityID) []string {
	r.mu.RLock()
	set := make(map[string]struct{})
	for _, id := range ids {
		for _, reg := range r.byEntity[id] {
			set[reg.DashboardID] = struct{}{}
		}
	}
	r.mu.RUnlock()

	out := make([]string, 0, len(set))
	for d := range set {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// EntityIDs returns the union of ids registered on a dashboard
func (r *Registry) EntityIDs(dashboardID string) types.EntitySet {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(types.EntitySet)
	for _, reg := range r.byWidget {
		if reg.DashboardID == dashboardID {
			out.AddAll(reg.EntityIDs)
		}
	}
	return out
}

// ReferencedEntities returns every id with at least one listener
func (r *Registry) ReferencedEntities() types.EntitySet {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(types.EntitySet, len(r.byEntity))
	for id := range r.byEntity {
		out.Add(id)
	}
	return out
}

// References reports whether id has at least one listener
func (r *Registry) References(id types.EntityID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byEntity[id]) > 0
}

// HasDashboard reports whether the dashboard has any registration
func (r *Registry) HasDashboard(dashboardID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.dashboards[dashboardID] > 0
}

// Get returns the widget's current registration
func (r *Registry) Get(widgetID string) (Registration, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.byWidget[widgetID]
	if !ok {
		return Registration{}, false
	}
	return *reg, true
}

// Len returns the number of registrations
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byWidget)
}

// TriggerAll informs the registry that ids changed. The change is forwarded to the
// notifier for dashboardID, or, when dashboardID is empty, for every dashboard that
// listens to any of the ids. Callbacks are never invoked directly.
func (r *Registry) TriggerAll(ids []types.EntityID, dashboardID string) {
	if len(ids) == 0 {
		return
	}

	r.mu.RLock()
	notifier := r.notifier
	r.mu.RUnlock()
	if notifier == nil {
		r.logger.Debug("No notifier configured, dropping trigger", "entities", len(ids))
		return
	}

	if dashboardID != "" {
		notifier.Notify(dashboardID, ids)
		return
	}
	for _, d := range r.DashboardsFor(ids) {
		notifier.Notify(d, ids)
	}
}

type dashboardEvent struct {
	dashboardID string
	active      bool
}

func (r *Registry) addLocked(reg *Registration) []dashboardEvent {
	r.byWidget[reg.WidgetID] = reg
	for id := range reg.EntityIDs {
		widgets, ok := r.byEntity[id]
		if !ok {
			widgets = make(map[string]*Registration)
			r.byEntity[id] = widgets
		}
		widgets[reg.WidgetID] = reg
	}

	r.dashboards[reg.DashboardID]++
	if r.dashboards[reg.DashboardID] == 1 {
		return []dashboardEvent{{dashboardID: reg.DashboardID, active: true}}
	}
	return nil
}

func (r *Registry) removeLocked(reg *Registration) []dashboardEvent {
	delete(r.byWidget, reg.WidgetID)
	for id := range reg.EntityIDs {
		widgets := r.byEntity[id]
		delete(widgets, reg.WidgetID)
		if len(widgets) == 0 {
			delete(r.byEntity, id)
		}
	}

	r.dashboards[reg.DashboardID]--
	if r.dashboards[reg.DashboardID] <= 0 {
		delete(r.dashboards, reg.DashboardID)
		return []dashboardEvent{{dashboardID: reg.DashboardID, active: false}}
	}
	return nil
}

func (r *Registry) removeIfCurrent(widgetID string, seq uint64) {
	r.mu.Lock()
	reg, ok := r.byWidget[widgetID]
	if !ok || reg.seq != seq {
		r.mu.Unlock()
		return
	}
	events := r.removeLocked(reg)
	total := len(r.byWidget)
	r.mu.Unlock()

	r.metrics.RecordListeners(total)
	r.fire(events)
	r.logger.Debug("Unregistered widget listener", "widget_id", widgetID)
}

// fire delivers lifecycle events. A dashboard that moved from active to inactive and
// back within one replacement produces no net event.
func (r *Registry) fire(events []dashboardEvent) {
	if r.hook == nil || len(events) == 0 {
		return
	}

	net := make(map[string]int)
	var order []string
	for _, e := range events {
		if _, ok := net[e.dashboardID]; !ok {
			order = append(order, e.dashboardID)
		}
		if e.active {
			net[e.dashboardID]++
		} else {
			net[e.dashboardID]--
		}
	}
	for _, d := range order {
		switch {
		case net[d] > 0:
			r.hook(d, true)
		case net[d] < 0:
			r.hook(d, false)
		}
	}
}

func validate(set types.EntitySet, opts Options) error {
	var reason string
	switch {
	case len(set) == 0:
		reason = "no entity ids"
	case opts.WidgetID == "":
		reason = "missing widget id"
	case opts.DashboardID == "":
		reason = "missing dashboard id"
	case opts.Callback == nil:
		reason = "missing callback"
	default:
		return nil
	}
	return errors.WrapInvalid(fmt.Errorf("%w: %s", errors.ErrRegistration, reason),
		"Registry", "Register", "validate registration")
}

func sortBySeq(regs []Registration) {
	sort.Slice(regs, func(i, j int) bool { return regs[i].seq < regs[j].seq })
}
