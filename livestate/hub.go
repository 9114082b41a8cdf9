package livestate

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/c360/entitystream/busclient"
	"github.com/c360/entitystream/codec"
	"github.com/c360/entitystream/dispatch"
	"github.com/c360/entitystream/entitycache"
	"github.com/c360/entitystream/errors"
	"github.com/c360/entitystream/health"
	"github.com/c360/entitystream/listener"
	"github.com/c360/entitystream/metric"
	"github.com/c360/entitystream/pkg/worker"
	"github.com/c360/entitystream/types"
)

// StatusSource returns current entity values in bulk
type StatusSource interface {
	GetEntitiesStatus(ctx context.Context, ids []types.EntityID) (map[types.EntityID]types.EntityValue, error)
}

// Bus is the connection the hub subscribes and publishes on. *busclient.Client satisfies it.
type Bus interface {
	Subscribe(pattern string, handler busclient.Handler) (busclient.Unsubscribe, error)
	Publish(ctx context.Context, topic string, payload []byte) error
	RefreshCredentials(ctx context.Context, creds busclient.Credentials) error
	OnStateChange(fn busclient.StateListener)
	State() types.ConnectionState
}

var _ Bus = (*busclient.Client)(nil)

// recheck is an exchange notification waiting for a status fetch
type recheck struct {
	dashboardID string
	notify      []types.EntityID
	fetch       []types.EntityID
}

// Hub owns the cache, listener registry, dispatcher and bus subscriptions of one
// client session. It is the entry point for widgets.
type Hub struct {
	bus        Bus
	codec      *codec.Codec
	cache      *entitycache.Cache
	registry   *listener.Registry
	dispatcher *dispatch.Dispatcher
	status     StatusSource
	pool       *worker.Pool[recheck]
	logger     *slog.Logger
	metrics    *metric.Metrics

	window          time.Duration
	recheckWorkers  int
	recheckQueue    int
	metricsRegistry *metric.MetricsRegistry
	tokenListeners  []func(string)

	// exchangeMu serializes syncExchange. Lock order: exchangeMu, then mu.
	exchangeMu sync.Mutex

	mu           sync.Mutex
	creds        busclient.Credentials
	exchangeSubs map[string]busclient.Unsubscribe
	loaded       map[string]types.EntitySet
	entityUnsub  busclient.Unsubscribe
	started      bool
	stopped      bool
	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup

	received     atomic.Int64
	decodeErrors atomic.Int64
	rechecks     atomic.Int64
	reseeds      atomic.Int64
}

// New wires a hub over bus
func New(bus Bus, opts ...Option) (*Hub, error) {
	if bus == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil bus"), "Hub", "New", "validate bus")
	}

	h := &Hub{
		bus:          bus,
		codec:        codec.New(),
		logger:       slog.Default(),
		window:       defaultWindow,
		exchangeSubs: make(map[string]busclient.Unsubscribe),
		loaded:       make(map[string]types.EntitySet),
	}
	for _, opt := range opts {
		opt(h)
	}
	h.metrics = h.metricsRegistry.CoreMetrics()
	h.logger = h.logger.With("component", "livestate")

	cacheOpts := []entitycache.Option{entitycache.WithLogger(h.logger)}
	dispatchOpts := []dispatch.Option{dispatch.WithWindow(h.window), dispatch.WithLogger(h.logger)}
	poolOpts := []worker.Option[recheck]{worker.WithLogger[recheck](h.logger)}
	if h.metricsRegistry != nil {
		cacheOpts = append(cacheOpts, entitycache.WithMetrics(h.metricsRegistry, "cache"))
		dispatchOpts = append(dispatchOpts, dispatch.WithMetrics(h.metricsRegistry, "dispatch"))
		poolOpts = append(poolOpts, worker.WithMetricsRegistry[recheck](h.metricsRegistry, "recheck"))
	}

	var err error
	if h.cache, err = entitycache.New(cacheOpts...); err != nil {
		return nil, err
	}

	h.registry = listener.NewRegistry(
		listener.WithLogger(h.logger),
		listener.WithMetrics(h.metrics),
		listener.WithLifecycleHook(h.onDashboardLifecycle),
	)

	if h.dispatcher, err = dispatch.New(h.registry, dispatchOpts...); err != nil {
		return nil, err
	}
	h.registry.SetNotifier(h.dispatcher)

	if h.status != nil {
		if h.pool, err = worker.NewPool(h.recheckWorkers, h.recheckQueue, h.processRecheck, poolOpts...); err != nil {
			return nil, err
		}
	}

	bus.OnStateChange(h.onBusState)
	return h, nil
}

// Start subscribes to entity updates and starts the re-check workers
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return errors.WrapFatal(errors.ErrClosed, "Hub", "Start", "check hub state")
	}
	if h.started {
		h.mu.Unlock()
		return errors.WrapInvalid(errors.ErrAlreadyStarted, "Hub", "Start", "check hub state")
	}
	h.started = true
	h.ctx, h.cancel = context.WithCancel(context.WithoutCancel(ctx))
	runCtx, cancel := h.ctx, h.cancel
	h.mu.Unlock()

	if h.pool != nil {
		if err := h.pool.Start(runCtx); err != nil {
			h.abortStart(cancel)
			return errors.WrapFatal(err, "Hub", "Start", "start recheck pool")
		}
	}

	// Subscribed without mu: HandleMessage takes it, and a transport may deliver on the
	// goroutine that completes the subscription.
	unsub, err := h.bus.Subscribe(h.codec.EntityWildcard(), h.HandleMessage)
	if err != nil {
		h.abortStart(cancel)
		return errors.Wrap(err, "Hub", "Start", "subscribe entity updates")
	}

	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		unsub()
		return errors.WrapFatal(errors.ErrClosed, "Hub", "Start", "check hub state")
	}
	h.entityUnsub = unsub
	h.mu.Unlock()

	h.logger.Info("Live state hub started",
		"entity_topic", h.codec.EntityWildcard(),
		"window", h.window,
		"status_source", h.status != nil)
	return nil
}

func (h *Hub) abortStart(cancel context.CancelFunc) {
	cancel()
	h.mu.Lock()
	h.started = false
	h.mu.Unlock()
}

// Stop unsubscribes everything, drops pending batches and stops the workers
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return nil
	}
	h.stopped = true
	unsubs := make([]busclient.Unsubscribe, 0, len(h.exchangeSubs)+1)
	if h.entityUnsub != nil {
		unsubs = append(unsubs, h.entityUnsub)
		h.entityUnsub = nil
	}
	for id, unsub := range h.exchangeSubs {
		unsubs = append(unsubs, unsub)
		delete(h.exchangeSubs, id)
	}
	cancel := h.cancel
	h.mu.Unlock()

	for _, unsub := range unsubs {
		unsub()
	}
	h.dispatcher.Close()

	var stopErr error
	if h.pool != nil {
		timeout := 5 * time.Second
		if deadline, ok := ctx.Deadline(); ok {
			timeout = time.Until(deadline)
		}
		if err := h.pool.Stop(timeout); err != nil {
			stopErr = errors.WrapTransient(err, "Hub", "Stop", "stop recheck pool")
		}
	}
	if cancel != nil {
		cancel()
	}
	h.wg.Wait()

	h.logger.Info("Live state hub stopped")
	return stopErr
}

// UseEntityListener registers a widget for ids and returns its unregister function.
// Invalid registrations are logged and ignored; the returned function is then a no-op.
// The first listener of a dashboard opens its exchange subscription.
func (h *Hub) UseEntityListener(ids []types.EntityID, opts listener.Options) listener.Unregister {
	return h.registry.AddListener(ids, opts)
}

// RegisterEntityListener is the strict form of UseEntityListener. It returns
// ErrRegistration for missing ids, widget, dashboard or callback.
func (h *Hub) RegisterEntityListener(ids []types.EntityID, opts listener.Options) (listener.Unregister, error) {
	return h.registry.Register(ids, opts)
}

// LatestEntityValue returns the cached value of id
func (h *Hub) LatestEntityValue(id types.EntityID) (types.EntityValue, bool) {
	return h.cache.Get(id)
}

// LatestEntityValues returns the cached values of ids. Unknown ids are absent.
func (h *Hub) LatestEntityValues(ids []types.EntityID) map[types.EntityID]types.EntityValue {
	return h.cache.GetMany(ids)
}

// LoadDashboard seeds the cache with the dashboard's entities and subscribes to its
// exchange topic. The subscription is kept even when the fetch fails.
func (h *Hub) LoadDashboard(ctx context.Context, dashboardID string, ids []types.EntityID) error {
	if dashboardID == "" {
		return errors.WrapInvalid(fmt.Errorf("empty dashboard id"), "Hub", "LoadDashboard", "validate dashboard")
	}

	set := types.NewEntitySet(ids...)
	h.mu.Lock()
	if h.stopped {
		h.mu.Unlock()
		return errors.WrapFatal(errors.ErrClosed, "Hub", "LoadDashboard", "check hub state")
	}
	h.loaded[dashboardID] = set
	h.mu.Unlock()

	h.syncExchange(dashboardID)

	if h.status == nil || len(set) == 0 {
		h.logger.Debug("Dashboard loaded without seeding", "dashboard_id", dashboardID, "entities", len(set))
		return nil
	}

	seeded, err := h.seed(ctx, set.Slice())
	if err != nil {
		return errors.Wrap(err, "Hub", "LoadDashboard", "seed dashboard "+dashboardID)
	}
	if len(seeded) > 0 {
		h.registry.TriggerAll(seeded, dashboardID)
	}

	h.logger.Info("Dashboard loaded", "dashboard_id", dashboardID, "entities", len(set), "seeded", len(seeded))
	return nil
}

// CloseDashboard tears a dashboard down: exchange subscription, pending batch, every
// listener, and cache entries no other dashboard references.
func (h *Hub) CloseDashboard(dashboardID string) {
	h.mu.Lock()
	delete(h.loaded, dashboardID)
	h.mu.Unlock()

	h.dispatcher.Cancel(dashboardID)
	removed := h.registry.RemoveDashboard(dashboardID)
	h.syncExchange(dashboardID)
	evicted := h.cache.Retain(h.referenced())

	h.logger.Info("Dashboard closed",
		"dashboard_id", dashboardID,
		"listeners_removed", removed,
		"evicted", evicted)
}

// HandleMessage applies one inbound bus message. Undecodable messages are counted and
// dropped without affecting any other message.
func (h *Hub) HandleMessage(topic string, payload []byte) {
	h.received.Add(1)

	ev, err := h.codec.Decode(topic, payload)
	if err != nil {
		h.decodeErrors.Add(1)
		reason := codec.ReasonMalformed
		var de *codec.DecodeError
		if stderrors.As(err, &de) {
			reason = de.Reason
		}
		h.metrics.RecordDecodeError(reason)
		h.logger.Warn("Dropping undecodable message", "topic", topic, "reason", reason, "error", err)
		return
	}
	h.metrics.RecordMessageReceived(ev.Kind.String())

	switch ev.Kind {
	case types.KindEntityValue:
		h.store(ev.Values)
		h.registry.TriggerAll(ev.EntityIDs, "")

	case types.KindExchange:
		h.handleExchange(ev)
	}
}

func (h *Hub) handleExchange(ev types.ChangeEvent) {
	h.store(ev.Values)
	inline := make(types.EntitySet, len(ev.Values))
	for _, v := range ev.Values {
		inline.Add(v.EntityID)
	}

	var missing []types.EntityID
	for _, id := range ev.EntityIDs {
		if !inline.Has(id) {
			missing = append(missing, id)
		}
	}

	if len(missing) == 0 || h.pool == nil {
		h.registry.TriggerAll(ev.EntityIDs, ev.DashboardID)
		return
	}

	job := recheck{dashboardID: ev.DashboardID, notify: ev.EntityIDs, fetch: missing}
	if err := h.pool.Submit(job); err != nil {
		// listeners still re-read whatever the cache holds
		h.metrics.RecordDropped("recheck_" + dropReason(err))
		h.logger.Warn("Exchange recheck not queued, notifying with cached values",
			"dashboard_id", ev.DashboardID, "entities", len(missing), "error", err)
		h.registry.TriggerAll(ev.EntityIDs, ev.DashboardID)
	}
}

// store caches pushed values of referenced entities. The wildcard subscription sees
// every entity on the bus, so values nobody listens to are dropped to bound the cache.
func (h *Hub) store(values []types.EntityValue) {
	for _, v := range values {
		if h.isReferenced(v.EntityID) {
			h.cache.Put(v)
		} else {
			h.metrics.RecordDropped("unreferenced")
		}
	}
}

func (h *Hub) isReferenced(id types.EntityID) bool {
	if h.registry.References(id) {
		return true
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, set := range h.loaded {
		if set.Has(id) {
			return true
		}
	}
	return false
}

func (h *Hub) processRecheck(ctx context.Context, job recheck) error {
	h.rechecks.Add(1)
	_, err := h.seed(ctx, job.fetch)
	h.registry.TriggerAll(job.notify, job.dashboardID)
	if err != nil {
		h.logger.Warn("Exchange recheck failed, notifying with cached values",
			"dashboard_id", job.dashboardID, "error", err)
	}
	return err
}

// seed fetches ids from the status source into the cache and returns the ids received
func (h *Hub) seed(ctx context.Context, ids []types.EntityID) ([]types.EntityID, error) {
	values, err := h.status.GetEntitiesStatus(ctx, ids)
	if err != nil {
		return nil, err
	}

	batch := make([]types.EntityValue, 0, len(values))
	for _, v := range values {
		batch = append(batch, v)
	}
	h.cache.Seed(batch)

	got := make([]types.EntityID, 0, len(batch))
	for _, id := range ids {
		if _, ok := values[id]; ok {
			got = append(got, id)
		}
	}
	return got, nil
}

// PublishAction sends an outbound action. A failed publish is logged and dropped;
// the error is returned for callers that surface it to the user.
func (h *Hub) PublishAction(ctx context.Context, action codec.Action) error {
	topic, payload, err := h.codec.Encode(action)
	if err != nil {
		h.logger.Warn("Rejecting invalid action", "error", err)
		return err
	}

	if err := h.bus.Publish(ctx, topic, payload); err != nil {
		h.metrics.RecordDropped("publish_failed")
		h.logger.Warn("Dropping action, publish failed", "topic", topic, "error", err)
		return err
	}
	return nil
}

// RefreshToken applies a rotated token to the status source listeners and the bus
func (h *Hub) RefreshToken(ctx context.Context, token string) error {
	h.mu.Lock()
	h.creds.Token = token
	creds := h.creds
	h.mu.Unlock()

	for _, fn := range h.tokenListeners {
		fn(token)
	}
	return h.bus.RefreshCredentials(ctx, creds)
}

// onDashboardLifecycle opens the exchange subscription with the first listener of a
// dashboard and drops it with the last one unless the dashboard is loaded. Hook events
// can arrive out of order, so the subscription follows current state, not the event.
func (h *Hub) onDashboardLifecycle(dashboardID string, _ bool) {
	h.syncExchange(dashboardID)
}

// syncExchange opens or closes the dashboard's exchange subscription to match whether
// it is loaded or has listeners. Calls are serialized and each reads state afresh, so
// the last call after any change leaves the subscription correct. The bus call runs
// without mu held.
func (h *Hub) syncExchange(dashboardID string) {
	h.exchangeMu.Lock()
	defer h.exchangeMu.Unlock()

	h.mu.Lock()
	stopped := h.stopped
	_, loaded := h.loaded[dashboardID]
	unsub, subscribed := h.exchangeSubs[dashboardID]
	h.mu.Unlock()

	wanted := !stopped && (loaded || h.registry.HasDashboard(dashboardID))
	switch {
	case wanted && !subscribed:
		topic := h.codec.ExchangeTopic(dashboardID)
		unsub, err := h.bus.Subscribe(topic, h.HandleMessage)
		if err != nil {
			h.logger.Warn("Exchange subscription failed", "dashboard_id", dashboardID, "error", err)
			return
		}
		h.mu.Lock()
		if h.stopped {
			h.mu.Unlock()
			unsub()
			return
		}
		h.exchangeSubs[dashboardID] = unsub
		h.mu.Unlock()
		h.logger.Debug("Exchange subscription opened", "dashboard_id", dashboardID, "topic", topic)

	case !wanted && subscribed:
		h.mu.Lock()
		_, still := h.exchangeSubs[dashboardID]
		delete(h.exchangeSubs, dashboardID)
		h.mu.Unlock()
		if !still {
			return // Stop took it
		}
		unsub()
		h.logger.Debug("Exchange subscription closed", "dashboard_id", dashboardID)
	}
}

// referenced is every entity a listener or a loaded dashboard still needs
func (h *Hub) referenced() types.EntitySet {
	keep := h.registry.ReferencedEntities()
	h.mu.Lock()
	for _, set := range h.loaded {
		keep.AddAll(set)
	}
	h.mu.Unlock()
	return keep
}

// onBusState re-seeds loaded dashboards after a reconnect, since updates published
// while disconnected were missed.
func (h *Hub) onBusState(old, state types.ConnectionState) {
	if old != types.StateReconnecting || state != types.StateConnected || h.status == nil {
		return
	}

	h.mu.Lock()
	if !h.started || h.stopped {
		h.mu.Unlock()
		return
	}
	dashboards := make(map[string]types.EntitySet, len(h.loaded))
	for id, set := range h.loaded {
		dashboards[id] = set.Clone()
	}
	ctx := h.ctx
	h.wg.Add(1)
	h.mu.Unlock()

	go func() {
		defer h.wg.Done()
		h.reseed(ctx, dashboards)
	}()
}

func (h *Hub) reseed(ctx context.Context, dashboards map[string]types.EntitySet) {
	h.reseeds.Add(1)
	for dashboardID, set := range dashboards {
		set.AddAll(h.registry.EntityIDs(dashboardID))
		if len(set) == 0 {
			continue
		}
		seeded, err := h.seed(ctx, set.Slice())
		if err != nil {
			h.logger.Warn("Re-seeding dashboard after reconnect failed", "dashboard_id", dashboardID, "error", err)
			continue
		}
		if len(seeded) > 0 {
			h.registry.TriggerAll(seeded, dashboardID)
		}
	}
	h.logger.Info("Re-seeded dashboards after reconnect", "dashboards", len(dashboards))
}

// Cache exposes the entity cache
func (h *Hub) Cache() *entitycache.Cache { return h.cache }

// Registry exposes the listener registry
func (h *Hub) Registry() *listener.Registry { return h.registry }

// Dispatcher exposes the batching dispatcher
func (h *Hub) Dispatcher() *dispatch.Dispatcher { return h.dispatcher }

// Codec exposes the topic and payload codec
func (h *Hub) Codec() *codec.Codec { return h.codec }

// Stats is a snapshot of hub activity
type Stats struct {
	BusState          string              `json:"bus_state"`
	MessagesReceived  int64               `json:"messages_received"`
	DecodeErrors      int64               `json:"decode_errors"`
	Rechecks          int64               `json:"rechecks"`
	Reseeds           int64               `json:"reseeds"`
	Listeners         int                 `json:"listeners"`
	PendingDashboards int                 `json:"pending_dashboards"`
	LoadedDashboards  int                 `json:"loaded_dashboards"`
	ExchangeSubs      int                 `json:"exchange_subscriptions"`
	Cache             entitycache.Summary `json:"cache"`
	Recheck           *worker.Stats       `json:"recheck,omitempty"`
}

// Stats returns a snapshot of hub activity
func (h *Hub) Stats() Stats {
	h.mu.Lock()
	loaded, subs := len(h.loaded), len(h.exchangeSubs)
	h.mu.Unlock()

	s := Stats{
		BusState:          h.bus.State().String(),
		MessagesReceived:  h.received.Load(),
		DecodeErrors:      h.decodeErrors.Load(),
		Rechecks:          h.rechecks.Load(),
		Reseeds:           h.reseeds.Load(),
		Listeners:         h.registry.Len(),
		PendingDashboards: h.dispatcher.PendingDashboards(),
		LoadedDashboards:  loaded,
		ExchangeSubs:      subs,
		Cache:             h.cache.Stats().Summary(),
	}
	if h.pool != nil {
		ps := h.pool.Stats()
		s.Recheck = &ps
	}
	return s
}

// Health reports the hub's view of the bus connection
func (h *Hub) Health() health.Status {
	st := health.FromConnectionState("livestate", h.bus.State())
	return st.WithMetrics(&health.Metrics{
		ErrorCount:        int(h.decodeErrors.Load()),
		MessagesProcessed: h.received.Load(),
	})
}

func dropReason(err error) string {
	switch {
	case stderrors.Is(err, worker.ErrQueueFull):
		return "queue_full"
	case stderrors.Is(err, worker.ErrPoolStopped):
		return "stopped"
	default:
		return "not_started"
	}
}
