package dispatch

import (
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/c360/entitystream/errors"
	"github.com/c360/entitystream/listener"
	"github.com/c360/entitystream/metric"
	"github.com/c360/entitystream/types"
)

// DefaultWindow is the fixed batching window
const DefaultWindow = 300 * time.Millisecond

// Resolver returns the registrations to invoke for a flushed batch
type Resolver interface {
	Matching(dashboardID string, changed types.EntitySet) []listener.Registration
}

// Option configures a Dispatcher
type Option func(*config)

type config struct {
	window        time.Duration
	logger        *slog.Logger
	metricsReg    *metric.MetricsRegistry
	metricsPrefix string
}

// WithWindow sets the batching window. Non-positive values keep the default.
func WithWindow(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.window = d
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) Option {
	return func(c *config) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithMetrics registers dispatcher metrics labelled with prefix
func WithMetrics(registry *metric.MetricsRegistry, prefix string) Option {
	return func(c *config) {
		if registry != nil && prefix != "" {
			c.metricsReg = registry
			c.metricsPrefix = prefix
		}
	}
}

type batch struct {
	dashboardID string
	ids         types.EntitySet
	timer       *time.Timer
	started     time.Time
}

// Dispatcher batches notifications per dashboard. It implements listener.Notifier.
type Dispatcher struct {
	window   time.Duration
	resolver Resolver
	logger   *slog.Logger
	metrics  *dispatchMetrics

	mu      sync.Mutex
	pending map[string]*batch
	closed  bool
	// flushing is set while one goroutine drains queue. Only that goroutine runs
	// callbacks, which serializes them across every dashboard.
	flushing bool
	queue    []queuedFlush
}

type queuedFlush struct {
	b       *batch
	trigger string
}

var _ listener.Notifier = (*Dispatcher)(nil)

// New creates a dispatcher that resolves listeners through resolver at flush time
func New(resolver Resolver, opts ...Option) (*Dispatcher, error) {
	if resolver == nil {
		return nil, errors.WrapInvalid(fmt.Errorf("nil resolver"), "Dispatcher", "New", "validate resolver")
	}

	cfg := &config{window: DefaultWindow, logger: slog.Default()}
	for _, opt := range opts {
		opt(cfg)
	}

	d := &Dispatcher{
		window:   cfg.window,
		resolver: resolver,
		logger:   cfg.logger,
		pending:  make(map[string]*batch),
	}

	if cfg.metricsReg != nil {
		m, err := newDispatchMetrics(cfg.metricsReg, cfg.metricsPrefix)
		if err != nil {
			return nil, errors.WrapTransient(err, "Dispatcher", "New", "metrics registration")
		}
		d.metrics = m
	}
	return d, nil
}

// Window returns the batching window
func (d *Dispatcher) Window() time.Duration {
	return d.window
}

// Notify adds ids to the dashboard's pending batch, starting the window if the
// dashboard was idle. The timer is never extended.
func (d *Dispatcher) Notify(dashboardID string, ids []types.EntityID) {
	if dashboardID == "" || len(ids) == 0 {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}

	b, ok := d.pending[dashboardID]
	if ok {
		for _, id := range ids {
			b.ids.Add(id)
		}
		d.metrics.merged()
		return
	}

	b = &batch{
		dashboardID: dashboardID,
		ids:         types.NewEntitySet(ids...),
		started:     time.Now(),
	}
	b.timer = time.AfterFunc(d.window, func() { d.fire(b) })
	d.pending[dashboardID] = b
	d.metrics.setPending(len(d.pending))
}

// fire runs on the timer goroutine. A batch that was cancelled, force-flushed, or
// replaced by a newer batch for the same dashboard is ignored.
func (d *Dispatcher) fire(b *batch) {
	d.mu.Lock()
	if current, ok := d.pending[b.dashboardID]; !ok || current != b {
		d.mu.Unlock()
		return
	}
	delete(d.pending, b.dashboardID)
	d.metrics.setPending(len(d.pending))
	d.mu.Unlock()

	d.run(b, "timer")
}

// Flush immediately flushes the dashboard's pending batch. Returns false if none was pending.
// The callbacks have run when Flush returns, unless another flush is in progress: then
// the batch is queued and runs on that flush's goroutine before it finishes. This makes
// Flush safe to call from inside a callback.
func (d *Dispatcher) Flush(dashboardID string) bool {
	b := d.take(dashboardID)
	if b == nil {
		return false
	}
	d.run(b, "forced")
	return true
}

// Cancel drops the dashboard's pending batch without invoking anything
func (d *Dispatcher) Cancel(dashboardID string) bool {
	b := d.take(dashboardID)
	if b == nil {
		return false
	}
	d.logger.Debug("Cancelled pending batch",
		"dashboard_id", dashboardID,
		"entities", len(b.ids))
	return true
}

// Pending returns the ids accumulated for the dashboard, sorted
func (d *Dispatcher) Pending(dashboardID string) []types.EntityID {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.pending[dashboardID]
	if !ok {
		return nil
	}
	return b.ids.Slice()
}

// PendingDashboards returns how many dashboards are accumulating
func (d *Dispatcher) PendingDashboards() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Close stops every timer and drops pending batches. Later notifications are ignored.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return
	}
	d.closed = true
	d.queue = nil
	for id, b := range d.pending {
		b.timer.Stop()
		delete(d.pending, id)
	}
	d.metrics.setPending(0)
}

func (d *Dispatcher) take(dashboardID string) *batch {
	d.mu.Lock()
	defer d.mu.Unlock()

	b, ok := d.pending[dashboardID]
	if !ok {
		return nil
	}
	b.timer.Stop()
	delete(d.pending, dashboardID)
	d.metrics.setPending(len(d.pending))
	return b
}

// run queues b and, unless another goroutine is already flushing, drains the queue
func (d *Dispatcher) run(b *batch, trigger string) {
	d.mu.Lock()
	d.queue = append(d.queue, queuedFlush{b: b, trigger: trigger})
	if d.flushing {
		d.mu.Unlock()
		return
	}
	d.flushing = true

	for len(d.queue) > 0 {
		next := d.queue[0]
		d.queue[0] = queuedFlush{}
		d.queue = d.queue[1:]
		d.mu.Unlock()
		d.flush(next.b, next.trigger)
		d.mu.Lock()
	}
	d.flushing = false
	d.mu.Unlock()
}

func (d *Dispatcher) flush(b *batch, trigger string) {
	// Resolve against the live registry so widgets that unmounted during the
	// window are not invoked.
	regs := d.resolver.Matching(b.dashboardID, b.ids)
	d.metrics.flushed(trigger, len(b.ids))

	for _, reg := range regs {
		d.invoke(b, reg)
	}

	d.logger.Debug("Flushed batch",
		"dashboard_id", b.dashboardID,
		"entities", len(b.ids),
		"listeners", len(regs),
		"trigger", trigger,
		"latency", time.Since(b.started))
}

func (d *Dispatcher) invoke(b *batch, reg listener.Registration) {
	panicked := true
	defer func() {
		d.metrics.invoked(panicked)
		if r := recover(); r != nil {
			d.logger.Error("Widget callback panicked",
				"dashboard_id", b.dashboardID,
				"widget_id", reg.WidgetID,
				"panic", r,
				"stack", string(debug.Stack()))
		}
	}()

	reg.Callback(reg.Changed(b.ids))
	panicked = false
}
