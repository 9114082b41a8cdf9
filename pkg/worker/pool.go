package worker

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/entitystream/metric"
)

const (
	// DefaultWorkers is used when NewPool gets a non-positive worker count
	DefaultWorkers = 4
	// DefaultQueueSize is used when NewPool gets a non-positive queue size
	DefaultQueueSize = 256
)

// Pool processes work items of type T on a fixed set of goroutines
type Pool[T any] struct {
	workers   int
	queueSize int
	processor func(context.Context, T) error
	logger    *slog.Logger

	workChan chan T
	metrics  *poolMetrics
	wg       sync.WaitGroup

	lifecycleMu sync.Mutex
	started     bool
	stopped     bool

	submitted atomic.Int64
	processed atomic.Int64
	failed    atomic.Int64
	dropped   atomic.Int64
	panics    atomic.Int64
	busy      atomic.Int64

	metricsRegistry *metric.MetricsRegistry
	metricsPrefix   string
}

type poolMetrics struct {
	queueDepth prometheus.Gauge
	busy       prometheus.Gauge
	outcomes   *prometheus.CounterVec
	duration   prometheus.Histogram
}

// Option configures a Pool
type Option[T any] func(*Pool[T])

// WithMetricsRegistry registers pool metrics under prefix
func WithMetricsRegistry[T any](registry *metric.MetricsRegistry, prefix string) Option[T] {
	return func(p *Pool[T]) {
		p.metricsRegistry = registry
		p.metricsPrefix = prefix
	}
}

// WithLogger sets the logger used for processor failures and panics
func WithLogger[T any](logger *slog.Logger) Option[T] {
	return func(p *Pool[T]) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewPool creates a stopped pool
func NewPool[T any](workers, queueSize int, processor func(context.Context, T) error, opts ...Option[T]) (*Pool[T], error) {
	if processor == nil {
		return nil, ErrNilProcessor
	}
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}

	p := &Pool[T]{
		workers:   workers,
		queueSize: queueSize,
		processor: processor,
		logger:    slog.Default(),
		workChan:  make(chan T, queueSize),
	}
	for _, opt := range opts {
		opt(p)
	}

	if p.metricsRegistry != nil && p.metricsPrefix != "" {
		m, err := newPoolMetrics(p.metricsRegistry, p.metricsPrefix)
		if err != nil {
			return nil, err
		}
		p.metrics = m
	}
	return p, nil
}

func newPoolMetrics(registry *metric.MetricsRegistry, prefix string) (*poolMetrics, error) {
	m := &poolMetrics{
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: prefix,
			Name:      "queue_depth",
			Help:      "Work items waiting in the queue",
		}),
		busy: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace,
			Subsystem: prefix,
			Name:      "busy_workers",
			Help:      "Workers currently running a processor",
		}),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metric.Namespace,
			Subsystem: prefix,
			Name:      "items_total",
			Help:      "Work items by outcome (submitted, processed, failed, dropped)",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: metric.Namespace,
			Subsystem: prefix,
			Name:      "processing_duration_seconds",
			Help:      "Time spent processing work items",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
		}),
	}

	service := "worker_pool_" + prefix
	if err := registry.RegisterGauge(service, "queue_depth", m.queueDepth); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(service, "busy_workers", m.busy); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounterVec(service, "items_total", m.outcomes); err != nil {
		return nil, err
	}
	if err := registry.RegisterHistogram(service, "processing_duration_seconds", m.duration); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *poolMetrics) count(outcome string) {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues(outcome).Inc()
}

func (m *poolMetrics) observe(d time.Duration, depth, busy int) {
	if m == nil {
		return
	}
	m.duration.Observe(d.Seconds())
	m.queueDepth.Set(float64(depth))
	m.busy.Set(float64(busy))
}

// Submit queues work without blocking. A full queue drops the item.
func (p *Pool[T]) Submit(work T) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.stopped {
		return ErrPoolStopped
	}
	if !p.started {
		return ErrPoolNotStarted
	}

	select {
	case p.workChan <- work:
		p.submitted.Add(1)
		p.metrics.count("submitted")
		if p.metrics != nil {
			p.metrics.queueDepth.Set(float64(len(p.workChan)))
		}
		return nil
	default:
		p.dropped.Add(1)
		p.metrics.count("dropped")
		return ErrQueueFull
	}
}

// Start launches the workers. They exit when ctx is done or the pool is stopped.
func (p *Pool[T]) Start(ctx context.Context) error {
	p.lifecycleMu.Lock()
	defer p.lifecycleMu.Unlock()

	if p.started {
		return ErrPoolAlreadyStarted
	}

	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.started = true
	return nil
}

// Stop closes the queue and waits up to timeout for queued work to finish
func (p *Pool[T]) Stop(timeout time.Duration) error {
	p.lifecycleMu.Lock()
	if !p.started || p.stopped {
		p.stopped = true
		p.lifecycleMu.Unlock()
		return nil
	}
	p.stopped = true
	close(p.workChan)
	p.lifecycleMu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-done:
		return nil
	case <-timer.C:
		return ErrStopTimeout
	}
}

// Stats is a snapshot of pool activity
type Stats struct {
	Workers    int   `json:"workers"`
	QueueSize  int   `json:"queue_size"`
	QueueDepth int   `json:"queue_depth"`
	Busy       int64 `json:"busy"`
	Submitted  int64 `json:"submitted"`
	Processed  int64 `json:"processed"`
	Failed     int64 `json:"failed"`
	Dropped    int64 `json:"dropped"`
	Panics     int64 `json:"panics"`
}

// Stats returns current pool statistics
func (p *Pool[T]) Stats() Stats {
	return Stats{
		Workers:    p.workers,
		QueueSize:  p.queueSize,
		QueueDepth: len(p.workChan),
		Busy:       p.busy.Load(),
		Submitted:  p.submitted.Load(),
		Processed:  p.processed.Load(),
		Failed:     p.failed.Load(),
		Dropped:    p.dropped.Load(),
		Panics:     p.panics.Load(),
	}
}

func (p *Pool[T]) worker(ctx context.Context) {
	defer p.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case work, ok := <-p.workChan:
			if !ok {
				return
			}

			busy := p.busy.Add(1)
			start := time.Now()
			err := p.run(ctx, work)
			p.busy.Add(-1)

			p.processed.Add(1)
			p.metrics.count("processed")
			if err != nil {
				p.failed.Add(1)
				p.metrics.count("failed")
				p.logger.Debug("Work item failed", "error", err)
			}
			p.metrics.observe(time.Since(start), len(p.workChan), int(busy-1))
		}
	}
}

func (p *Pool[T]) run(ctx context.Context, work T) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.logger.Error("Worker processor panicked", "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return p.processor(ctx, work)
}
