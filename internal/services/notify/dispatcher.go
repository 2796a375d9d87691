// Package notify delivers order lifecycle events to users. Delivery is
// fire-and-forget: the scheduler hands an event over and moves on, a slow or
// failing target never holds an order back.
package notify

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/vadiminshakov/dcakeeper/internal/domain"
	"go.uber.org/zap"
)

const (
	defaultQueueSize      = 1024
	defaultDeliverTimeout = 5 * time.Second
	drainTimeout          = 2 * time.Second
)

// Sink accepts events without blocking.
type Sink interface {
	Notify(event domain.OrderEvent)
}

// Target is one delivery destination.
type Target interface {
	Name() string
	Deliver(ctx context.Context, event domain.OrderEvent) error
}

type targetFunc struct {
	name string
	fn   func(ctx context.Context, event domain.OrderEvent) error
}

// TargetFunc adapts a function to a Target.
func TargetFunc(name string, fn func(ctx context.Context, event domain.OrderEvent) error) Target {
	return targetFunc{name: name, fn: fn}
}

func (t targetFunc) Name() string { return t.name }

func (t targetFunc) Deliver(ctx context.Context, event domain.OrderEvent) error {
	return t.fn(ctx, event)
}

// Config tunes the dispatcher queue.
type Config struct {
	QueueSize      int
	DeliverTimeout time.Duration
}

// Dispatcher queues events and delivers them to every target from a single
// goroutine started by Run. Events are dropped when the queue is full.
type Dispatcher struct {
	l       *zap.Logger
	cfg     Config
	targets []Target
	queue   chan domain.OrderEvent
	dropped atomic.Uint64
	metrics Metrics
}

// Metrics receives delivery counters.
type Metrics interface {
	EventDelivered(target string, eventType domain.EventType)
	EventFailed(target string, eventType domain.EventType)
	EventDropped(eventType domain.EventType)
}

// NewDispatcher creates a dispatcher over targets. metrics may be nil.
func NewDispatcher(l *zap.Logger, cfg Config, metrics Metrics, targets ...Target) *Dispatcher {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultQueueSize
	}
	if cfg.DeliverTimeout <= 0 {
		cfg.DeliverTimeout = defaultDeliverTimeout
	}
	if metrics == nil {
		metrics = nopMetrics{}
	}

	return &Dispatcher{
		l:       l,
		cfg:     cfg,
		targets: targets,
		queue:   make(chan domain.OrderEvent, cfg.QueueSize),
		metrics: metrics,
	}
}

// Notify enqueues the event. It never blocks.
func (d *Dispatcher) Notify(event domain.OrderEvent) {
	select {
	case d.queue <- event:
	default:
		d.dropped.Add(1)
		d.metrics.EventDropped(event.Type)
		d.l.Warn("notification queue full, event dropped",
			zap.String("order_id", event.OrderID),
			zap.String("type", string(event.Type)))
	}
}

// Dropped returns how many events were discarded on a full queue.
func (d *Dispatcher) Dropped() uint64 {
	return d.dropped.Load()
}

// Run delivers queued events until ctx is cancelled, then makes a short
// best-effort pass over whatever is still queued.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			d.drain()
			return nil
		case event := <-d.queue:
			d.deliver(ctx, event)
		}
	}
}

func (d *Dispatcher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()

	for {
		select {
		case event := <-d.queue:
			d.deliver(ctx, event)
		default:
			return
		}
		if ctx.Err() != nil {
			return
		}
	}
}

func (d *Dispatcher) deliver(ctx context.Context, event domain.OrderEvent) {
	for _, target := range d.targets {
		tctx, cancel := context.WithTimeout(ctx, d.cfg.DeliverTimeout)
		err := target.Deliver(tctx, event)
		cancel()

		if err != nil {
			d.metrics.EventFailed(target.Name(), event.Type)
			d.l.Warn("notification delivery failed",
				zap.String("target", target.Name()),
				zap.String("order_id", event.OrderID),
				zap.String("type", string(event.Type)),
				zap.Error(err))
			continue
		}
		d.metrics.EventDelivered(target.Name(), event.Type)
	}
}

type nopMetrics struct{}

func (nopMetrics) EventDelivered(string, domain.EventType) {}
func (nopMetrics) EventFailed(string, domain.EventType)    {}
func (nopMetrics) EventDropped(domain.EventType)           {}
