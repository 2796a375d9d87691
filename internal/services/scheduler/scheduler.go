// Package scheduler drives the order lifecycle: on every tick it prices the
// pair, expires overdue orders and executes the triggered ones.
package scheduler

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/dcakeeper/internal/domain"
	"github.com/vadiminshakov/dcakeeper/internal/services/notify"
	"github.com/vadiminshakov/dcakeeper/internal/storage/orders"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// ErrTickInProgress is returned by Tick when the previous tick of the same
// scheduler has not finished.
var ErrTickInProgress = errors.New("tick already in progress")

const (
	defaultInterval    = 30 * time.Second
	defaultCallTimeout = 5 * time.Second
	defaultSwapTimeout = 20 * time.Second
	defaultWorkers     = 4
)

type priceFeed interface {
	GetCurrentPrice(ctx context.Context, pair domain.Pair) (domain.PricePoint, error)
}

type swapExecutor interface {
	Execute(ctx context.Context, order domain.DCAOrder, point domain.PricePoint) domain.SwapResult
}

// Config tunes one scheduler. Both timeouts must be shorter than Interval.
type Config struct {
	Pair     domain.Pair
	Interval time.Duration
	// CallTimeout bounds every feed and store call.
	CallTimeout time.Duration
	// SwapTimeout bounds one swap, confirmation included.
	SwapTimeout time.Duration
	// Workers caps concurrent executions within a tick.
	Workers int
}

func (c *Config) validate() error {
	if c.Pair.Base == "" || c.Pair.Quote == "" {
		return errors.New("scheduler pair is required")
	}
	if c.Interval <= 0 {
		c.Interval = defaultInterval
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = min(defaultCallTimeout, c.Interval/2)
	}
	if c.SwapTimeout <= 0 {
		c.SwapTimeout = min(defaultSwapTimeout, c.Interval*2/3)
	}
	if c.Workers <= 0 {
		c.Workers = defaultWorkers
	}
	if c.CallTimeout >= c.Interval {
		return errors.Errorf("call timeout %s must be shorter than tick interval %s", c.CallTimeout, c.Interval)
	}
	if c.SwapTimeout >= c.Interval {
		return errors.Errorf("swap timeout %s must be shorter than tick interval %s", c.SwapTimeout, c.Interval)
	}
	return nil
}

// TickReport summarises one tick.
type TickReport struct {
	Skipped   bool
	Price     domain.PricePoint
	Active    int
	Expired   int
	Triggered int
	Executed  int
	Retried   int
	Failed    int
	Cancelled int
	Conflicts int
	Errors    int
	// Recovered counts outcomes of earlier ticks recorded in this one.
	Recovered int
}

// Scheduler owns the tick loop of one pair. Several schedulers, in one process
// or many, may share a store: the acquire compare-and-swap keeps executions
// exclusive.
type Scheduler struct {
	l       *zap.Logger
	cfg     Config
	store   orders.Store
	feed    priceFeed
	exec    swapExecutor
	sink    notify.Sink
	metrics Metrics
	now     func() time.Time

	running atomic.Bool

	// outcomes whose recording failed, retried at the start of every tick
	pendingMu sync.Mutex
	pending   map[string]domain.Outcome
}

// New creates a scheduler. metrics may be nil.
func New(l *zap.Logger, cfg Config, store orders.Store, feed priceFeed, exec swapExecutor, sink notify.Sink, metrics Metrics) (*Scheduler, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if store == nil || feed == nil || exec == nil || sink == nil {
		return nil, errors.New("store, feed, executor and sink are required")
	}
	if metrics == nil {
		metrics = NopMetrics{}
	}

	return &Scheduler{
		l:       l.With(zap.String("pair", cfg.Pair.String())),
		cfg:     cfg,
		store:   store,
		feed:    feed,
		exec:    exec,
		sink:    sink,
		metrics: metrics,
		now:     time.Now,
		pending: make(map[string]domain.Outcome),
	}, nil
}

// Run ticks immediately and then every Interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.ReportStranded(ctx); err != nil {
		s.l.Error("failed to check for stranded executions", zap.Error(err))
	}

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.l.Info("starting scheduler loop", zap.Duration("interval", s.cfg.Interval), zap.Int("workers", s.cfg.Workers))

	s.runTick(ctx)
	for {
		select {
		case <-ctx.Done():
			s.l.Info("context done, stopping scheduler loop")
			return ctx.Err()
		case <-ticker.C:
			s.runTick(ctx)
		}
	}
}

func (s *Scheduler) runTick(ctx context.Context) {
	report, err := s.Tick(ctx)
	switch {
	case errors.Is(err, ErrTickInProgress):
		s.l.Debug("previous tick still running")
	case err != nil:
		s.l.Error("tick aborted", zap.Error(err))
	case report.Skipped:
	default:
		s.l.Debug("tick done",
			zap.String("price", report.Price.Price.String()),
			zap.Int("active", report.Active),
			zap.Int("expired", report.Expired),
			zap.Int("triggered", report.Triggered),
			zap.Int("executed", report.Executed),
			zap.Int("retried", report.Retried),
			zap.Int("failed", report.Failed),
			zap.Int("conflicts", report.Conflicts))
	}
}

// Tick runs one pass over the pair's active orders. It returns an error only
// when the tick was aborted: a concurrent tick or an unavailable store. A
// price feed outage skips the tick without error and without touching orders.
func (s *Scheduler) Tick(ctx context.Context) (TickReport, error) {
	if !s.running.CompareAndSwap(false, true) {
		s.metrics.TickSkipped("in_progress")
		return TickReport{}, ErrTickInProgress
	}
	defer s.running.Store(false)

	started := time.Now()
	defer func() { s.metrics.TickCompleted(time.Since(started)) }()

	var report TickReport

	recovered, err := s.flushPending(ctx)
	report.Recovered = recovered
	if err != nil {
		s.metrics.TickSkipped("store_unavailable")
		return report, err
	}

	point, err := s.price(ctx)
	if err != nil {
		s.l.Warn("price unavailable, skipping tick", zap.Error(err))
		s.metrics.TickSkipped("feed_unavailable")
		report.Skipped = true
		return report, nil
	}
	report.Price = point

	active, err := s.listActive(ctx)
	if err != nil {
		s.metrics.TickSkipped("store_unavailable")
		return report, errors.Wrap(err, "list active orders")
	}
	report.Active = len(active)

	now := s.now()
	live := make([]domain.DCAOrder, 0, len(active))
	for _, order := range active {
		if !order.IsExpired(now) {
			live = append(live, order)
			continue
		}
		if err := s.expire(ctx, order, now, &report); err != nil {
			return report, err
		}
	}

	triggered := make([]domain.DCAOrder, 0)
	for _, order := range live {
		if domain.ShouldTrigger(order, point) {
			triggered = append(triggered, order)
		}
	}
	report.Triggered = len(triggered)
	if len(triggered) == 0 {
		return report, nil
	}

	s.l.Info("orders triggered", zap.Int("count", len(triggered)), zap.String("price", point.Price.String()))

	var tally tally
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Workers)
	for _, order := range triggered {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			return s.process(ctx, gctx, order, point, &tally)
		})
	}
	err = g.Wait()
	tally.addTo(&report)

	if err != nil {
		s.metrics.TickSkipped("store_unavailable")
		return report, err
	}

	return report, nil
}

// Cancel cancels an order. For an executing order it returns
// domain.ErrCancelDeferred; the cancel takes effect if the execution ends in a
// retry.
func (s *Scheduler) Cancel(ctx context.Context, id string) (domain.DCAOrder, error) {
	cctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	order, changed, err := s.store.Cancel(cctx, id)
	if err != nil {
		if errors.Is(err, domain.ErrCancelDeferred) {
			s.l.Info("cancel deferred until execution resolves", zap.String("order_id", id))
		}
		return order, err
	}
	if changed {
		s.l.Info("order cancelled", zap.String("order_id", id))
		s.emit(order)
	}

	return order, nil
}

// ReportStranded logs orders of the pair left executing, typically by a
// crash between submit and record. They are never re-executed: the swap may
// have landed, so they need reconciliation against the chain.
func (s *Scheduler) ReportStranded(ctx context.Context) (int, error) {
	lctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	executing, err := s.store.ListByStatus(lctx, domain.StatusExecuting)
	if err != nil {
		return 0, errors.Wrap(err, "list executing orders")
	}

	stranded := 0
	for _, order := range executing {
		if order.Pair() != s.cfg.Pair {
			continue
		}
		if _, ok := s.pendingOutcome(order.ID); ok {
			continue
		}
		stranded++
		s.l.Warn("order stranded in executing, reconcile manually",
			zap.String("order_id", order.ID),
			zap.Int64("version", order.Version),
			zap.Time("since", order.UpdatedAt))
	}

	return stranded, nil
}

func (s *Scheduler) price(ctx context.Context) (domain.PricePoint, error) {
	pctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	return s.feed.GetCurrentPrice(pctx, s.cfg.Pair)
}

func (s *Scheduler) listActive(ctx context.Context) ([]domain.DCAOrder, error) {
	lctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	return orders.Collect(s.store.ListActive(lctx, s.cfg.Pair))
}

func (s *Scheduler) expire(ctx context.Context, order domain.DCAOrder, now time.Time, report *TickReport) error {
	ectx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	expired, changed, err := s.store.Expire(ectx, order.ID, now)
	switch {
	case errors.Is(err, domain.ErrStoreUnavailable):
		return errors.Wrapf(err, "expire order %s", order.ID)
	case errors.Is(err, domain.ErrConflict):
		// claimed or cancelled since the listing
		s.l.Debug("order left active before expiry", zap.String("order_id", order.ID), zap.Error(err))
		report.Conflicts++
	case err != nil:
		s.l.Error("failed to expire order", zap.String("order_id", order.ID), zap.Error(err))
		report.Errors++
	case changed:
		s.l.Info("order expired", zap.String("order_id", order.ID))
		report.Expired++
		s.metrics.OrderProcessed(string(domain.StatusExpired))
		s.emit(expired)
	}

	return nil
}

// process runs acquire, execute and record for one order. Only an unavailable
// store on acquire is returned, which stops the remaining acquires of the
// tick; every other failure stays with this order. The swap and the record
// run on a context detached from cancellation so a submitted swap is always
// followed by its record.
func (s *Scheduler) process(ctx, gctx context.Context, order domain.DCAOrder, point domain.PricePoint, t *tally) error {
	l := s.l.With(zap.String("order_id", order.ID))

	actx, cancel := context.WithTimeout(gctx, s.cfg.CallTimeout)
	acquired, err := s.store.TryAcquireForExecution(actx, order.ID)
	cancel()
	switch {
	case errors.Is(err, domain.ErrConflict):
		l.Debug("order claimed elsewhere", zap.Error(err))
		s.metrics.Conflict()
		t.inc(&t.conflicts)
		return nil
	case errors.Is(err, domain.ErrStoreUnavailable):
		t.inc(&t.errors)
		return errors.Wrapf(err, "acquire order %s", order.ID)
	case err != nil:
		l.Error("failed to acquire order", zap.Error(err))
		t.inc(&t.errors)
		return nil
	}

	detached := context.WithoutCancel(ctx)

	sctx, cancel := context.WithTimeout(detached, s.cfg.SwapTimeout)
	result := s.exec.Execute(sctx, acquired, point)
	cancel()

	outcome := domain.Outcome{Version: acquired.ExecutionVersion, Result: result, RecordedAt: s.now()}
	if f, ok := result.(domain.SwapFailure); ok {
		l.Error("swap failed",
			zap.String("kind", string(f.Kind)),
			zap.String("message", f.Message),
			zap.Bool("retryable", f.Retryable()),
			zap.Int("retry_count", acquired.RetryCount))
	}

	recorded, changed, err := s.record(detached, order.ID, outcome)
	if err != nil {
		if errors.Is(err, domain.ErrStoreUnavailable) {
			l.Error("failed to record outcome, will retry next tick", zap.Error(err))
			s.addPending(order.ID, outcome)
		} else {
			l.Error("failed to record outcome", zap.Error(err))
		}
		t.inc(&t.errors)
		return nil
	}
	if changed {
		s.observe(recorded, t)
	}

	return nil
}

func (s *Scheduler) record(ctx context.Context, id string, outcome domain.Outcome) (domain.DCAOrder, bool, error) {
	rctx, cancel := context.WithTimeout(ctx, s.cfg.CallTimeout)
	defer cancel()

	return s.store.RecordExecutionResult(rctx, id, outcome)
}

// observe counts and announces a recorded outcome.
func (s *Scheduler) observe(order domain.DCAOrder, t *tally) {
	l := s.l.With(zap.String("order_id", order.ID))

	switch order.Status {
	case domain.StatusExecuted:
		l.Info("order executed", zap.String("tx_hash", order.TransactionHash))
		t.inc(&t.executed)
	case domain.StatusActive:
		l.Info("order back to active for retry", zap.Int("retry_count", order.RetryCount), zap.Int("max_retries", order.MaxRetries))
		t.inc(&t.retried)
		s.metrics.OrderProcessed("retried")
		return
	case domain.StatusFailed:
		l.Warn("order failed", zap.String("reason", order.FailureReason))
		t.inc(&t.failed)
	case domain.StatusCancelled:
		l.Info("deferred cancel applied")
		t.inc(&t.cancelled)
	}

	s.metrics.OrderProcessed(string(order.Status))
	s.emit(order)
}

func (s *Scheduler) flushPending(ctx context.Context) (int, error) {
	s.pendingMu.Lock()
	pending := make(map[string]domain.Outcome, len(s.pending))
	for id, outcome := range s.pending {
		pending[id] = outcome
	}
	s.pendingMu.Unlock()

	var t tally
	for id, outcome := range pending {
		recorded, changed, err := s.record(ctx, id, outcome)
		if errors.Is(err, domain.ErrStoreUnavailable) {
			return t.recovered, errors.Wrapf(err, "record pending outcome of %s", id)
		}
		if err != nil {
			s.l.Error("dropping pending outcome", zap.String("order_id", id), zap.Error(err))
		} else {
			t.recovered++
			if changed {
				s.observe(recorded, &t)
			}
		}

		s.pendingMu.Lock()
		delete(s.pending, id)
		s.pendingMu.Unlock()
	}

	return t.recovered, nil
}

func (s *Scheduler) addPending(id string, outcome domain.Outcome) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	s.pending[id] = outcome
}

func (s *Scheduler) pendingOutcome(id string) (domain.Outcome, bool) {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()

	outcome, ok := s.pending[id]
	return outcome, ok
}

func (s *Scheduler) emit(order domain.DCAOrder) {
	if event, ok := domain.EventFor(order, s.now()); ok {
		s.sink.Notify(event)
	}
}

// tally collects counters from concurrent workers.
type tally struct {
	mu        sync.Mutex
	executed  int
	retried   int
	failed    int
	cancelled int
	conflicts int
	errors    int
	recovered int
}

func (t *tally) inc(counter *int) {
	t.mu.Lock()
	*counter++
	t.mu.Unlock()
}

func (t *tally) addTo(r *TickReport) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r.Executed += t.executed
	r.Retried += t.retried
	r.Failed += t.failed
	r.Cancelled += t.cancelled
	r.Conflicts += t.conflicts
	r.Errors += t.errors
}
