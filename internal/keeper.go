package internal

import (
	"context"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/vadiminshakov/dcakeeper/config"
	"github.com/vadiminshakov/dcakeeper/internal/domain"
	"github.com/vadiminshakov/dcakeeper/internal/metrics"
	"github.com/vadiminshakov/dcakeeper/internal/services/notify"
	"github.com/vadiminshakov/dcakeeper/internal/services/pricefeed"
	"github.com/vadiminshakov/dcakeeper/internal/services/scheduler"
	"github.com/vadiminshakov/dcakeeper/internal/services/swap"
	"github.com/vadiminshakov/dcakeeper/internal/storage/events"
	"github.com/vadiminshakov/dcakeeper/internal/web"
)

type schedulerMetrics interface {
	scheduler.Metrics
	notify.Metrics
}

// Keeper wires the order store, price feed, swap executor, notifications and
// one scheduler per pair.
type Keeper struct {
	l          *zap.Logger
	cfg        config.Config
	store      orderStore
	eventLog   *events.WALStore
	dispatcher *notify.Dispatcher
	group      *scheduler.Group
	server     *web.Server
	closers    []func() error
}

// NewKeeper builds every component from cfg. Close releases what was opened
// even when construction fails halfway.
func NewKeeper(ctx context.Context, l *zap.Logger, cfg config.Config) (_ *Keeper, err error) {
	k := &Keeper{l: l, cfg: cfg}
	defer func() {
		if err != nil {
			k.Close()
		}
	}()

	if k.store, err = newOrderStore(ctx, l, cfg.Storage); err != nil {
		return nil, errors.Wrap(err, "failed to open order store")
	}
	k.closers = append(k.closers, k.store.Close)

	var m schedulerMetrics = nopMetrics{}
	if cfg.Notify.StatsdAddr != "" {
		s, err := metrics.NewStatsd(l.Named("statsd"), cfg.Notify.StatsdAddr)
		if err != nil {
			return nil, err
		}
		k.closers = append(k.closers, s.Close)
		m = s
	}

	if k.eventLog, err = events.NewWALStore(cfg.Storage.EventsDir); err != nil {
		return nil, errors.Wrap(err, "failed to open event log")
	}
	k.closers = append(k.closers, k.eventLog.Close)

	broadcaster := notify.NewBroadcaster(64)
	targets := []notify.Target{
		notify.TargetFunc("eventlog", k.eventLog.Save),
		broadcaster,
	}
	if cfg.Notify.RedisAddr != "" {
		redis, err := notify.NewRedisPublisher(ctx, notify.RedisConfig{
			Addr:     cfg.Notify.RedisAddr,
			Password: cfg.Notify.RedisPassword,
			DB:       cfg.Notify.RedisDB,
			Channel:  cfg.Notify.RedisChannel,
		})
		if err != nil {
			return nil, err
		}
		k.closers = append(k.closers, redis.Close)
		targets = append(targets, redis)
	}
	k.dispatcher = notify.NewDispatcher(l.Named("notify"), notify.Config{
		QueueSize:      cfg.Notify.QueueSize,
		DeliverTimeout: cfg.Notify.DeliverTimeout,
	}, m, targets...)

	src, err := newPriceSource(cfg)
	if err != nil {
		return nil, err
	}
	feed := pricefeed.New(l.Named("feed"), src, pricefeed.Config{
		TTL:           cfg.Feed.TTL,
		RatePerSecond: cfg.Feed.RatePerSecond,
		Retries:       cfg.Feed.Retries,
	})

	submitter, closeSubmitter, err := newSubmitter(ctx, l, cfg.Swap)
	if err != nil {
		return nil, errors.Wrap(err, "failed to create swap submitter")
	}
	k.closers = append(k.closers, func() error { closeSubmitter(); return nil })

	executor, err := swap.NewExecutor(l.Named("swap"), submitter, swap.Config{
		RequireConfirmation: cfg.Swap.RequireConfirmation,
		ConfirmTimeout:      cfg.Swap.ConfirmTimeout,
	})
	if err != nil {
		return nil, err
	}

	schedulers := make([]*scheduler.Scheduler, 0, len(cfg.Pairs))
	for _, pair := range cfg.Pairs {
		s, err := scheduler.New(l.Named("scheduler"), scheduler.Config{
			Pair:        pair,
			Interval:    cfg.Scheduler.Interval,
			CallTimeout: cfg.Scheduler.CallTimeout,
			SwapTimeout: cfg.Scheduler.SwapTimeout,
			Workers:     cfg.Scheduler.Workers,
		}, k.store, feed, executor, k.dispatcher, m)
		if err != nil {
			return nil, errors.Wrapf(err, "failed to create scheduler for %s", pair)
		}
		schedulers = append(schedulers, s)
	}
	if k.group, err = scheduler.NewGroup(k.store, schedulers...); err != nil {
		return nil, err
	}

	k.server = web.NewServer(l.Named("web"), cfg.Web.Addr, k.eventLog, broadcaster, k.store, k.group)

	return k, nil
}

// Run blocks until ctx is cancelled or a component fails.
func (k *Keeper) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return k.dispatcher.Run(ctx)
	})
	g.Go(func() error {
		return k.group.Run(ctx)
	})
	g.Go(func() error {
		if len(k.cfg.Web.Domains) > 0 {
			return k.server.StartWithAutoTLS(ctx, k.cfg.Web.Domains, k.cfg.Web.CertCache)
		}
		return k.server.Start(ctx)
	})

	pairs := make([]string, 0, len(k.cfg.Pairs))
	for _, p := range k.cfg.Pairs {
		pairs = append(pairs, p.String())
	}
	k.l.Info("keeper started",
		zap.Strings("pairs", pairs),
		zap.String("platform", k.cfg.Platform),
		zap.String("swap_mode", k.cfg.Swap.Mode),
		zap.String("storage", k.cfg.Storage.Driver))

	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases stores and connections in reverse order of opening.
func (k *Keeper) Close() {
	for i := len(k.closers) - 1; i >= 0; i-- {
		if err := k.closers[i](); err != nil {
			k.l.Warn("close failed", zap.Error(err))
		}
	}
	k.closers = nil
}

type nopMetrics struct {
	scheduler.NopMetrics
}

func (nopMetrics) EventDelivered(string, domain.EventType) {}
func (nopMetrics) EventFailed(string, domain.EventType)    {}
func (nopMetrics) EventDropped(domain.EventType)           {}
