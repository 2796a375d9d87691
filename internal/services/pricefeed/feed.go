// Package pricefeed serves market prices to the scheduler from a short-lived
// cache in front of an exchange price source.
package pricefeed

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/dcakeeper/internal/domain"
	"github.com/vadiminshakov/dcakeeper/pkg/retrier"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultTTL         = 15 * time.Second
	defaultCallTimeout = 5 * time.Second
	defaultRatePerSec  = 5
)

type source interface {
	GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error)
	Name() string
}

// Config tunes the feed.
type Config struct {
	// TTL is how long a fetched price is served without asking upstream again.
	TTL time.Duration
	// CallTimeout bounds one upstream request, retries included.
	CallTimeout time.Duration
	// RatePerSecond caps upstream requests. Zero picks a default.
	RatePerSecond float64
	// Retries is the number of extra upstream attempts within CallTimeout.
	Retries int
}

// Feed caches the last good price per pair. Upstream errors never produce a
// price: without a fresh cached value the feed returns domain.ErrFeedUnavailable.
type Feed struct {
	l       *zap.Logger
	src     source
	cfg     Config
	retrier *retrier.Retrier
	limiter *rate.Limiter
	now     func() time.Time

	mu    sync.RWMutex
	cache map[domain.Pair]domain.PricePoint
}

// New creates a feed over src.
func New(l *zap.Logger, src source, cfg Config) *Feed {
	if cfg.TTL <= 0 {
		cfg.TTL = defaultTTL
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = defaultCallTimeout
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = defaultRatePerSec
	}
	if cfg.Retries < 0 {
		cfg.Retries = 0
	}

	return &Feed{
		l:   l.With(zap.String("source", src.Name())),
		src: src,
		cfg: cfg,
		retrier: retrier.New(
			retrier.WithMaxRetries(cfg.Retries),
			retrier.WithInitialInterval(cfg.CallTimeout/10),
			retrier.WithMaxInterval(cfg.CallTimeout/2),
			retrier.WithRetryIf(func(err error) bool { return !errors.Is(err, errBadPrice) }),
		),
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		now:     time.Now,
		cache:   make(map[domain.Pair]domain.PricePoint),
	}
}

var errBadPrice = errors.New("non-positive price from upstream")

// GetCurrentPrice returns the cached price while it is fresh, otherwise asks upstream.
func (f *Feed) GetCurrentPrice(ctx context.Context, pair domain.Pair) (domain.PricePoint, error) {
	if point, ok := f.fresh(pair); ok {
		return point, nil
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.CallTimeout)
	defer cancel()

	price, err := retrier.DoWithData(f.retrier, ctx, func(ctx context.Context) (decimal.Decimal, error) {
		if err := f.limiter.Wait(ctx); err != nil {
			return decimal.Zero, err
		}

		price, err := f.src.GetPrice(ctx, pair)
		if err != nil {
			return decimal.Zero, err
		}
		if price.LessThanOrEqual(decimal.Zero) {
			return decimal.Zero, errors.Wrapf(errBadPrice, "got %s", price)
		}
		return price, nil
	})
	if err != nil {
		f.l.Warn("price fetch failed", zap.String("pair", pair.String()), zap.Error(err))
		return domain.PricePoint{}, errors.Wrapf(domain.ErrFeedUnavailable, "%s %s: %v", f.src.Name(), pair.String(), err)
	}

	point := domain.PricePoint{Price: price, ObservedAt: f.now(), Source: f.src.Name()}

	f.mu.Lock()
	f.cache[pair] = point
	f.mu.Unlock()

	return point, nil
}

// IsFresh reports whether a cached price for the pair is still within TTL.
func (f *Feed) IsFresh(pair domain.Pair) bool {
	_, ok := f.fresh(pair)
	return ok
}

func (f *Feed) fresh(pair domain.Pair) (domain.PricePoint, bool) {
	f.mu.RLock()
	point, ok := f.cache[pair]
	f.mu.RUnlock()

	if !ok || f.now().Sub(point.ObservedAt) > f.cfg.TTL {
		return domain.PricePoint{}, false
	}
	return point, true
}
