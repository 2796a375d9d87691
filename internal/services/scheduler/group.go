package scheduler

import (
	"context"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/dcakeeper/internal/domain"
	"github.com/vadiminshakov/dcakeeper/internal/storage/orders"
	"golang.org/x/sync/errgroup"
)

// ErrUnknownPair is returned when an order trades on a pair no scheduler runs.
var ErrUnknownPair = errors.New("no scheduler for pair")

// Group runs one scheduler per pair and routes cancellations to the one
// owning the order's pair.
type Group struct {
	store      orders.Store
	schedulers map[domain.Pair]*Scheduler
}

// NewGroup creates a group. Two schedulers for the same pair are rejected.
func NewGroup(store orders.Store, schedulers ...*Scheduler) (*Group, error) {
	g := &Group{store: store, schedulers: make(map[domain.Pair]*Scheduler, len(schedulers))}
	for _, s := range schedulers {
		if _, ok := g.schedulers[s.cfg.Pair]; ok {
			return nil, errors.Errorf("duplicate scheduler for %s", s.cfg.Pair)
		}
		g.schedulers[s.cfg.Pair] = s
	}

	return g, nil
}

// Run runs every scheduler until ctx is cancelled.
func (g *Group) Run(ctx context.Context) error {
	eg, ctx := errgroup.WithContext(ctx)
	for _, s := range g.schedulers {
		eg.Go(func() error {
			return s.Run(ctx)
		})
	}

	return eg.Wait()
}

// Serves reports whether a scheduler runs for pair.
func (g *Group) Serves(pair domain.Pair) bool {
	_, ok := g.schedulers[pair]
	return ok
}

// Cancel looks the order up and cancels it through its pair's scheduler.
func (g *Group) Cancel(ctx context.Context, id string) (domain.DCAOrder, error) {
	order, err := g.store.Get(ctx, id)
	if err != nil {
		return domain.DCAOrder{}, err
	}

	s, ok := g.schedulers[order.Pair()]
	if !ok {
		return order, errors.Wrapf(ErrUnknownPair, "order %s trades %s", id, order.Pair())
	}

	return s.Cancel(ctx, id)
}
