// Package orders persists DCA orders and performs their status transitions as
// compare-and-swap operations.
package orders

import (
	"context"
	"iter"
	"time"

	"github.com/vadiminshakov/dcakeeper/internal/domain"
)

// Store is the order persistence contract. It is the only component that
// mutates order status.
type Store interface {
	Create(ctx context.Context, order domain.DCAOrder) error
	Get(ctx context.Context, id string) (domain.DCAOrder, error)
	// ListActive yields active orders of the pair. Every call to the returned
	// sequence starts a fresh read.
	ListActive(ctx context.Context, pair domain.Pair) iter.Seq2[domain.DCAOrder, error]
	ListByStatus(ctx context.Context, status domain.OrderStatus) ([]domain.DCAOrder, error)
	TryAcquireForExecution(ctx context.Context, id string) (domain.DCAOrder, error)
	RecordExecutionResult(ctx context.Context, id string, outcome domain.Outcome) (domain.DCAOrder, bool, error)
	Cancel(ctx context.Context, id string) (domain.DCAOrder, bool, error)
	Expire(ctx context.Context, id string, now time.Time) (domain.DCAOrder, bool, error)
	Close() error
}

var (
	_ Store = (*WALStore)(nil)
	_ Store = (*PostgresStore)(nil)
)

// Collect drains a ListActive sequence, stopping at the first error.
func Collect(seq iter.Seq2[domain.DCAOrder, error]) ([]domain.DCAOrder, error) {
	var out []domain.DCAOrder
	for order, err := range seq {
		if err != nil {
			return nil, err
		}
		out = append(out, order)
	}
	return out, nil
}
