package orders

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/dcakeeper/internal/domain"
)

var xfiUSDT = domain.Pair{Base: "XFI", Quote: "USDT"}

func newOrder(t *testing.T, mutate ...func(p *domain.NewOrderParams)) domain.DCAOrder {
	t.Helper()

	p := domain.NewOrderParams{
		OwnerID:          "wallet-1",
		Direction:        domain.DirectionBuy,
		FromToken:        "USDT",
		ToToken:          "XFI",
		FromAmount:       decimal.NewFromInt(100),
		TriggerPrice:     decimal.RequireFromString("0.08"),
		TriggerCondition: domain.TriggerBelow,
		MaxSlippageBps:   100,
		MaxRetries:       3,
	}
	for _, m := range mutate {
		m(&p)
	}

	order, err := domain.NewDCAOrder(p, time.Now())
	require.NoError(t, err)
	return order
}

// runStoreContract checks the behaviour every Store implementation must share.
func runStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("create and get", func(t *testing.T) {
		s := newStore(t)
		order := newOrder(t)

		require.NoError(t, s.Create(ctx, order))
		err := s.Create(ctx, order)
		require.True(t, errors.Is(err, domain.ErrConflict), "got %v", err)

		got, err := s.Get(ctx, order.ID)
		require.NoError(t, err)
		require.Equal(t, order.ID, got.ID)
		require.True(t, order.FromAmount.Equal(got.FromAmount))
		require.True(t, order.TriggerPrice.Equal(got.TriggerPrice))

		_, err = s.Get(ctx, "missing")
		require.True(t, errors.Is(err, domain.ErrNotFound))
	})

	t.Run("list active filters pair and status and restarts", func(t *testing.T) {
		s := newStore(t)
		first := newOrder(t)
		second := newOrder(t)
		other := newOrder(t, func(p *domain.NewOrderParams) { p.ToToken = "ETH" })

		for _, o := range []domain.DCAOrder{first, second, other} {
			require.NoError(t, s.Create(ctx, o))
		}
		_, _, err := s.Cancel(ctx, second.ID)
		require.NoError(t, err)

		seq := s.ListActive(ctx, xfiUSDT)
		for range 2 {
			active, err := Collect(seq)
			require.NoError(t, err)
			require.Len(t, active, 1)
			require.Equal(t, first.ID, active[0].ID)
		}
	})

	t.Run("acquire is exclusive", func(t *testing.T) {
		s := newStore(t)
		order := newOrder(t)
		require.NoError(t, s.Create(ctx, order))

		var (
			wg       sync.WaitGroup
			acquired atomic.Int32
			conflict atomic.Int32
		)
		for range 16 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				_, err := s.TryAcquireForExecution(ctx, order.ID)
				switch {
				case err == nil:
					acquired.Add(1)
				case errors.Is(err, domain.ErrConflict):
					conflict.Add(1)
				}
			}()
		}
		wg.Wait()

		require.Equal(t, int32(1), acquired.Load())
		require.Equal(t, int32(15), conflict.Load())

		got, err := s.Get(ctx, order.ID)
		require.NoError(t, err)
		require.Equal(t, domain.StatusExecuting, got.Status)

		_, err = s.TryAcquireForExecution(ctx, "missing")
		require.True(t, errors.Is(err, domain.ErrNotFound))
	})

	t.Run("record result is idempotent", func(t *testing.T) {
		s := newStore(t)
		order := newOrder(t)
		require.NoError(t, s.Create(ctx, order))

		acquired, err := s.TryAcquireForExecution(ctx, order.ID)
		require.NoError(t, err)

		out := domain.Outcome{
			Version:    acquired.ExecutionVersion,
			Result:     domain.SwapSuccess{TxHash: "0xfeed", ExecutedPrice: decimal.RequireFromString("0.075")},
			RecordedAt: time.Now(),
		}

		executed, changed, err := s.RecordExecutionResult(ctx, order.ID, out)
		require.NoError(t, err)
		require.True(t, changed)
		require.Equal(t, domain.StatusExecuted, executed.Status)

		again, changed, err := s.RecordExecutionResult(ctx, order.ID, out)
		require.NoError(t, err)
		require.False(t, changed)
		require.Equal(t, executed.Version, again.Version)

		got, err := s.Get(ctx, order.ID)
		require.NoError(t, err)
		require.Equal(t, "0xfeed", got.TransactionHash)
		require.True(t, got.ExecutedPrice.Decimal.Equal(decimal.RequireFromString("0.075")))
	})

	t.Run("retry returns order to active", func(t *testing.T) {
		s := newStore(t)
		order := newOrder(t)
		require.NoError(t, s.Create(ctx, order))

		acquired, err := s.TryAcquireForExecution(ctx, order.ID)
		require.NoError(t, err)

		out := domain.Outcome{Version: acquired.ExecutionVersion, Result: domain.SwapFailure{Kind: domain.FailureNetworkError}}
		retried, changed, err := s.RecordExecutionResult(ctx, order.ID, out)
		require.NoError(t, err)
		require.True(t, changed)
		require.Equal(t, domain.StatusActive, retried.Status)
		require.Equal(t, 1, retried.RetryCount)

		_, err = s.TryAcquireForExecution(ctx, order.ID)
		require.NoError(t, err)
	})

	t.Run("cancel", func(t *testing.T) {
		s := newStore(t)
		order := newOrder(t)
		require.NoError(t, s.Create(ctx, order))

		acquired, err := s.TryAcquireForExecution(ctx, order.ID)
		require.NoError(t, err)

		_, _, err = s.Cancel(ctx, order.ID)
		require.True(t, errors.Is(err, domain.ErrCancelDeferred))

		flagged, err := s.Get(ctx, order.ID)
		require.NoError(t, err)
		require.True(t, flagged.CancelRequested)
		require.Equal(t, domain.StatusExecuting, flagged.Status)

		require.Equal(t, acquired.Version+1, flagged.Version)

		out := domain.Outcome{Version: acquired.ExecutionVersion, Result: domain.SwapFailure{Kind: domain.FailureSlippageExceeded}}
		resolved, changed, err := s.RecordExecutionResult(ctx, order.ID, out)
		require.NoError(t, err)
		require.True(t, changed)
		require.Equal(t, domain.StatusCancelled, resolved.Status)

		_, changed, err = s.Cancel(ctx, order.ID)
		require.NoError(t, err)
		require.False(t, changed)
	})

	t.Run("swap landing after deferred cancel is recorded", func(t *testing.T) {
		s := newStore(t)
		order := newOrder(t)
		require.NoError(t, s.Create(ctx, order))

		acquired, err := s.TryAcquireForExecution(ctx, order.ID)
		require.NoError(t, err)

		_, _, err = s.Cancel(ctx, order.ID)
		require.True(t, errors.Is(err, domain.ErrCancelDeferred))

		out := domain.Outcome{
			Version:    acquired.ExecutionVersion,
			Result:     domain.SwapSuccess{TxHash: "0xbeef", ExecutedPrice: decimal.RequireFromString("0.08")},
			RecordedAt: time.Now(),
		}
		executed, changed, err := s.RecordExecutionResult(ctx, order.ID, out)
		require.NoError(t, err)
		require.True(t, changed)
		require.Equal(t, domain.StatusExecuted, executed.Status)

		got, err := s.Get(ctx, order.ID)
		require.NoError(t, err)
		require.Equal(t, domain.StatusExecuted, got.Status)
		require.Equal(t, "0xbeef", got.TransactionHash)
	})

	t.Run("expire", func(t *testing.T) {
		s := newStore(t)
		expiresAt := time.Now().Add(time.Minute)
		order := newOrder(t, func(p *domain.NewOrderParams) { p.ExpiresAt = &expiresAt })
		require.NoError(t, s.Create(ctx, order))

		_, _, err := s.Expire(ctx, order.ID, time.Now())
		require.True(t, errors.Is(err, domain.ErrInvalidTransition))

		expired, changed, err := s.Expire(ctx, order.ID, expiresAt.Add(time.Second))
		require.NoError(t, err)
		require.True(t, changed)
		require.Equal(t, domain.StatusExpired, expired.Status)

		_, err = s.TryAcquireForExecution(ctx, order.ID)
		require.True(t, errors.Is(err, domain.ErrConflict))

		list, err := s.ListByStatus(ctx, domain.StatusExpired)
		require.NoError(t, err)
		require.Len(t, list, 1)
	})
}
