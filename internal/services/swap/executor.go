// Package swap turns a triggered order into an on-chain swap and reports a
// typed result.
package swap

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/dcakeeper/internal/domain"
	"go.uber.org/zap"
)

const defaultConfirmTimeout = 2 * time.Minute

// Submitter signs and broadcasts a swap, returning its transaction hash.
type Submitter interface {
	Submit(ctx context.Context, req domain.SwapRequest) (string, error)
}

// Confirmer waits until a submitted transaction is mined and succeeded.
type Confirmer interface {
	WaitConfirmed(ctx context.Context, txHash string) error
}

// Config controls how an execution is judged successful.
type Config struct {
	// RequireConfirmation makes a swap count as executed only once mined.
	// Otherwise a broadcast transaction with a hash is success.
	RequireConfirmation bool
	ConfirmTimeout      time.Duration
}

// Executor runs one swap per call. Callers guarantee an order is never
// executed concurrently, the executor does not lock.
type Executor struct {
	l         *zap.Logger
	submitter Submitter
	confirmer Confirmer
	cfg       Config
}

// NewExecutor creates an executor. With RequireConfirmation the submitter
// must also implement Confirmer.
func NewExecutor(l *zap.Logger, submitter Submitter, cfg Config) (*Executor, error) {
	if submitter == nil {
		return nil, errors.New("swap submitter is required")
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = defaultConfirmTimeout
	}

	e := &Executor{l: l, submitter: submitter, cfg: cfg}
	if cfg.RequireConfirmation {
		confirmer, ok := submitter.(Confirmer)
		if !ok {
			return nil, errors.Errorf("submitter %T cannot confirm transactions", submitter)
		}
		e.confirmer = confirmer
	}

	return e, nil
}

// Execute swaps order.FromAmount at no worse than the slippage-adjusted
// amount implied by point.
func (e *Executor) Execute(ctx context.Context, order domain.DCAOrder, point domain.PricePoint) domain.SwapResult {
	l := e.l.With(zap.String("order_id", order.ID), zap.Int64("attempt", order.Version))

	minReceived, err := domain.MinReceived(order, point.Price)
	if err != nil {
		return domain.SwapFailure{Kind: domain.FailureRejected, Message: err.Error(), Permanent: true}
	}

	req := domain.SwapRequest{
		OrderID:     order.ID,
		Attempt:     order.Version,
		FromToken:   order.FromToken,
		ToToken:     order.ToToken,
		Amount:      order.FromAmount,
		MinReceived: minReceived,
		QuotePrice:  point.Price,
		Direction:   order.Direction,
	}

	txHash, err := e.submitter.Submit(ctx, req)
	if err != nil {
		f := Classify(err)
		l.Warn("swap submission failed", zap.String("kind", string(f.Kind)), zap.Error(err))
		return f
	}

	l.Info("swap submitted",
		zap.String("tx_hash", txHash),
		zap.String("amount", req.Amount.String()),
		zap.String("min_received", minReceived.String()),
		zap.String("price", point.Price.String()))

	if e.confirmer != nil {
		if res, ok := e.confirm(ctx, l, txHash); !ok {
			return res
		}
	}

	return domain.SwapSuccess{TxHash: txHash, ExecutedPrice: point.Price}
}

func (e *Executor) confirm(ctx context.Context, l *zap.Logger, txHash string) (domain.SwapResult, bool) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ConfirmTimeout)
	defer cancel()

	err := e.confirmer.WaitConfirmed(ctx, txHash)
	if err == nil {
		return nil, true
	}

	f := Classify(err)
	if f.Kind != domain.FailureContractReverted {
		// the transaction is out there and may still land, so it must not be
		// sent again
		f.Permanent = true
		f.Message = "tx " + txHash + " unconfirmed: " + f.Message
	}
	l.Warn("swap not confirmed", zap.String("tx_hash", txHash), zap.String("kind", string(f.Kind)), zap.Error(err))

	return f, false
}
