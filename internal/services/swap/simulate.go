package swap

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/dcakeeper/internal/domain"
	"github.com/vadiminshakov/dcakeeper/internal/storage/simstate"
	"go.uber.org/zap"
)

const bpsDenominator = 10000

// SimulatedSubmitter fills swaps against a paper wallet at the quoted price,
// moved against the trader by a fixed impact. Balances survive restarts
// through simstate.
type SimulatedSubmitter struct {
	mu         sync.Mutex
	l          *zap.Logger
	wallet     map[string]decimal.Decimal
	swaps      map[string]string
	impact     decimal.Decimal
	stateStore *simstate.Store
}

// NewSimulatedSubmitter creates a submitter seeded with initial balances.
// Stored balances, when present, replace the seed. impactBps worsens every
// fill price so slippage protection can be exercised.
func NewSimulatedSubmitter(l *zap.Logger, store *simstate.Store, initial map[string]decimal.Decimal, impactBps int) (*SimulatedSubmitter, error) {
	if l == nil {
		l = zap.NewNop()
	}
	if impactBps < 0 || impactBps >= bpsDenominator {
		return nil, errors.Errorf("price impact %d bps out of range", impactBps)
	}

	s := &SimulatedSubmitter{
		l:          l,
		wallet:     make(map[string]decimal.Decimal, len(initial)),
		swaps:      make(map[string]string),
		impact:     decimal.NewFromInt(int64(impactBps)).Div(decimal.NewFromInt(bpsDenominator)),
		stateStore: store,
	}
	for token, balance := range initial {
		s.wallet[token] = balance
	}

	if err := s.restoreState(); err != nil {
		return nil, err
	}

	s.l.Info("simulate init", zap.Int("tokens", len(s.wallet)), zap.Int("known_swaps", len(s.swaps)))

	return s, nil
}

// Submit fills the request. A request already filled for the same order and
// attempt returns the original hash without touching the wallet.
func (s *SimulatedSubmitter) Submit(ctx context.Context, req domain.SwapRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if req.Amount.LessThanOrEqual(decimal.Zero) {
		return "", permanentFailure(domain.FailureRejected, "amount must be positive, got %s", req.Amount)
	}
	if req.QuotePrice.LessThanOrEqual(decimal.Zero) {
		return "", permanentFailure(domain.FailureRejected, "quote price must be positive, got %s", req.QuotePrice)
	}

	key := submissionKey(req)

	s.mu.Lock()
	defer s.mu.Unlock()

	if hash, ok := s.swaps[key]; ok {
		return hash, nil
	}

	have := s.wallet[req.FromToken]
	if have.LessThan(req.Amount) {
		return "", failure(domain.FailureInsufficientFunds, "insufficient %s balance: have %s need %s",
			req.FromToken, have, req.Amount)
	}

	received := s.fill(req)
	if received.LessThan(req.MinReceived) {
		return "", failure(domain.FailureSlippageExceeded, "would receive %s %s, minimum is %s",
			received, req.ToToken, req.MinReceived)
	}

	hash := crypto.Keccak256Hash([]byte(key)).Hex()

	s.wallet[req.FromToken] = have.Sub(req.Amount)
	s.wallet[req.ToToken] = s.wallet[req.ToToken].Add(received)
	s.swaps[key] = hash

	if err := s.persist(); err != nil {
		// roll back so memory never runs ahead of disk
		s.wallet[req.FromToken] = have
		s.wallet[req.ToToken] = s.wallet[req.ToToken].Sub(received)
		delete(s.swaps, key)
		return "", err
	}

	s.l.Info("simulated swap executed",
		zap.String("order_id", req.OrderID),
		zap.String("tx_hash", hash),
		zap.String("sold", req.Amount.String()+" "+req.FromToken),
		zap.String("received", received.String()+" "+req.ToToken),
		zap.String("price", req.QuotePrice.String()))

	return hash, nil
}

// WaitConfirmed reports success for any hash this submitter produced.
func (s *SimulatedSubmitter) WaitConfirmed(ctx context.Context, txHash string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, hash := range s.swaps {
		if hash == txHash {
			return nil
		}
	}

	return failure(domain.FailureContractReverted, "unknown transaction %s", txHash)
}

// Balance returns the paper balance of token.
func (s *SimulatedSubmitter) Balance(token string) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wallet[token]
}

// fill returns the amount received. Price is quote per base; a buy spends
// quote, a sell spends base.
func (s *SimulatedSubmitter) fill(req domain.SwapRequest) decimal.Decimal {
	one := decimal.NewFromInt(1)

	if req.Direction == domain.DirectionBuy {
		price := req.QuotePrice.Mul(one.Add(s.impact))
		return req.Amount.DivRound(price, 18)
	}

	price := req.QuotePrice.Mul(one.Sub(s.impact))
	return req.Amount.Mul(price)
}

func (s *SimulatedSubmitter) restoreState() error {
	state, err := s.stateStore.Load()
	if err != nil {
		return errors.Wrap(err, "load simulate state")
	}
	if state == nil {
		return nil
	}

	wallet, err := state.Balances()
	if err != nil {
		return err
	}
	if len(wallet) > 0 {
		s.wallet = wallet
	}
	for key, hash := range state.Swaps {
		s.swaps[key] = hash
	}

	return nil
}

func (s *SimulatedSubmitter) persist() error {
	if s.stateStore == nil {
		return nil
	}

	swaps := make(map[string]string, len(s.swaps))
	for key, hash := range s.swaps {
		swaps[key] = hash
	}

	return errors.Wrap(s.stateStore.Save(simstate.NewState(s.wallet, swaps)), "save simulate state")
}

func submissionKey(req domain.SwapRequest) string {
	return fmt.Sprintf("%s#%d", req.OrderID, req.Attempt)
}
