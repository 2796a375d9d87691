package domain

import "github.com/shopspring/decimal"

// FailureKind classifies why a swap did not go through.
type FailureKind string

const (
	FailureInsufficientFunds FailureKind = "insufficient_funds"
	FailureSlippageExceeded  FailureKind = "slippage_exceeded"
	FailureNetworkError      FailureKind = "network_error"
	FailureContractReverted  FailureKind = "contract_reverted"
	FailureRejected          FailureKind = "rejected"
)

// SwapResult is the outcome of one swap attempt. It is either SwapSuccess or
// SwapFailure; no other implementations exist.
type SwapResult interface {
	isSwapResult()
}

// SwapSuccess is a swap accepted by the chain.
type SwapSuccess struct {
	TxHash        string
	ExecutedPrice decimal.Decimal
}

// SwapFailure is a swap that did not go through.
type SwapFailure struct {
	Kind    FailureKind
	Message string
	// Permanent marks a failure diagnosed as not fixable by retrying, e.g. an
	// invalid swap path or a submitted transaction whose fate is unknown.
	Permanent bool
}

func (SwapSuccess) isSwapResult() {}
func (SwapFailure) isSwapResult() {}

// Retryable reports whether the order may go back to active after this failure.
func (f SwapFailure) Retryable() bool {
	if f.Permanent {
		return false
	}

	switch f.Kind {
	case FailureSlippageExceeded, FailureNetworkError, FailureContractReverted:
		return true
	default:
		return false
	}
}

// Reason renders the failure for FailureReason.
func (f SwapFailure) Reason() string {
	if f.Message == "" {
		return string(f.Kind)
	}
	return string(f.Kind) + ": " + f.Message
}

// SwapRequest is what gets submitted on chain.
type SwapRequest struct {
	OrderID     string
	Attempt     int64
	FromToken   string
	ToToken     string
	Amount      decimal.Decimal
	MinReceived decimal.Decimal
	// QuotePrice is the feed price the request was built from.
	QuotePrice decimal.Decimal
	Direction  Direction
}
