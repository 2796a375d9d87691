package domain

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

// MaxSlippageBps is the upper bound for slippage tolerance (100%).
const MaxSlippageBps = 10000

// Direction tells which side of the pair an order spends.
type Direction string

const (
	// DirectionBuy spends the quote token to receive the base token.
	DirectionBuy Direction = "buy"
	// DirectionSell spends the base token to receive the quote token.
	DirectionSell Direction = "sell"
)

// TriggerCondition is the comparison between live price and trigger price.
type TriggerCondition string

const (
	TriggerAbove TriggerCondition = "above"
	TriggerBelow TriggerCondition = "below"
)

// OrderStatus is a state of the order lifecycle.
type OrderStatus string

const (
	StatusActive    OrderStatus = "active"
	StatusExecuting OrderStatus = "executing"
	StatusExecuted  OrderStatus = "executed"
	StatusFailed    OrderStatus = "failed"
	StatusCancelled OrderStatus = "cancelled"
	StatusExpired   OrderStatus = "expired"
)

// IsTerminal reports whether no transition can leave the status.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusExecuted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s OrderStatus) Valid() bool {
	return s == StatusActive || s == StatusExecuting || s.IsTerminal()
}

// DCAOrder is a standing instruction to swap FromAmount of FromToken into
// ToToken once the price condition is met.
type DCAOrder struct {
	ID               string              `json:"id"`
	OwnerID          string              `json:"owner_id"`
	Direction        Direction           `json:"direction"`
	FromToken        string              `json:"from_token"`
	ToToken          string              `json:"to_token"`
	FromAmount       decimal.Decimal     `json:"from_amount"`
	TriggerPrice     decimal.Decimal     `json:"trigger_price"`
	TriggerCondition TriggerCondition    `json:"trigger_condition"`
	MaxSlippageBps   int                 `json:"max_slippage_bps"`
	Status           OrderStatus         `json:"status"`
	CreatedAt        time.Time           `json:"created_at"`
	ExpiresAt        *time.Time          `json:"expires_at,omitempty"`
	ExecutedAt       *time.Time          `json:"executed_at,omitempty"`
	ExecutedPrice    decimal.NullDecimal `json:"executed_price"`
	TransactionHash  string              `json:"transaction_hash,omitempty"`
	FailureReason    string              `json:"failure_reason,omitempty"`
	RetryCount       int                 `json:"retry_count"`
	MaxRetries       int                 `json:"max_retries"`
	CancelRequested  bool                `json:"cancel_requested,omitempty"`
	// ExecutionVersion is the Version the last acquire produced. Outcomes are
	// matched against it, Version itself guards every write.
	ExecutionVersion int64               `json:"execution_version,omitempty"`
	Version          int64               `json:"version"`
	UpdatedAt        time.Time           `json:"updated_at"`
}

// NewOrderParams holds the caller-supplied fields of a new order.
type NewOrderParams struct {
	OwnerID          string
	Direction        Direction
	FromToken        string
	ToToken          string
	FromAmount       decimal.Decimal
	TriggerPrice     decimal.Decimal
	TriggerCondition TriggerCondition
	MaxSlippageBps   int
	MaxRetries       int
	ExpiresAt        *time.Time
}

// NewDCAOrder creates a validated ACTIVE order.
func NewDCAOrder(p NewOrderParams, now time.Time) (DCAOrder, error) {
	if p.Direction != DirectionBuy && p.Direction != DirectionSell {
		return DCAOrder{}, errors.Wrapf(ErrInvalidOrder, "unknown direction %q", p.Direction)
	}
	if p.TriggerCondition != TriggerAbove && p.TriggerCondition != TriggerBelow {
		return DCAOrder{}, errors.Wrapf(ErrInvalidOrder, "unknown trigger condition %q", p.TriggerCondition)
	}
	from, to := strings.ToUpper(p.FromToken), strings.ToUpper(p.ToToken)
	if from == "" || to == "" || from == to {
		return DCAOrder{}, errors.Wrapf(ErrInvalidOrder, "tokens must be set and distinct, got %q and %q", p.FromToken, p.ToToken)
	}
	if p.FromAmount.LessThanOrEqual(decimal.Zero) {
		return DCAOrder{}, errors.Wrapf(ErrInvalidOrder, "amount must be positive, got %s", p.FromAmount)
	}
	if p.TriggerPrice.LessThanOrEqual(decimal.Zero) {
		return DCAOrder{}, errors.Wrapf(ErrInvalidOrder, "trigger price must be positive, got %s", p.TriggerPrice)
	}
	if p.MaxSlippageBps < 0 || p.MaxSlippageBps > MaxSlippageBps {
		return DCAOrder{}, errors.Wrapf(ErrInvalidOrder, "slippage must be within [0, %d] bps, got %d", MaxSlippageBps, p.MaxSlippageBps)
	}
	if p.MaxRetries < 0 {
		return DCAOrder{}, errors.Wrapf(ErrInvalidOrder, "max retries must be >= 0, got %d", p.MaxRetries)
	}
	if p.ExpiresAt != nil && !p.ExpiresAt.After(now) {
		return DCAOrder{}, errors.Wrapf(ErrInvalidOrder, "expiry %s is not after creation", p.ExpiresAt.Format(time.RFC3339))
	}

	now = now.UTC()
	return DCAOrder{
		ID:               uuid.NewString(),
		OwnerID:          p.OwnerID,
		Direction:        p.Direction,
		FromToken:        from,
		ToToken:          to,
		FromAmount:       p.FromAmount,
		TriggerPrice:     p.TriggerPrice,
		TriggerCondition: p.TriggerCondition,
		MaxSlippageBps:   p.MaxSlippageBps,
		Status:           StatusActive,
		CreatedAt:        now,
		ExpiresAt:        p.ExpiresAt,
		MaxRetries:       p.MaxRetries,
		Version:          1,
		UpdatedAt:        now,
	}, nil
}

// Pair returns the market the order trades on.
func (o DCAOrder) Pair() Pair {
	if o.Direction == DirectionSell {
		return Pair{Base: o.FromToken, Quote: o.ToToken}
	}
	return Pair{Base: o.ToToken, Quote: o.FromToken}
}

// IsExpired reports whether the order has an expiry strictly before now.
func (o DCAOrder) IsExpired(now time.Time) bool {
	return o.ExpiresAt != nil && now.After(*o.ExpiresAt)
}

// PricePoint is one observation of the market price.
type PricePoint struct {
	Price      decimal.Decimal
	ObservedAt time.Time
	Source     string
}
