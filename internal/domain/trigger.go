package domain

import (
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var bpsDenominator = decimal.NewFromInt(MaxSlippageBps)

// ShouldTrigger reports whether the order fires at the observed price.
func ShouldTrigger(order DCAOrder, point PricePoint) bool {
	switch order.TriggerCondition {
	case TriggerAbove:
		return point.Price.GreaterThanOrEqual(order.TriggerPrice)
	case TriggerBelow:
		return point.Price.LessThanOrEqual(order.TriggerPrice)
	default:
		return false
	}
}

// ExpectedOut is the amount of ToToken the order receives at price with no slippage.
func ExpectedOut(order DCAOrder, price decimal.Decimal) (decimal.Decimal, error) {
	if price.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero, errors.Errorf("price must be positive, got %s", price)
	}

	if order.Direction == DirectionSell {
		return order.FromAmount.Mul(price), nil
	}
	// buy: quote amount over quote-per-base price
	return order.FromAmount.DivRound(price, 18), nil
}

// MinReceived is the smallest acceptable output given the order slippage tolerance.
func MinReceived(order DCAOrder, price decimal.Decimal) (decimal.Decimal, error) {
	if order.MaxSlippageBps < 0 || order.MaxSlippageBps > MaxSlippageBps {
		return decimal.Zero, errors.Errorf("slippage %d bps out of range", order.MaxSlippageBps)
	}

	expected, err := ExpectedOut(order, price)
	if err != nil {
		return decimal.Zero, err
	}

	keep := bpsDenominator.Sub(decimal.NewFromInt(int64(order.MaxSlippageBps)))
	return expected.Mul(keep).Div(bpsDenominator), nil
}
