// Package pricer fetches spot prices from exchange APIs.
package pricer

import (
	"context"

	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/dcakeeper/internal/domain"
)

// Pricer provides the current price of Base in Quote units.
type Pricer interface {
	GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error)
	Name() string
}
