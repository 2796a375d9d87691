package pricer

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	hyperliquid "github.com/sonirico/go-hyperliquid"
	"github.com/vadiminshakov/dcakeeper/internal/domain"
)

// HyperliquidPricer fetches mid prices from the Hyperliquid public Info API.
// Mids are quoted in USD, so only USD-like quotes are accepted.
type HyperliquidPricer struct {
	info *hyperliquid.Info
}

func NewHyperliquidPricer(info *hyperliquid.Info) *HyperliquidPricer {
	return &HyperliquidPricer{info: info}
}

func (p *HyperliquidPricer) Name() string { return "hyperliquid" }

func (p *HyperliquidPricer) GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error) {
	if p.info == nil {
		return decimal.Zero, fmt.Errorf("hyperliquid info client is nil")
	}
	switch pair.Quote {
	case "USD", "USDC", "USDT":
	default:
		return decimal.Zero, fmt.Errorf("hyperliquid mids are USD quoted, got %s", pair.String())
	}

	mids, err := p.info.AllMids(ctx)
	if err != nil {
		return decimal.Zero, err
	}

	// mids are keyed by base coin, e.g. "BTC"
	mid, ok := mids[pair.Base]
	if !ok || mid == "" {
		return decimal.Zero, fmt.Errorf("hyperliquid API returned empty mid price for %s", pair.Base)
	}
	return decimal.NewFromString(mid)
}
