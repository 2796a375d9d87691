//go:build integration

package pricer

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/dcakeeper/internal/clients"
	"github.com/vadiminshakov/dcakeeper/internal/domain"
)

// Calls the real public APIs. To run: go test -tags=integration ./internal/services/pricer/
func TestPricers_GetPrice_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	info, err := clients.NewHyperliquidInfo("")
	require.NoError(t, err)

	pricers := []Pricer{
		NewBinancePricer(clients.NewBinanceClient("", "")),
		NewBybitPricer(clients.NewBybitClient("", "")),
		NewHyperliquidPricer(info),
	}

	for _, p := range pricers {
		t.Run(p.Name(), func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			pair := domain.Pair{Base: "BTC", Quote: "USDT"}
			price, err := p.GetPrice(ctx, pair)
			require.NoError(t, err)
			require.True(t, price.GreaterThan(decimal.Zero), "Expected price > 0 for %s, got %s", pair.String(), price.String())

			_, err = p.GetPrice(ctx, domain.Pair{Base: "INVALID", Quote: "PAIR"})
			assert.Error(t, err, "Expected error for invalid pair")
		})
	}
}
