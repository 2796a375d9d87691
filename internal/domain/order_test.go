package domain

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func validParams() NewOrderParams {
	return NewOrderParams{
		OwnerID:          "wallet-1",
		Direction:        DirectionBuy,
		FromToken:        "usdt",
		ToToken:          "xfi",
		FromAmount:       decimal.NewFromInt(100),
		TriggerPrice:     decimal.RequireFromString("0.08"),
		TriggerCondition: TriggerBelow,
		MaxSlippageBps:   100,
		MaxRetries:       3,
	}
}

func TestNewDCAOrder(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	order, err := NewDCAOrder(validParams(), now)
	require.NoError(t, err)
	require.NotEmpty(t, order.ID)
	require.Equal(t, StatusActive, order.Status)
	require.Equal(t, "USDT", order.FromToken)
	require.Equal(t, "XFI", order.ToToken)
	require.Equal(t, Pair{Base: "XFI", Quote: "USDT"}, order.Pair())
	require.Equal(t, int64(1), order.Version)
	require.Equal(t, now, order.CreatedAt)
}

func TestNewDCAOrder_Validation(t *testing.T) {
	now := time.Now()
	past := now.Add(-time.Minute)

	cases := map[string]func(p *NewOrderParams){
		"direction":    func(p *NewOrderParams) { p.Direction = "hold" },
		"condition":    func(p *NewOrderParams) { p.TriggerCondition = "" },
		"same tokens":  func(p *NewOrderParams) { p.ToToken = "USDT" },
		"empty token":  func(p *NewOrderParams) { p.FromToken = "" },
		"zero amount":  func(p *NewOrderParams) { p.FromAmount = decimal.Zero },
		"zero trigger": func(p *NewOrderParams) { p.TriggerPrice = decimal.Zero },
		"slippage":     func(p *NewOrderParams) { p.MaxSlippageBps = -1 },
		"retries":      func(p *NewOrderParams) { p.MaxRetries = -1 },
		"expiry":       func(p *NewOrderParams) { p.ExpiresAt = &past },
	}

	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			p := validParams()
			mutate(&p)

			_, err := NewDCAOrder(p, now)
			require.True(t, errors.Is(err, ErrInvalidOrder), "got %v", err)
		})
	}
}

func TestOrderPair_Sell(t *testing.T) {
	order := DCAOrder{Direction: DirectionSell, FromToken: "XFI", ToToken: "USDT"}
	require.Equal(t, "XFI_USDT", order.Pair().String())
}

func TestParsePair(t *testing.T) {
	pair, err := ParsePair("xfi_usdt")
	require.NoError(t, err)
	require.Equal(t, Pair{Base: "XFI", Quote: "USDT"}, pair)
	require.Equal(t, "XFIUSDT", pair.Symbol())

	for _, bad := range []string{"", "XFIUSDT", "_USDT", "A_B_C"} {
		_, err := ParsePair(bad)
		require.Error(t, err, bad)
	}
}
