// Package clients builds exchange API clients used as price sources.
package clients

import (
	"context"
	"crypto/ecdsa"
	"fmt"

	"github.com/adshao/go-binance/v2"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/hirokisan/bybit/v2"
	hyperliquid "github.com/sonirico/go-hyperliquid"
)

const hyperliquidMainnetURL = "https://api.hyperliquid.xyz"

// NewBinanceClient returns a Binance client. Empty credentials are enough for
// public market data.
func NewBinanceClient(apiKey, apiSecret string) *binance.Client {
	return binance.NewClient(apiKey, apiSecret)
}

// NewBybitClient returns a Bybit client, authenticated when credentials are set.
func NewBybitClient(apiKey, apiSecret string) *bybit.Client {
	client := bybit.NewClient()
	if apiKey != "" && apiSecret != "" {
		client = client.WithAuth(apiKey, apiSecret)
	}

	return client
}

// NewHyperliquidInfo returns a Hyperliquid Info API client. The SDK only hands
// out Info through an Exchange, which wants a signing key, so a throwaway key
// is generated; it never signs anything.
func NewHyperliquidInfo(baseURL string) (*hyperliquid.Info, error) {
	if baseURL == "" {
		baseURL = hyperliquidMainnetURL
	}

	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	pub, ok := key.Public().(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("error casting public key to ECDSA")
	}

	ex := hyperliquid.NewExchange(
		context.Background(),
		key,
		baseURL,
		nil,
		"",
		crypto.PubkeyToAddress(*pub).Hex(),
		nil,
	)

	return ex.Info(), nil
}
