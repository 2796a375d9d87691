package internal

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/vadiminshakov/dcakeeper/config"
	"github.com/vadiminshakov/dcakeeper/internal/clients"
	"github.com/vadiminshakov/dcakeeper/internal/domain"
	"github.com/vadiminshakov/dcakeeper/internal/services/pricer"
	"github.com/vadiminshakov/dcakeeper/internal/services/swap"
	"github.com/vadiminshakov/dcakeeper/internal/storage/orders"
	"github.com/vadiminshakov/dcakeeper/internal/storage/simstate"
)

type priceSource interface {
	GetPrice(ctx context.Context, pair domain.Pair) (decimal.Decimal, error)
	Name() string
}

// newPriceSource is the single point of dispatch to the platform-specific pricer.
func newPriceSource(cfg config.Config) (priceSource, error) {
	switch cfg.Platform {
	case config.PlatformBinance:
		return pricer.NewBinancePricer(clients.NewBinanceClient(cfg.APIKey, cfg.APISecret)), nil
	case config.PlatformBybit:
		return pricer.NewBybitPricer(clients.NewBybitClient(cfg.APIKey, cfg.APISecret)), nil
	case config.PlatformHyperliquid:
		info, err := clients.NewHyperliquidInfo(cfg.PriceURL)
		if err != nil {
			return nil, errors.Wrap(err, "hyperliquid client")
		}
		return pricer.NewHyperliquidPricer(info), nil
	default:
		return nil, fmt.Errorf("unsupported platform: %s", cfg.Platform)
	}
}

// newSubmitter builds the swap backend for the configured mode. The returned
// closer releases its connections.
func newSubmitter(ctx context.Context, l *zap.Logger, cfg config.SwapConfig) (swap.Submitter, func(), error) {
	switch cfg.Mode {
	case config.SwapModeSimulate:
		store, err := simstate.NewStore(cfg.StateDir, "wallet")
		if err != nil {
			return nil, nil, errors.Wrap(err, "simulation state store")
		}
		s, err := swap.NewSimulatedSubmitter(l.Named("simulate"), store, cfg.Balances, cfg.PriceImpactBp)
		if err != nil {
			return nil, nil, err
		}
		return s, func() {}, nil

	case config.SwapModeEVM:
		signer, err := swap.NewKeySigner(cfg.SignerKey)
		if err != nil {
			return nil, nil, errors.Wrap(err, "signer")
		}

		client, err := ethclient.DialContext(ctx, cfg.RPCURL)
		if err != nil {
			return nil, nil, errors.Wrapf(err, "dial rpc %s", cfg.RPCURL)
		}

		tokens := make(map[string]swap.Token, len(cfg.Tokens))
		for symbol, t := range cfg.Tokens {
			tokens[symbol] = swap.Token{Address: common.HexToAddress(t.Address), Decimals: t.Decimals}
		}

		s, err := swap.NewEVMSubmitter(l.Named("evm"), client, signer, swap.EVMConfig{
			ChainID:        big.NewInt(cfg.ChainID),
			Router:         common.HexToAddress(cfg.Router),
			Tokens:         tokens,
			Deadline:       cfg.Deadline,
			GasLimitMargin: cfg.GasLimitMargin,
			AutoApprove:    cfg.AutoApprove,
		})
		if err != nil {
			client.Close()
			return nil, nil, err
		}

		l.Info("evm swaps enabled",
			zap.String("signer", signer.Address().Hex()),
			zap.Int64("chain_id", cfg.ChainID),
			zap.String("router", cfg.Router))
		return s, client.Close, nil

	default:
		return nil, nil, fmt.Errorf("unsupported swap mode: %s", cfg.Mode)
	}
}

type orderStore interface {
	orders.Store
	Close() error
}

// newOrderStore opens the configured order store. Postgres migrations are
// applied on open.
func newOrderStore(ctx context.Context, l *zap.Logger, cfg config.StorageConfig) (orderStore, error) {
	switch cfg.Driver {
	case config.StorageWAL:
		return orders.NewWALStore(l.Named("orders"), cfg.WALDir)
	case config.StoragePostgres:
		pool, err := orders.Connect(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		store := orders.NewPostgresStore(l.Named("orders"), pool)
		if err := store.Migrate(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s", cfg.Driver)
	}
}
