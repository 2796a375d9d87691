// Command dcakeeper runs conditional DCA orders: it watches prices for the
// configured pairs and swaps an order's tokens once its trigger is met.
//
// Usage:
//
//	dcakeeper -config config.yaml
//	dcakeeper -setup (interactive wizard, then run)
//
// Secrets come from the environment:
//
//	DCA_SIGNER_KEY for evm swaps, DCA_DB_DSN for postgres storage,
//	DCA_REDIS_ADDR and DCA_REDIS_PASSWORD for redis notifications,
//	BINANCE_API_KEY/BINANCE_API_SECRET or BYBIT_API_KEY/BYBIT_API_SECRET.
package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/vadiminshakov/dcakeeper/config"
	"github.com/vadiminshakov/dcakeeper/internal"
	"github.com/vadiminshakov/dcakeeper/internal/setup"
	"go.uber.org/zap"
)

func main() {
	flags := config.ParseFlags()

	path := flags.ConfigPath
	if flags.Setup {
		generated, err := setup.RunTUI()
		if err != nil {
			log.Fatal(err)
		}
		path = generated
	}

	cfg, err := config.Load(path)
	if err != nil {
		log.Fatal(err)
	}

	logger, _ := zap.NewProduction()
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	keeper, err := internal.NewKeeper(ctx, logger, cfg)
	if err != nil {
		logger.Fatal("failed to start keeper", zap.Error(err))
	}
	defer keeper.Close()

	if err := keeper.Run(ctx); err != nil {
		logger.Error("keeper stopped", zap.Error(err))
		return
	}
	logger.Info("keeper stopped")
}
