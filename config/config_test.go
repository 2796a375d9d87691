package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/dcakeeper/internal/domain"
	"gopkg.in/yaml.v3"
)

const simulateYAML = `
platform: binance
pairs: [XFI_USDT, eth_usdt]
scheduler:
  interval: 10s
  workers: "8"
swap:
  mode: simulate
  price_impact_bps: "25"
  balances:
    usdt: "1000"
    XFI: "250.5"
storage:
  driver: wal
  wal_dir: /tmp/dca/orders
`

const evmYAML = `
platform: hyperliquid
pairs: [XFI_USDT]
swap:
  mode: evm
  require_confirmation: true
  confirm_timeout: 15s
  rpc_url: https://rpc.mainnet.ms
  chain_id: "4158"
  router: "0x5Ff137D4b0FDCD49DcA30c7CF57E578a026d2789"
  auto_approve: true
  tokens:
    xfi:
      address: "0x4b53cf0DcD1f3C4a6a3C8c3A3b8D0D8F0c2F2e1A"
      decimals: "18"
    USDT:
      address: "0x38E88b1ed92065eD20241A257ef3713A131C9155"
      decimals: "6"
storage:
  driver: postgres
notify:
  redis_addr: localhost:6379
  statsd_addr: 127.0.0.1:8125
`

func env(vars map[string]string) func(string) string {
	return func(k string) string { return vars[k] }
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Simulate(t *testing.T) {
	t.Setenv(EnvBinanceAPIKey, "key")
	t.Setenv(EnvBinanceAPISecret, "secret")

	cfg, err := Load(writeConfig(t, simulateYAML))
	require.NoError(t, err)

	assert.Equal(t, PlatformBinance, cfg.Platform)
	assert.Equal(t, "key", cfg.APIKey)
	assert.Equal(t, []domain.Pair{{Base: "XFI", Quote: "USDT"}, {Base: "ETH", Quote: "USDT"}}, cfg.Pairs)

	assert.Equal(t, 10*time.Second, cfg.Scheduler.Interval)
	assert.Equal(t, 8, cfg.Scheduler.Workers)
	assert.Zero(t, cfg.Scheduler.CallTimeout)
	assert.Equal(t, 15*time.Second, cfg.Feed.TTL)

	assert.Equal(t, SwapModeSimulate, cfg.Swap.Mode)
	assert.Equal(t, 25, cfg.Swap.PriceImpactBp)
	assert.True(t, cfg.Swap.Balances["USDT"].Equal(decimal.NewFromInt(1000)))
	assert.True(t, cfg.Swap.Balances["XFI"].Equal(decimal.RequireFromString("250.5")))

	assert.Equal(t, StorageWAL, cfg.Storage.Driver)
	assert.Equal(t, "/tmp/dca/orders", cfg.Storage.WALDir)
	assert.Equal(t, 1024, cfg.Notify.QueueSize)
	assert.Equal(t, ":8080", cfg.Web.Addr)
}

func TestParse_EVM(t *testing.T) {
	var tmp ConfigTmp
	require.NoError(t, yaml.Unmarshal([]byte(evmYAML), &tmp))

	vars := map[string]string{
		EnvSignerKey:   "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318",
		EnvDatabaseDSN: "postgres://dca@localhost/dca",
		EnvRedisAddr:   "redis.internal:6379",
	}
	cfg, err := Parse(tmp, env(vars))
	require.NoError(t, err)

	assert.Equal(t, SwapModeEVM, cfg.Swap.Mode)
	assert.True(t, cfg.Swap.RequireConfirmation)
	assert.Equal(t, 15*time.Second, cfg.Swap.ConfirmTimeout)
	assert.Equal(t, int64(4158), cfg.Swap.ChainID)
	assert.Equal(t, int32(18), cfg.Swap.Tokens["XFI"].Decimals)
	assert.Equal(t, int32(6), cfg.Swap.Tokens["USDT"].Decimals)
	assert.Equal(t, vars[EnvSignerKey], cfg.Swap.SignerKey)

	assert.Equal(t, StoragePostgres, cfg.Storage.Driver)
	assert.Equal(t, vars[EnvDatabaseDSN], cfg.Storage.DSN)
	// env wins over the file
	assert.Equal(t, "redis.internal:6379", cfg.Notify.RedisAddr)
	assert.Equal(t, "127.0.0.1:8125", cfg.Notify.StatsdAddr)
}

func TestParse_Errors(t *testing.T) {
	base := func() ConfigTmp {
		var tmp ConfigTmp
		tmp.Platform = "bybit"
		tmp.Pairs = []string{"XFI_USDT"}
		return tmp
	}

	tests := []struct {
		name   string
		mutate func(c *ConfigTmp)
		env    map[string]string
	}{
		{"unknown platform", func(c *ConfigTmp) { c.Platform = "kraken" }, nil},
		{"no pairs", func(c *ConfigTmp) { c.Pairs = nil }, nil},
		{"bad pair", func(c *ConfigTmp) { c.Pairs = []string{"XFIUSDT"} }, nil},
		{"duplicate pair", func(c *ConfigTmp) { c.Pairs = []string{"XFI_USDT", "xfi_usdt"} }, nil},
		{"bad interval", func(c *ConfigTmp) { c.Scheduler.Interval = "soon" }, nil},
		{"negative workers", func(c *ConfigTmp) { c.Scheduler.Workers = "-1" }, nil},
		{"bad balance", func(c *ConfigTmp) { c.Swap.Balances = map[string]string{"USDT": "lots"} }, nil},
		{"unknown mode", func(c *ConfigTmp) { c.Swap.Mode = "cex" }, nil},
		{"evm without rpc", func(c *ConfigTmp) { c.Swap.Mode = "evm" }, nil},
		{"postgres without dsn", func(c *ConfigTmp) { c.Storage.Driver = "postgres" }, nil},
		{"unknown driver", func(c *ConfigTmp) { c.Storage.Driver = "sqlite" }, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := base()
			tt.mutate(&c)
			_, err := Parse(c, env(tt.env))
			require.Error(t, err)
		})
	}
}

func TestParse_EVMRequiresSignerKey(t *testing.T) {
	var tmp ConfigTmp
	require.NoError(t, yaml.Unmarshal([]byte(evmYAML), &tmp))

	_, err := Parse(tmp, env(map[string]string{EnvDatabaseDSN: "postgres://x"}))
	require.ErrorContains(t, err, EnvSignerKey)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
