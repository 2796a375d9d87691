package config

import (
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/vadiminshakov/dcakeeper/internal/domain"
	"gopkg.in/yaml.v3"
)

const (
	PlatformBinance     = "binance"
	PlatformBybit       = "bybit"
	PlatformHyperliquid = "hyperliquid"

	SwapModeEVM      = "evm"
	SwapModeSimulate = "simulate"

	StorageWAL      = "wal"
	StoragePostgres = "postgres"
)

// environment variables holding secrets; they win over the yaml file
const (
	EnvSignerKey        = "DCA_SIGNER_KEY"
	EnvDatabaseDSN      = "DCA_DB_DSN"
	EnvRedisAddr        = "DCA_REDIS_ADDR"
	EnvRedisPassword    = "DCA_REDIS_PASSWORD"
	EnvBinanceAPIKey    = "BINANCE_API_KEY"
	EnvBinanceAPISecret = "BINANCE_API_SECRET"
	EnvBybitAPIKey      = "BYBIT_API_KEY"
	EnvBybitAPISecret   = "BYBIT_API_SECRET"
)

// Config is the validated keeper configuration.
type Config struct {
	// Platform is the exchange prices are read from.
	Platform  string
	APIKey    string
	APISecret string
	// PriceURL overrides the platform API endpoint (hyperliquid only).
	PriceURL string

	Pairs     []domain.Pair
	Scheduler SchedulerConfig
	Feed      FeedConfig
	Swap      SwapConfig
	Storage   StorageConfig
	Notify    NotifyConfig
	Web       WebConfig
}

type SchedulerConfig struct {
	Interval    time.Duration
	CallTimeout time.Duration
	SwapTimeout time.Duration
	Workers     int
}

type FeedConfig struct {
	TTL           time.Duration
	RatePerSecond float64
	Retries       int
}

type TokenConfig struct {
	Address  string
	Decimals int32
}

type SwapConfig struct {
	Mode                string
	RequireConfirmation bool
	ConfirmTimeout      time.Duration

	// evm
	RPCURL         string
	ChainID        int64
	Router         string
	Tokens         map[string]TokenConfig
	Deadline       time.Duration
	GasLimitMargin float64
	AutoApprove    bool
	SignerKey      string

	// simulate
	StateDir      string
	Balances      map[string]decimal.Decimal
	PriceImpactBp int
}

type StorageConfig struct {
	Driver    string
	WALDir    string
	DSN       string
	EventsDir string
}

type NotifyConfig struct {
	QueueSize      int
	DeliverTimeout time.Duration
	RedisAddr      string
	RedisPassword  string
	RedisDB        int
	RedisChannel   string
	StatsdAddr     string
}

type WebConfig struct {
	Addr      string
	Domains   []string
	CertCache string
}

// ConfigTmp mirrors the yaml file; values are parsed and validated into Config.
type ConfigTmp struct {
	Platform  string   `yaml:"platform"`
	PriceURL  string   `yaml:"price_url,omitempty"`
	Pairs     []string `yaml:"pairs"`
	Scheduler struct {
		Interval    string `yaml:"interval,omitempty"`
		CallTimeout string `yaml:"call_timeout,omitempty"`
		SwapTimeout string `yaml:"swap_timeout,omitempty"`
		Workers     string `yaml:"workers,omitempty"`
	} `yaml:"scheduler"`
	Feed struct {
		TTL           string `yaml:"ttl,omitempty"`
		RatePerSecond string `yaml:"rate_per_second,omitempty"`
		Retries       string `yaml:"retries,omitempty"`
	} `yaml:"feed"`
	Swap struct {
		Mode                string `yaml:"mode"`
		RequireConfirmation bool   `yaml:"require_confirmation"`
		ConfirmTimeout      string `yaml:"confirm_timeout,omitempty"`
		RPCURL              string `yaml:"rpc_url,omitempty"`
		ChainID             string `yaml:"chain_id,omitempty"`
		Router              string `yaml:"router,omitempty"`
		Tokens              map[string]struct {
			Address  string `yaml:"address"`
			Decimals string `yaml:"decimals"`
		} `yaml:"tokens,omitempty"`
		Deadline       string            `yaml:"deadline,omitempty"`
		GasLimitMargin string            `yaml:"gas_limit_margin,omitempty"`
		AutoApprove    bool              `yaml:"auto_approve"`
		StateDir       string            `yaml:"state_dir,omitempty"`
		Balances       map[string]string `yaml:"balances,omitempty"`
		PriceImpactBps string            `yaml:"price_impact_bps,omitempty"`
	} `yaml:"swap"`
	Storage struct {
		Driver    string `yaml:"driver"`
		WALDir    string `yaml:"wal_dir,omitempty"`
		EventsDir string `yaml:"events_dir,omitempty"`
	} `yaml:"storage"`
	Notify struct {
		QueueSize      string `yaml:"queue_size,omitempty"`
		DeliverTimeout string `yaml:"deliver_timeout,omitempty"`
		RedisAddr      string `yaml:"redis_addr,omitempty"`
		RedisDB        string `yaml:"redis_db,omitempty"`
		RedisChannel   string `yaml:"redis_channel,omitempty"`
		StatsdAddr     string `yaml:"statsd_addr,omitempty"`
	} `yaml:"notify"`
	Web struct {
		Addr      string   `yaml:"addr,omitempty"`
		Domains   []string `yaml:"domains,omitempty"`
		CertCache string   `yaml:"cert_cache,omitempty"`
	} `yaml:"web"`
}

// Flags are the command line switches of the keeper.
type Flags struct {
	ConfigPath string
	Setup      bool
}

// ParseFlags reads the command line.
func ParseFlags() Flags {
	config := flag.String("config", "config.yaml", "path to yaml config")
	setup := flag.Bool("setup", false, "run the interactive configuration wizard")
	flag.Parse()

	return Flags{ConfigPath: *config, Setup: *setup}
}

// Load reads and validates the yaml file at path, then applies environment
// overrides.
func Load(path string) (Config, error) {
	f, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var tmp ConfigTmp
	if err := yaml.Unmarshal(f, &tmp); err != nil {
		return Config{}, fmt.Errorf("failed to parse yaml config %s: %w", path, err)
	}

	return Parse(tmp, os.Getenv)
}

// Parse validates raw config values. getenv supplies secrets.
func Parse(c ConfigTmp, getenv func(string) string) (Config, error) {
	var (
		cfg Config
		err error
	)

	cfg.Platform = strings.ToLower(c.Platform)
	cfg.PriceURL = c.PriceURL
	switch cfg.Platform {
	case PlatformBinance:
		cfg.APIKey, cfg.APISecret = getenv(EnvBinanceAPIKey), getenv(EnvBinanceAPISecret)
	case PlatformBybit:
		cfg.APIKey, cfg.APISecret = getenv(EnvBybitAPIKey), getenv(EnvBybitAPISecret)
	case PlatformHyperliquid:
	default:
		return Config{}, fmt.Errorf("unsupported 'platform' in yaml config: %q", c.Platform)
	}

	if len(c.Pairs) == 0 {
		return Config{}, fmt.Errorf("at least one pair must be configured")
	}
	seen := make(map[domain.Pair]struct{}, len(c.Pairs))
	for _, p := range c.Pairs {
		pair, err := domain.ParsePair(p)
		if err != nil {
			return Config{}, fmt.Errorf("incorrect 'pairs' entry in yaml config: %s, error: %w", p, err)
		}
		if _, ok := seen[pair]; ok {
			return Config{}, fmt.Errorf("pair %s configured twice", pair)
		}
		seen[pair] = struct{}{}
		cfg.Pairs = append(cfg.Pairs, pair)
	}

	// scheduler
	if cfg.Scheduler.Interval, err = parseDuration(c.Scheduler.Interval, 30*time.Second, "scheduler.interval"); err != nil {
		return Config{}, err
	}
	// zero lets the scheduler derive the timeouts from the interval
	if cfg.Scheduler.CallTimeout, err = parseDuration(c.Scheduler.CallTimeout, 0, "scheduler.call_timeout"); err != nil {
		return Config{}, err
	}
	if cfg.Scheduler.SwapTimeout, err = parseDuration(c.Scheduler.SwapTimeout, 0, "scheduler.swap_timeout"); err != nil {
		return Config{}, err
	}
	if cfg.Scheduler.Workers, err = parseInt(c.Scheduler.Workers, 4, "scheduler.workers"); err != nil {
		return Config{}, err
	}

	// feed
	if cfg.Feed.TTL, err = parseDuration(c.Feed.TTL, 15*time.Second, "feed.ttl"); err != nil {
		return Config{}, err
	}
	if cfg.Feed.Retries, err = parseInt(c.Feed.Retries, 2, "feed.retries"); err != nil {
		return Config{}, err
	}
	if c.Feed.RatePerSecond != "" {
		if cfg.Feed.RatePerSecond, err = strconv.ParseFloat(c.Feed.RatePerSecond, 64); err != nil {
			return Config{}, fmt.Errorf("incorrect 'feed.rate_per_second' param in yaml config (must be a number), error: %w", err)
		}
	}

	if cfg.Swap, err = parseSwap(c, getenv); err != nil {
		return Config{}, err
	}

	// storage
	cfg.Storage.Driver = strings.ToLower(c.Storage.Driver)
	if cfg.Storage.Driver == "" {
		cfg.Storage.Driver = StorageWAL
	}
	cfg.Storage.WALDir = c.Storage.WALDir
	cfg.Storage.EventsDir = c.Storage.EventsDir
	switch cfg.Storage.Driver {
	case StorageWAL:
	case StoragePostgres:
		cfg.Storage.DSN = getenv(EnvDatabaseDSN)
		if cfg.Storage.DSN == "" {
			return Config{}, fmt.Errorf("%s must be set for the postgres storage driver", EnvDatabaseDSN)
		}
	default:
		return Config{}, fmt.Errorf("unsupported 'storage.driver' in yaml config: %q", c.Storage.Driver)
	}

	// notify
	if cfg.Notify.QueueSize, err = parseInt(c.Notify.QueueSize, 1024, "notify.queue_size"); err != nil {
		return Config{}, err
	}
	if cfg.Notify.DeliverTimeout, err = parseDuration(c.Notify.DeliverTimeout, 5*time.Second, "notify.deliver_timeout"); err != nil {
		return Config{}, err
	}
	if cfg.Notify.RedisDB, err = parseInt(c.Notify.RedisDB, 0, "notify.redis_db"); err != nil {
		return Config{}, err
	}
	cfg.Notify.RedisAddr = c.Notify.RedisAddr
	if addr := getenv(EnvRedisAddr); addr != "" {
		cfg.Notify.RedisAddr = addr
	}
	cfg.Notify.RedisPassword = getenv(EnvRedisPassword)
	cfg.Notify.RedisChannel = c.Notify.RedisChannel
	cfg.Notify.StatsdAddr = c.Notify.StatsdAddr

	// web
	cfg.Web.Addr = c.Web.Addr
	if cfg.Web.Addr == "" {
		cfg.Web.Addr = ":8080"
	}
	cfg.Web.Domains = c.Web.Domains
	cfg.Web.CertCache = c.Web.CertCache

	return cfg, nil
}

func parseSwap(c ConfigTmp, getenv func(string) string) (SwapConfig, error) {
	var (
		sc  SwapConfig
		err error
	)

	sc.Mode = strings.ToLower(c.Swap.Mode)
	if sc.Mode == "" {
		sc.Mode = SwapModeSimulate
	}
	sc.RequireConfirmation = c.Swap.RequireConfirmation
	if sc.ConfirmTimeout, err = parseDuration(c.Swap.ConfirmTimeout, 0, "swap.confirm_timeout"); err != nil {
		return SwapConfig{}, err
	}

	switch sc.Mode {
	case SwapModeSimulate:
		sc.StateDir = c.Swap.StateDir
		if sc.PriceImpactBp, err = parseInt(c.Swap.PriceImpactBps, 0, "swap.price_impact_bps"); err != nil {
			return SwapConfig{}, err
		}
		sc.Balances = make(map[string]decimal.Decimal, len(c.Swap.Balances))
		for token, raw := range c.Swap.Balances {
			amount, err := decimal.NewFromString(raw)
			if err != nil {
				return SwapConfig{}, fmt.Errorf("incorrect 'swap.balances.%s' param in yaml config (must be a decimal), error: %w", token, err)
			}
			sc.Balances[strings.ToUpper(token)] = amount
		}
	case SwapModeEVM:
		sc.RPCURL = c.Swap.RPCURL
		if sc.RPCURL == "" {
			return SwapConfig{}, fmt.Errorf("'swap.rpc_url' is required in evm mode")
		}
		if sc.ChainID, err = strconv.ParseInt(c.Swap.ChainID, 10, 64); err != nil || sc.ChainID <= 0 {
			return SwapConfig{}, fmt.Errorf("incorrect 'swap.chain_id' param in yaml config: %q", c.Swap.ChainID)
		}
		sc.Router = c.Swap.Router
		if !common.IsHexAddress(sc.Router) {
			return SwapConfig{}, fmt.Errorf("incorrect 'swap.router' address in yaml config: %q", c.Swap.Router)
		}
		if len(c.Swap.Tokens) == 0 {
			return SwapConfig{}, fmt.Errorf("'swap.tokens' must list the token contracts in evm mode")
		}
		sc.Tokens = make(map[string]TokenConfig, len(c.Swap.Tokens))
		for symbol, t := range c.Swap.Tokens {
			if !common.IsHexAddress(t.Address) {
				return SwapConfig{}, fmt.Errorf("incorrect address for token %s: %q", symbol, t.Address)
			}
			decimals, err := strconv.ParseInt(t.Decimals, 10, 32)
			if err != nil || decimals < 0 || decimals > 36 {
				return SwapConfig{}, fmt.Errorf("incorrect decimals for token %s: %q", symbol, t.Decimals)
			}
			sc.Tokens[strings.ToUpper(symbol)] = TokenConfig{Address: t.Address, Decimals: int32(decimals)}
		}
		if sc.Deadline, err = parseDuration(c.Swap.Deadline, 0, "swap.deadline"); err != nil {
			return SwapConfig{}, err
		}
		if c.Swap.GasLimitMargin != "" {
			if sc.GasLimitMargin, err = strconv.ParseFloat(c.Swap.GasLimitMargin, 64); err != nil {
				return SwapConfig{}, fmt.Errorf("incorrect 'swap.gas_limit_margin' param in yaml config (must be a number), error: %w", err)
			}
		}
		sc.AutoApprove = c.Swap.AutoApprove
		sc.SignerKey = getenv(EnvSignerKey)
		if sc.SignerKey == "" {
			return SwapConfig{}, fmt.Errorf("%s must be set in evm mode", EnvSignerKey)
		}
	default:
		return SwapConfig{}, fmt.Errorf("unsupported 'swap.mode' in yaml config: %q", c.Swap.Mode)
	}

	return sc, nil
}

func parseDuration(raw string, def time.Duration, name string) (time.Duration, error) {
	if raw == "" {
		return def, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, fmt.Errorf("incorrect '%s' param in yaml config (correct format is 30s), error: %w", name, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("'%s' must not be negative", name)
	}
	return d, nil
}

func parseInt(raw string, def int, name string) (int, error) {
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("incorrect '%s' param in yaml config (must be an integer), error: %w", name, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("'%s' must not be negative", name)
	}
	return v, nil
}
