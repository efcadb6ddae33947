// Package config loads picpool settings from an optional YAML file, an
// optional .env file and PICPOOL_* environment variables, in that order.
package config

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/joho/godotenv"
	"github.com/sethvargo/go-envconfig"
	"gopkg.in/yaml.v3"

	"github.com/mat-shur/picpool/internal/logger"
	"github.com/mat-shur/picpool/internal/notify"
	"github.com/mat-shur/picpool/internal/slippage"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "PICPOOL_"

// Config is the full application configuration.
type Config struct {
	Chain     ChainConfig       `yaml:"chain" env:", prefix=CHAIN_"`
	Discovery DiscoveryConfig   `yaml:"discovery" env:", prefix=DISCOVERY_"`
	Market    MarketConfig      `yaml:"market" env:", prefix=MARKET_"`
	Trade     TradeConfig       `yaml:"trade" env:", prefix=TRADE_"`
	Server    ServerConfig      `yaml:"server" env:", prefix=SERVER_"`
	Storage   StorageConfig     `yaml:"storage" env:", prefix=STORAGE_"`
	NATS      notify.NATSConfig `yaml:"nats" env:", prefix=NATS_"`
	Logging   logger.Config     `yaml:"logging" env:", prefix=LOG_"`
}

// ChainConfig describes the EVM network and factory contract.
type ChainConfig struct {
	ID        uint64        `yaml:"id" env:"ID, overwrite, default=10143"`
	Name      string        `yaml:"name" env:"NAME, overwrite, default=Monad Testnet"`
	RPCURL    string        `yaml:"rpc_url" env:"RPC_URL, overwrite, default=https://testnet-rpc.monad.xyz"`
	Factory   string        `yaml:"factory" env:"FACTORY, overwrite"`
	Currency  string        `yaml:"currency" env:"CURRENCY, overwrite, default=MON"`
	Decimals  int           `yaml:"decimals" env:"DECIMALS, overwrite, default=18"`
	Timeout   time.Duration `yaml:"timeout" env:"TIMEOUT, overwrite, default=10s"`
	RateLimit float64       `yaml:"rate_limit" env:"RATE_LIMIT, overwrite, default=20"` // requests per second, 0 disables
	Burst     int           `yaml:"burst" env:"BURST, overwrite, default=10"`
}

// DiscoveryConfig drives the listing discovery loop.
type DiscoveryConfig struct {
	Interval     time.Duration `yaml:"interval" env:"INTERVAL, overwrite, default=5s"`
	MaxAttempts  int           `yaml:"max_attempts" env:"MAX_ATTEMPTS, overwrite, default=3"`
	BaseDelay    time.Duration `yaml:"base_delay" env:"BASE_DELAY, overwrite, default=500ms"`
	Concurrency  int           `yaml:"concurrency" env:"CONCURRENCY, overwrite, default=8"`
	RefreshEvery int           `yaml:"refresh_every" env:"REFRESH_EVERY, overwrite, default=12"` // ticks, 0 disables

	// PendingMaxAttempts caps retries of a listing whose summary failed.
	PendingMaxAttempts int           `yaml:"pending_max_attempts" env:"PENDING_MAX_ATTEMPTS, overwrite, default=10"`
	PendingBackoff     time.Duration `yaml:"pending_backoff" env:"PENDING_BACKOFF, overwrite, default=5s"`
}

// MarketConfig drives the per-listing state loops.
type MarketConfig struct {
	Interval     time.Duration `yaml:"interval" env:"INTERVAL, overwrite, default=3s"`
	MaxAttempts  int           `yaml:"max_attempts" env:"MAX_ATTEMPTS, overwrite, default=5"`
	BaseDelay    time.Duration `yaml:"base_delay" env:"BASE_DELAY, overwrite, default=300ms"`
	DirectionTTL time.Duration `yaml:"direction_ttl" env:"DIRECTION_TTL, overwrite, default=2s"`
	Holder       string        `yaml:"holder" env:"HOLDER, overwrite"`
	Watch        []string      `yaml:"watch" env:"WATCH, overwrite"`
}

// TradeConfig holds order defaults.
type TradeConfig struct {
	SlippagePct int64  `yaml:"slippage_pct" env:"SLIPPAGE_PCT, overwrite, default=5"`
	Account     string `yaml:"account" env:"ACCOUNT, overwrite"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Addr         string        `yaml:"addr" env:"ADDR, overwrite, default=:8080"`
	ReadTimeout  time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT, overwrite, default=15s"`
	WriteTimeout time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT, overwrite, default=15s"`
}

// StorageConfig selects the persistence backends.
type StorageConfig struct {
	Backend       string `yaml:"backend" env:"BACKEND, overwrite, default=memory"` // memory or postgres
	PostgresDSN   string `yaml:"postgres_dsn" env:"POSTGRES_DSN, overwrite"`
	ClickhouseDSN string `yaml:"clickhouse_dsn" env:"CLICKHOUSE_DSN, overwrite"`
}

// Load reads path (if non-empty), then .env (if present), then the
// environment. Environment values win over the file.
func Load(ctx context.Context, path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return load(ctx, path, envconfig.OsLookuper())
}

// Default returns the built-in defaults, ignoring the environment.
func Default() *Config {
	cfg, err := load(context.Background(), "", envconfig.MapLookuper(nil))
	if err != nil {
		panic(fmt.Sprintf("config defaults: %v", err))
	}
	return cfg
}

func load(ctx context.Context, path string, l envconfig.Lookuper) (*Config, error) {
	var cfg Config
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:   &cfg,
		Lookuper: envconfig.PrefixLookuper(EnvPrefix, l),
	}); err != nil {
		return nil, fmt.Errorf("process env: %w", err)
	}
	return &cfg, nil
}

// Validate checks the settings every command relies on.
func (c *Config) Validate() error {
	var problems []string

	if c.Chain.RPCURL == "" {
		problems = append(problems, "chain.rpc_url is required")
	} else if u, err := url.Parse(c.Chain.RPCURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		problems = append(problems, "chain.rpc_url must be an http(s) URL")
	}
	if c.Chain.Factory != "" && !common.IsHexAddress(c.Chain.Factory) {
		problems = append(problems, "chain.factory is not an address")
	}
	if c.Chain.RateLimit < 0 {
		problems = append(problems, "chain.rate_limit must be >= 0")
	}

	if c.Discovery.Interval <= 0 {
		problems = append(problems, "discovery.interval must be > 0")
	}
	if c.Discovery.MaxAttempts < 1 {
		problems = append(problems, "discovery.max_attempts must be >= 1")
	}
	if c.Discovery.Concurrency < 1 {
		problems = append(problems, "discovery.concurrency must be >= 1")
	}
	if c.Discovery.PendingMaxAttempts < 1 {
		problems = append(problems, "discovery.pending_max_attempts must be >= 1")
	}

	if c.Market.Interval <= 0 {
		problems = append(problems, "market.interval must be > 0")
	}
	if c.Market.MaxAttempts < 1 {
		problems = append(problems, "market.max_attempts must be >= 1")
	}
	if c.Market.DirectionTTL <= 0 {
		problems = append(problems, "market.direction_ttl must be > 0")
	}
	if c.Market.Holder != "" && !common.IsHexAddress(c.Market.Holder) {
		problems = append(problems, "market.holder is not an address")
	}
	for _, w := range c.Market.Watch {
		if !common.IsHexAddress(w) {
			problems = append(problems, fmt.Sprintf("market.watch: %q is not an address", w))
		}
	}

	if c.Trade.SlippagePct < 0 {
		problems = append(problems, slippage.ErrInvalidSlippage.Error())
	}
	if c.Trade.Account != "" && !common.IsHexAddress(c.Trade.Account) {
		problems = append(problems, "trade.account is not an address")
	}

	switch c.Storage.Backend {
	case "memory":
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			problems = append(problems, "storage.postgres_dsn is required for the postgres backend")
		}
	default:
		problems = append(problems, fmt.Sprintf("storage.backend %q must be memory or postgres", c.Storage.Backend))
	}

	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// FactoryAddress returns the configured factory.
func (c *Config) FactoryAddress() common.Address {
	return common.HexToAddress(c.Chain.Factory)
}

// HolderAddress returns the configured holder, or nil.
func (c *Config) HolderAddress() *common.Address {
	if c.Market.Holder == "" {
		return nil
	}
	a := common.HexToAddress(c.Market.Holder)
	return &a
}
