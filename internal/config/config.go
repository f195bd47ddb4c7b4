// Package config loads service configuration from a YAML file with
// environment overrides for deployment secrets and endpoints.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/nepsesim/trading-engine/internal/model"
	"github.com/nepsesim/trading-engine/internal/symbol"
)

// ErrInvalid is returned (wrapped) when Validate rejects a configuration.
var ErrInvalid = errors.New("config: invalid")

// Config holds all settings for the trading engine.
type Config struct {
	Server struct {
		Port            string        `yaml:"port"`
		ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	} `yaml:"server"`

	Database struct {
		URL string `yaml:"url"`
	} `yaml:"database"`

	Redis struct {
		URL      string        `yaml:"url"`
		CacheTTL time.Duration `yaml:"cache_ttl"`
	} `yaml:"redis"`

	NATS struct {
		URL string `yaml:"url"`
	} `yaml:"nats"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	Trading Trading `yaml:"trading"`

	Scheduler struct {
		PollInterval time.Duration `yaml:"poll_interval"`
	} `yaml:"scheduler"`

	// Seed is applied at startup when the store has no default competition.
	Seed Seed `yaml:"seed"`
}

// Trading carries the market rules consumed by the matching engine.
type Trading struct {
	CommissionRate    decimal.Decimal    `yaml:"commission_rate"`
	MaxPositionSize   decimal.Decimal    `yaml:"max_position_size"` // fraction of portfolio value, 0 disables
	MaxDailyTrades    int                `yaml:"max_daily_trades"`  // 0 disables
	AllowShortSelling bool               `yaml:"allow_short_selling"`
	MaxOrderQuantity  int64              `yaml:"max_order_quantity"`
	TradingHours      model.TradingHours `yaml:"trading_hours"`
}

// Seed describes the default competition and listed symbols.
type Seed struct {
	CompetitionName string          `yaml:"competition_name"`
	StartingCash    decimal.Decimal `yaml:"starting_cash"`
	Symbols         []SymbolSeed    `yaml:"symbols"`
}

// SymbolSeed is an initial listing price.
type SymbolSeed struct {
	Symbol string          `yaml:"symbol"`
	Price  decimal.Decimal `yaml:"price"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Port = "8080"
	cfg.Server.ShutdownTimeout = 5 * time.Second
	cfg.Redis.CacheTTL = 30 * time.Second
	cfg.Log.Level = "info"
	cfg.Scheduler.PollInterval = time.Second
	cfg.Trading = Trading{
		CommissionRate:   decimal.RequireFromString("0.004"),
		MaxOrderQuantity: 100000,
		TradingHours: model.TradingHours{
			Open:     "11:00",
			Close:    "15:00",
			Timezone: "Asia/Kathmandu",
		},
	}
	cfg.Seed = Seed{
		CompetitionName: "NEPSE Open",
		StartingCash:    decimal.NewFromInt(1_000_000),
	}
	return cfg
}

// Load reads path (if non-empty) on top of Default, applies environment
// overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	if err := overrideWithEnv(cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func overrideWithEnv(cfg *Config) error {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Redis.URL = v
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("COMMISSION_RATE"); v != "" {
		rate, err := decimal.NewFromString(v)
		if err != nil {
			return fmt.Errorf("%w: COMMISSION_RATE %q", ErrInvalid, v)
		}
		cfg.Trading.CommissionRate = rate
	}
	if v := os.Getenv("ALLOW_SHORT_SELLING"); v != "" {
		allow, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("%w: ALLOW_SHORT_SELLING %q", ErrInvalid, v)
		}
		cfg.Trading.AllowShortSelling = allow
	}
	return nil
}

// Validate checks configuration validity.
func (c *Config) Validate() error {
	if c.Server.Port == "" {
		return fmt.Errorf("%w: server port is required", ErrInvalid)
	}
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	t := c.Trading
	if t.CommissionRate.IsNegative() || t.CommissionRate.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: commission rate %s must be in [0, 1)", ErrInvalid, t.CommissionRate)
	}
	if t.MaxPositionSize.IsNegative() || t.MaxPositionSize.GreaterThan(decimal.NewFromInt(1)) {
		return fmt.Errorf("%w: max position size %s must be a fraction in [0, 1]", ErrInvalid, t.MaxPositionSize)
	}
	if t.MaxDailyTrades < 0 {
		return fmt.Errorf("%w: max daily trades must not be negative", ErrInvalid)
	}
	if t.MaxOrderQuantity <= 0 {
		return fmt.Errorf("%w: max order quantity must be positive", ErrInvalid)
	}
	if err := t.TradingHours.Validate(); err != nil {
		return fmt.Errorf("%w: trading hours: %v", ErrInvalid, err)
	}
	if c.Scheduler.PollInterval <= 0 {
		return fmt.Errorf("%w: scheduler poll interval must be positive", ErrInvalid)
	}
	if !c.Seed.StartingCash.IsPositive() {
		return fmt.Errorf("%w: seed starting cash must be positive", ErrInvalid)
	}
	for _, s := range c.Seed.Symbols {
		if _, err := symbol.Parse(s.Symbol); err != nil {
			return fmt.Errorf("%w: seed %v", ErrInvalid, err)
		}
		if !s.Price.IsPositive() {
			return fmt.Errorf("%w: seed symbol %q needs a positive price", ErrInvalid, s.Symbol)
		}
	}
	return nil
}
