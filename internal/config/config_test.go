package config

import (
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func writeFile(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.Trading.CommissionRate.Equal(decimal.RequireFromString("0.004")) {
		t.Errorf("commission = %s, want 0.004", cfg.Trading.CommissionRate)
	}
	if cfg.Trading.TradingHours.Open != "11:00" || cfg.Trading.TradingHours.Close != "15:00" {
		t.Errorf("trading hours = %+v", cfg.Trading.TradingHours)
	}
	if cfg.Trading.TradingHours.Timezone != "Asia/Kathmandu" {
		t.Errorf("timezone = %q", cfg.Trading.TradingHours.Timezone)
	}
}

func TestLoadFile(t *testing.T) {
	path := writeFile(t, `
server:
  port: "9090"
trading:
  commission_rate: "0.005"
  max_daily_trades: 20
  allow_short_selling: true
  trading_hours:
    open: "10:30"
    close: "14:30"
    timezone: Asia/Kathmandu
scheduler:
  poll_interval: 250ms
seed:
  starting_cash: "500000"
  symbols:
    - symbol: NABIL
      price: "1000"
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != "9090" {
		t.Errorf("port = %q", cfg.Server.Port)
	}
	if !cfg.Trading.CommissionRate.Equal(decimal.RequireFromString("0.005")) {
		t.Errorf("commission = %s", cfg.Trading.CommissionRate)
	}
	if cfg.Trading.MaxDailyTrades != 20 || !cfg.Trading.AllowShortSelling {
		t.Errorf("trading = %+v", cfg.Trading)
	}
	if cfg.Scheduler.PollInterval != 250*time.Millisecond {
		t.Errorf("poll interval = %v", cfg.Scheduler.PollInterval)
	}
	// Unset keys keep their defaults.
	if cfg.Trading.MaxOrderQuantity != 100000 {
		t.Errorf("max order quantity = %d", cfg.Trading.MaxOrderQuantity)
	}
	if len(cfg.Seed.Symbols) != 1 || cfg.Seed.Symbols[0].Symbol != "NABIL" {
		t.Errorf("symbols = %+v", cfg.Seed.Symbols)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PORT", "7070")
	t.Setenv("DATABASE_URL", "postgres://localhost/nepse")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("COMMISSION_RATE", "0.003")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Server.Port != "7070" || cfg.Database.URL != "postgres://localhost/nepse" {
		t.Errorf("env not applied: %+v", cfg.Server)
	}
	if !cfg.Trading.CommissionRate.Equal(decimal.RequireFromString("0.003")) {
		t.Errorf("commission = %s", cfg.Trading.CommissionRate)
	}
	level, _ := ParseLevel(cfg.Log.Level)
	if level != slog.LevelDebug {
		t.Errorf("level = %v", level)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"negative commission", func(c *Config) { c.Trading.CommissionRate = decimal.NewFromInt(-1) }},
		{"position size above one", func(c *Config) { c.Trading.MaxPositionSize = decimal.NewFromInt(2) }},
		{"zero max quantity", func(c *Config) { c.Trading.MaxOrderQuantity = 0 }},
		{"bad clock", func(c *Config) { c.Trading.TradingHours.Open = "25:00" }},
		{"bad level", func(c *Config) { c.Log.Level = "loud" }},
		{"zero poll", func(c *Config) { c.Scheduler.PollInterval = 0 }},
		{"unpriced symbol", func(c *Config) { c.Seed.Symbols = []SymbolSeed{{Symbol: "NABIL"}} }},
		{"malformed symbol", func(c *Config) { c.Seed.Symbols = []SymbolSeed{{Symbol: "NA-BIL", Price: decimal.NewFromInt(100)}} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("Validate() = %v, want ErrInvalid", err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
