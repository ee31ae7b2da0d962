package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const minimalConfig = `
engine:
  watchlist: [BTC/USDT]
exchange:
  name: mock
sizing:
  total_budget_usdt: 1000
  position_size_usdt: 100
exits:
  hard_sl_pct: 2.0
  hard_tp_pct: 2.0
`

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)

	assert.Equal(t, 500, cfg.Engine.TickMS)
	assert.Equal(t, 500*time.Millisecond, cfg.TickInterval())
	assert.Equal(t, 10, cfg.Engine.MaxTrades)
	assert.Equal(t, "IOC", cfg.Router.TIF)
	assert.Equal(t, 14, cfg.Journal.RetentionDays)
	assert.Equal(t, []int{0, 1, 2, 5}, cfg.Exits.SellLadderTicks)
	assert.Equal(t, 15*time.Minute, cfg.CooldownDuration())
	assert.Equal(t, 20, cfg.Strategy.MomentumWindow)
	assert.Equal(t, cfg.Timeouts.TradeTTLMin*60, cfg.Exits.MaxHoldS)
}

func TestLoadExpandsEnvVars(t *testing.T) {
	t.Setenv("TEST_SPOT_API_KEY", "k-123")
	cfg, err := Load(writeConfig(t, `
engine:
  watchlist: [BTC/USDT]
exchange:
  name: binance
  api_key: ${TEST_SPOT_API_KEY}
  secret_key: s
sizing:
  total_budget_usdt: 1000
  position_size_usdt: 100
exits:
  hard_sl_pct: 2.0
  hard_tp_pct: 2.0
`))
	require.NoError(t, err)
	assert.Equal(t, "k-123", cfg.Exchange.APIKey)
}

func TestValidateRejectsBadValues(t *testing.T) {
	cases := []struct {
		name    string
		mutate  func(c *Config)
		message string
	}{
		{"empty watchlist", func(c *Config) { c.Engine.Watchlist = nil }, "engine.watchlist"},
		{"duplicate symbol", func(c *Config) { c.Engine.Watchlist = []string{"BTC/USDT", "BTC/USDT"} }, "duplicate symbol"},
		{"tick out of range", func(c *Config) { c.Engine.TickMS = 50 }, "engine.tick_ms"},
		{"zero budget", func(c *Config) { c.Sizing.TotalBudgetUSDT = 0 }, "sizing.total_budget_usdt"},
		{"negative sl", func(c *Config) { c.Exits.HardSLPct = -1 }, "exits.hard_sl_pct"},
		{"bad tif", func(c *Config) { c.Router.TIF = "DAY" }, "router.tif"},
		{"bad log level", func(c *Config) { c.System.LogLevel = "TRACE" }, "system.log_level"},
		{"missing api key", func(c *Config) { c.Exchange.Name = "binance"; c.Exchange.APIKey = "" }, "exchange.api_key"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg, err := Load(writeConfig(t, minimalConfig))
			require.NoError(t, err)
			tc.mutate(cfg)
			err = cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.message)
		})
	}
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestTrailingRequiresPct(t *testing.T) {
	cfg, err := Load(writeConfig(t, minimalConfig))
	require.NoError(t, err)
	cfg.Exits.TrailingEnable = true
	cfg.Exits.TrailingPct = 0

	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "exits.trailing_pct")
}
