// Package config handles configuration loading with validation.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete configuration of the engine.
type Config struct {
	Engine    EngineConfig    `yaml:"engine"`
	Exchange  ExchangeConfig  `yaml:"exchange"`
	Sizing    SizingConfig    `yaml:"sizing"`
	Timeouts  TimeoutConfig   `yaml:"timeouts"`
	Exits     ExitConfig      `yaml:"exits"`
	Router    RouterConfig    `yaml:"router"`
	Snapshots SnapshotConfig  `yaml:"snapshots"`
	State     StateConfig     `yaml:"state"`
	Journal   JournalConfig   `yaml:"journal"`
	System    SystemConfig    `yaml:"system"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Alerts    AlertConfig     `yaml:"alerts"`
	Strategy  StrategyConfig  `yaml:"strategy"`
}

// EngineConfig drives the tick loop.
type EngineConfig struct {
	TickMS          int      `yaml:"tick_ms"`
	Watchlist       []string `yaml:"watchlist"`
	MaxTrades       int      `yaml:"max_trades"`
	StatusEveryN    int      `yaml:"status_every_n"`
	WorkerPoolSize  int      `yaml:"worker_pool_size"`
	SnapshotTTLMS   int      `yaml:"snapshot_ttl_ms"`
	EntryCooldownS  int      `yaml:"entry_cooldown_s"`
	WarmupBackfill  bool     `yaml:"warmup_backfill"`
	TickerStreamURL string   `yaml:"ticker_stream_url"`
}

// ExchangeConfig holds credentials and rate limits for the exchange client.
type ExchangeConfig struct {
	Name          string  `yaml:"name"`
	APIKey        string  `yaml:"api_key"`
	SecretKey     string  `yaml:"secret_key"`
	BaseURL       string  `yaml:"base_url"`
	OrderRate     float64 `yaml:"order_rate"`
	OrderBurst    int     `yaml:"order_burst"`
	FillPollMS    int     `yaml:"fill_poll_ms"`
	FillTimeoutMS int     `yaml:"fill_timeout_ms"`
}

// SizingConfig controls entry position sizing.
type SizingConfig struct {
	TotalBudgetUSDT  float64 `yaml:"total_budget_usdt"`
	PositionSizeUSDT float64 `yaml:"position_size_usdt"`
	MinSlotUSDT      float64 `yaml:"min_slot_usdt"`
}

// TimeoutConfig holds the phase deadlines.
type TimeoutConfig struct {
	BuyFillTimeoutS       int `yaml:"buy_fill_timeout_s"`
	SellFillTimeoutS      int `yaml:"sell_fill_timeout_s"`
	SymbolCooldownMinutes int `yaml:"symbol_cooldown_minutes"`
	TradeTTLMin           int `yaml:"trade_ttl_min"`
}

// ExitConfig holds the prioritized exit rule parameters.
type ExitConfig struct {
	HardSLPct       float64 `yaml:"hard_sl_pct"`
	HardTPPct       float64 `yaml:"hard_tp_pct"`
	TrailingEnable  bool    `yaml:"trailing_enable"`
	TrailingPct     float64 `yaml:"trailing_pct"`
	MaxHoldS        int     `yaml:"max_hold_s"`
	SLMarket        bool    `yaml:"sl_market"`
	TPMarket        bool    `yaml:"tp_market"`
	NeverMarketSell bool    `yaml:"never_market_sells"`
	SellLadderTicks []int   `yaml:"sell_ladder_ticks"`
}

// RouterConfig configures the order router FSM.
type RouterConfig struct {
	MaxRetries  int     `yaml:"max_retries"`
	BackoffMS   int     `yaml:"backoff_ms"`
	TIF         string  `yaml:"tif"`
	SlippageBps int     `yaml:"slippage_bps"`
	MinNotional float64 `yaml:"min_notional"`
}

// SnapshotConfig configures durable FSM snapshots.
type SnapshotConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Dir               string `yaml:"dir"`
	MaxPositionAgeHrs int    `yaml:"max_position_age_hrs"`
}

// StateConfig locates the durable stores.
type StateConfig struct {
	COIDPath   string `yaml:"coid_path"`
	LedgerPath string `yaml:"ledger_path"`
}

// JournalConfig configures the append-only telemetry journals.
type JournalConfig struct {
	Dir           string `yaml:"dir"`
	RetentionDays int    `yaml:"retention_days"`
}

// SystemConfig contains system settings.
type SystemConfig struct {
	LogLevel string `yaml:"log_level"`
}

// TelemetryConfig contains metrics settings.
type TelemetryConfig struct {
	MetricsPort   int  `yaml:"metrics_port"`
	EnableMetrics bool `yaml:"enable_metrics"`
}

// AlertConfig configures the alert fan-out.
type AlertConfig struct {
	WebhookURL string `yaml:"webhook_url"`
}

// StrategyConfig tunes the default entry collaborators.
type StrategyConfig struct {
	MomentumWindow       int     `yaml:"momentum_window"`
	MomentumThresholdPct float64 `yaml:"momentum_threshold_pct"`
	MaxSpreadBps         float64 `yaml:"max_spread_bps"`
	MinVolume            float64 `yaml:"min_volume"`
}

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// Load reads, env-expands, defaults and validates a YAML config file.
func Load(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars substitutes ${VAR} references with environment values.
// Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	return os.Expand(s, func(key string) string {
		return os.Getenv(key)
	})
}

func (c *Config) applyDefaults() {
	if c.Engine.TickMS == 0 {
		c.Engine.TickMS = 500
	}
	if c.Engine.MaxTrades == 0 {
		c.Engine.MaxTrades = 10
	}
	if c.Engine.StatusEveryN == 0 {
		c.Engine.StatusEveryN = 20
	}
	if c.Engine.SnapshotTTLMS == 0 {
		c.Engine.SnapshotTTLMS = 2 * c.Engine.TickMS
	}
	if c.Engine.EntryCooldownS == 0 {
		c.Engine.EntryCooldownS = 30
	}
	if c.Exchange.OrderRate == 0 {
		c.Exchange.OrderRate = 25
	}
	if c.Exchange.OrderBurst == 0 {
		c.Exchange.OrderBurst = 30
	}
	if c.Exchange.FillPollMS == 0 {
		c.Exchange.FillPollMS = 200
	}
	if c.Exchange.FillTimeoutMS == 0 {
		c.Exchange.FillTimeoutMS = 2500
	}
	if c.Timeouts.BuyFillTimeoutS == 0 {
		c.Timeouts.BuyFillTimeoutS = 30
	}
	if c.Timeouts.SellFillTimeoutS == 0 {
		c.Timeouts.SellFillTimeoutS = 30
	}
	if c.Timeouts.SymbolCooldownMinutes == 0 {
		c.Timeouts.SymbolCooldownMinutes = 15
	}
	if c.Timeouts.TradeTTLMin == 0 {
		c.Timeouts.TradeTTLMin = 240
	}
	if c.Exits.MaxHoldS == 0 {
		c.Exits.MaxHoldS = c.Timeouts.TradeTTLMin * 60
	}
	if len(c.Exits.SellLadderTicks) == 0 {
		c.Exits.SellLadderTicks = []int{0, 1, 2, 5}
	}
	if c.Router.MaxRetries == 0 {
		c.Router.MaxRetries = 3
	}
	if c.Router.BackoffMS == 0 {
		c.Router.BackoffMS = 500
	}
	if c.Router.TIF == "" {
		c.Router.TIF = "IOC"
	}
	if c.Router.SlippageBps == 0 {
		c.Router.SlippageBps = 20
	}
	if c.Snapshots.Dir == "" {
		c.Snapshots.Dir = "sessions/current/fsm_snapshots"
	}
	if c.Snapshots.MaxPositionAgeHrs == 0 {
		c.Snapshots.MaxPositionAgeHrs = 72
	}
	if c.State.COIDPath == "" {
		c.State.COIDPath = "state/coid_kv.json"
	}
	if c.State.LedgerPath == "" {
		c.State.LedgerPath = "state/ledger.db"
	}
	if c.Journal.Dir == "" {
		c.Journal.Dir = "logs"
	}
	if c.Journal.RetentionDays == 0 {
		c.Journal.RetentionDays = 14
	}
	if c.System.LogLevel == "" {
		c.System.LogLevel = "INFO"
	}
	if c.Telemetry.MetricsPort == 0 {
		c.Telemetry.MetricsPort = 9090
	}
	if c.Strategy.MomentumWindow == 0 {
		c.Strategy.MomentumWindow = 20
	}
	if c.Strategy.MomentumThresholdPct == 0 {
		c.Strategy.MomentumThresholdPct = 0.5
	}
	if c.Strategy.MaxSpreadBps == 0 {
		c.Strategy.MaxSpreadBps = 50
	}
}

// Validate performs field-level validation of the configuration.
func (c *Config) Validate() error {
	var errs []string

	if len(c.Engine.Watchlist) == 0 {
		errs = append(errs, ValidationError{Field: "engine.watchlist",
			Message: "at least one symbol must be watched"}.Error())
	}
	seen := make(map[string]bool)
	for _, sym := range c.Engine.Watchlist {
		if sym == "" {
			errs = append(errs, ValidationError{Field: "engine.watchlist",
				Message: "empty symbol"}.Error())
			continue
		}
		if seen[sym] {
			errs = append(errs, ValidationError{Field: "engine.watchlist", Value: sym,
				Message: "duplicate symbol"}.Error())
		}
		seen[sym] = true
	}
	if c.Engine.TickMS < 100 || c.Engine.TickMS > 60000 {
		errs = append(errs, ValidationError{Field: "engine.tick_ms", Value: c.Engine.TickMS,
			Message: "must be between 100 and 60000"}.Error())
	}
	if c.Engine.MaxTrades < 1 || c.Engine.MaxTrades > 100 {
		errs = append(errs, ValidationError{Field: "engine.max_trades", Value: c.Engine.MaxTrades,
			Message: "must be between 1 and 100"}.Error())
	}
	if c.Exchange.Name == "" {
		errs = append(errs, ValidationError{Field: "exchange.name",
			Message: "exchange name is required"}.Error())
	}
	if c.Exchange.Name != "" && c.Exchange.Name != "mock" && c.Exchange.APIKey == "" {
		errs = append(errs, ValidationError{Field: "exchange.api_key",
			Message: "API key is required"}.Error())
	}
	if c.Sizing.TotalBudgetUSDT <= 0 {
		errs = append(errs, ValidationError{Field: "sizing.total_budget_usdt", Value: c.Sizing.TotalBudgetUSDT,
			Message: "must be positive"}.Error())
	}
	if c.Sizing.PositionSizeUSDT <= 0 {
		errs = append(errs, ValidationError{Field: "sizing.position_size_usdt", Value: c.Sizing.PositionSizeUSDT,
			Message: "must be positive"}.Error())
	}
	if c.Sizing.MinSlotUSDT < 0 {
		errs = append(errs, ValidationError{Field: "sizing.min_slot_usdt", Value: c.Sizing.MinSlotUSDT,
			Message: "must not be negative"}.Error())
	}
	if c.Exits.HardSLPct <= 0 {
		errs = append(errs, ValidationError{Field: "exits.hard_sl_pct", Value: c.Exits.HardSLPct,
			Message: "must be positive"}.Error())
	}
	if c.Exits.HardTPPct <= 0 {
		errs = append(errs, ValidationError{Field: "exits.hard_tp_pct", Value: c.Exits.HardTPPct,
			Message: "must be positive"}.Error())
	}
	if c.Exits.TrailingEnable && c.Exits.TrailingPct <= 0 {
		errs = append(errs, ValidationError{Field: "exits.trailing_pct", Value: c.Exits.TrailingPct,
			Message: "must be positive when trailing is enabled"}.Error())
	}
	switch strings.ToUpper(c.Router.TIF) {
	case "IOC", "FOK", "GTC":
	default:
		errs = append(errs, ValidationError{Field: "router.tif", Value: c.Router.TIF,
			Message: "must be one of: IOC, FOK, GTC"}.Error())
	}
	if c.Router.MaxRetries < 1 || c.Router.MaxRetries > 10 {
		errs = append(errs, ValidationError{Field: "router.max_retries", Value: c.Router.MaxRetries,
			Message: "must be between 1 and 10"}.Error())
	}
	if c.Router.SlippageBps < 0 || c.Router.SlippageBps > 1000 {
		errs = append(errs, ValidationError{Field: "router.slippage_bps", Value: c.Router.SlippageBps,
			Message: "must be between 0 and 1000"}.Error())
	}
	switch strings.ToUpper(c.System.LogLevel) {
	case "DEBUG", "INFO", "WARN", "ERROR", "FATAL":
	default:
		errs = append(errs, ValidationError{Field: "system.log_level", Value: c.System.LogLevel,
			Message: "must be one of: DEBUG, INFO, WARN, ERROR, FATAL"}.Error())
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(errs, "\n"))
	}
	return nil
}

// TickInterval returns the engine tick period.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Engine.TickMS) * time.Millisecond
}

// CooldownDuration returns the post-trade symbol cooldown.
func (c *Config) CooldownDuration() time.Duration {
	return time.Duration(c.Timeouts.SymbolCooldownMinutes) * time.Minute
}
