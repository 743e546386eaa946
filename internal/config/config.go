// Package config handles configuration loading and validation.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/reconbot/internal/alerting"
	"github.com/tathienbao/reconbot/internal/broker"
	"github.com/tathienbao/reconbot/internal/engine"
	"github.com/tathienbao/reconbot/internal/metrics"
	"github.com/tathienbao/reconbot/internal/risk"
	"github.com/tathienbao/reconbot/internal/strategy"
	"github.com/tathienbao/reconbot/internal/stream"
	"github.com/tathienbao/reconbot/internal/types"
	"gopkg.in/yaml.v3"
)

// Config represents the full application configuration.
type Config struct {
	Bots           []BotConfig          `yaml:"bots"`
	Reconciliation ReconciliationConfig `yaml:"reconciliation"`
	Risk           RiskConfig           `yaml:"risk"`
	Persistence    PersistenceConfig    `yaml:"persistence"`
	Supervisor     SupervisorConfig     `yaml:"supervisor"`
	Backtest       BacktestConfig       `yaml:"backtest"`
	Alerting       AlertingConfig       `yaml:"alerting"`
	Metrics        MetricsConfig        `yaml:"metrics"`
	Shutdown       ShutdownConfig       `yaml:"shutdown"`
}

// BotConfig describes one bot instance: one symbol, one strategy, one
// exchange account.
type BotConfig struct {
	ID             string         `yaml:"id"`
	Exchange       string         `yaml:"exchange"` // paper
	Symbol         SymbolConfig   `yaml:"symbol"`
	Strategy       StrategyConfig `yaml:"strategy"`
	Stream         StreamConfig   `yaml:"stream"`
	InitialBalance float64        `yaml:"initial_balance"`
	SlippagePct    float64        `yaml:"slippage_pct"`
	BarMinutes     int            `yaml:"bar_minutes"`
	WindowBars     int            `yaml:"window_bars"`
	WarmupCSV      string         `yaml:"warmup_csv"`
}

// SymbolConfig holds contract specifications.
type SymbolConfig struct {
	Name              string  `yaml:"name"`
	TickSize          float64 `yaml:"tick_size"`
	LotSize           float64 `yaml:"lot_size"`
	MakerFee          float64 `yaml:"maker_fee"`
	TakerFee          float64 `yaml:"taker_fee"`
	Inverse           bool    `yaml:"inverse"`
	PricePrecision    int32   `yaml:"price_precision"`
	QuantityPrecision int32   `yaml:"quantity_precision"`
}

// StrategyConfig holds strategy parameters.
type StrategyConfig struct {
	Name              string  `yaml:"name"` // breakout
	LookbackBars      int     `yaml:"lookback_bars"`
	ATRPeriod         int     `yaml:"atr_period"`
	StopATRMult       float64 `yaml:"stop_atr_mult"`
	TrailATRMult      float64 `yaml:"trail_atr_mult"`
	TrendPeriod       int     `yaml:"trend_period"`
	EntryBufferTicks  int     `yaml:"entry_buffer_ticks"`
	FixedAmount       float64 `yaml:"fixed_amount"`
	MinStopTicks      int     `yaml:"min_stop_ticks"`
	TrailInProfitOnly bool    `yaml:"trail_in_profit_only"`
}

// StreamConfig holds push stream settings.
type StreamConfig struct {
	URL             string `yaml:"url"`
	MaxReconnects   int    `yaml:"max_reconnects"`
	WindowSec       int    `yaml:"window_sec"`
	CooldownMs      int    `yaml:"cooldown_ms"`
	PingIntervalSec int    `yaml:"ping_interval_sec"`
}

// ReconciliationConfig holds engine thresholds and the order channel
// policy.
type ReconciliationConfig struct {
	ToleranceLotFraction float64 `yaml:"tolerance_lot_fraction"`
	CoolOffTicks         int     `yaml:"cool_off_ticks"`
	MaxBarsPending       int     `yaml:"max_bars_pending"`
	MaxBarsTriggered     int     `yaml:"max_bars_triggered"`
	OrderRetries         int     `yaml:"order_retries"`
	RetryBackoffMs       int     `yaml:"retry_backoff_ms"`
	RateLimitPerSecond   float64 `yaml:"rate_limit_per_second"`
	RateBurst            int     `yaml:"rate_burst"`
}

// RiskConfig holds risk management settings.
type RiskConfig struct {
	RiskPerTradePct float64 `yaml:"risk_per_trade_pct"`
	MaxDrawdownPct  float64 `yaml:"max_drawdown_pct"`
	MaxExposurePct  float64 `yaml:"max_exposure_pct"`
}

// PersistenceConfig holds persistence settings.
type PersistenceConfig struct {
	SnapshotDir        string `yaml:"snapshot_dir"`
	Backups            int    `yaml:"backups"`
	HistoryDB          string `yaml:"history_db"` // sqlite path, empty disables
	EquitySnapshotCron string `yaml:"equity_snapshot_cron"`
}

// SupervisorConfig holds worker supervision settings.
type SupervisorConfig struct {
	PollIntervalMs   int `yaml:"poll_interval_ms"`
	MaxFailures      int `yaml:"max_failures"`
	FailureWindowSec int `yaml:"failure_window_sec"`
}

// BacktestConfig holds backtest settings.
type BacktestConfig struct {
	SlippagePct          float64 `yaml:"slippage_pct"`
	FundingCSV           string  `yaml:"funding_csv"`
	SyntheticFundingRate float64 `yaml:"synthetic_funding_rate"`
	BarMinutes           int     `yaml:"bar_minutes"`
	HistoryBars          int     `yaml:"history_bars"`
	NoExecutionPush      bool    `yaml:"no_execution_push"`
}

// AlertingConfig holds alerting settings.
type AlertingConfig struct {
	Enabled          bool            `yaml:"enabled"`
	Channels         []ChannelConfig `yaml:"channels"`
	Events           []string        `yaml:"events"`
	DailySummaryCron string          `yaml:"daily_summary_cron"`
}

// ChannelConfig holds a single alert channel configuration.
type ChannelConfig struct {
	Type     string `yaml:"type"` // telegram | console
	BotToken string `yaml:"bot_token"`
	ChatID   string `yaml:"chat_id"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Port    int    `yaml:"port"`
	Path    string `yaml:"path"`
}

// ShutdownConfig holds shutdown settings. Open orders are never cancelled
// on shutdown.
type ShutdownConfig struct {
	TimeoutSec int `yaml:"timeout_sec"`
}

// Load loads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return LoadFromBytes(data)
}

// LoadFromBytes loads configuration from YAML bytes. ${VAR} references
// are expanded from the environment.
func LoadFromBytes(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	cfg.setDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

func (c *Config) setDefaults() {
	r := &c.Reconciliation
	if r.ToleranceLotFraction == 0 {
		r.ToleranceLotFraction = 0.1
	}
	if r.CoolOffTicks == 0 {
		r.CoolOffTicks = 1
	}
	if r.MaxBarsTriggered == 0 {
		r.MaxBarsTriggered = 3
	}
	if r.OrderRetries == 0 {
		r.OrderRetries = 3
	}
	if r.RetryBackoffMs == 0 {
		r.RetryBackoffMs = 500
	}

	if c.Risk == (RiskConfig{}) {
		c.Risk = RiskConfig{RiskPerTradePct: 0.01, MaxDrawdownPct: 0.20, MaxExposurePct: 1.0}
	}

	p := &c.Persistence
	if p.SnapshotDir == "" {
		p.SnapshotDir = "data/snapshots"
	}
	if p.Backups == 0 {
		p.Backups = 3
	}
	if p.EquitySnapshotCron == "" {
		p.EquitySnapshotCron = "@every 5m"
	}

	s := &c.Supervisor
	if s.PollIntervalMs == 0 {
		s.PollIntervalMs = 1000
	}
	if s.MaxFailures == 0 {
		s.MaxFailures = 3
	}
	if s.FailureWindowSec == 0 {
		s.FailureWindowSec = 600
	}

	if c.Backtest.BarMinutes == 0 {
		c.Backtest.BarMinutes = 60
	}
	if c.Backtest.HistoryBars == 0 {
		c.Backtest.HistoryBars = 300
	}
	if c.Alerting.DailySummaryCron == "" {
		c.Alerting.DailySummaryCron = "0 0 * * *"
	}
	if c.Metrics.Port == 0 {
		c.Metrics.Port = 9090
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
	if c.Shutdown.TimeoutSec == 0 {
		c.Shutdown.TimeoutSec = 10
	}

	for i := range c.Bots {
		b := &c.Bots[i]
		if b.Exchange == "" {
			b.Exchange = "paper"
		}
		if b.Strategy.Name == "" {
			b.Strategy.Name = "breakout"
		}
		if b.BarMinutes == 0 {
			b.BarMinutes = 60
		}
		if b.WindowBars == 0 {
			b.WindowBars = 300
		}
		if b.Symbol.LotSize == 0 {
			b.Symbol.LotSize = 1
		}
	}
}

var botIDPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

// Validate checks the configuration and reports every problem at once.
func (c *Config) Validate() error {
	var errs []string

	seen := make(map[string]bool)
	for i, b := range c.Bots {
		prefix := fmt.Sprintf("bots[%d]", i)
		if !botIDPattern.MatchString(b.ID) {
			errs = append(errs, prefix+".id must be non-empty and contain only letters, digits, '_', '.' or '-'")
		}
		if seen[b.ID] {
			errs = append(errs, fmt.Sprintf("%s.id %q is duplicated", prefix, b.ID))
		}
		seen[b.ID] = true

		if b.Exchange != "paper" {
			errs = append(errs, fmt.Sprintf("%s.exchange %q is not supported", prefix, b.Exchange))
		}
		if b.Symbol.Name == "" {
			errs = append(errs, prefix+".symbol.name is required")
		}
		if b.Symbol.TickSize <= 0 {
			errs = append(errs, prefix+".symbol.tick_size must be positive")
		}
		if b.Symbol.LotSize <= 0 {
			errs = append(errs, prefix+".symbol.lot_size must be positive")
		}
		if b.Symbol.MakerFee < 0 || b.Symbol.TakerFee < 0 {
			errs = append(errs, prefix+".symbol fees must not be negative")
		}
		if b.Strategy.Name != "breakout" {
			errs = append(errs, fmt.Sprintf("%s.strategy.name %q is not supported", prefix, b.Strategy.Name))
		}
		if b.InitialBalance <= 0 {
			errs = append(errs, prefix+".initial_balance must be positive")
		}
		if b.SlippagePct < 0 {
			errs = append(errs, prefix+".slippage_pct must not be negative")
		}
		if b.BarMinutes < 1 {
			errs = append(errs, prefix+".bar_minutes must be at least 1")
		}
	}

	r := c.Reconciliation
	if r.ToleranceLotFraction <= 0 || r.ToleranceLotFraction >= 1 {
		errs = append(errs, "reconciliation.tolerance_lot_fraction must be between 0 and 1")
	}
	if r.CoolOffTicks < 0 {
		errs = append(errs, "reconciliation.cool_off_ticks must not be negative")
	}
	if r.MaxBarsPending < 0 || r.MaxBarsTriggered < 0 {
		errs = append(errs, "reconciliation.max_bars_pending and max_bars_triggered must not be negative")
	}
	if r.OrderRetries < 1 {
		errs = append(errs, "reconciliation.order_retries must be at least 1")
	}
	if r.RateLimitPerSecond < 0 {
		errs = append(errs, "reconciliation.rate_limit_per_second must not be negative")
	}

	if c.Risk.RiskPerTradePct <= 0 || c.Risk.RiskPerTradePct > 0.1 {
		errs = append(errs, "risk.risk_per_trade_pct must be between 0 and 0.1 (10%)")
	}
	if c.Risk.MaxDrawdownPct < 0 || c.Risk.MaxDrawdownPct > 1 {
		errs = append(errs, "risk.max_drawdown_pct must be between 0 and 1")
	}
	if c.Risk.MaxExposurePct < 0 {
		errs = append(errs, "risk.max_exposure_pct must not be negative")
	}

	if c.Persistence.Backups < 1 {
		errs = append(errs, "persistence.backups must be at least 1")
	}
	if c.Supervisor.PollIntervalMs < 1 || c.Supervisor.MaxFailures < 1 || c.Supervisor.FailureWindowSec < 1 {
		errs = append(errs, "supervisor.poll_interval_ms, max_failures and failure_window_sec must be positive")
	}
	if c.Backtest.SlippagePct < 0 {
		errs = append(errs, "backtest.slippage_pct must not be negative")
	}

	if c.Alerting.Enabled {
		for i, ch := range c.Alerting.Channels {
			switch ch.Type {
			case "console":
			case "telegram":
				if ch.BotToken == "" || ch.ChatID == "" {
					errs = append(errs, fmt.Sprintf("alerting.channels[%d] telegram needs bot_token and chat_id", i))
				}
			default:
				errs = append(errs, fmt.Sprintf("alerting.channels[%d].type %q is not supported", i, ch.Type))
			}
		}
	}
	if c.Metrics.Enabled && (c.Metrics.Port < 1 || c.Metrics.Port > 65535) {
		errs = append(errs, "metrics.port must be between 1 and 65535")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

// ValidateLive checks what the run command needs on top of Validate.
func (c *Config) ValidateLive() error {
	var errs []string
	if len(c.Bots) == 0 {
		errs = append(errs, "at least one bot is required")
	}
	for i, b := range c.Bots {
		if b.Stream.URL == "" {
			errs = append(errs, fmt.Sprintf("bots[%d].stream.url is required", i))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %s", types.ErrInvalidConfig, strings.Join(errs, "; "))
	}
	return nil
}

// Bot returns the bot with the given id, or the only bot when id is empty.
func (c *Config) Bot(id string) (BotConfig, error) {
	if id == "" && len(c.Bots) == 1 {
		return c.Bots[0], nil
	}
	for _, b := range c.Bots {
		if b.ID == id {
			return b, nil
		}
	}
	return BotConfig{}, fmt.Errorf("%w: bot %q not found", types.ErrInvalidConfig, id)
}

// ToEngineConfig converts to engine.Config for bot.
func (c *Config) ToEngineConfig(bot string) engine.Config {
	return engine.Config{
		BotID:                bot,
		ToleranceLotFraction: decimal.NewFromFloat(c.Reconciliation.ToleranceLotFraction),
		CoolOffTicks:         c.Reconciliation.CoolOffTicks,
		MaxBarsPending:       c.Reconciliation.MaxBarsPending,
		MaxBarsTriggered:     c.Reconciliation.MaxBarsTriggered,
	}
}

// ToRiskConfig converts to risk.Config.
func (c *Config) ToRiskConfig() risk.Config {
	return risk.Config{
		RiskPerTradePct: decimal.NewFromFloat(c.Risk.RiskPerTradePct),
		MaxDrawdownPct:  decimal.NewFromFloat(c.Risk.MaxDrawdownPct),
		MaxExposurePct:  decimal.NewFromFloat(c.Risk.MaxExposurePct),
	}
}

// ToRetryConfig converts to broker.RetryConfig.
func (c *Config) ToRetryConfig() broker.RetryConfig {
	return broker.RetryConfig{
		MaxAttempts: c.Reconciliation.OrderRetries,
		Backoff:     time.Duration(c.Reconciliation.RetryBackoffMs) * time.Millisecond,
		RateLimit:   c.Reconciliation.RateLimitPerSecond,
		Burst:       c.Reconciliation.RateBurst,
	}
}

// ToServerConfig converts to metrics.ServerConfig.
func (c *Config) ToServerConfig() metrics.ServerConfig {
	cfg := metrics.DefaultServerConfig()
	cfg.Port = c.Metrics.Port
	cfg.MetricsPath = c.Metrics.Path
	return cfg
}

// TelegramChannels returns the configured telegram channels.
func (c *Config) TelegramChannels() []alerting.TelegramConfig {
	var out []alerting.TelegramConfig
	for _, ch := range c.Alerting.Channels {
		if ch.Type == "telegram" {
			out = append(out, alerting.TelegramConfig{BotToken: ch.BotToken, ChatID: ch.ChatID})
		}
	}
	return out
}

// IsAlertEventEnabled checks if an alert event type is enabled.
func (c *Config) IsAlertEventEnabled(event string) bool {
	if !c.Alerting.Enabled {
		return false
	}
	if len(c.Alerting.Events) == 0 {
		return true
	}
	for _, e := range c.Alerting.Events {
		if e == event || e == "all" {
			return true
		}
	}
	return false
}

// PollInterval returns the supervisor liveness poll interval.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Supervisor.PollIntervalMs) * time.Millisecond
}

// FailureWindow returns the supervisor restart budget window.
func (c *Config) FailureWindow() time.Duration {
	return time.Duration(c.Supervisor.FailureWindowSec) * time.Second
}

// ShutdownTimeout returns the shutdown timeout duration.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.Shutdown.TimeoutSec) * time.Second
}

// BarPeriod returns the bar length for the backtest.
func (c *Config) BarPeriod() time.Duration {
	return time.Duration(c.Backtest.BarMinutes) * time.Minute
}

// ToSymbol converts to types.Symbol.
func (b BotConfig) ToSymbol() types.Symbol {
	s := b.Symbol
	return types.Symbol{
		Name:              s.Name,
		TickSize:          decimal.NewFromFloat(s.TickSize),
		LotSize:           decimal.NewFromFloat(s.LotSize),
		MakerFee:          decimal.NewFromFloat(s.MakerFee),
		TakerFee:          decimal.NewFromFloat(s.TakerFee),
		Inverse:           s.Inverse,
		PricePrecision:    s.PricePrecision,
		QuantityPrecision: s.QuantityPrecision,
	}
}

// ToBreakoutConfig converts to strategy.BreakoutConfig, keeping defaults
// for unset fields.
func (b BotConfig) ToBreakoutConfig() strategy.BreakoutConfig {
	s := b.Strategy
	cfg := strategy.DefaultBreakoutConfig()
	if s.LookbackBars > 0 {
		cfg.LookbackBars = s.LookbackBars
	}
	if s.ATRPeriod > 0 {
		cfg.ATRPeriod = s.ATRPeriod
	}
	if s.StopATRMult > 0 {
		cfg.StopATRMult = decimal.NewFromFloat(s.StopATRMult)
	}
	if s.TrailATRMult > 0 {
		cfg.TrailATRMult = decimal.NewFromFloat(s.TrailATRMult)
	}
	if s.EntryBufferTicks > 0 {
		cfg.EntryBuffer = s.EntryBufferTicks
	}
	if s.MinStopTicks > 0 {
		cfg.MinStopTicks = s.MinStopTicks
	}
	cfg.TrendPeriod = s.TrendPeriod
	cfg.FixedAmount = decimal.NewFromFloat(s.FixedAmount)
	cfg.TrailInProfitOnly = s.TrailInProfitOnly
	return cfg
}

// ToStreamConfig converts to stream.Config.
func (b BotConfig) ToStreamConfig() stream.Config {
	cfg := stream.DefaultConfig(b.Stream.URL, b.Symbol.Name)
	if b.Stream.MaxReconnects > 0 {
		cfg.MaxReconnects = b.Stream.MaxReconnects
	}
	if b.Stream.WindowSec > 0 {
		cfg.Window = time.Duration(b.Stream.WindowSec) * time.Second
	}
	if b.Stream.CooldownMs > 0 {
		cfg.Cooldown = time.Duration(b.Stream.CooldownMs) * time.Millisecond
	}
	if b.Stream.PingIntervalSec > 0 {
		cfg.PingInterval = time.Duration(b.Stream.PingIntervalSec) * time.Second
	}
	return cfg
}

// BarPeriod returns the bot's bar length.
func (b BotConfig) BarPeriod() time.Duration {
	return time.Duration(b.BarMinutes) * time.Minute
}

// InitialBalanceDecimal returns the starting balance as decimal.
func (b BotConfig) InitialBalanceDecimal() decimal.Decimal {
	return decimal.NewFromFloat(b.InitialBalance)
}
