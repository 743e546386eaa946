package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/reconbot/internal/types"
)

const validYAML = `
bots:
  - id: btc-breakout
    exchange: paper
    symbol:
      name: BTCUSD
      tick_size: 0.5
      lot_size: 1
      taker_fee: 0.00075
      inverse: true
    strategy:
      name: breakout
      lookback_bars: 30
      stop_atr_mult: 1.5
    stream:
      url: ws://localhost:8080/ws
      max_reconnects: 4
      cooldown_ms: 250
    initial_balance: 1.5
    bar_minutes: 240

reconciliation:
  max_bars_pending: 5
  rate_limit_per_second: 10

risk:
  risk_per_trade_pct: 0.02
  max_drawdown_pct: 0.25
  max_exposure_pct: 3

persistence:
  snapshot_dir: /tmp/snaps
  history_db: /tmp/history.db

backtest:
  slippage_pct: 0.05
  synthetic_funding_rate: 0.0001
`

func TestLoadFromBytes_Valid(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(validYAML))
	if err != nil {
		t.Fatalf("LoadFromBytes() error = %v", err)
	}

	if len(cfg.Bots) != 1 || cfg.Bots[0].ID != "btc-breakout" {
		t.Fatalf("bots = %+v", cfg.Bots)
	}
	bot := cfg.Bots[0]
	if bot.BarPeriod() != 4*time.Hour {
		t.Errorf("BarPeriod = %s, want 4h", bot.BarPeriod())
	}
	if bot.WindowBars != 300 {
		t.Errorf("WindowBars = %d, want default 300", bot.WindowBars)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"tolerance default", cfg.Reconciliation.ToleranceLotFraction, 0.1},
		{"cool-off default", cfg.Reconciliation.CoolOffTicks, 1},
		{"max bars pending", cfg.Reconciliation.MaxBarsPending, 5},
		{"max bars triggered default", cfg.Reconciliation.MaxBarsTriggered, 3},
		{"backups default", cfg.Persistence.Backups, 3},
		{"poll interval default", cfg.PollInterval(), time.Second},
		{"backtest bars default", cfg.Backtest.BarMinutes, 60},
		{"summary cron default", cfg.Alerting.DailySummaryCron, "0 0 * * *"},
		{"shutdown default", cfg.ShutdownTimeout(), 10 * time.Second},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}

	if err := cfg.ValidateLive(); err != nil {
		t.Errorf("ValidateLive() error = %v", err)
	}
}

func TestConversions(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(validYAML))
	if err != nil {
		t.Fatalf("LoadFromBytes() error = %v", err)
	}
	bot := cfg.Bots[0]

	sym := bot.ToSymbol()
	if !sym.TickSize.Equal(decimal.RequireFromString("0.5")) || !sym.Inverse || !sym.TakerFee.Equal(decimal.RequireFromString("0.00075")) {
		t.Errorf("ToSymbol() = %+v", sym)
	}

	eng := cfg.ToEngineConfig(bot.ID)
	if eng.BotID != "btc-breakout" || eng.MaxBarsPending != 5 || !eng.ToleranceLotFraction.Equal(decimal.RequireFromString("0.1")) {
		t.Errorf("ToEngineConfig() = %+v", eng)
	}

	rc := cfg.ToRiskConfig()
	if !rc.MaxDrawdownPct.Equal(decimal.RequireFromString("0.25")) {
		t.Errorf("ToRiskConfig().MaxDrawdownPct = %s, want 0.25", rc.MaxDrawdownPct)
	}

	retry := cfg.ToRetryConfig()
	if retry.MaxAttempts != 3 || retry.Backoff != 500*time.Millisecond || retry.RateLimit != 10 {
		t.Errorf("ToRetryConfig() = %+v", retry)
	}

	bo := bot.ToBreakoutConfig()
	if bo.LookbackBars != 30 || !bo.StopATRMult.Equal(decimal.RequireFromString("1.5")) || bo.ATRPeriod != 14 {
		t.Errorf("ToBreakoutConfig() = %+v", bo)
	}

	sc := bot.ToStreamConfig()
	if sc.URL != "ws://localhost:8080/ws" || sc.Symbol != "BTCUSD" || sc.MaxReconnects != 4 || sc.Cooldown != 250*time.Millisecond {
		t.Errorf("ToStreamConfig() = %+v", sc)
	}
}

func TestValidate_CollectsErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want []string
	}{
		{
			name: "bad bot",
			yaml: `
bots:
  - id: "bad id"
    exchange: binance
    symbol: {name: "", tick_size: 0}
    strategy: {name: grid}
`,
			want: []string{"bots[0].id", "exchange \"binance\"", "symbol.name", "tick_size", "strategy.name", "initial_balance"},
		},
		{
			name: "duplicate ids",
			yaml: `
bots:
  - {id: a, symbol: {name: X, tick_size: 1}, initial_balance: 1}
  - {id: a, symbol: {name: X, tick_size: 1}, initial_balance: 1}
`,
			want: []string{"bots[1].id \"a\" is duplicated"},
		},
		{
			name: "thresholds",
			yaml: `
reconciliation:
  tolerance_lot_fraction: 1.5
  cool_off_ticks: -1
risk:
  risk_per_trade_pct: 0.5
`,
			want: []string{"tolerance_lot_fraction", "cool_off_ticks", "risk_per_trade_pct"},
		},
		{
			name: "alerting",
			yaml: `
alerting:
  enabled: true
  channels:
    - type: telegram
    - type: pager
`,
			want: []string{"channels[0] telegram needs", "channels[1].type"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadFromBytes([]byte(tt.yaml))
			if !errors.Is(err, types.ErrInvalidConfig) {
				t.Fatalf("err = %v, want ErrInvalidConfig", err)
			}
			for _, w := range tt.want {
				if !strings.Contains(err.Error(), w) {
					t.Errorf("error %q does not mention %q", err, w)
				}
			}
		})
	}
}

func TestValidateLive(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(`
bots:
  - {id: a, symbol: {name: X, tick_size: 1}, initial_balance: 100}
`))
	if err != nil {
		t.Fatalf("LoadFromBytes() error = %v", err)
	}
	if err := cfg.ValidateLive(); err == nil || !strings.Contains(err.Error(), "stream.url") {
		t.Errorf("ValidateLive() = %v, want stream.url error", err)
	}

	empty, _ := LoadFromBytes([]byte("{}"))
	if err := empty.ValidateLive(); err == nil {
		t.Error("ValidateLive() without bots should fail")
	}
}

func TestBot(t *testing.T) {
	cfg, err := LoadFromBytes([]byte(validYAML))
	if err != nil {
		t.Fatalf("LoadFromBytes() error = %v", err)
	}
	if b, err := cfg.Bot(""); err != nil || b.ID != "btc-breakout" {
		t.Errorf("Bot(\"\") = %s, %v", b.ID, err)
	}
	if _, err := cfg.Bot("nope"); !errors.Is(err, types.ErrInvalidConfig) {
		t.Errorf("Bot(nope) = %v, want ErrInvalidConfig", err)
	}
}

func TestLoad_ExpandsEnv(t *testing.T) {
	t.Setenv("RECONBOT_TOKEN", "secret-token")
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
alerting:
  enabled: true
  channels:
    - type: telegram
      bot_token: ${RECONBOT_TOKEN}
      chat_id: "42"
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	tg := cfg.TelegramChannels()
	if len(tg) != 1 || tg[0].BotToken != "secret-token" || tg[0].ChatID != "42" {
		t.Errorf("TelegramChannels() = %+v", tg)
	}
	if !cfg.IsAlertEventEnabled("stream_lost") {
		t.Error("all events should be enabled when none are listed")
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load() of a missing file should fail")
	}
}
