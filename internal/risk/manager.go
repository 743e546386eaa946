package risk

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/reconbot/internal/types"
)

// Config holds the risk configuration.
type Config struct {
	RiskPerTradePct decimal.Decimal // e.g., 0.01 for 1% of the risk reference
	MaxDrawdownPct  decimal.Decimal // e.g., 0.20 for 20%, zero disables safe mode
	MaxExposurePct  decimal.Decimal // e.g., 1.00 for 100% of equity, zero disables
}

// DefaultConfig returns a conservative default configuration.
func DefaultConfig() Config {
	return Config{
		RiskPerTradePct: decimal.RequireFromString("0.01"),
		MaxDrawdownPct:  decimal.RequireFromString("0.20"),
		MaxExposurePct:  decimal.RequireFromString("1.00"),
	}
}

// State is the part of the manager persisted in engine snapshots.
type State struct {
	RiskReference   decimal.Decimal
	MaxEquity       decimal.Decimal
	TimeOfMaxEquity time.Time
}

// Manager sizes new entries and enforces the drawdown limit for one bot.
// The risk reference is the equity that sizing is based on. It moves to the
// current equity on a new peak or whenever the bot is flat, so open profit
// never inflates the size of the next trade.
// Thread-safe for concurrent access.
type Manager struct {
	mu sync.RWMutex

	cfg           Config
	sizer         *PositionSizer
	peak          equityPeak
	riskReference decimal.Decimal

	safeMode   bool
	safeModeAt time.Time

	logger *slog.Logger
}

// NewManager creates a manager starting at initialEquity.
func NewManager(cfg Config, sym types.Symbol, initialEquity decimal.Decimal, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}

	return &Manager{
		cfg:           cfg,
		sizer:         NewPositionSizer(sym),
		peak:          newEquityPeak(initialEquity),
		riskReference: initialEquity,
		logger:        logger,
	}
}

// UpdateEquity records the account equity. flat reports whether the bot
// holds no exposure. Returns true when this update put the manager into
// safe mode.
func (m *Manager) UpdateEquity(equity decimal.Decimal, flat bool, at time.Time) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.peak.observe(equity, at) {
		m.logger.Debug("new equity peak", "equity", equity)
		m.riskReference = equity
	} else if flat {
		m.riskReference = equity
	}

	if m.cfg.MaxDrawdownPct.IsPositive() && m.peak.drawdown().GreaterThanOrEqual(m.cfg.MaxDrawdownPct) {
		return m.enterSafeModeLocked("max drawdown exceeded", at)
	}
	return false
}

// PositionAmount sizes an entry at entry with its initial stop at stop.
// The sign of the result follows the stop side.
func (m *Manager) PositionAmount(entry, stop decimal.Decimal) (decimal.Decimal, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.safeMode {
		return decimal.Zero, types.ErrKillSwitchActive
	}

	result := m.sizer.Calculate(m.riskReference.Mul(m.cfg.RiskPerTradePct), entry, stop)
	if !result.Valid {
		return decimal.Zero, fmt.Errorf("%w: %s", types.ErrSizeTooSmall, result.RejectReason)
	}

	amount := result.Amount
	if m.cfg.MaxExposurePct.IsPositive() {
		maxAmount := m.sizer.MaxAmount(m.peak.current, m.cfg.MaxExposurePct, entry)
		if maxAmount.IsZero() {
			return decimal.Zero, fmt.Errorf("%w: no exposure budget", types.ErrExposureLimitExceeded)
		}
		if amount.Abs().GreaterThan(maxAmount) {
			m.logger.Debug("position amount capped by exposure limit",
				"amount", amount,
				"max", maxAmount,
			)
			amount = AdjustForMaxSize(amount, maxAmount)
		}
	}
	return amount, nil
}

// RiskReference returns the equity sizing is based on.
func (m *Manager) RiskReference() decimal.Decimal {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.riskReference
}

// Snapshot returns current equity, peak and drawdown.
func (m *Manager) Snapshot() (current, peak, drawdown decimal.Decimal) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.peak.current, m.peak.max, m.peak.drawdown()
}

// IsInSafeMode returns true if new entries are blocked.
func (m *Manager) IsInSafeMode() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.safeMode
}

// EnterSafeMode manually blocks new entries.
func (m *Manager) EnterSafeMode(reason string, at time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enterSafeModeLocked(reason, at)
}

// ExitSafeMode exits safe mode (manual reset).
func (m *Manager) ExitSafeMode() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.safeMode {
		m.safeMode = false
		m.logger.Warn("safe mode exited manually")
	}
}

// State returns the persisted part of the manager.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return State{
		RiskReference:   m.riskReference,
		MaxEquity:       m.peak.max,
		TimeOfMaxEquity: m.peak.maxAt,
	}
}

// Restore loads a persisted state. Zero values keep the current ones.
func (m *Manager) Restore(s State) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s.RiskReference.IsPositive() {
		m.riskReference = s.RiskReference
	}
	if s.MaxEquity.IsPositive() {
		m.peak.max, m.peak.maxAt = s.MaxEquity, s.TimeOfMaxEquity
	}
}

func (m *Manager) enterSafeModeLocked(reason string, at time.Time) bool {
	if m.safeMode {
		return false
	}

	m.safeMode = true
	m.safeModeAt = at

	m.logger.Error("safe mode entered, new entries blocked",
		"reason", reason,
		"equity", m.peak.current,
		"peak", m.peak.max,
		"drawdown", m.peak.drawdown(),
	)
	return true
}
