package backtest

import (
	"time"

	"github.com/shopspring/decimal"
)

// EquityPoint represents equity at a point in time.
type EquityPoint struct {
	Timestamp time.Time
	Equity    decimal.Decimal
	Drawdown  decimal.Decimal
}

// Stats tracks the equity high-water mark, drawdown, underwater duration
// and peak exposure of a run. It is updated every tick and sampled once per
// bar into the equity curve.
//
// The high-water mark only advances while flat or right after the position
// side reversed, so open mark-to-market gains never count as a new high.
type Stats struct {
	hwm      decimal.Decimal
	lastSign int

	equity        decimal.Decimal
	drawdown      decimal.Decimal
	maxDrawdown   decimal.Decimal
	underwaterAt  time.Time
	maxUnderwater time.Duration
	peakExposure  decimal.Decimal

	curve []EquityPoint
}

// NewStats creates a tracker starting at initial equity.
func NewStats(initial decimal.Decimal) *Stats {
	return &Stats{hwm: initial, equity: initial}
}

// Update records the state after one tick. quantity is the signed net
// position and exposure its notional.
func (s *Stats) Update(at time.Time, equity, quantity, exposure decimal.Decimal) {
	sign := quantity.Sign()
	reversed := sign != 0 && s.lastSign != 0 && sign != s.lastSign
	if (sign == 0 || reversed) && equity.GreaterThan(s.hwm) {
		s.hwm = equity
	}
	s.lastSign = sign
	s.equity = equity

	s.drawdown = decimal.Zero
	if s.hwm.IsPositive() && equity.LessThan(s.hwm) {
		s.drawdown = s.hwm.Sub(equity).Div(s.hwm)
	}
	if s.drawdown.GreaterThan(s.maxDrawdown) {
		s.maxDrawdown = s.drawdown
	}

	if equity.LessThan(s.hwm) {
		if s.underwaterAt.IsZero() {
			s.underwaterAt = at
		}
		if d := at.Sub(s.underwaterAt); d > s.maxUnderwater {
			s.maxUnderwater = d
		}
	} else {
		s.underwaterAt = time.Time{}
	}

	if exposure.Abs().GreaterThan(s.peakExposure) {
		s.peakExposure = exposure.Abs()
	}
}

// Sample appends the current equity to the equity curve.
func (s *Stats) Sample(at time.Time) {
	s.curve = append(s.curve, EquityPoint{Timestamp: at, Equity: s.equity, Drawdown: s.drawdown})
}

// HighWaterMark returns the current high-water mark.
func (s *Stats) HighWaterMark() decimal.Decimal { return s.hwm }

// Drawdown returns the current drawdown as a ratio.
func (s *Stats) Drawdown() decimal.Decimal { return s.drawdown }

// MaxDrawdown returns the largest drawdown seen as a ratio.
func (s *Stats) MaxDrawdown() decimal.Decimal { return s.maxDrawdown }

// MaxUnderwater returns the longest time spent below the high-water mark.
func (s *Stats) MaxUnderwater() time.Duration { return s.maxUnderwater }

// PeakExposure returns the largest notional held.
func (s *Stats) PeakExposure() decimal.Decimal { return s.peakExposure }

// Curve returns the sampled equity curve.
func (s *Stats) Curve() []EquityPoint { return s.curve }
