// Package risk sizes entries from a risk budget and tracks the equity peak
// used for drawdown control.
package risk

import (
	"time"

	"github.com/shopspring/decimal"
)

// equityPeak follows the account equity and the highest value it reached.
// It is not synchronized; Manager guards it.
type equityPeak struct {
	current decimal.Decimal
	max     decimal.Decimal
	maxAt   time.Time
}

func newEquityPeak(equity decimal.Decimal) equityPeak {
	return equityPeak{current: equity, max: equity}
}

// observe records equity at time at and reports whether it set a new peak.
func (p *equityPeak) observe(equity decimal.Decimal, at time.Time) bool {
	p.current = equity
	if !equity.GreaterThan(p.max) {
		return false
	}
	p.max, p.maxAt = equity, at
	return true
}

// drawdown is the fractional distance of current below the peak, 0.15 for
// 15%. It is zero at or above the peak and for a zero peak.
func (p equityPeak) drawdown() decimal.Decimal {
	if !p.max.IsPositive() || !p.current.LessThan(p.max) {
		return decimal.Zero
	}
	return p.max.Sub(p.current).Div(p.max)
}
