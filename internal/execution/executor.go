// Package execution provides the bar-matching simulated exchange used by
// backtests and paper trading.
package execution

import (
	"time"

	"github.com/shopspring/decimal"
)

// FundingEvent is one funding settlement.
type FundingEvent struct {
	At   time.Time
	Rate decimal.Decimal
}

// FundingSource lists the funding settlements due in (from, to], oldest
// first.
type FundingSource interface {
	Due(from, to time.Time) []FundingEvent
}

// Ledger is the simulator's cash accounting in settlement currency.
type Ledger struct {
	Initial  decimal.Decimal
	Realized decimal.Decimal
	Fees     decimal.Decimal
	Funding  decimal.Decimal
}

// Wallet returns initial + realized - fees + funding.
func (l Ledger) Wallet() decimal.Decimal {
	return l.Initial.Add(l.Realized).Sub(l.Fees).Add(l.Funding)
}
