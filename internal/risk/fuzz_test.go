package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// FuzzPositionSizer checks that sizing never risks more than the budget.
func FuzzPositionSizer(f *testing.F) {
	f.Add("100", "20000", "19000", false)
	f.Add("0.001", "20000", "21000", true)
	f.Add("0", "1", "1", false)
	f.Add("999999.99", "0.5", "0.4", true)

	f.Fuzz(func(t *testing.T, capitalStr, entryStr, stopStr string, inverse bool) {
		capital, err := decimal.NewFromString(capitalStr)
		if err != nil || capital.IsNegative() || capital.GreaterThan(decimal.NewFromInt(1e9)) {
			return
		}
		entry, err := decimal.NewFromString(entryStr)
		if err != nil || entry.LessThan(decimal.RequireFromString("0.01")) || entry.GreaterThan(decimal.NewFromInt(1e7)) {
			return
		}
		stop, err := decimal.NewFromString(stopStr)
		if err != nil || stop.LessThan(decimal.RequireFromString("0.01")) || stop.GreaterThan(decimal.NewFromInt(1e7)) {
			return
		}

		sym := linearSymbol()
		if inverse {
			sym = inverseSymbol()
		}
		result := NewPositionSizer(sym).Calculate(capital, entry, stop)
		if !result.Valid {
			return
		}

		if result.RiskAmount.Sub(capital).GreaterThan(decimal.RequireFromString("0.000001")) {
			t.Errorf("risk %s exceeds capital %s", result.RiskAmount, capital)
		}
		if stop.LessThan(entry) != result.Amount.IsPositive() {
			t.Errorf("amount %s has the wrong sign for entry %s stop %s", result.Amount, entry, stop)
		}
	})
}

// FuzzEquityPeak checks that drawdown stays within [0, 1] and the peak never
// falls below the equity it has seen.
func FuzzEquityPeak(f *testing.F) {
	f.Add("10000", "10000")
	f.Add("12000", "10000")
	f.Add("8000", "10000")
	f.Add("0.01", "10000")
	f.Add("10000", "0.01")

	f.Fuzz(func(t *testing.T, startStr, equityStr string) {
		start, err := decimal.NewFromString(startStr)
		if err != nil || !start.IsPositive() {
			return
		}
		equity, err := decimal.NewFromString(equityStr)
		if err != nil || !equity.IsPositive() {
			return
		}

		p := newEquityPeak(start)
		p.observe(equity, time.Time{})

		dd := p.drawdown()
		if dd.IsNegative() || dd.GreaterThan(decimal.NewFromInt(1)) {
			t.Errorf("drawdown %s outside [0, 1]", dd)
		}
		if p.max.LessThan(equity) || p.max.LessThan(start) {
			t.Errorf("peak %s below seen equity %s / %s", p.max, start, equity)
		}
	})
}
