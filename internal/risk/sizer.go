package risk

import (
	"github.com/shopspring/decimal"
	"github.com/tathienbao/reconbot/internal/types"
)

// PositionSizer turns a capital-at-risk budget into an order amount.
type PositionSizer struct {
	sym types.Symbol
}

// NewPositionSizer creates a sizer for sym.
func NewPositionSizer(sym types.Symbol) *PositionSizer {
	return &PositionSizer{sym: sym}
}

// SizeResult contains the result of position size calculation.
type SizeResult struct {
	Amount       decimal.Decimal // signed, positive for long
	RiskAmount   decimal.Decimal // loss at the stop, settlement currency
	Valid        bool
	RejectReason string
}

// RiskPerUnit returns the settlement-currency loss of one unit entered at
// entry and stopped at stop: |entry-stop| for linear contracts and
// |1/stop-1/entry| for inverse ones.
func (p *PositionSizer) RiskPerUnit(entry, stop decimal.Decimal) decimal.Decimal {
	if p.sym.Inverse {
		if entry.IsZero() || stop.IsZero() {
			return decimal.Zero
		}
		one := decimal.NewFromInt(1)
		return one.Div(stop).Sub(one.Div(entry)).Abs()
	}
	return entry.Sub(stop).Abs()
}

// Calculate sizes a position entering at entry with its stop at stop. The
// direction follows from the stop side: a stop below the entry is a long.
//
//	amount = floor_lot(capitalAtRisk / riskPerUnit)
func (p *PositionSizer) Calculate(capitalAtRisk, entry, stop decimal.Decimal) SizeResult {
	var result SizeResult

	if capitalAtRisk.LessThanOrEqual(decimal.Zero) {
		result.RejectReason = "capital at risk must be positive"
		return result
	}
	if entry.LessThanOrEqual(decimal.Zero) || stop.LessThanOrEqual(decimal.Zero) {
		result.RejectReason = "prices must be positive"
		return result
	}

	perUnit := p.RiskPerUnit(entry, stop)
	if perUnit.IsZero() {
		result.RejectReason = "stop equals entry"
		return result
	}

	amount := p.sym.NormalizeAmount(capitalAtRisk.Div(perUnit))
	if amount.IsZero() {
		result.RejectReason = "calculated position size less than one lot"
		return result
	}

	if stop.GreaterThan(entry) {
		amount = amount.Neg()
	}

	result.Amount = amount
	result.RiskAmount = perUnit.Mul(amount.Abs())
	result.Valid = true
	return result
}

// MaxAmount returns the largest unsigned amount whose notional at price
// stays within equity*maxExposurePct.
func (p *PositionSizer) MaxAmount(equity, maxExposurePct, price decimal.Decimal) decimal.Decimal {
	if price.IsZero() || equity.LessThanOrEqual(decimal.Zero) {
		return decimal.Zero
	}

	maxExposure := equity.Mul(maxExposurePct)
	if p.sym.Inverse {
		return p.sym.NormalizeAmount(maxExposure.Mul(price))
	}
	return p.sym.NormalizeAmount(maxExposure.Div(price))
}

// AdjustForMaxSize caps the magnitude of a signed amount.
func AdjustForMaxSize(amount, maxAllowed decimal.Decimal) decimal.Decimal {
	if amount.Abs().GreaterThan(maxAllowed) {
		return maxAllowed.Mul(decimal.NewFromInt(int64(amount.Sign())))
	}
	return amount
}
