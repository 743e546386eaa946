package backtest

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/reconbot/internal/types"
)

// periodsPerYear annualizes daily returns. Perpetual contracts trade every
// day of the year.
const periodsPerYear = 365

// Metrics provides performance metrics over a run's closed positions and
// its equity curve.
type Metrics struct {
	pnl          []decimal.Decimal // gross P&L per closed position
	equityCurve  []EquityPoint
	riskFreeRate decimal.Decimal // annual risk-free rate (e.g., 0.05 for 5%)
}

// NewMetrics creates a new metrics calculator.
func NewMetrics(result *Result, riskFreeRate decimal.Decimal) *Metrics {
	var pnl []decimal.Decimal
	for _, rec := range result.Positions {
		if rec.Status != types.StatusClosed {
			continue
		}
		pnl = append(pnl, rec.GrossPL(result.Inverse))
	}
	return &Metrics{
		pnl:          pnl,
		equityCurve:  result.EquityCurve,
		riskFreeRate: riskFreeRate,
	}
}

// Trades returns the number of closed positions.
func (m *Metrics) Trades() int {
	return len(m.pnl)
}

// SharpeRatio calculates the annualized Sharpe ratio over daily returns.
// Sharpe = (mean_return - risk_free) / std_dev_returns * sqrt(365)
func (m *Metrics) SharpeRatio() decimal.Decimal {
	returns := m.dailyReturns()
	if len(returns) < 2 {
		return decimal.Zero
	}

	stdDev := standardDeviation(returns)
	if stdDev.IsZero() {
		return decimal.Zero
	}

	excessReturn := mean(returns).Sub(m.dailyRiskFree())
	return excessReturn.Div(stdDev).Mul(decimal.NewFromFloat(math.Sqrt(periodsPerYear)))
}

// SortinoRatio calculates the Sortino ratio (uses downside deviation).
func (m *Metrics) SortinoRatio() decimal.Decimal {
	returns := m.dailyReturns()
	if len(returns) < 2 {
		return decimal.Zero
	}

	downsideDev := downsideDeviation(returns, decimal.Zero)
	if downsideDev.IsZero() {
		return decimal.Zero
	}

	excessReturn := mean(returns).Sub(m.dailyRiskFree())
	return excessReturn.Div(downsideDev).Mul(decimal.NewFromFloat(math.Sqrt(periodsPerYear)))
}

// MaxDrawdown returns the maximum drawdown of the sampled curve as a ratio.
func (m *Metrics) MaxDrawdown() decimal.Decimal {
	maxDD := decimal.Zero
	for _, point := range m.equityCurve {
		if point.Drawdown.GreaterThan(maxDD) {
			maxDD = point.Drawdown
		}
	}
	return maxDD
}

// CalmarRatio calculates the Calmar ratio (annual return / max drawdown).
func (m *Metrics) CalmarRatio() decimal.Decimal {
	maxDD := m.MaxDrawdown()
	if maxDD.IsZero() {
		return decimal.Zero
	}
	return m.AnnualizedReturn().Div(maxDD)
}

// AnnualizedReturn calculates the annualized return.
func (m *Metrics) AnnualizedReturn() decimal.Decimal {
	if len(m.equityCurve) < 2 {
		return decimal.Zero
	}

	first := m.equityCurve[0]
	last := m.equityCurve[len(m.equityCurve)-1]
	if first.Equity.IsZero() {
		return decimal.Zero
	}

	totalReturn := last.Equity.Sub(first.Equity).Div(first.Equity)

	// Runs shorter than ~4 days are not annualized.
	years := last.Timestamp.Sub(first.Timestamp).Hours() / 24 / 365
	if years < 0.01 {
		return totalReturn
	}

	annualized := math.Pow(1+totalReturn.InexactFloat64(), 1/years) - 1
	return decimal.NewFromFloat(annualized)
}

// WinRate returns the win rate as a ratio.
func (m *Metrics) WinRate() decimal.Decimal {
	if len(m.pnl) == 0 {
		return decimal.Zero
	}

	wins := 0
	for _, p := range m.pnl {
		if p.IsPositive() {
			wins++
		}
	}
	return decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(len(m.pnl))))
}

// ProfitFactor calculates gross profit / gross loss.
func (m *Metrics) ProfitFactor() decimal.Decimal {
	grossProfit := decimal.Zero
	grossLoss := decimal.Zero
	for _, p := range m.pnl {
		if p.IsPositive() {
			grossProfit = grossProfit.Add(p)
		} else {
			grossLoss = grossLoss.Add(p.Abs())
		}
	}

	if grossLoss.IsZero() {
		return decimal.Zero
	}
	return grossProfit.Div(grossLoss)
}

// AverageWin returns the average winning position P&L.
func (m *Metrics) AverageWin() decimal.Decimal {
	total := decimal.Zero
	n := 0
	for _, p := range m.pnl {
		if p.IsPositive() {
			total = total.Add(p)
			n++
		}
	}
	if n == 0 {
		return decimal.Zero
	}
	return total.Div(decimal.NewFromInt(int64(n)))
}

// AverageLoss returns the average losing position P&L.
func (m *Metrics) AverageLoss() decimal.Decimal {
	total := decimal.Zero
	n := 0
	for _, p := range m.pnl {
		if p.IsNegative() {
			total = total.Add(p)
			n++
		}
	}
	if n == 0 {
		return decimal.Zero
	}
	return total.Div(decimal.NewFromInt(int64(n)))
}

// Expectancy calculates expected value per position.
// Expectancy = (WinRate * AvgWin) + ((1 - WinRate) * AvgLoss)
func (m *Metrics) Expectancy() decimal.Decimal {
	winRate := m.WinRate()
	return winRate.Mul(m.AverageWin()).Add(decimal.NewFromInt(1).Sub(winRate).Mul(m.AverageLoss()))
}

func (m *Metrics) dailyRiskFree() decimal.Decimal {
	return m.riskFreeRate.Div(decimal.NewFromInt(periodsPerYear))
}

// dailyReturns resamples the equity curve to the last point of each UTC day
// and returns the day over day returns.
func (m *Metrics) dailyReturns() []decimal.Decimal {
	var closes []decimal.Decimal
	var day time.Time
	for _, p := range m.equityCurve {
		d := p.Timestamp.UTC().Truncate(24 * time.Hour)
		if len(closes) == 0 || !d.Equal(day) {
			closes = append(closes, p.Equity)
			day = d
			continue
		}
		closes[len(closes)-1] = p.Equity
	}

	if len(closes) < 2 {
		return nil
	}
	returns := make([]decimal.Decimal, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		prev := closes[i-1]
		if prev.IsZero() {
			continue
		}
		returns = append(returns, closes[i].Sub(prev).Div(prev))
	}
	return returns
}

func mean(values []decimal.Decimal) decimal.Decimal {
	if len(values) == 0 {
		return decimal.Zero
	}
	sum := decimal.Zero
	for _, v := range values {
		sum = sum.Add(v)
	}
	return sum.Div(decimal.NewFromInt(int64(len(values))))
}

// standardDeviation is the sample standard deviation.
func standardDeviation(values []decimal.Decimal) decimal.Decimal {
	if len(values) < 2 {
		return decimal.Zero
	}

	m := mean(values)
	sumSquares := decimal.Zero
	for _, v := range values {
		diff := v.Sub(m)
		sumSquares = sumSquares.Add(diff.Mul(diff))
	}
	variance := sumSquares.Div(decimal.NewFromInt(int64(len(values) - 1))).InexactFloat64()
	if variance < 0 {
		return decimal.Zero
	}
	return decimal.NewFromFloat(math.Sqrt(variance))
}

// downsideDeviation is the standard deviation of returns below target.
func downsideDeviation(returns []decimal.Decimal, target decimal.Decimal) decimal.Decimal {
	var below []decimal.Decimal
	for _, r := range returns {
		if r.LessThan(target) {
			below = append(below, r)
		}
	}
	if len(below) < 2 {
		return decimal.Zero
	}
	return standardDeviation(below)
}
