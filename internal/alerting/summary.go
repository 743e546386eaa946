package alerting

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/reconbot/internal/types"
)

// DailySummary contains one bot's statistics for the summary report.
type DailySummary struct {
	Bot            string
	Date           time.Time
	StartingEquity decimal.Decimal
	EndingEquity   decimal.Decimal
	HighWaterMark  decimal.Decimal
	TotalPL        decimal.Decimal
	ReturnPct      decimal.Decimal
	Drawdown       decimal.Decimal
	ClosedTrades   int
	WinningTrades  int
	LosingTrades   int
	MissedSignals  int
	Cancelled      int
	WinRate        decimal.Decimal
	SafeModeActive bool
	OpenPositions  int
}

// NewDailySummary builds a summary from the position history rows finished
// during the day.
func NewDailySummary(
	bot string,
	date time.Time,
	startEquity, endEquity, highWater decimal.Decimal,
	records []types.PositionRecord,
	inverse bool,
	safeModeActive bool,
	openPositions int,
) DailySummary {
	s := DailySummary{
		Bot:            bot,
		Date:           date,
		StartingEquity: startEquity,
		EndingEquity:   endEquity,
		HighWaterMark:  highWater,
		TotalPL:        endEquity.Sub(startEquity),
		SafeModeActive: safeModeActive,
		OpenPositions:  openPositions,
	}

	for _, r := range records {
		switch r.Status {
		case types.StatusClosed:
			s.ClosedTrades++
			if r.GrossPL(inverse).IsPositive() {
				s.WinningTrades++
			} else {
				s.LosingTrades++
			}
		case types.StatusMissed:
			s.MissedSignals++
		case types.StatusCancelled:
			s.Cancelled++
		}
	}

	hundred := decimal.NewFromInt(100)
	if !startEquity.IsZero() {
		s.ReturnPct = s.TotalPL.Div(startEquity).Mul(hundred)
	}
	if !highWater.IsZero() {
		s.Drawdown = highWater.Sub(endEquity).Div(highWater).Mul(hundred)
		if s.Drawdown.IsNegative() {
			s.Drawdown = decimal.Zero
		}
	}
	if s.ClosedTrades > 0 {
		s.WinRate = decimal.NewFromInt(int64(s.WinningTrades)).
			Div(decimal.NewFromInt(int64(s.ClosedTrades))).
			Mul(hundred)
	}
	return s
}

// Format renders the summary as alert text.
func (s DailySummary) Format() string {
	var b strings.Builder
	fmt.Fprintf(&b, "Daily summary %s %s\n", s.Bot, s.Date.Format("2006-01-02"))
	fmt.Fprintf(&b, "Equity: %s -> %s (%s%%)\n", s.StartingEquity.StringFixed(2), s.EndingEquity.StringFixed(2), s.ReturnPct.StringFixed(2))
	fmt.Fprintf(&b, "High water mark: %s, drawdown %s%%\n", s.HighWaterMark.StringFixed(2), s.Drawdown.StringFixed(2))
	fmt.Fprintf(&b, "Closed: %d (wins %d, losses %d, win rate %s%%)\n", s.ClosedTrades, s.WinningTrades, s.LosingTrades, s.WinRate.StringFixed(1))
	fmt.Fprintf(&b, "Missed: %d, cancelled: %d, open: %d", s.MissedSignals, s.Cancelled, s.OpenPositions)
	if s.SafeModeActive {
		b.WriteString("\nSafe mode active")
	}
	return b.String()
}
