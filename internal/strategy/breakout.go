package strategy

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/reconbot/internal/ident"
	"github.com/tathienbao/reconbot/internal/types"
	"github.com/tathienbao/reconbot/pkg/indicator"
)

// Bar cache keys written by PrepBars.
const (
	cacheATR      = "bo_atr"
	cacheSMA      = "bo_sma"
	cacheSignaled = "bo_signaled"
)

const breakoutPrefix = "bo"

// Sizer turns an entry and its stop into a signed amount.
type Sizer interface {
	PositionAmount(entry, stop decimal.Decimal) (decimal.Decimal, error)
}

// BreakoutConfig holds configuration for the breakout strategy.
type BreakoutConfig struct {
	LookbackBars      int             // channel length in closed bars
	ATRPeriod         int             // ATR length
	StopATRMult       decimal.Decimal // initial stop distance from the entry
	TrailATRMult      decimal.Decimal // chandelier distance from the channel extreme
	TrendPeriod       int             // SMA trend filter length, 0 disables
	EntryBuffer       int             // ticks beyond the channel for the entry stop
	FixedAmount       decimal.Decimal // used when no sizer is set
	MinStopTicks      int             // entries with a closer stop are skipped
	TrailInProfitOnly bool            // trail only once a closed bar is beyond the entry
}

// DefaultBreakoutConfig returns sensible defaults.
func DefaultBreakoutConfig() BreakoutConfig {
	return BreakoutConfig{
		LookbackBars: 20,
		ATRPeriod:    14,
		StopATRMult:  decimal.RequireFromString("2.0"),
		TrailATRMult: decimal.RequireFromString("3.0"),
		EntryBuffer:  1,
		MinStopTicks: 2,
	}
}

// Breakout brackets the recent channel with a long stop-entry above it and
// a short stop-entry below it. Both share one signal id; the engine cancels
// the sibling once one side fills. Open positions trail a chandelier stop.
type Breakout struct {
	cfg   BreakoutConfig
	sizer Sizer

	sym    types.Symbol
	logger *slog.Logger
}

var _ Strategy = (*Breakout)(nil)

// NewBreakout creates a new breakout strategy. sizer may be nil when
// cfg.FixedAmount is set.
func NewBreakout(cfg BreakoutConfig, sizer Sizer) *Breakout {
	if cfg.LookbackBars < 2 {
		cfg.LookbackBars = 2
	}
	if cfg.ATRPeriod < 1 {
		cfg.ATRPeriod = 1
	}
	return &Breakout{cfg: cfg, sizer: sizer}
}

// Name returns the strategy name.
func (b *Breakout) Name() string {
	return "breakout"
}

// Init binds the strategy to a symbol.
func (b *Breakout) Init(sym types.Symbol, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	if b.sizer == nil && !b.cfg.FixedAmount.IsPositive() {
		return fmt.Errorf("breakout: %w: needs a sizer or a fixed amount", types.ErrInvalidConfig)
	}
	b.sym = sym
	b.logger = logger.With("strategy", b.Name())
	return nil
}

// OwnsSignalID reports whether id was generated by Breakout.
func (b *Breakout) OwnsSignalID(id string) bool {
	rest, ok := strings.CutPrefix(id, breakoutPrefix)
	if !ok || rest == "" {
		return false
	}
	_, err := strconv.ParseInt(rest, 10, 64)
	return err == nil
}

func (b *Breakout) minBars() int {
	n := b.cfg.LookbackBars
	if b.cfg.ATRPeriod+1 > n {
		n = b.cfg.ATRPeriod + 1
	}
	if b.cfg.TrendPeriod > n {
		n = b.cfg.TrendPeriod
	}
	// bars[0] is forming.
	return n + 1
}

// PrepBars caches ATR and SMA on the last closed bar.
func (b *Breakout) PrepBars(isNewBar bool, bars []*types.Bar) {
	if len(bars) < b.minBars() {
		return
	}
	last := bars[1]
	if _, ok := last.CacheDecimal(cacheATR); ok && !isNewBar {
		return
	}

	high, low, closes := closedSeries(bars)
	last.SetCache(cacheATR, indicator.ATR(high, low, closes, b.cfg.ATRPeriod))
	if b.cfg.TrendPeriod > 0 {
		last.SetCache(cacheSMA, indicator.SMA(closes, b.cfg.TrendPeriod))
	}
}

// closedSeries views the closed bars, skipping the forming bars[0].
func closedSeries(bars []*types.Bar) (high, low, closes indicator.Series) {
	high = func(i int) decimal.Decimal { return bars[i+1].High }
	low = func(i int) decimal.Decimal { return bars[i+1].Low }
	closes = func(i int) decimal.Decimal { return bars[i+1].Close }
	return high, low, closes
}

// GotDataForPositionSync reports whether enough bars exist to place stops.
func (b *Breakout) GotDataForPositionSync(bars []*types.Bar) bool {
	if len(bars) < b.minBars() {
		return false
	}
	_, ok := bars[1].CacheDecimal(cacheATR)
	return ok
}

// StopForUnmatchedAmount protects an untracked amount at the initial stop
// distance from the forming bar's close.
func (b *Breakout) StopForUnmatchedAmount(amount decimal.Decimal, bars []*types.Bar) (decimal.Decimal, bool) {
	if amount.IsZero() || !b.GotDataForPositionSync(bars) {
		return decimal.Zero, false
	}
	atr, _ := bars[1].CacheDecimal(cacheATR)
	dist := atr.Mul(b.cfg.StopATRMult)
	ref := bars[0].Close

	if amount.IsPositive() {
		return b.sym.NormalizePrice(ref.Sub(dist), false), true
	}
	return b.sym.NormalizePrice(ref.Add(dist), true), true
}

func channel(bars []*types.Bar, n int) (high, low decimal.Decimal) {
	h, l, _ := closedSeries(bars)
	return indicator.Highest(h, n), indicator.Lowest(l, n)
}

// OpenOrders places the OCO pair once per bar while nothing is tracked.
func (b *Breakout) OpenOrders(bars []*types.Bar, account types.Account, open map[string]*types.Position, acts *Actions) {
	if !b.GotDataForPositionSync(bars) || len(open) > 0 {
		return
	}
	forming := bars[0]
	if forming.Cache[cacheSignaled] == true {
		return
	}

	atr, _ := bars[1].CacheDecimal(cacheATR)
	if atr.IsZero() {
		return
	}
	high, low := channel(bars, b.cfg.LookbackBars)
	buffer := b.sym.TickSize.Mul(decimal.NewFromInt(int64(b.cfg.EntryBuffer)))
	stopDist := atr.Mul(b.cfg.StopATRMult)
	if minDist := b.sym.TickSize.Mul(decimal.NewFromInt(int64(b.cfg.MinStopTicks))); stopDist.LessThan(minDist) {
		return
	}

	longOK, shortOK := true, true
	if sma, ok := bars[1].CacheDecimal(cacheSMA); ok && b.cfg.TrendPeriod > 0 {
		longOK = bars[1].Close.GreaterThan(sma)
		shortOK = bars[1].Close.LessThan(sma)
	}

	signalID := breakoutPrefix + strconv.FormatInt(forming.Timestamp.Unix(), 10)
	forming.SetCache(cacheSignaled, true)

	if longOK {
		entry := b.sym.NormalizePrice(high.Add(buffer), true)
		if forming.Close.LessThan(entry) {
			b.open(signalID, types.DirectionLong, entry, entry.Sub(stopDist), forming, acts)
		}
	}
	if shortOK {
		entry := b.sym.NormalizePrice(low.Sub(buffer), false)
		if forming.Close.GreaterThan(entry) {
			b.open(signalID, types.DirectionShort, entry, entry.Add(stopDist), forming, acts)
		}
	}
}

func (b *Breakout) open(signalID string, dir types.Direction, entry, stop decimal.Decimal, forming *types.Bar, acts *Actions) {
	stop = b.sym.NormalizePrice(stop, dir == types.DirectionShort)
	if !stop.IsPositive() {
		return
	}

	var amount decimal.Decimal
	if b.sizer != nil {
		var err error
		amount, err = b.sizer.PositionAmount(entry, stop)
		if err != nil {
			b.logger.Debug("entry skipped", "direction", dir, "entry", entry, "stop", stop, "err", err)
			return
		}
	} else {
		amount = b.cfg.FixedAmount.Mul(dir.Sign())
	}
	if amount.Sign() != dir.Sign().Sign() {
		return
	}

	posID, err := ident.FullPosID(signalID, dir)
	if err != nil {
		b.logger.Error("position id", "signal_id", signalID, "err", err)
		return
	}
	order, err := acts.NewOrder(posID, types.RoleEntry, amount, entry, decimal.Zero)
	if err != nil {
		b.logger.Debug("entry skipped", "position_id", posID, "err", err)
		return
	}

	pos := types.NewPosition(posID, forming.Timestamp, order.Amount, order.StopPrice, stop)
	if err := acts.Open(pos, order); err != nil {
		b.logger.Error("open position", "position_id", posID, "err", err)
		return
	}
	b.logger.Info("breakout entry placed",
		"position_id", posID,
		"amount", order.Amount,
		"entry", order.StopPrice,
		"stop", stop,
	)
}

// ManageOpenOrder cancels an entry whose initial stop was traded through
// before the entry triggered.
func (b *Breakout) ManageOpenOrder(o *types.Order, pos *types.Position, bars []*types.Bar, acts *Actions, open map[string]*types.Position) {
	if o.Role != types.RoleEntry || !pos.Status.AwaitingEntry() || len(bars) == 0 {
		return
	}
	if o.StopTriggered {
		return
	}

	price := bars[0].Close
	invalid := (pos.Direction() == types.DirectionLong && price.LessThanOrEqual(pos.InitialStop)) ||
		(pos.Direction() == types.DirectionShort && price.GreaterThanOrEqual(pos.InitialStop))
	if invalid {
		b.logger.Info("entry invalidated, cancelling", "position_id", pos.ID, "price", price, "stop", pos.InitialStop)
		acts.Cancel(o)
	}
}

// ManageOpenPosition trails the stop to the channel extreme minus
// TrailATRMult ATRs. The stop only ever moves in the position's favour.
func (b *Breakout) ManageOpenPosition(pos *types.Position, bars []*types.Bar, account types.Account, acts *Actions) {
	if !b.GotDataForPositionSync(bars) || !b.cfg.TrailATRMult.IsPositive() {
		return
	}
	stops := pos.ActiveOrders(types.RoleStop)
	if len(stops) != 1 {
		return
	}
	sl := stops[0]

	atr, _ := bars[1].CacheDecimal(cacheATR)
	high, low := channel(bars, b.cfg.LookbackBars)
	dist := atr.Mul(b.cfg.TrailATRMult)
	price := bars[0].Close

	var next decimal.Decimal
	if pos.Direction() == types.DirectionLong {
		next = b.sym.NormalizePrice(high.Sub(dist), false)
		if b.cfg.TrailInProfitOnly && bars[1].Close.LessThanOrEqual(pos.FilledEntry) {
			return
		}
		if !next.GreaterThan(sl.StopPrice) || !next.LessThan(price) {
			return
		}
	} else {
		next = b.sym.NormalizePrice(low.Add(dist), true)
		if b.cfg.TrailInProfitOnly && bars[1].Close.GreaterThanOrEqual(pos.FilledEntry) {
			return
		}
		if !next.LessThan(sl.StopPrice) || !next.GreaterThan(price) {
			return
		}
	}

	moved := sl.Clone()
	moved.StopPrice = next
	acts.Update(moved)
	b.logger.Debug("trailing stop", "position_id", pos.ID, "from", sl.StopPrice, "to", next)
}
