package engine

import (
	"context"
	"sort"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/reconbot/internal/alerting"
	"github.com/tathienbao/reconbot/internal/ident"
	"github.com/tathienbao/reconbot/internal/types"
)

// disparities is the cheap consistency check run every tick. It returns the
// kinds of disparity found; none means healing can be skipped.
func (e *Engine) disparities() []string {
	var kinds []string
	add := func(kind string, args ...any) {
		kinds = append(kinds, kind)
		e.recorder.RecordDisparity(kind)
		e.logger.Warn("disparity", append([]any{"kind", kind}, args...)...)
	}

	for _, pos := range e.sortedOpen() {
		switch {
		case pos.Status == types.StatusOpen:
			stops := len(pos.ActiveOrders(types.RoleStop))
			if stops > 1 {
				add("duplicate_stop", "position_id", pos.ID, "stops", stops)
			} else if stops == 0 && len(pos.ActiveOrders(types.RoleExit)) == 0 {
				add("missing_stop", "position_id", pos.ID, "open_amount", pos.CurrentOpenAmount)
			}
		case pos.Status.AwaitingEntry():
			if n := len(pos.ActiveOrders(types.RoleEntry)); n != 1 {
				add("entry_count", "position_id", pos.ID, "entries", n)
			}
		}
	}

	if len(e.unmatched) > 0 {
		add("unmatched_orders", "count", len(e.unmatched))
	}
	if r := e.residual(); r.Abs().GreaterThanOrEqual(e.tolerance) {
		add("quantity_mismatch", "residual", r, "account", e.account.Position.Quantity)
	}
	return kinds
}

// heal brings the tracked positions back in line with the exchange. It only
// ever explains, wraps or reduces what the exchange reports and never adds
// exposure.
func (e *Engine) heal(ctx context.Context, now time.Time) {
	e.recorder.RecordHeal()
	e.logger.Info("healing",
		"positions", len(e.open),
		"unmatched", len(e.unmatched),
		"account_quantity", e.account.Position.Quantity,
		"residual", e.residual(),
	)

	e.healUnmatched(ctx, now)
	e.healAwaiting(ctx, now)
	e.healOpen(ctx)
	e.healResidual(ctx, now)
}

func (e *Engine) healUnmatched(ctx context.Context, now time.Time) {
	for _, o := range e.unmatched {
		if pos, ok := e.open[o.PositionID]; ok && e.attach(pos, o) {
			continue
		}
		switch o.Role {
		case types.RoleEntry:
			if e.adoptEntry(o, now) {
				continue
			}
		case types.RoleStop:
			if e.adoptStop(o, now) {
				continue
			}
		}

		e.logger.Warn("cancelling unexplained order",
			"order_id", o.ID,
			"amount", o.Amount,
			"stop", o.StopPrice,
			"limit", o.LimitPrice,
		)
		if e.cancelOrder(ctx, o) == nil {
			e.recorder.RecordHealAction("cancel_unmatched")
		}
	}
	e.unmatched = nil
}

// attach connects an order to a position adopted earlier in the same pass
// when the position is missing exactly that order.
func (e *Engine) attach(pos *types.Position, o *types.Order) bool {
	switch {
	case o.Role == types.RoleEntry && pos.Status.AwaitingEntry() && len(pos.ActiveOrders(types.RoleEntry)) == 0:
	case o.Role == types.RoleStop && pos.Status == types.StatusOpen && len(pos.ActiveOrders(types.RoleStop)) == 0 &&
		o.Amount.Sign() != pos.CurrentOpenAmount.Sign():
	default:
		return false
	}
	pos.ConnectedOrders = append(pos.ConnectedOrders, o)
	return true
}

// adoptEntry wraps an untracked entry into a waiting position when the
// strategy owns its signal and can name a stop for it.
func (e *Engine) adoptEntry(o *types.Order, now time.Time) bool {
	signalID, _, err := ident.SplitPosID(o.PositionID)
	if err != nil || !e.strat.OwnsSignalID(signalID) {
		return false
	}
	stop, ok := e.strat.StopForUnmatchedAmount(o.Amount, e.bars)
	if !ok {
		return false
	}

	entry := o.StopPrice
	if entry.IsZero() {
		entry = o.LimitPrice
	}
	pos := types.NewPosition(o.PositionID, now, o.Amount, entry, stop)
	if o.StopTriggered {
		pos.SetStatus(types.StatusTriggered, now)
	}
	pos.ConnectedOrders = []*types.Order{o}
	e.open[pos.ID] = pos

	e.recorder.RecordHealAction("adopt_entry")
	e.logger.Info("adopted unmatched entry",
		"position_id", pos.ID,
		"order_id", o.ID,
		"amount", o.Amount,
		"entry", entry,
		"stop", stop,
	)
	return true
}

// adoptStop recreates an OPEN position around a stop whose size and side
// fit the unexplained exchange quantity.
func (e *Engine) adoptStop(o *types.Order, now time.Time) bool {
	remaining := e.residual()
	amount := o.Amount.Neg()
	if o.StopPrice.IsZero() || amount.Sign() != remaining.Sign() ||
		amount.Abs().GreaterThan(remaining.Abs().Add(e.tolerance)) {
		return false
	}

	avg := e.account.Position.AvgEntryPrice
	pos := types.NewPosition(o.PositionID, now, amount, avg, o.StopPrice)
	pos.ApplyEntryFill(amount, avg, now)
	pos.ConnectedOrders = []*types.Order{o}
	e.open[pos.ID] = pos

	e.recorder.RecordHealAction("adopt_stop")
	e.logger.Info("adopted unmatched stop as open position",
		"position_id", pos.ID,
		"order_id", o.ID,
		"amount", amount,
		"stop", o.StopPrice,
		"entry", avg,
	)
	return true
}

// healAwaiting resolves waiting positions whose entry is gone: promoted to
// OPEN when the exchange quantity says it filled, MISSED otherwise.
func (e *Engine) healAwaiting(ctx context.Context, now time.Time) {
	remaining := e.residual()
	for _, pos := range e.sortedOpen() {
		if !pos.Status.AwaitingEntry() {
			continue
		}

		entries := pos.ActiveOrders(types.RoleEntry)
		if len(entries) > 1 {
			for _, o := range entries[1:] {
				if e.cancelOrder(ctx, o) == nil {
					e.recorder.RecordHealAction("cancel_extra_entry")
				}
			}
			continue
		}
		if len(entries) == 1 {
			continue
		}

		if pos.Amount.Sign() == remaining.Sign() &&
			remaining.Abs().Add(e.tolerance).GreaterThanOrEqual(pos.Amount.Abs()) {
			pos.ApplyEntryFill(pos.Amount, pos.WantedEntry, now)
			remaining = remaining.Sub(pos.Amount)
			e.recorder.RecordTransition(string(types.StatusOpen))
			e.recorder.RecordHealAction("promote")
			e.logger.Warn("entry gone and quantity matches, assuming it filled",
				"position_id", pos.ID,
				"amount", pos.Amount,
				"entry", pos.WantedEntry,
			)
			e.requestSiblingCancel(pos)
			continue
		}

		e.recorder.RecordHealAction("missed")
		e.logger.Info("entry gone without fill", "position_id", pos.ID, "status", pos.Status)
		pos.SetStatus(types.StatusMissed, now)
		e.finalize(ctx, pos)
	}
}

// healOpen makes sure every OPEN position has exactly one stop sized to its
// open amount. Only the part of a position the exchange still holds is
// protected; the rest is left to healResidual.
func (e *Engine) healOpen(ctx context.Context) {
	covered := e.coverage()
	for _, pos := range e.sortedOpen() {
		if pos.Status != types.StatusOpen {
			continue
		}

		stops := pos.ActiveOrders(types.RoleStop)
		for _, o := range stops[min(len(stops), 1):] {
			e.logger.Warn("cancelling duplicate stop", "position_id", pos.ID, "order_id", o.ID)
			if e.cancelOrder(ctx, o) == nil {
				e.recorder.RecordHealAction("cancel_extra_stop")
			}
		}
		if len(stops) > 0 {
			e.resizeStop(ctx, pos, stops[0], covered[pos.ID])
			continue
		}
		if len(pos.ActiveOrders(types.RoleExit)) > 0 {
			continue
		}
		held := covered[pos.ID]
		if held.Abs().LessThan(e.tolerance) {
			e.logger.Warn("exchange does not hold position, leaving it to residual correction",
				"position_id", pos.ID,
				"amount", pos.CurrentOpenAmount,
				"account_quantity", e.account.Position.Quantity,
			)
			continue
		}
		e.protect(ctx, pos, held, true)
	}
}

// coverage assigns the exchange quantity to OPEN positions. A shortfall
// against the tracked total is charged to unprotected positions first.
func (e *Engine) coverage() map[string]decimal.Decimal {
	var bare, rest []*types.Position
	for _, pos := range e.sortedOpen() {
		if pos.Status != types.StatusOpen {
			continue
		}
		if len(pos.ActiveOrders(types.RoleStop)) == 0 && len(pos.ActiveOrders(types.RoleExit)) == 0 {
			bare = append(bare, pos)
		} else {
			rest = append(rest, pos)
		}
	}

	deficit := e.residual()
	out := make(map[string]decimal.Decimal, len(bare)+len(rest))
	for _, pos := range append(bare, rest...) {
		a := pos.CurrentOpenAmount
		out[pos.ID] = a
		if deficit.IsZero() || deficit.Sign() == a.Sign() {
			continue
		}
		take := decimal.Min(a.Abs(), deficit.Abs())
		if a.IsNegative() {
			take = take.Neg()
		}
		out[pos.ID] = a.Sub(take)
		deficit = deficit.Add(take)
	}
	return out
}

// resizeStop amends sl to cover the open amount of pos. A stop is not
// grown past the part of the position the exchange holds.
func (e *Engine) resizeStop(ctx context.Context, pos *types.Position, sl *types.Order, held decimal.Decimal) {
	want := pos.CurrentOpenAmount.Neg()
	if want.Abs().GreaterThan(sl.Amount.Abs()) && held.Abs().LessThan(want.Abs()) {
		want = held.Neg()
		if want.Abs().LessThanOrEqual(sl.Amount.Abs()) {
			return
		}
	}
	if sl.Amount.Sub(want).Abs().LessThan(e.tolerance) {
		return
	}

	upd := sl.Clone()
	if err := upd.SetAmount(want); err != nil {
		e.logger.Error("stop on the wrong side, replacing", "position_id", pos.ID, "order_id", sl.ID, "err", err)
		if e.cancelOrder(ctx, sl) == nil && !held.Abs().LessThan(e.tolerance) {
			e.protect(ctx, pos, held, true)
		}
		return
	}
	if e.updateOrder(ctx, upd) == nil {
		sl.Amount = want
		e.recorder.RecordHealAction("resize_stop")
	}
}

// protect places a stop for open, the held part of an OPEN position, or
// closes it at market when no stop is known or price already crossed it.
// Without an initial stop the strategy is asked for one first. healing marks
// a position that lost its stop rather than one that just filled.
func (e *Engine) protect(ctx context.Context, pos *types.Position, open decimal.Decimal, healing bool) {
	price := e.bars[0].Close

	stop := pos.InitialStop
	if stop.IsZero() {
		if s, ok := e.strat.StopForUnmatchedAmount(open, e.bars); ok {
			stop = s
		}
	}

	if !stopCrossed(open, stop, price) {
		o, err := e.factory.NewOrder(pos.ID, types.RoleStop, open.Neg(), stop, decimal.Zero)
		if err != nil {
			e.logger.Error("build stop", "position_id", pos.ID, "err", err)
			return
		}
		if e.sendOrder(ctx, o) != nil {
			return
		}
		pos.ConnectedOrders = append(pos.ConnectedOrders, o)
		if healing {
			e.recorder.RecordHealAction("reprotect")
			e.alert(ctx, alerting.EventPositionReprotected, "Unprotected position got a new stop",
				"position_id", pos.ID,
				"amount", open,
				"stop", o.StopPrice,
			)
		}
		return
	}

	o, err := e.factory.NewOrder(pos.ID, types.RoleExit, open.Neg(), decimal.Zero, decimal.Zero)
	if err != nil {
		e.logger.Error("build exit", "position_id", pos.ID, "err", err)
		return
	}
	e.logger.Error("stop unknown or already crossed, closing at market",
		"position_id", pos.ID,
		"amount", open,
		"stop", stop,
		"price", price,
	)
	if e.sendOrder(ctx, o) != nil {
		return
	}
	pos.ConnectedOrders = append(pos.ConnectedOrders, o)
	e.recorder.RecordHealAction("market_exit")
	e.alert(ctx, alerting.EventPositionReprotected, "Unprotected position closed at market",
		"position_id", pos.ID,
		"amount", open,
		"price", price,
	)
}

// healResidual corrects an exchange quantity no tracked position explains,
// once it persisted past the cool-off.
func (e *Engine) healResidual(ctx context.Context, now time.Time) {
	remaining := e.residual()
	if remaining.Abs().LessThan(e.tolerance) {
		e.residualTicks = 0
		return
	}

	e.residualTicks++
	if e.residualTicks <= e.cfg.CoolOffTicks {
		e.logger.Warn("quantity mismatch, cooling off",
			"residual", remaining,
			"ticks", e.residualTicks,
		)
		return
	}

	acct := e.account.Position.Quantity
	price := e.bars[0].Close
	reduces := acct.Sub(remaining).Abs().LessThan(acct.Abs())

	switch {
	case !reduces:
		e.closeTracked(ctx, remaining, price, now)
	default:
		stop, ok := e.strat.StopForUnmatchedAmount(remaining, e.bars)
		if ok && !stopCrossed(remaining, stop, price) {
			e.adoptResidual(ctx, remaining, stop, now)
		} else {
			e.flattenResidual(ctx, remaining, price, now)
		}
	}
	e.residualTicks = 0
}

// syntheticPosID names a position the engine creates for untracked
// exposure.
func (e *Engine) syntheticPosID(dir types.Direction, now time.Time) string {
	base := "u" + strconv.FormatInt(now.Unix(), 10)
	signal := base
	for n := 1; ; n++ {
		id, err := ident.FullPosID(signal, dir)
		if err != nil {
			return base + "-" + dir.String()
		}
		if _, taken := e.open[id]; !taken {
			return id
		}
		signal = base + "x" + strconv.Itoa(n)
	}
}

func (e *Engine) adoptResidual(ctx context.Context, remaining, stop decimal.Decimal, now time.Time) {
	id := e.syntheticPosID(types.DirectionOf(remaining), now)
	avg := e.account.Position.AvgEntryPrice
	pos := types.NewPosition(id, now, remaining, avg, stop)
	pos.ApplyEntryFill(remaining, avg, now)
	e.open[id] = pos

	e.logger.Warn("adopting untracked quantity", "position_id", id, "amount", remaining, "stop", stop)
	e.recorder.RecordHealAction("adopt_residual")
	e.protect(ctx, pos, pos.CurrentOpenAmount, false)
	e.alert(ctx, alerting.EventResidualCorrected, "Untracked quantity adopted with a stop",
		"position_id", id,
		"amount", remaining,
		"stop", stop,
	)
}

func (e *Engine) flattenResidual(ctx context.Context, remaining, price decimal.Decimal, now time.Time) {
	id := e.syntheticPosID(types.DirectionOf(remaining), now)
	pos := types.NewPosition(id, now, remaining, price, decimal.Zero)
	pos.ApplyEntryFill(remaining, e.account.Position.AvgEntryPrice, now)

	o, err := e.factory.NewOrder(id, types.RoleExit, remaining.Neg(), decimal.Zero, decimal.Zero)
	if err != nil {
		e.logger.Error("build flatten order", "amount", remaining, "err", err)
		return
	}
	e.logger.Warn("flattening untracked quantity", "position_id", id, "amount", remaining, "price", price)
	if e.sendOrder(ctx, o) != nil {
		return
	}
	pos.ConnectedOrders = []*types.Order{o}
	e.open[id] = pos

	e.recorder.RecordHealAction("flatten_residual")
	e.alert(ctx, alerting.EventResidualCorrected, "Untracked quantity flattened at market",
		"position_id", id,
		"amount", remaining,
	)
}

// closeTracked marks OPEN positions the exchange no longer holds as
// CLOSED: an exact size match first, then smallest first while that nets
// the residual toward zero.
func (e *Engine) closeTracked(ctx context.Context, remaining, price decimal.Decimal, now time.Time) {
	var candidates []*types.Position
	for _, pos := range e.sortedOpen() {
		if pos.Status == types.StatusOpen && pos.CurrentOpenAmount.Sign() == -remaining.Sign() {
			candidates = append(candidates, pos)
		}
	}

	for _, pos := range candidates {
		if pos.CurrentOpenAmount.Add(remaining).Abs().LessThan(e.tolerance) {
			e.closePhantom(ctx, pos, price, now)
			return
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].CurrentOpenAmount.Abs().LessThan(candidates[j].CurrentOpenAmount.Abs())
	})
	for _, pos := range candidates {
		next := remaining.Add(pos.CurrentOpenAmount)
		if next.Abs().GreaterThanOrEqual(remaining.Abs()) {
			continue
		}
		e.closePhantom(ctx, pos, price, now)
		remaining = next
		if remaining.Abs().LessThan(e.tolerance) {
			return
		}
	}
}

func (e *Engine) closePhantom(ctx context.Context, pos *types.Position, price decimal.Decimal, now time.Time) {
	e.logger.Warn("position not held by exchange, closing",
		"position_id", pos.ID,
		"amount", pos.CurrentOpenAmount,
		"price", price,
	)
	amount := pos.CurrentOpenAmount
	if pos.FilledExit.IsZero() {
		pos.FilledExit = price
	}
	pos.Close(now)
	e.recorder.RecordHealAction("close_tracked")
	e.finalize(ctx, pos)
	e.alert(ctx, alerting.EventResidualCorrected, "Tracked position missing at exchange, closed",
		"position_id", pos.ID,
		"amount", amount,
	)
}
