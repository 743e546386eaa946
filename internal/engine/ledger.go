package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/reconbot/internal/ident"
	"github.com/tathienbao/reconbot/internal/types"
)

// applyExecutions books the fills received since the last tick and returns
// the positions whose entry got (more) filled.
func (e *Engine) applyExecutions(ctx context.Context, now time.Time) ([]*types.Position, error) {
	var execs []types.Execution
	if e.ex.HandlesExecutions() {
		e.execMu.Lock()
		execs = e.pending
		e.pending = nil
		e.execMu.Unlock()
	} else {
		hist, err := e.ex.OrderHistory(ctx)
		if err != nil {
			return nil, fmt.Errorf("fetch order history: %w", err)
		}
		execs = e.diffHistory(hist)
	}

	var filled []*types.Position
	for _, x := range execs {
		if pos := e.applyExecution(ctx, x, now); pos != nil {
			filled = append(filled, pos)
		}
	}
	return filled, nil
}

func (e *Engine) applyExecution(ctx context.Context, x types.Execution, now time.Time) *types.Position {
	posID, role, err := ident.Decode(x.OrderID)
	if err != nil {
		e.logger.Warn("execution for foreign order", "order_id", x.OrderID, "amount", x.Amount, "err", err)
		return nil
	}
	pos, ok := e.open[posID]
	if !ok {
		e.logger.Warn("execution for untracked position",
			"order_id", x.OrderID,
			"position_id", posID,
			"amount", x.Amount,
			"price", x.Price,
		)
		return nil
	}

	at := x.Timestamp
	if at.IsZero() {
		at = now
	}

	if role == types.RoleEntry {
		// An entry assumed filled while offline is already booked in full.
		if pos.Status == types.StatusOpen &&
			pos.CurrentOpenAmount.Add(x.Amount).Abs().GreaterThan(pos.Amount.Abs().Add(e.tolerance)) {
			e.logger.Warn("entry fill exceeds position amount, keeping booked amount",
				"position_id", pos.ID,
				"order_id", x.OrderID,
				"amount", x.Amount,
				"price", x.Price,
			)
			pos.FilledEntry = x.Price
			return nil
		}

		awaiting := pos.Status.AwaitingEntry()
		pos.ApplyEntryFill(x.Amount, x.Price, at)
		e.logger.Info("entry filled",
			"position_id", pos.ID,
			"order_id", x.OrderID,
			"amount", x.Amount,
			"price", x.Price,
			"open_amount", pos.CurrentOpenAmount,
			"filled_entry", pos.FilledEntry,
		)
		if awaiting {
			e.recorder.RecordTransition(string(types.StatusOpen))
			e.requestSiblingCancel(pos)
		}
		return pos
	}

	if pos.Status != types.StatusOpen {
		e.logger.Warn("exit fill for position that is not open",
			"position_id", pos.ID,
			"status", pos.Status,
			"order_id", x.OrderID,
			"amount", x.Amount,
		)
		return nil
	}

	closed := pos.ApplyExitFill(x.Amount, x.Price, at, e.tolerance)
	e.logger.Info("exit filled",
		"position_id", pos.ID,
		"order_id", x.OrderID,
		"role", role,
		"amount", x.Amount,
		"price", x.Price,
		"open_amount", pos.CurrentOpenAmount,
		"filled_exit", pos.FilledExit,
	)
	if closed {
		e.finalize(ctx, pos)
	}
	return nil
}

// requestSiblingCancel marks the opposite-direction candidate of a filled
// position. Its entry is cancelled on the next pass.
func (e *Engine) requestSiblingCancel(pos *types.Position) {
	otherID, err := ident.OtherDirectionID(pos.ID)
	if err != nil {
		return
	}
	sib, ok := e.open[otherID]
	if !ok || !sib.Status.AwaitingEntry() {
		return
	}
	sib.CancelRequested = true
	e.logger.Info("sibling marked for cancel", "position_id", sib.ID, "filled", pos.ID)
}

func (e *Engine) cancelRequested() []string {
	var ids []string
	for id, pos := range e.open {
		if pos.CancelRequested {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// cancelSiblings cancels the entries of positions marked on an earlier pass.
func (e *Engine) cancelSiblings(ctx context.Context, ids []string, now time.Time) {
	for _, id := range ids {
		pos, ok := e.open[id]
		if !ok {
			continue
		}
		if !pos.Status.AwaitingEntry() {
			// Filled as well before the cancel went out.
			pos.CancelRequested = false
			continue
		}
		if !e.cancelAll(ctx, pos.ActiveOrders(types.RoleEntry)) {
			continue
		}
		pos.SetStatus(types.StatusCancelled, now)
		e.finalize(ctx, pos)
	}
}

// protectFilled attaches or resizes the stop of positions whose entry just
// filled.
func (e *Engine) protectFilled(ctx context.Context, filled []*types.Position) {
	seen := make(map[string]bool, len(filled))
	for _, pos := range filled {
		if seen[pos.ID] || pos.Status != types.StatusOpen {
			continue
		}
		seen[pos.ID] = true

		if stops := pos.ActiveOrders(types.RoleStop); len(stops) > 0 {
			e.resizeStop(ctx, pos, stops[0], pos.CurrentOpenAmount)
			continue
		}
		e.protect(ctx, pos, pos.CurrentOpenAmount, false)
	}
}

func (e *Engine) markTriggered(now time.Time) {
	for _, pos := range e.sortedOpen() {
		if pos.Status != types.StatusPending {
			continue
		}
		for _, o := range pos.ActiveOrders(types.RoleEntry) {
			if o.StopTriggered {
				pos.SetStatus(types.StatusTriggered, now)
				e.recorder.RecordTransition(string(types.StatusTriggered))
				e.logger.Info("entry triggered", "position_id", pos.ID, "order_id", o.ID)
				break
			}
		}
	}
}

// ageAwaiting counts a new bar for every position and moves entries that
// waited too long to MISSED.
func (e *Engine) ageAwaiting(ctx context.Context, now time.Time) {
	for _, pos := range e.sortedOpen() {
		pos.BarsInStatus++

		var limit int
		switch pos.Status {
		case types.StatusPending:
			limit = e.cfg.MaxBarsPending
		case types.StatusTriggered:
			limit = e.cfg.MaxBarsTriggered
		default:
			continue
		}
		if limit <= 0 || pos.BarsInStatus < limit {
			continue
		}

		if !e.cancelAll(ctx, pos.ActiveOrders(types.RoleEntry)) {
			continue
		}
		e.logger.Info("entry timed out",
			"position_id", pos.ID,
			"status", pos.Status,
			"bars", pos.BarsInStatus,
		)
		pos.SetStatus(types.StatusMissed, now)
		e.finalize(ctx, pos)
	}
}

// finalize moves a position that reached a terminal status into the
// history log and cancels whatever orders it still has.
func (e *Engine) finalize(ctx context.Context, pos *types.Position) {
	for _, o := range pos.ConnectedOrders {
		if o.Active {
			_ = e.cancelOrder(ctx, o)
		}
	}
	delete(e.open, pos.ID)
	pos.CancelRequested = false

	rec := pos.Record(e.account.Equity)
	e.closed = append(e.closed, rec)
	e.recorder.RecordTransition(string(pos.Status))

	e.logger.Info("position finalized",
		"position_id", pos.ID,
		"status", pos.Status,
		"size", rec.Size,
		"open_price", rec.OpenPrice,
		"close_price", rec.ClosePrice,
	)

	if e.history == nil {
		return
	}
	if err := e.history.AppendPosition(ctx, e.cfg.BotID, rec); err != nil {
		e.logger.Error("append position history", "position_id", pos.ID, "err", err)
		e.recorder.RecordError("history")
	}
}

// diffHistory synthesizes executions from the order history for exchanges
// that do not push fills. Orders before the watermark are terminal and fully
// accounted for.
func (e *Engine) diffHistory(hist []*types.Order) []types.Execution {
	if e.watermark > len(hist) {
		e.logger.Warn("order history shorter than watermark", "watermark", e.watermark, "history", len(hist))
		e.watermark = len(hist)
	}

	if !e.baselined {
		e.baselined = true
		if !e.restored {
			// Fills from before this process started belong to nobody we track.
			for _, o := range hist[e.watermark:] {
				e.executedSeen[o.ID] = o.ExecutedAmount
			}
			e.advanceWatermark(hist)
			return nil
		}
	}
	if !e.degradedWarned {
		e.degradedWarned = true
		e.logger.Warn("exchange does not push executions, diffing order history")
	}

	var execs []types.Execution
	for _, o := range hist[e.watermark:] {
		delta := o.ExecutedAmount.Sub(e.executedSeen[o.ID])
		if delta.IsZero() {
			continue
		}
		if delta.Sign() != o.Amount.Sign() {
			e.logger.Warn("executed amount went backwards", "order_id", o.ID, "delta", delta)
			continue
		}
		e.executedSeen[o.ID] = o.ExecutedAmount
		execs = append(execs, types.Execution{
			OrderID:    o.ID,
			ExchangeID: o.ExchangeID,
			Amount:     delta,
			Price:      o.ExecutedPrice,
			Timestamp:  o.ExecutedAt,
		})
	}
	e.advanceWatermark(hist)

	if len(execs) > 0 {
		e.recorder.RecordDegradedExecutions(len(execs))
		e.logger.Warn("synthesized executions from order history", "count", len(execs))
	}
	return execs
}

func (e *Engine) advanceWatermark(hist []*types.Order) {
	for e.watermark < len(hist) && !hist[e.watermark].Active {
		delete(e.executedSeen, hist[e.watermark].ID)
		e.watermark++
	}
}

// cancelAll cancels orders and reports whether every cancel succeeded.
func (e *Engine) cancelAll(ctx context.Context, orders []*types.Order) bool {
	ok := true
	for _, o := range orders {
		if err := e.cancelOrder(ctx, o); err != nil {
			ok = false
		}
	}
	return ok
}

// stopCrossed reports whether price already traded through a stop that
// protects an amount on the given side.
func stopCrossed(amount, stop, price decimal.Decimal) bool {
	if stop.IsZero() {
		return true
	}
	if amount.IsPositive() {
		return price.LessThanOrEqual(stop)
	}
	return price.GreaterThanOrEqual(stop)
}
