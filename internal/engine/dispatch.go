package engine

import (
	"context"
	"fmt"

	"github.com/tathienbao/reconbot/internal/ident"
	"github.com/tathienbao/reconbot/internal/metrics"
	"github.com/tathienbao/reconbot/internal/strategy"
	"github.com/tathienbao/reconbot/internal/types"
)

// dispatch hands control to the strategy and executes what it asked for:
// cancels first, then amendments, then new positions and orders.
func (e *Engine) dispatch(ctx context.Context) {
	acts := strategy.NewActions(e.codec, e.sym)
	positions := e.sortedOpen()

	for _, pos := range positions {
		for _, o := range pos.ConnectedOrders {
			if o.Active {
				e.strat.ManageOpenOrder(o, pos, e.bars, acts, e.open)
			}
		}
	}
	for _, pos := range positions {
		if pos.Status == types.StatusOpen {
			e.strat.ManageOpenPosition(pos, e.bars, e.account, acts)
		}
	}
	e.strat.OpenOrders(e.bars, e.account, e.open, acts)

	if acts.Empty() {
		return
	}
	e.executeCancels(ctx, acts.ToCancel)
	e.executeUpdates(ctx, acts.ToUpdate)
	e.executeOpened(ctx, acts.Opened)
	e.executeSends(ctx, acts.ToSend)
}

// lookup finds a live order connected to a tracked position.
func (e *Engine) lookup(id string) (*types.Order, *types.Position) {
	posID, _, err := ident.Decode(id)
	if err != nil {
		return nil, nil
	}
	pos, ok := e.open[posID]
	if !ok {
		return nil, nil
	}
	for _, o := range pos.ConnectedOrders {
		if o.ID == id && o.Active {
			return o, pos
		}
	}
	return nil, pos
}

func (e *Engine) violation(reason string, orderID string, err error) {
	e.recorder.RecordContractViolation(reason)
	e.logger.Error("strategy action dropped",
		"reason", reason,
		"order_id", orderID,
		"err", err,
	)
}

func (e *Engine) executeCancels(ctx context.Context, orders []*types.Order) {
	for _, req := range orders {
		live, pos := e.lookup(req.ID)
		if live == nil {
			e.violation("unknown_order", req.ID, types.ErrOrderNotFound)
			continue
		}
		if e.cancelOrder(ctx, live) != nil {
			continue
		}
		if live.Role == types.RoleEntry && pos.Status.AwaitingEntry() &&
			len(pos.ActiveOrders(types.RoleEntry)) == 0 {
			pos.SetStatus(types.StatusCancelled, e.now())
			e.finalize(ctx, pos)
		}
	}
}

func (e *Engine) executeUpdates(ctx context.Context, orders []*types.Order) {
	for _, req := range orders {
		live, _ := e.lookup(req.ID)
		switch {
		case live == nil:
			e.violation("unknown_order", req.ID, types.ErrOrderNotFound)
			continue
		case req.Amount.IsZero():
			e.violation("zero_amount", req.ID, types.ErrZeroAmount)
			continue
		case req.Amount.Sign() != live.Amount.Sign():
			e.violation("sign_flip", req.ID, types.ErrAmountSignFlip)
			continue
		}

		req.StopPrice = e.sym.NormalizePrice(req.StopPrice, req.Amount.IsPositive())
		req.LimitPrice = e.sym.NormalizePrice(req.LimitPrice, !req.Amount.IsPositive())
		req.Amount = e.sym.NormalizeAmount(req.Amount)
		if req.Amount.IsZero() {
			e.violation("zero_amount", req.ID, types.ErrZeroAmount)
			continue
		}
		if e.updateOrder(ctx, req) != nil {
			continue
		}
		live.Amount = req.Amount
		live.StopPrice = req.StopPrice
		live.LimitPrice = req.LimitPrice
	}
}

func (e *Engine) executeOpened(ctx context.Context, opened []strategy.Opened) {
	for _, op := range opened {
		pos, entry := op.Position, op.Entry
		if e.risk != nil && e.risk.IsInSafeMode() {
			e.logger.Info("entry blocked by safe mode", "position_id", pos.ID)
			continue
		}
		if _, exists := e.open[pos.ID]; exists {
			e.violation("duplicate_position", entry.ID, types.ErrDuplicateOrder)
			continue
		}
		if entry.Amount.Sign() != pos.Amount.Sign() {
			e.violation("entry_side", entry.ID, types.ErrInvalidOrder)
			continue
		}
		if e.sendOrder(ctx, entry) != nil {
			continue
		}

		pos.ConnectedOrders = []*types.Order{entry}
		e.open[pos.ID] = pos
		e.recorder.RecordTransition(string(types.StatusPending))
		e.logger.Info("position opened",
			"position_id", pos.ID,
			"amount", pos.Amount,
			"entry", pos.WantedEntry,
			"stop", pos.InitialStop,
		)
	}
}

func (e *Engine) executeSends(ctx context.Context, orders []*types.Order) {
	for _, o := range orders {
		posID, role, err := ident.Decode(o.ID)
		if err != nil {
			e.violation("malformed_id", o.ID, err)
			continue
		}
		pos, ok := e.open[posID]
		if !ok {
			e.violation("unknown_position", o.ID, types.ErrInvalidOrder)
			continue
		}
		o.PositionID, o.Role = posID, role

		if o.Amount.IsZero() {
			e.violation("zero_amount", o.ID, types.ErrZeroAmount)
			continue
		}
		if reason, err := checkSend(pos, o); err != nil {
			e.violation(reason, o.ID, err)
			continue
		}
		if e.sendOrder(ctx, o) != nil {
			continue
		}
		pos.ConnectedOrders = append(pos.ConnectedOrders, o)
	}
}

// checkSend enforces the order contract for a strategy-initiated order on
// pos.
func checkSend(pos *types.Position, o *types.Order) (string, error) {
	switch o.Role {
	case types.RoleEntry:
		if len(pos.ActiveOrders(types.RoleEntry)) > 0 || !pos.Status.AwaitingEntry() {
			return "duplicate_entry", types.ErrDuplicateOrder
		}
		if o.Amount.Sign() != pos.Amount.Sign() {
			return "entry_side", types.ErrInvalidOrder
		}
	case types.RoleStop:
		if pos.Status != types.StatusOpen {
			return "stop_before_fill", types.ErrInvalidOrder
		}
		if len(pos.ActiveOrders(types.RoleStop)) > 0 {
			return "duplicate_stop", types.ErrDuplicateStop
		}
		if o.Amount.Sign() == pos.CurrentOpenAmount.Sign() {
			return "stop_side", types.ErrInvalidOrder
		}
	case types.RoleTake, types.RoleExit:
		if pos.Status != types.StatusOpen || o.Amount.Sign() == pos.CurrentOpenAmount.Sign() {
			return "exit_side", types.ErrInvalidOrder
		}
		if o.Amount.Abs().GreaterThan(pos.CurrentOpenAmount.Abs()) {
			return "exit_size", fmt.Errorf("%w: exit larger than open amount", types.ErrInvalidOrder)
		}
	}
	return "", nil
}

func (e *Engine) sendOrder(ctx context.Context, o *types.Order) error {
	timer := metrics.NewTimer()
	err := e.ex.SendOrder(ctx, o)
	e.recorder.RecordOrderAction("send", err, timer.Elapsed())
	if err != nil {
		e.logger.Error("send order failed",
			"order_id", o.ID,
			"amount", o.Amount,
			"stop", o.StopPrice,
			"limit", o.LimitPrice,
			"err", err,
		)
		return err
	}
	o.Active = true
	e.logger.Info("order sent",
		"order_id", o.ID,
		"amount", o.Amount,
		"stop", o.StopPrice,
		"limit", o.LimitPrice,
	)
	return nil
}

func (e *Engine) updateOrder(ctx context.Context, o *types.Order) error {
	timer := metrics.NewTimer()
	err := e.ex.UpdateOrder(ctx, o)
	e.recorder.RecordOrderAction("update", err, timer.Elapsed())
	if err != nil {
		e.logger.Error("update order failed",
			"order_id", o.ID,
			"amount", o.Amount,
			"stop", o.StopPrice,
			"limit", o.LimitPrice,
			"err", err,
		)
		return err
	}
	e.logger.Info("order updated",
		"order_id", o.ID,
		"amount", o.Amount,
		"stop", o.StopPrice,
		"limit", o.LimitPrice,
	)
	return nil
}

func (e *Engine) cancelOrder(ctx context.Context, o *types.Order) error {
	timer := metrics.NewTimer()
	err := e.ex.CancelOrder(ctx, o)
	e.recorder.RecordOrderAction("cancel", err, timer.Elapsed())
	if err != nil {
		e.logger.Error("cancel order failed", "order_id", o.ID, "err", err)
		return err
	}
	o.Active = false
	e.logger.Info("order cancelled", "order_id", o.ID, "amount", o.Amount)
	return nil
}
