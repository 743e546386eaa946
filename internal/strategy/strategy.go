// Package strategy defines the contract between the reconciliation engine
// and trading strategies.
//
// Strategies never talk to the exchange. They look at bars, the account and
// the tracked positions and request order actions through an Actions
// collector; the engine validates and executes them.
package strategy

import (
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/reconbot/internal/ident"
	"github.com/tathienbao/reconbot/internal/types"
)

// Strategy decides which positions to open and how to manage them. Bars are
// newest first and bars[0] is the forming bar.
type Strategy interface {
	Name() string
	Init(sym types.Symbol, logger *slog.Logger) error

	// PrepBars computes indicators into bar caches. isNewBar is true on the
	// first tick of a new bar.
	PrepBars(isNewBar bool, bars []*types.Bar)

	// OpenOrders may open new positions through acts.Open.
	OpenOrders(bars []*types.Bar, account types.Account, open map[string]*types.Position, acts *Actions)

	// ManageOpenOrder is called for each active order matched to a position.
	ManageOpenOrder(o *types.Order, pos *types.Position, bars []*types.Bar, acts *Actions, open map[string]*types.Position)

	// ManageOpenPosition is called for each OPEN position.
	ManageOpenPosition(pos *types.Position, bars []*types.Bar, account types.Account, acts *Actions)

	// GotDataForPositionSync reports whether the bars are enough to compute
	// stops for healing.
	GotDataForPositionSync(bars []*types.Bar) bool

	// StopForUnmatchedAmount returns the stop to protect an untracked
	// amount with, or false when the strategy does not want to adopt it.
	StopForUnmatchedAmount(amount decimal.Decimal, bars []*types.Bar) (decimal.Decimal, bool)

	// OwnsSignalID reports whether the signal id was generated by this
	// strategy.
	OwnsSignalID(id string) bool
}

// Opened is a position a strategy wants to track together with its entry.
type Opened struct {
	Position *types.Position
	Entry    *types.Order
}

// Actions collects order actions requested during one engine pass.
type Actions struct {
	codec *ident.Codec
	sym   types.Symbol

	ToSend   []*types.Order
	ToUpdate []*types.Order
	ToCancel []*types.Order
	Opened   []Opened
}

// NewActions creates an empty collector.
func NewActions(codec *ident.Codec, sym types.Symbol) *Actions {
	return &Actions{codec: codec, sym: sym}
}

// Symbol returns the traded symbol.
func (a *Actions) Symbol() types.Symbol {
	return a.sym
}

// NewOrder builds an order for role on position posID. The amount is
// rounded onto the lot grid and prices onto the tick grid, away from the
// market for stops and toward it for limits. A zero stop and limit make a
// market order.
func (a *Actions) NewOrder(posID string, role types.OrderRole, amount, stop, limit decimal.Decimal) (*types.Order, error) {
	id, err := a.codec.Encode(posID, role)
	if err != nil {
		return nil, err
	}

	amount = a.sym.NormalizeAmount(amount)
	buy := amount.IsPositive()
	if !stop.IsZero() {
		stop = a.sym.NormalizePrice(stop, buy)
	}
	if !limit.IsZero() {
		limit = a.sym.NormalizePrice(limit, !buy)
	}

	o, err := types.NewOrder(id, amount, stop, limit)
	if err != nil {
		return nil, err
	}
	o.PositionID = posID
	o.Role = role
	return o, nil
}

// Open registers a new position and queues its entry order.
func (a *Actions) Open(pos *types.Position, entry *types.Order) error {
	if entry.PositionID != pos.ID || entry.Role != types.RoleEntry {
		return fmt.Errorf("open %s: %w: entry %s", pos.ID, types.ErrInvalidOrder, entry.ID)
	}
	a.Opened = append(a.Opened, Opened{Position: pos, Entry: entry})
	return nil
}

// Send queues a new order.
func (a *Actions) Send(o *types.Order) {
	a.ToSend = append(a.ToSend, o)
}

// Update queues an amendment of an existing order. o must be a modified
// copy of the live order.
func (a *Actions) Update(o *types.Order) {
	a.ToUpdate = append(a.ToUpdate, o)
}

// Cancel queues a cancellation.
func (a *Actions) Cancel(o *types.Order) {
	a.ToCancel = append(a.ToCancel, o)
}

// Empty reports whether nothing was requested.
func (a *Actions) Empty() bool {
	return len(a.ToSend) == 0 && len(a.ToUpdate) == 0 && len(a.ToCancel) == 0 && len(a.Opened) == 0
}
