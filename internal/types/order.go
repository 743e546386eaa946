package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Order is an order as the bot and the exchange see it. A zero StopPrice or
// LimitPrice means the order has none; an order with neither is a market
// order.
type Order struct {
	ID             string          `json:"id"`
	StopPrice      decimal.Decimal `json:"stopPrice"`
	LimitPrice     decimal.Decimal `json:"limitPrice"`
	Amount         decimal.Decimal `json:"amount"`
	ExecutedAmount decimal.Decimal `json:"executedAmount"`
	ExecutedPrice  decimal.Decimal `json:"executedPrice"`
	Active         bool            `json:"active"`
	StopTriggered  bool            `json:"stopTriggered"`
	PlacedAt       time.Time       `json:"placedAt"`
	ExecutedAt     time.Time       `json:"executedAt"`
	ExchangeID     string          `json:"exchangeId,omitempty"`

	// Decoded from ID when the order enters the engine.
	PositionID string    `json:"-"`
	Role       OrderRole `json:"-"`
}

// NewOrder creates an active order. Zero amounts are rejected.
func NewOrder(id string, amount, stop, limit decimal.Decimal) (*Order, error) {
	if amount.IsZero() {
		return nil, &Error{Kind: KindContract, Op: "new order " + id, Err: ErrZeroAmount}
	}
	return &Order{
		ID:         id,
		Amount:     amount,
		StopPrice:  stop,
		LimitPrice: limit,
		Active:     true,
	}, nil
}

// IsMarket reports whether the order has neither stop nor limit.
func (o *Order) IsMarket() bool {
	return o.StopPrice.IsZero() && o.LimitPrice.IsZero()
}

// Direction returns the trade direction of the order.
func (o *Order) Direction() Direction {
	return DirectionOf(o.Amount)
}

// Remaining returns the not yet executed part of the amount.
func (o *Order) Remaining() decimal.Decimal {
	return o.Amount.Sub(o.ExecutedAmount)
}

// SetAmount changes the amount in place. The sign of an order never flips;
// callers cancel and recreate instead.
func (o *Order) SetAmount(amount decimal.Decimal) error {
	if amount.IsZero() {
		return &Error{Kind: KindContract, Op: "set amount " + o.ID, Err: ErrZeroAmount}
	}
	if amount.Sign() != o.Amount.Sign() {
		return &Error{Kind: KindContract, Op: "set amount " + o.ID, Err: ErrAmountSignFlip}
	}
	o.Amount = amount
	return nil
}

// TriggerPrice returns the price that decides when the order acts: the
// stop until it triggers, the limit after.
func (o *Order) TriggerPrice() decimal.Decimal {
	if !o.StopPrice.IsZero() && !o.StopTriggered {
		return o.StopPrice
	}
	return o.LimitPrice
}

// Clone returns a copy of the order.
func (o *Order) Clone() *Order {
	c := *o
	return &c
}

func (o *Order) String() string {
	return fmt.Sprintf("%s amount=%s stop=%s limit=%s active=%t", o.ID, o.Amount, o.StopPrice, o.LimitPrice, o.Active)
}
