// Package types defines shared types used across the trading system.
package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction is the side a position is held on.
type Direction int

const (
	DirectionLong Direction = iota + 1
	DirectionShort
)

func (d Direction) String() string {
	switch d {
	case DirectionLong:
		return "LONG"
	case DirectionShort:
		return "SHORT"
	default:
		return "UNKNOWN"
	}
}

// Opposite returns the opposite direction.
func (d Direction) Opposite() Direction {
	switch d {
	case DirectionLong:
		return DirectionShort
	case DirectionShort:
		return DirectionLong
	default:
		return d
	}
}

// Sign returns +1 for long and -1 for short.
func (d Direction) Sign() decimal.Decimal {
	if d == DirectionShort {
		return decimal.NewFromInt(-1)
	}
	return decimal.NewFromInt(1)
}

// DirectionOf returns the direction implied by the sign of a signed amount.
func DirectionOf(amount decimal.Decimal) Direction {
	if amount.IsNegative() {
		return DirectionShort
	}
	return DirectionLong
}

// ParseDirection parses "LONG" or "SHORT".
func ParseDirection(s string) (Direction, bool) {
	switch s {
	case "LONG":
		return DirectionLong, true
	case "SHORT":
		return DirectionShort, true
	default:
		return 0, false
	}
}

// OrderRole is the job an order does for its position.
type OrderRole string

const (
	RoleEntry OrderRole = "ENTRY"
	RoleStop  OrderRole = "SL"
	RoleTake  OrderRole = "TP"
	RoleExit  OrderRole = "EXIT"
)

// Valid reports whether r is a known role.
func (r OrderRole) Valid() bool {
	switch r {
	case RoleEntry, RoleStop, RoleTake, RoleExit:
		return true
	default:
		return false
	}
}

// Symbol describes the traded instrument.
type Symbol struct {
	Name              string          `json:"name" yaml:"name"`
	TickSize          decimal.Decimal `json:"tickSize" yaml:"tick_size"`
	LotSize           decimal.Decimal `json:"lotSize" yaml:"lot_size"`
	MakerFee          decimal.Decimal `json:"makerFee" yaml:"maker_fee"`
	TakerFee          decimal.Decimal `json:"takerFee" yaml:"taker_fee"`
	Inverse           bool            `json:"inverse" yaml:"inverse"`
	PricePrecision    int32           `json:"pricePrecision" yaml:"price_precision"`
	QuantityPrecision int32           `json:"quantityPrecision" yaml:"quantity_precision"`
}

// NormalizePrice rounds a price to the tick grid. roundUp selects the
// direction for prices that fall between two ticks.
func (s Symbol) NormalizePrice(price decimal.Decimal, roundUp bool) decimal.Decimal {
	if s.TickSize.IsZero() {
		return price.Round(s.PricePrecision)
	}
	ticks := price.Div(s.TickSize)
	if roundUp {
		ticks = ticks.Ceil()
	} else {
		ticks = ticks.Floor()
	}
	return ticks.Mul(s.TickSize).Round(s.PricePrecision)
}

// NormalizeAmount rounds an amount toward zero onto the lot grid.
func (s Symbol) NormalizeAmount(amount decimal.Decimal) decimal.Decimal {
	if s.LotSize.IsZero() {
		return amount.Truncate(s.QuantityPrecision)
	}
	lots := amount.Div(s.LotSize).Truncate(0)
	return lots.Mul(s.LotSize).Round(s.QuantityPrecision)
}

// Tolerance returns the quantity below which two amounts count as equal.
func (s Symbol) Tolerance(lotFraction decimal.Decimal) decimal.Decimal {
	return s.LotSize.Mul(lotFraction)
}

// Bar is an OHLCV candle. Subbars are finer candles, newest first.
type Bar struct {
	Timestamp time.Time       `json:"timestamp"`
	Open      decimal.Decimal `json:"open"`
	High      decimal.Decimal `json:"high"`
	Low       decimal.Decimal `json:"low"`
	Close     decimal.Decimal `json:"close"`
	Volume    decimal.Decimal `json:"volume"`
	Subbars   []*Bar          `json:"subbars,omitempty"`

	// Cache holds strategy scratch data attached to the bar.
	Cache map[string]any `json:"-"`
}

// SetCache stores strategy scratch data on the bar.
func (b *Bar) SetCache(key string, v any) {
	if b.Cache == nil {
		b.Cache = make(map[string]any)
	}
	b.Cache[key] = v
}

// CacheDecimal reads a decimal cache entry. Entries restored from a snapshot
// come back as strings or floats and are converted.
func (b *Bar) CacheDecimal(key string) (decimal.Decimal, bool) {
	switch v := b.Cache[key].(type) {
	case decimal.Decimal:
		return v, true
	case string:
		d, err := decimal.NewFromString(v)
		return d, err == nil
	case float64:
		return decimal.NewFromFloat(v), true
	default:
		return decimal.Zero, false
	}
}

// AccountPosition is the net position reported by the exchange.
type AccountPosition struct {
	Quantity      decimal.Decimal `json:"quantity"`
	AvgEntryPrice decimal.Decimal `json:"avgEntryPrice"`
}

// Account is the exchange-reported account state.
type Account struct {
	WalletBalance decimal.Decimal `json:"walletBalance"`
	Equity        decimal.Decimal `json:"equity"`
	Position      AccountPosition `json:"position"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Execution is a fill of (part of) an order.
type Execution struct {
	OrderID    string          `json:"orderId"`
	ExchangeID string          `json:"exchangeId,omitempty"`
	Amount     decimal.Decimal `json:"amount"`
	Price      decimal.Decimal `json:"price"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Trade is a public trade print pushed by an exchange stream.
type Trade struct {
	Timestamp time.Time       `json:"timestamp"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
}

// PositionRecord is one row of the append-only position history log.
type PositionRecord struct {
	PositionID      string          `json:"positionId"`
	Status          PositionStatus  `json:"status"`
	SignalTimestamp time.Time       `json:"signalTimestamp"`
	Size            decimal.Decimal `json:"size"`
	WantedEntry     decimal.Decimal `json:"wantedEntry"`
	InitialStop     decimal.Decimal `json:"initialStop"`
	OpenTime        time.Time       `json:"openTime"`
	OpenPrice       decimal.Decimal `json:"openPrice"`
	CloseTime       time.Time       `json:"closeTime"`
	ClosePrice      decimal.Decimal `json:"closePrice"`
	EquityOnExit    decimal.Decimal `json:"equityOnExit"`
}

// GrossPL returns the price P&L of the record, linear or inverse.
func (r PositionRecord) GrossPL(inverse bool) decimal.Decimal {
	if r.OpenPrice.IsZero() || r.ClosePrice.IsZero() || r.Size.IsZero() {
		return decimal.Zero
	}
	return ContractValue(r.Size, r.ClosePrice, inverse).Sub(ContractValue(r.Size, r.OpenPrice, inverse))
}

// ContractValue returns the settlement value of amount at price: amount*price
// for linear contracts, amount*(-1/price) for inverse ones.
func ContractValue(amount, price decimal.Decimal, inverse bool) decimal.Decimal {
	if inverse {
		if price.IsZero() {
			return decimal.Zero
		}
		return amount.Neg().Div(price)
	}
	return amount.Mul(price)
}

// Notional returns the unsigned notional of amount at price in settlement
// currency.
func Notional(amount, price decimal.Decimal, inverse bool) decimal.Decimal {
	if inverse {
		if price.IsZero() {
			return decimal.Zero
		}
		return amount.Abs().Div(price)
	}
	return amount.Abs().Mul(price)
}
