package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus is the lifecycle state of a tracked position.
type PositionStatus string

const (
	StatusPending   PositionStatus = "PENDING"
	StatusTriggered PositionStatus = "TRIGGERED"
	StatusOpen      PositionStatus = "OPEN"
	StatusClosed    PositionStatus = "CLOSED"
	StatusMissed    PositionStatus = "MISSED"
	StatusCancelled PositionStatus = "CANCELLED"
)

// IsTerminal reports whether the status ends the lifecycle.
func (s PositionStatus) IsTerminal() bool {
	switch s {
	case StatusClosed, StatusMissed, StatusCancelled:
		return true
	default:
		return false
	}
}

// AwaitingEntry reports whether the position still waits for its entry fill.
func (s PositionStatus) AwaitingEntry() bool {
	return s == StatusPending || s == StatusTriggered
}

// Position is a trading intent tracked by the bot. It is not the exchange's
// net position: several positions may add up to it.
type Position struct {
	ID                string          `json:"id"`
	Status            PositionStatus  `json:"status"`
	SignalTime        time.Time       `json:"signalTime"`
	WantedEntry       decimal.Decimal `json:"wantedEntry"`
	InitialStop       decimal.Decimal `json:"initialStop"`
	Amount            decimal.Decimal `json:"amount"`
	MaxFilledAmount   decimal.Decimal `json:"maxFilledAmount"`
	CurrentOpenAmount decimal.Decimal `json:"currentOpenAmount"`
	FilledEntry       decimal.Decimal `json:"filledEntry"`
	FilledExit        decimal.Decimal `json:"filledExit"`
	EntryTime         time.Time       `json:"entryTime"`
	ExitTime          time.Time       `json:"exitTime"`
	ChangedAt         time.Time       `json:"changedAt"`
	BarsInStatus      int             `json:"barsInStatus"`

	// CancelRequested marks a pending sibling whose other direction got
	// filled; its entry is cancelled on the next pass.
	CancelRequested bool `json:"cancelRequested,omitempty"`

	// ConnectedOrders is rebuilt on every reconciliation pass.
	ConnectedOrders []*Order `json:"-"`
}

// NewPosition creates a pending position.
func NewPosition(id string, signalTime time.Time, amount, wantedEntry, initialStop decimal.Decimal) *Position {
	return &Position{
		ID:          id,
		Status:      StatusPending,
		SignalTime:  signalTime,
		Amount:      amount,
		WantedEntry: wantedEntry,
		InitialStop: initialStop,
		ChangedAt:   signalTime,
	}
}

// Direction returns the direction implied by the position amount.
func (p *Position) Direction() Direction {
	return DirectionOf(p.Amount)
}

// SetStatus moves the position to a new status.
func (p *Position) SetStatus(status PositionStatus, at time.Time) {
	if p.Status == status {
		return
	}
	p.Status = status
	p.ChangedAt = at
	p.BarsInStatus = 0
}

// ActiveOrders returns the connected active orders with the given role.
func (p *Position) ActiveOrders(role OrderRole) []*Order {
	var out []*Order
	for _, o := range p.ConnectedOrders {
		if o.Active && o.Role == role {
			out = append(out, o)
		}
	}
	return out
}

// ApplyEntryFill books an entry fill. filledEntry is the volume weighted
// average over all entry fills.
func (p *Position) ApplyEntryFill(amount, price decimal.Decimal, at time.Time) {
	prev := p.CurrentOpenAmount.Abs()
	add := amount.Abs()
	if p.FilledEntry.IsZero() || prev.IsZero() {
		p.FilledEntry = price
	} else {
		p.FilledEntry = p.FilledEntry.Mul(prev).Add(price.Mul(add)).Div(prev.Add(add))
	}
	p.CurrentOpenAmount = p.CurrentOpenAmount.Add(amount)
	if p.CurrentOpenAmount.Abs().GreaterThan(p.MaxFilledAmount.Abs()) {
		p.MaxFilledAmount = p.CurrentOpenAmount
	}
	if p.EntryTime.IsZero() {
		p.EntryTime = at
	}
	if p.Status.AwaitingEntry() {
		p.SetStatus(StatusOpen, at)
	}
}

// ApplyExitFill books a fill that reduces the position. filledExit is the
// volume weighted average over all exit fills. Returns true when the
// position is flat within tolerance and got closed.
func (p *Position) ApplyExitFill(amount, price decimal.Decimal, at time.Time, tolerance decimal.Decimal) bool {
	exited := p.MaxFilledAmount.Sub(p.CurrentOpenAmount).Abs()
	add := amount.Abs()
	if p.FilledExit.IsZero() || exited.IsZero() {
		p.FilledExit = price
	} else {
		p.FilledExit = p.FilledExit.Mul(exited).Add(price.Mul(add)).Div(exited.Add(add))
	}
	p.CurrentOpenAmount = p.CurrentOpenAmount.Add(amount)
	if p.CurrentOpenAmount.Abs().LessThan(tolerance) {
		p.Close(at)
		return true
	}
	return false
}

// Close marks the position closed and flat.
func (p *Position) Close(at time.Time) {
	p.CurrentOpenAmount = decimal.Zero
	p.ExitTime = at
	p.SetStatus(StatusClosed, at)
}

// Record converts the position into a history log row.
func (p *Position) Record(equity decimal.Decimal) PositionRecord {
	return PositionRecord{
		PositionID:      p.ID,
		Status:          p.Status,
		SignalTimestamp: p.SignalTime,
		Size:            p.MaxFilledAmount,
		WantedEntry:     p.WantedEntry,
		InitialStop:     p.InitialStop,
		OpenTime:        p.EntryTime,
		OpenPrice:       p.FilledEntry,
		CloseTime:       p.ExitTime,
		ClosePrice:      p.FilledExit,
		EquityOnExit:    equity,
	}
}
