// Package ident encodes and decodes position and order identifiers.
//
// A position id is "{signalId}-{LONG|SHORT}". An order id is
// "{positionId}+{ROLE}", and SL/TP ids carry an extra "+{nonce}" so a
// recreated protective order never reuses the id of the one it replaces.
// Inside the bot ids are handled as PositionID and OrderID values; the string
// form only exists at the exchange, snapshot and log boundaries.
package ident

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/tathienbao/reconbot/internal/types"
)

// Reserved delimiters. Neither may appear inside a signal id.
const (
	PositionDelimiter = "-"
	OrderDelimiter    = "+"
)

// PositionID identifies a position by its signal and direction.
type PositionID struct {
	SignalID  string
	Direction types.Direction
}

// NewPositionID validates signalID and builds a PositionID.
func NewPositionID(signalID string, dir types.Direction) (PositionID, error) {
	if err := checkSignalID(signalID); err != nil {
		return PositionID{}, err
	}
	if dir != types.DirectionLong && dir != types.DirectionShort {
		return PositionID{}, fmt.Errorf("position id %q: %w: direction %d", signalID, types.ErrMalformedID, dir)
	}
	return PositionID{SignalID: signalID, Direction: dir}, nil
}

func (p PositionID) String() string {
	return p.SignalID + PositionDelimiter + p.Direction.String()
}

// Other returns the opposite-direction sibling sharing the signal.
func (p PositionID) Other() PositionID {
	return PositionID{SignalID: p.SignalID, Direction: p.Direction.Opposite()}
}

// ParsePositionID parses "{signalId}-{LONG|SHORT}".
func ParsePositionID(s string) (PositionID, error) {
	i := strings.LastIndex(s, PositionDelimiter)
	if i <= 0 {
		return PositionID{}, fmt.Errorf("position id %q: %w", s, types.ErrMalformedID)
	}
	dir, ok := types.ParseDirection(s[i+1:])
	if !ok {
		return PositionID{}, fmt.Errorf("position id %q: %w: bad direction", s, types.ErrMalformedID)
	}
	return NewPositionID(s[:i], dir)
}

// FullPosID returns the position id string for a signal and direction.
func FullPosID(signalID string, dir types.Direction) (string, error) {
	p, err := NewPositionID(signalID, dir)
	if err != nil {
		return "", err
	}
	return p.String(), nil
}

// SplitPosID is the inverse of FullPosID.
func SplitPosID(posID string) (string, types.Direction, error) {
	p, err := ParsePositionID(posID)
	if err != nil {
		return "", 0, err
	}
	return p.SignalID, p.Direction, nil
}

// OtherDirectionID maps a position id to its opposite-direction sibling.
func OtherDirectionID(posID string) (string, error) {
	p, err := ParsePositionID(posID)
	if err != nil {
		return "", err
	}
	return p.Other().String(), nil
}

// OrderID identifies an order by its owning position and role.
type OrderID struct {
	Position PositionID
	Role     types.OrderRole
	Nonce    string
}

func (o OrderID) String() string {
	s := o.Position.String() + OrderDelimiter + string(o.Role)
	if o.Nonce != "" {
		s += OrderDelimiter + o.Nonce
	}
	return s
}

// ParseOrderID parses an order id, accepting an optional nonce suffix.
func ParseOrderID(s string) (OrderID, error) {
	parts := strings.Split(s, OrderDelimiter)
	if len(parts) < 2 || len(parts) > 3 {
		return OrderID{}, fmt.Errorf("order id %q: %w", s, types.ErrMalformedID)
	}
	role := types.OrderRole(parts[1])
	if !role.Valid() {
		return OrderID{}, fmt.Errorf("order id %q: %w: unknown role %q", s, types.ErrMalformedID, parts[1])
	}
	pos, err := ParsePositionID(parts[0])
	if err != nil {
		return OrderID{}, fmt.Errorf("order id %q: %w", s, err)
	}
	id := OrderID{Position: pos, Role: role}
	if len(parts) == 3 {
		if parts[2] == "" {
			return OrderID{}, fmt.Errorf("order id %q: %w: empty nonce", s, types.ErrMalformedID)
		}
		id.Nonce = parts[2]
	}
	return id, nil
}

// NonceFunc produces order id disambiguators. Results must not contain a
// reserved delimiter.
type NonceFunc func() string

// RandomNonce returns 8 hex characters from a random UUID.
func RandomNonce() string {
	u := uuid.New()
	return fmt.Sprintf("%x", u[:4])
}

// SequenceNonce returns a NonceFunc yielding 1, 2, 3... Backtests use it so
// order ids are reproducible between runs.
func SequenceNonce() NonceFunc {
	var n atomic.Uint64
	return func() string {
		return fmt.Sprintf("%d", n.Add(1))
	}
}

// Codec builds order ids.
type Codec struct {
	nonce NonceFunc
}

// NewCodec creates a codec. A nil nonce uses RandomNonce.
func NewCodec(nonce NonceFunc) *Codec {
	if nonce == nil {
		nonce = RandomNonce
	}
	return &Codec{nonce: nonce}
}

// OrderID builds the structured id for role on pos.
func (c *Codec) OrderID(pos PositionID, role types.OrderRole) (OrderID, error) {
	if !role.Valid() {
		return OrderID{}, fmt.Errorf("encode %s: %w: unknown role %q", pos, types.ErrMalformedID, role)
	}
	if err := checkSignalID(pos.SignalID); err != nil {
		return OrderID{}, err
	}
	id := OrderID{Position: pos, Role: role}
	if role == types.RoleStop || role == types.RoleTake {
		id.Nonce = c.nonce()
	}
	return id, nil
}

// Encode returns the order id string for role on the position id posID.
func (c *Codec) Encode(posID string, role types.OrderRole) (string, error) {
	pos, err := ParsePositionID(posID)
	if err != nil {
		return "", err
	}
	id, err := c.OrderID(pos, role)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

var defaultCodec = NewCodec(nil)

// Encode builds an order id with a random nonce.
func Encode(posID string, role types.OrderRole) (string, error) {
	return defaultCodec.Encode(posID, role)
}

// Decode returns the position id and role encoded in orderID.
func Decode(orderID string) (string, types.OrderRole, error) {
	id, err := ParseOrderID(orderID)
	if err != nil {
		return "", "", err
	}
	return id.Position.String(), id.Role, nil
}

func checkSignalID(signalID string) error {
	if signalID == "" {
		return fmt.Errorf("signal id: %w: empty", types.ErrMalformedID)
	}
	if strings.Contains(signalID, PositionDelimiter) || strings.Contains(signalID, OrderDelimiter) {
		return fmt.Errorf("signal id %q: %w", signalID, types.ErrReservedDelimiter)
	}
	return nil
}
