// Package broker defines the exchange contracts the reconciliation engine
// trades against.
package broker

import (
	"context"
	"errors"

	"github.com/tathienbao/reconbot/internal/types"
)

// Common broker errors.
var (
	ErrNotConnected      = errors.New("broker not connected")
	ErrConnectionTimeout = errors.New("connection timeout")
	ErrRateLimited       = errors.New("rate limited by broker")
)

// ConnectionState represents the broker connection state.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateError
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// OrderSink accepts order actions. Live adapters and the backtest simulator
// implement it identically. Calls block until the exchange acknowledges.
type OrderSink interface {
	SendOrder(ctx context.Context, o *types.Order) error
	UpdateOrder(ctx context.Context, o *types.Order) error
	CancelOrder(ctx context.Context, o *types.Order) error
}

// ExecutionHandler receives fills pushed by the exchange.
type ExecutionHandler func(exec types.Execution)

// Exchange is the full exchange view the engine reconciles against.
type Exchange interface {
	OrderSink

	Symbol() types.Symbol
	Account(ctx context.Context) (types.Account, error)
	OpenOrders(ctx context.Context) ([]*types.Order, error)

	// OrderHistory returns every order the exchange knows about, oldest
	// first, including filled and cancelled ones.
	OrderHistory(ctx context.Context) ([]*types.Order, error)

	// HandlesExecutions reports whether fills are pushed to the handler.
	// When false the engine diffs OrderHistory instead.
	HandlesExecutions() bool
	SetExecutionHandler(h ExecutionHandler)
}

// Connector is implemented by exchanges that hold a connection.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect() error
	State() ConnectionState
}
