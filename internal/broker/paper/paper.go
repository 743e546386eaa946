// Package paper provides a simulated exchange for paper trading against a
// live price stream.
package paper

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/reconbot/internal/broker"
	"github.com/tathienbao/reconbot/internal/execution"
	"github.com/tathienbao/reconbot/internal/types"
)

// Config holds paper trading configuration.
type Config struct {
	Symbol         types.Symbol
	InitialBalance decimal.Decimal
	SlippagePct    decimal.Decimal
}

// DefaultConfig returns default paper trading config for sym.
func DefaultConfig(sym types.Symbol) Config {
	return Config{
		Symbol:         sym,
		InitialBalance: decimal.NewFromInt(10000),
		SlippagePct:    decimal.RequireFromString("0.05"),
	}
}

// Exchange matches orders against streamed trades with the same rules the
// backtest simulator uses. Every trade is one tick.
type Exchange struct {
	*execution.Simulator

	logger *slog.Logger
	state  atomic.Int32
	trades atomic.Int64
}

// NewExchange creates a disconnected paper exchange.
func NewExchange(cfg Config, logger *slog.Logger) *Exchange {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("exchange", "paper", "symbol", cfg.Symbol.Name)

	e := &Exchange{
		Simulator: execution.NewSimulator(execution.SimulatedConfig{
			Symbol:         cfg.Symbol,
			InitialBalance: cfg.InitialBalance,
			SlippagePct:    cfg.SlippagePct,
		}, logger),
		logger: logger,
	}
	e.state.Store(int32(broker.StateDisconnected))
	return e
}

// Connect marks the exchange connected.
func (e *Exchange) Connect(ctx context.Context) error {
	e.state.Store(int32(broker.StateConnected))
	acct, _ := e.Simulator.Account(ctx)
	e.logger.Info("paper exchange connected", "equity", acct.Equity)
	return nil
}

// Disconnect marks the exchange disconnected. Open orders stay in place.
func (e *Exchange) Disconnect() error {
	e.state.Store(int32(broker.StateDisconnected))
	e.logger.Info("paper exchange disconnected", "trades_seen", e.trades.Load())
	return nil
}

// State returns the connection state.
func (e *Exchange) State() broker.ConnectionState {
	return broker.ConnectionState(e.state.Load())
}

func (e *Exchange) check(op string) error {
	if e.State() != broker.StateConnected {
		return types.Retryable(op, broker.ErrNotConnected)
	}
	return nil
}

// SendOrder places an order.
func (e *Exchange) SendOrder(ctx context.Context, o *types.Order) error {
	if err := e.check("send " + o.ID); err != nil {
		return err
	}
	return e.Simulator.SendOrder(ctx, o)
}

// UpdateOrder amends an order.
func (e *Exchange) UpdateOrder(ctx context.Context, o *types.Order) error {
	if err := e.check("update " + o.ID); err != nil {
		return err
	}
	return e.Simulator.UpdateOrder(ctx, o)
}

// CancelOrder cancels an order.
func (e *Exchange) CancelOrder(ctx context.Context, o *types.Order) error {
	if err := e.check("cancel " + o.ID); err != nil {
		return err
	}
	return e.Simulator.CancelOrder(ctx, o)
}

// Account returns the simulated account.
func (e *Exchange) Account(ctx context.Context) (types.Account, error) {
	if err := e.check("account"); err != nil {
		return types.Account{}, err
	}
	return e.Simulator.Account(ctx)
}

// OpenOrders returns the active orders.
func (e *Exchange) OpenOrders(ctx context.Context) ([]*types.Order, error) {
	if err := e.check("open orders"); err != nil {
		return nil, err
	}
	return e.Simulator.OpenOrders(ctx)
}

// OrderHistory returns every order placed.
func (e *Exchange) OrderHistory(ctx context.Context) ([]*types.Order, error) {
	if err := e.check("order history"); err != nil {
		return nil, err
	}
	return e.Simulator.OrderHistory(ctx)
}

// OnTrade matches the resting orders against one trade print.
func (e *Exchange) OnTrade(tr types.Trade) ([]types.Execution, error) {
	if !tr.Price.IsPositive() {
		return nil, fmt.Errorf("paper trade: %w: %s", types.ErrInvalidPrice, tr.Price)
	}
	e.trades.Add(1)
	tick := &types.Bar{
		Timestamp: tr.Timestamp,
		Open:      tr.Price,
		High:      tr.Price,
		Low:       tr.Price,
		Close:     tr.Price,
		Volume:    tr.Size,
	}
	return e.Simulator.ProcessTick(tick), nil
}

var (
	_ broker.Exchange  = (*Exchange)(nil)
	_ broker.Connector = (*Exchange)(nil)
)
