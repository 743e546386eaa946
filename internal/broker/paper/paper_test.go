package paper

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/reconbot/internal/broker"
	"github.com/tathienbao/reconbot/internal/types"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testExchange(t *testing.T) *Exchange {
	t.Helper()
	cfg := DefaultConfig(types.Symbol{Name: "TEST", TickSize: d("0.5"), LotSize: d("1")})
	cfg.SlippagePct = decimal.Zero
	return NewExchange(cfg, nil)
}

func trade(sec int, price string) types.Trade {
	return types.Trade{
		Timestamp: time.Date(2024, 1, 1, 0, 0, sec, 0, time.UTC),
		Price:     d(price),
		Size:      d("1"),
	}
}

func TestExchange_RequiresConnection(t *testing.T) {
	ex := testExchange(t)
	ctx := context.Background()

	if ex.State() != broker.StateDisconnected {
		t.Fatalf("State() = %v, want disconnected", ex.State())
	}
	err := ex.SendOrder(ctx, &types.Order{ID: "s1-LONG+ENTRY", Amount: d("1")})
	if !errors.Is(err, broker.ErrNotConnected) || !types.IsRetryable(err) {
		t.Errorf("SendOrder() while disconnected = %v, want retryable ErrNotConnected", err)
	}
	if _, err := ex.Account(ctx); !types.IsRetryable(err) {
		t.Errorf("Account() while disconnected = %v, want retryable", err)
	}

	if err := ex.Connect(ctx); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	if ex.State() != broker.StateConnected {
		t.Errorf("State() = %v, want connected", ex.State())
	}
	acct, err := ex.Account(ctx)
	if err != nil || !acct.Equity.Equal(d("10000")) {
		t.Errorf("Account() = %s, %v, want 10000", acct.Equity, err)
	}
}

func TestExchange_FillsOnTrades(t *testing.T) {
	ex := testExchange(t)
	ctx := context.Background()
	_ = ex.Connect(ctx)

	var pushed []types.Execution
	ex.SetExecutionHandler(func(e types.Execution) { pushed = append(pushed, e) })

	entry := &types.Order{ID: "s1-LONG+ENTRY", Amount: d("2"), StopPrice: d("105")}
	if err := ex.SendOrder(ctx, entry); err != nil {
		t.Fatalf("SendOrder() error = %v", err)
	}

	fills, err := ex.OnTrade(trade(1, "104"))
	if err != nil || len(fills) != 0 {
		t.Fatalf("OnTrade(104) = %v, %v, want no fill", fills, err)
	}
	fills, err = ex.OnTrade(trade(2, "106"))
	if err != nil || len(fills) != 1 {
		t.Fatalf("OnTrade(106) = %v, %v, want one fill", fills, err)
	}
	if !fills[0].Price.Equal(d("106")) || !fills[0].Amount.Equal(d("2")) {
		t.Errorf("fill = %+v, want 2 @ 106", fills[0])
	}
	if len(pushed) != 1 {
		t.Errorf("pushed executions = %d, want 1", len(pushed))
	}

	open, _ := ex.OpenOrders(ctx)
	if len(open) != 0 {
		t.Errorf("open orders = %d, want 0", len(open))
	}
	acct, _ := ex.Account(ctx)
	if !acct.Position.Quantity.Equal(d("2")) {
		t.Errorf("position = %s, want 2", acct.Position.Quantity)
	}
}

func TestExchange_RejectsBadTrade(t *testing.T) {
	ex := testExchange(t)
	if _, err := ex.OnTrade(trade(0, "0")); !errors.Is(err, types.ErrInvalidPrice) {
		t.Errorf("OnTrade(0) = %v, want ErrInvalidPrice", err)
	}
}

func TestExchange_DisconnectKeepsOrders(t *testing.T) {
	ex := testExchange(t)
	ctx := context.Background()
	_ = ex.Connect(ctx)
	_ = ex.SendOrder(ctx, &types.Order{ID: "s1-SHORT+ENTRY", Amount: d("-1"), StopPrice: d("90")})

	if err := ex.Disconnect(); err != nil {
		t.Fatalf("Disconnect() error = %v", err)
	}
	_ = ex.Connect(ctx)

	open, err := ex.OpenOrders(ctx)
	if err != nil || len(open) != 1 {
		t.Errorf("open orders after reconnect = %d, %v, want 1", len(open), err)
	}
}
