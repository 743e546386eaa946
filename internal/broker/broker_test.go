package broker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/tathienbao/reconbot/internal/types"
)

func TestConnectionState_String(t *testing.T) {
	tests := []struct {
		state ConnectionState
		want  string
	}{
		{StateDisconnected, "disconnected"},
		{StateConnecting, "connecting"},
		{StateConnected, "connected"},
		{StateError, "error"},
		{ConnectionState(99), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.state.String(); got != tt.want {
				t.Errorf("ConnectionState.String() = %v, want %v", got, tt.want)
			}
		})
	}
}

// flakyExchange fails the first n calls with err.
type flakyExchange struct {
	failures int
	err      error
	calls    int
}

func (f *flakyExchange) call() error {
	f.calls++
	if f.calls <= f.failures {
		return f.err
	}
	return nil
}

func (f *flakyExchange) SendOrder(ctx context.Context, o *types.Order) error { return f.call() }
func (f *flakyExchange) UpdateOrder(ctx context.Context, o *types.Order) error { return f.call() }
func (f *flakyExchange) CancelOrder(ctx context.Context, o *types.Order) error { return f.call() }
func (f *flakyExchange) Symbol() types.Symbol { return types.Symbol{Name: "TEST"} }
func (f *flakyExchange) Account(ctx context.Context) (types.Account, error) {
	return types.Account{}, f.call()
}
func (f *flakyExchange) OpenOrders(ctx context.Context) ([]*types.Order, error) {
	return nil, f.call()
}
func (f *flakyExchange) OrderHistory(ctx context.Context) ([]*types.Order, error) {
	return nil, f.call()
}
func (f *flakyExchange) HandlesExecutions() bool { return true }
func (f *flakyExchange) SetExecutionHandler(h ExecutionHandler) {}

func testRetryConfig() RetryConfig {
	return RetryConfig{MaxAttempts: 3, Backoff: time.Millisecond}
}

func TestRetrying_RetriesTransientErrors(t *testing.T) {
	ex := &flakyExchange{failures: 2, err: types.Retryable("send", errors.New("timeout"))}
	r := NewRetrying(ex, testRetryConfig(), nil)

	retries := 0
	r.OnRetry = func(string) { retries++ }

	if err := r.SendOrder(context.Background(), &types.Order{ID: "1-LONG+ENTRY"}); err != nil {
		t.Fatalf("SendOrder failed: %v", err)
	}
	if ex.calls != 3 {
		t.Errorf("calls = %d, want 3", ex.calls)
	}
	if retries != 2 {
		t.Errorf("retries = %d, want 2", retries)
	}
}

func TestRetrying_GivesUpAfterMaxAttempts(t *testing.T) {
	ex := &flakyExchange{failures: 10, err: types.Retryable("cancel", errors.New("502"))}
	r := NewRetrying(ex, testRetryConfig(), nil)

	err := r.CancelOrder(context.Background(), &types.Order{ID: "x"})
	if err == nil {
		t.Fatal("expected error")
	}
	if ex.calls != 3 {
		t.Errorf("calls = %d, want 3", ex.calls)
	}
	if types.IsRetryable(err) {
		t.Errorf("exhausted error %v is still retryable", err)
	}
}

func TestRetrying_NoRetryOnPermanentError(t *testing.T) {
	ex := &flakyExchange{failures: 10, err: types.ErrOrderRejected}
	r := NewRetrying(ex, testRetryConfig(), nil)

	_, err := r.Account(context.Background())
	if !errors.Is(err, types.ErrOrderRejected) {
		t.Fatalf("err = %v, want ErrOrderRejected", err)
	}
	if ex.calls != 1 {
		t.Errorf("calls = %d, want 1", ex.calls)
	}
}

func TestRetrying_ContextCancelled(t *testing.T) {
	ex := &flakyExchange{failures: 10, err: types.Retryable("history", errors.New("timeout"))}
	cfg := testRetryConfig()
	cfg.Backoff = time.Hour
	r := NewRetrying(ex, cfg, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := r.OrderHistory(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRetrying_PassThrough(t *testing.T) {
	r := NewRetrying(&flakyExchange{}, RetryConfig{}, nil)

	if r.Symbol().Name != "TEST" {
		t.Errorf("Symbol = %s, want TEST", r.Symbol().Name)
	}
	if !r.HandlesExecutions() {
		t.Error("HandlesExecutions should pass through")
	}
	if r.cfg.MaxAttempts != 1 {
		t.Errorf("MaxAttempts = %d, want clamped to 1", r.cfg.MaxAttempts)
	}
}
