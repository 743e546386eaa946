package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tathienbao/reconbot/internal/types"
	"golang.org/x/time/rate"
)

// RetryConfig holds the request/response channel policy.
type RetryConfig struct {
	MaxAttempts int           // total attempts per call, at least 1
	Backoff     time.Duration // fixed wait between attempts
	RateLimit   float64       // requests per second, 0 disables
	Burst       int
}

// DefaultRetryConfig returns the default request policy.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		Backoff:     500 * time.Millisecond,
		RateLimit:   5,
		Burst:       5,
	}
}

// Retrying wraps an Exchange with rate limiting and bounded fixed-backoff
// retry of retryable errors. Non-retryable errors return immediately.
type Retrying struct {
	Exchange

	cfg     RetryConfig
	limiter *rate.Limiter
	logger  *slog.Logger

	// OnRetry is called once per retried attempt.
	OnRetry func(op string)
}

// NewRetrying wraps ex.
func NewRetrying(ex Exchange, cfg RetryConfig, logger *slog.Logger) *Retrying {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.MaxAttempts < 1 {
		cfg.MaxAttempts = 1
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Retrying{
		Exchange: ex,
		cfg:      cfg,
		limiter:  limiter,
		logger:   logger,
	}
}

// SendOrder places an order.
func (r *Retrying) SendOrder(ctx context.Context, o *types.Order) error {
	return r.do(ctx, "send "+o.ID, func() error {
		return r.Exchange.SendOrder(ctx, o)
	})
}

// UpdateOrder amends an order.
func (r *Retrying) UpdateOrder(ctx context.Context, o *types.Order) error {
	return r.do(ctx, "update "+o.ID, func() error {
		return r.Exchange.UpdateOrder(ctx, o)
	})
}

// CancelOrder cancels an order.
func (r *Retrying) CancelOrder(ctx context.Context, o *types.Order) error {
	return r.do(ctx, "cancel "+o.ID, func() error {
		return r.Exchange.CancelOrder(ctx, o)
	})
}

// Account fetches the account.
func (r *Retrying) Account(ctx context.Context) (types.Account, error) {
	var acct types.Account
	err := r.do(ctx, "account", func() error {
		var err error
		acct, err = r.Exchange.Account(ctx)
		return err
	})
	return acct, err
}

// OpenOrders fetches the open orders.
func (r *Retrying) OpenOrders(ctx context.Context) ([]*types.Order, error) {
	var orders []*types.Order
	err := r.do(ctx, "open orders", func() error {
		var err error
		orders, err = r.Exchange.OpenOrders(ctx)
		return err
	})
	return orders, err
}

// OrderHistory fetches the order history.
func (r *Retrying) OrderHistory(ctx context.Context) ([]*types.Order, error) {
	var orders []*types.Order
	err := r.do(ctx, "order history", func() error {
		var err error
		orders, err = r.Exchange.OrderHistory(ctx)
		return err
	})
	return orders, err
}

func (r *Retrying) do(ctx context.Context, op string, fn func() error) error {
	var err error
	for attempt := 1; attempt <= r.cfg.MaxAttempts; attempt++ {
		if r.limiter != nil {
			if werr := r.limiter.Wait(ctx); werr != nil {
				return fmt.Errorf("%s: rate limiter: %w", op, werr)
			}
		}

		err = fn()
		if err == nil || !types.IsRetryable(err) {
			return err
		}
		if attempt == r.cfg.MaxAttempts {
			break
		}

		r.logger.Warn("retrying exchange request",
			"op", op,
			"attempt", attempt,
			"err", err,
		)
		if r.OnRetry != nil {
			r.OnRetry(op)
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("%s: %w", op, ctx.Err())
		case <-time.After(r.cfg.Backoff):
		}
	}
	return fmt.Errorf("%s: giving up after %d attempts: %w", op, r.cfg.MaxAttempts, settle(err))
}

// settle strips the retryable kind from an exhausted error so callers do
// not retry it again.
func settle(err error) error {
	var te *types.Error
	if errors.As(err, &te) && te.Kind == types.KindRetryable {
		return te.Err
	}
	return err
}
