package types

import (
	"errors"
	"fmt"
)

// Sentinel errors for the trading system.
var (
	// Order contract errors
	ErrZeroAmount     = errors.New("order amount is zero")
	ErrAmountSignFlip = errors.New("order amount sign cannot change")
	ErrDuplicateStop  = errors.New("position already has an active stop")
	ErrDuplicateOrder = errors.New("duplicate order id")
	ErrOrderNotFound  = errors.New("order not found")
	ErrInvalidOrder   = errors.New("invalid order")
	ErrOrderRejected  = errors.New("order rejected by exchange")

	// Identity errors
	ErrReservedDelimiter = errors.New("id contains a reserved delimiter")
	ErrMalformedID       = errors.New("malformed id")

	// Data errors
	ErrInvalidPrice = errors.New("invalid price value")
	ErrInvalidData  = errors.New("invalid market data")
	ErrNoMarketData = errors.New("no market data")

	// Connection errors
	ErrConnectionLost    = errors.New("connection lost")
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
	ErrAuthFailed        = errors.New("authentication failed")

	// Risk errors
	ErrKillSwitchActive      = errors.New("kill switch active, new entries blocked")
	ErrSizeTooSmall          = errors.New("position size below one lot")
	ErrExposureLimitExceeded = errors.New("exposure limit exceeded")

	// State errors
	ErrPositionMismatch = errors.New("position mismatch with exchange")
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// Validation errors
	ErrInvalidConfig = errors.New("invalid configuration")
	ErrInvalidSymbol = errors.New("invalid symbol")
)

// Kind classifies an error by how the caller must react to it.
type Kind int

const (
	KindUnknown Kind = iota
	// KindRetryable is transient exchange I/O; retry with backoff.
	KindRetryable
	// KindDisparity is a reconciliation mismatch; heal and retry next tick.
	KindDisparity
	// KindContract is a violated order/position contract; drop the action.
	KindContract
	// KindFatal stops the worker until an operator intervenes.
	KindFatal
)

func (k Kind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindDisparity:
		return "disparity"
	case KindContract:
		return "contract"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Error carries a Kind alongside the failed operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Kind, e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable wraps err as a transient error.
func Retryable(op string, err error) error {
	return &Error{Kind: KindRetryable, Op: op, Err: err}
}

// Fatal wraps err as an unrecoverable error.
func Fatal(op string, err error) error {
	return &Error{Kind: KindFatal, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryable reports whether err is transient.
func IsRetryable(err error) bool {
	return KindOf(err) == KindRetryable
}

// IsFatal reports whether err must stop the worker.
func IsFatal(err error) bool {
	return KindOf(err) == KindFatal
}
