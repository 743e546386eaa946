// Package persistence stores engine snapshots, the position history log and
// equity snapshots.
package persistence

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/reconbot/internal/types"
)

// HistoryWriter appends finished positions to the history log.
type HistoryWriter interface {
	AppendPosition(ctx context.Context, bot string, rec types.PositionRecord) error
}

// Repository is the queryable history store.
type Repository interface {
	HistoryWriter

	PositionHistory(ctx context.Context, bot string, from, to time.Time) ([]types.PositionRecord, error)

	SaveEquitySnapshot(ctx context.Context, snapshot EquitySnapshot) error
	LatestEquitySnapshot(ctx context.Context, bot string) (*EquitySnapshot, error)
	EquityHistory(ctx context.Context, bot string, from, to time.Time) ([]EquitySnapshot, error)

	Close() error
	Migrate(ctx context.Context) error
}

// EquitySnapshot represents persisted equity state.
type EquitySnapshot struct {
	ID            int64
	Bot           string
	Timestamp     time.Time
	Equity        decimal.Decimal
	HighWaterMark decimal.Decimal
	Drawdown      decimal.Decimal
	OpenPositions int
	Exposure      decimal.Decimal
}
