package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/reconbot/internal/types"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// SQLiteRepository implements Repository using SQLite.
type SQLiteRepository struct {
	db *sql.DB
}

var _ Repository = (*SQLiteRepository)(nil)

// NewSQLiteRepository opens (or creates) the database at path.
func NewSQLiteRepository(path string) (*SQLiteRepository, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	repo := &SQLiteRepository{db: db}
	if err := repo.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return repo, nil
}

// Migrate runs database migrations.
func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS position_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			bot TEXT NOT NULL,
			position_id TEXT NOT NULL,
			status TEXT NOT NULL,
			signal_time DATETIME NOT NULL,
			size TEXT NOT NULL,
			wanted_entry TEXT NOT NULL,
			initial_stop TEXT NOT NULL,
			open_time DATETIME,
			open_price TEXT NOT NULL DEFAULT '0',
			close_time DATETIME,
			close_price TEXT NOT NULL DEFAULT '0',
			equity_on_exit TEXT NOT NULL DEFAULT '0',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_history_bot_signal ON position_history(bot, signal_time)`,

		`CREATE TABLE IF NOT EXISTS equity_snapshots (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			bot TEXT NOT NULL,
			timestamp DATETIME NOT NULL,
			equity TEXT NOT NULL,
			high_water_mark TEXT NOT NULL,
			drawdown TEXT NOT NULL,
			open_positions INTEGER NOT NULL DEFAULT 0,
			exposure TEXT NOT NULL DEFAULT '0',
			created_at DATETIME DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_equity_bot_timestamp ON equity_snapshots(bot, timestamp)`,
	}

	for _, migration := range migrations {
		if _, err := r.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("execute migration: %w", err)
		}
	}

	return nil
}

// AppendPosition appends a finished position to the history log.
func (r *SQLiteRepository) AppendPosition(ctx context.Context, bot string, rec types.PositionRecord) error {
	query := `INSERT INTO position_history
		(bot, position_id, status, signal_time, size, wanted_entry, initial_stop, open_time, open_price, close_time, close_price, equity_on_exit)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		bot,
		rec.PositionID,
		string(rec.Status),
		rec.SignalTimestamp.UTC(),
		rec.Size.String(),
		rec.WantedEntry.String(),
		rec.InitialStop.String(),
		nullTime(rec.OpenTime),
		rec.OpenPrice.String(),
		nullTime(rec.CloseTime),
		rec.ClosePrice.String(),
		rec.EquityOnExit.String(),
	)
	if err != nil {
		return fmt.Errorf("insert position %s: %w", rec.PositionID, err)
	}

	return nil
}

// PositionHistory returns the history rows whose signal time is in [from, to].
func (r *SQLiteRepository) PositionHistory(ctx context.Context, bot string, from, to time.Time) ([]types.PositionRecord, error) {
	query := `SELECT position_id, status, signal_time, size, wanted_entry, initial_stop, open_time, open_price, close_time, close_price, equity_on_exit
		FROM position_history WHERE bot = ? AND signal_time BETWEEN ? AND ? ORDER BY id`

	rows, err := r.db.QueryContext(ctx, query, bot, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query position history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []types.PositionRecord
	for rows.Next() {
		var rec types.PositionRecord
		var status, size, wanted, stop, openPrice, closePrice, equity string
		var openTime, closeTime sql.NullTime

		if err := rows.Scan(&rec.PositionID, &status, &rec.SignalTimestamp, &size, &wanted, &stop, &openTime, &openPrice, &closeTime, &closePrice, &equity); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		rec.Status = types.PositionStatus(status)
		rec.Size, _ = decimal.NewFromString(size)
		rec.WantedEntry, _ = decimal.NewFromString(wanted)
		rec.InitialStop, _ = decimal.NewFromString(stop)
		rec.OpenPrice, _ = decimal.NewFromString(openPrice)
		rec.ClosePrice, _ = decimal.NewFromString(closePrice)
		rec.EquityOnExit, _ = decimal.NewFromString(equity)
		if openTime.Valid {
			rec.OpenTime = openTime.Time
		}
		if closeTime.Valid {
			rec.CloseTime = closeTime.Time
		}

		records = append(records, rec)
	}

	return records, rows.Err()
}

// SaveEquitySnapshot saves an equity snapshot.
func (r *SQLiteRepository) SaveEquitySnapshot(ctx context.Context, snapshot EquitySnapshot) error {
	query := `INSERT INTO equity_snapshots (bot, timestamp, equity, high_water_mark, drawdown, open_positions, exposure)
		VALUES (?, ?, ?, ?, ?, ?, ?)`

	_, err := r.db.ExecContext(ctx, query,
		snapshot.Bot,
		snapshot.Timestamp.UTC(),
		snapshot.Equity.String(),
		snapshot.HighWaterMark.String(),
		snapshot.Drawdown.String(),
		snapshot.OpenPositions,
		snapshot.Exposure.String(),
	)
	if err != nil {
		return fmt.Errorf("insert equity snapshot: %w", err)
	}

	return nil
}

// LatestEquitySnapshot returns the most recent equity snapshot of bot, or
// nil when there is none.
func (r *SQLiteRepository) LatestEquitySnapshot(ctx context.Context, bot string) (*EquitySnapshot, error) {
	query := `SELECT id, bot, timestamp, equity, high_water_mark, drawdown, open_positions, exposure
		FROM equity_snapshots WHERE bot = ? ORDER BY timestamp DESC, id DESC LIMIT 1`

	rows, err := r.db.QueryContext(ctx, query, bot)
	if err != nil {
		return nil, fmt.Errorf("query equity snapshot: %w", err)
	}
	defer func() { _ = rows.Close() }()

	snapshots, err := scanEquity(rows)
	if err != nil {
		return nil, err
	}
	if len(snapshots) == 0 {
		return nil, nil
	}
	return &snapshots[0], nil
}

// EquityHistory returns equity snapshots of bot in a time range.
func (r *SQLiteRepository) EquityHistory(ctx context.Context, bot string, from, to time.Time) ([]EquitySnapshot, error) {
	query := `SELECT id, bot, timestamp, equity, high_water_mark, drawdown, open_positions, exposure
		FROM equity_snapshots WHERE bot = ? AND timestamp BETWEEN ? AND ? ORDER BY timestamp`

	rows, err := r.db.QueryContext(ctx, query, bot, from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("query equity history: %w", err)
	}
	defer func() { _ = rows.Close() }()

	return scanEquity(rows)
}

func scanEquity(rows *sql.Rows) ([]EquitySnapshot, error) {
	var snapshots []EquitySnapshot
	for rows.Next() {
		var s EquitySnapshot
		var equity, hwm, dd, exposure string

		if err := rows.Scan(&s.ID, &s.Bot, &s.Timestamp, &equity, &hwm, &dd, &s.OpenPositions, &exposure); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}

		s.Equity, _ = decimal.NewFromString(equity)
		s.HighWaterMark, _ = decimal.NewFromString(hwm)
		s.Drawdown, _ = decimal.NewFromString(dd)
		s.Exposure, _ = decimal.NewFromString(exposure)

		snapshots = append(snapshots, s)
	}

	return snapshots, rows.Err()
}

// Close closes the database connection.
func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func nullTime(t time.Time) sql.NullTime {
	if t.IsZero() {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}
