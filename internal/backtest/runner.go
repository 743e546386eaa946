// Package backtest replays historical bars through the simulated exchange
// and the reconciliation engine.
package backtest

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/reconbot/internal/engine"
	"github.com/tathienbao/reconbot/internal/execution"
	"github.com/tathienbao/reconbot/internal/ident"
	"github.com/tathienbao/reconbot/internal/metrics"
	"github.com/tathienbao/reconbot/internal/persistence"
	"github.com/tathienbao/reconbot/internal/risk"
	"github.com/tathienbao/reconbot/internal/strategy"
	"github.com/tathienbao/reconbot/internal/types"
)

// ProgressUpdate contains info for UI updates.
type ProgressUpdate struct {
	Bar       int
	TotalBars int
	Candle    *types.Bar
	Equity    decimal.Decimal
	Drawdown  decimal.Decimal
	Closed    int
	Open      int
	WinRate   decimal.Decimal
}

// ProgressCallback is called once per bar.
type ProgressCallback func(update ProgressUpdate)

// Config holds backtest configuration.
type Config struct {
	BotID          string
	Symbol         types.Symbol
	InitialBalance decimal.Decimal
	SlippagePct    decimal.Decimal
	Funding        execution.FundingSource
	Engine         engine.Config

	// HistoryBars caps how many closed bars the strategy sees per tick.
	HistoryBars int

	// NoExecutionPush runs the engine against order history diffs instead
	// of pushed fills.
	NoExecutionPush bool

	StartTime time.Time
	EndTime   time.Time
}

// Options are the optional collaborators of a Runner.
type Options struct {
	Risk      *risk.Manager
	History   persistence.HistoryWriter
	Snapshots persistence.SnapshotStore
	Recorder  *metrics.Recorder
	Logger    *slog.Logger
}

// Result holds backtest results.
type Result struct {
	RunID string
	Start time.Time
	End   time.Time
	Bars  int
	Ticks int

	StartEquity decimal.Decimal
	EndEquity   decimal.Decimal
	TotalReturn decimal.Decimal // as ratio (0.15 = 15%)
	Realized    decimal.Decimal
	Fees        decimal.Decimal
	Funding     decimal.Decimal

	MaxDrawdown   decimal.Decimal
	MaxUnderwater time.Duration
	PeakExposure  decimal.Decimal

	// ForceClosed is the amount closed at the last bar's close.
	ForceClosed decimal.Decimal

	Inverse     bool
	Positions   []types.PositionRecord
	EquityCurve []EquityPoint
}

// Runner executes backtests.
type Runner struct {
	cfg    Config
	strat  strategy.Strategy
	opts   Options
	logger *slog.Logger

	progressCb ProgressCallback
}

// NewRunner creates a new backtest runner.
func NewRunner(cfg Config, strat strategy.Strategy, opts Options) *Runner {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if cfg.HistoryBars <= 0 {
		cfg.HistoryBars = 300
	}
	if cfg.BotID == "" {
		cfg.BotID = "backtest"
	}
	return &Runner{cfg: cfg, strat: strat, opts: opts, logger: opts.Logger}
}

// SetProgressCallback sets a callback for UI updates.
func (r *Runner) SetProgressCallback(cb ProgressCallback) {
	r.progressCb = cb
}

// Run replays bars, oldest first, each carrying its sub-bars newest first.
// A bar without sub-bars is replayed as a single tick.
func (r *Runner) Run(ctx context.Context, bars []*types.Bar) (*Result, error) {
	runID := uuid.NewString()
	logger := r.logger.With("run_id", runID)

	sim := execution.NewSimulator(execution.SimulatedConfig{
		Symbol:          r.cfg.Symbol,
		InitialBalance:  r.cfg.InitialBalance,
		SlippagePct:     r.cfg.SlippagePct,
		Funding:         r.cfg.Funding,
		NoExecutionPush: r.cfg.NoExecutionPush,
	}, logger)

	engCfg := r.cfg.Engine
	engCfg.BotID = r.cfg.BotID
	eng, err := engine.New(engCfg, sim, r.strat, engine.Options{
		Risk:      r.opts.Risk,
		Snapshots: r.opts.Snapshots,
		History:   r.opts.History,
		Recorder:  r.opts.Recorder,
		Codec:     ident.NewCodec(ident.SequenceNonce()),
		Now:       sim.Now,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("create engine: %w", err)
	}

	stats := NewStats(r.cfg.InitialBalance)
	res := &Result{
		RunID:       runID,
		StartEquity: r.cfg.InitialBalance,
		Inverse:     r.cfg.Symbol.Inverse,
	}

	selected := r.selectBars(bars)
	logger.Info("backtest started",
		"bot", r.cfg.BotID,
		"symbol", r.cfg.Symbol.Name,
		"bars", len(selected),
		"initial_balance", r.cfg.InitialBalance,
	)

	var closed []*types.Bar // newest first, capped at HistoryBars
	var last *types.Bar
	for i, bar := range selected {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		subs := bar.Subbars
		if len(subs) == 0 {
			subs = []*types.Bar{bar}
		}

		forming := &types.Bar{Timestamp: bar.Timestamp}
		view := make([]*types.Bar, 0, len(closed)+1)
		view = append(view, forming)
		view = append(view, closed...)

		for j := len(subs) - 1; j >= 0; j-- {
			sub := subs[j]
			sim.ProcessTick(sub)
			extend(forming, sub, j == len(subs)-1)

			if err := eng.OnTick(ctx, view); err != nil {
				return nil, fmt.Errorf("tick %s: %w", sub.Timestamp, err)
			}
			res.Ticks++

			account, _ := sim.Account(ctx)
			stats.Update(sub.Timestamp, account.Equity, account.Position.Quantity, sim.Exposure())
		}

		stats.Sample(bar.Timestamp)
		closed = append([]*types.Bar{forming}, closed...)
		if len(closed) > r.cfg.HistoryBars {
			closed = closed[:r.cfg.HistoryBars]
		}
		last = forming
		res.Bars++

		if r.progressCb != nil {
			hist := eng.History()
			r.progressCb(ProgressUpdate{
				Bar:       i + 1,
				TotalBars: len(selected),
				Candle:    forming,
				Equity:    stats.equity,
				Drawdown:  stats.Drawdown(),
				Closed:    len(hist),
				Open:      len(eng.Positions()),
				WinRate:   winRate(hist, r.cfg.Symbol.Inverse),
			})
		}
	}

	if last == nil {
		return nil, fmt.Errorf("backtest: %w", types.ErrNoMarketData)
	}
	res.Start = selected[0].Timestamp
	res.End = last.Timestamp

	r.forceClose(ctx, sim, eng, last, res, logger)

	account, _ := sim.Account(ctx)
	stats.Update(last.Timestamp, account.Equity, account.Position.Quantity, decimal.Zero)
	stats.Sample(last.Timestamp)

	ledger := sim.Ledger()
	res.EndEquity = account.Equity
	if res.StartEquity.IsPositive() {
		res.TotalReturn = res.EndEquity.Sub(res.StartEquity).Div(res.StartEquity)
	}
	res.Realized = ledger.Realized
	res.Fees = ledger.Fees
	res.Funding = ledger.Funding
	res.MaxDrawdown = stats.MaxDrawdown()
	res.MaxUnderwater = stats.MaxUnderwater()
	res.PeakExposure = stats.PeakExposure()
	res.EquityCurve = stats.Curve()
	res.Positions = append(res.Positions, eng.History()...)

	logger.Info("backtest finished",
		"bars", res.Bars,
		"ticks", res.Ticks,
		"positions", len(res.Positions),
		"end_equity", res.EndEquity,
		"total_return", res.TotalReturn,
		"max_drawdown", res.MaxDrawdown,
	)
	return res, nil
}

// forceClose flattens whatever is left at the last close. Positions the
// engine still tracks as OPEN are recorded as closed at that price.
func (r *Runner) forceClose(ctx context.Context, sim *execution.Simulator, eng *engine.Engine, last *types.Bar, res *Result, logger *slog.Logger) {
	account, _ := sim.Account(ctx)
	res.ForceClosed = account.Position.Quantity
	if !res.ForceClosed.IsZero() {
		sim.ForceClose(last.Close)
	}

	equity, _ := sim.Account(ctx)
	for _, pos := range eng.Positions() {
		if pos.Status != types.StatusOpen {
			continue
		}
		if pos.FilledExit.IsZero() {
			pos.FilledExit = last.Close
		}
		pos.Close(last.Timestamp)
		rec := pos.Record(equity.Equity)
		res.Positions = append(res.Positions, rec)

		logger.Info("position closed at end of run", "position_id", pos.ID, "price", last.Close)
		if r.opts.History != nil {
			if err := r.opts.History.AppendPosition(ctx, r.cfg.BotID, rec); err != nil {
				logger.Error("append position history", "position_id", pos.ID, "err", err)
			}
		}
	}
}

func (r *Runner) selectBars(bars []*types.Bar) []*types.Bar {
	var out []*types.Bar
	for _, b := range bars {
		if !r.cfg.StartTime.IsZero() && b.Timestamp.Before(r.cfg.StartTime) {
			continue
		}
		if !r.cfg.EndTime.IsZero() && b.Timestamp.After(r.cfg.EndTime) {
			break
		}
		out = append(out, b)
	}
	return out
}

// extend folds a sub-bar into the forming bar.
func extend(forming, sub *types.Bar, first bool) {
	if first {
		forming.Open = sub.Open
		forming.High = sub.High
		forming.Low = sub.Low
		forming.Volume = decimal.Zero
	}
	if sub.High.GreaterThan(forming.High) {
		forming.High = sub.High
	}
	if sub.Low.LessThan(forming.Low) {
		forming.Low = sub.Low
	}
	forming.Close = sub.Close
	forming.Volume = forming.Volume.Add(sub.Volume)
}

func winRate(hist []types.PositionRecord, inverse bool) decimal.Decimal {
	wins, total := 0, 0
	for _, rec := range hist {
		if rec.Status != types.StatusClosed {
			continue
		}
		total++
		if rec.GrossPL(inverse).IsPositive() {
			wins++
		}
	}
	if total == 0 {
		return decimal.Zero
	}
	return decimal.NewFromInt(int64(wins)).Div(decimal.NewFromInt(int64(total)))
}
