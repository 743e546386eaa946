// Package engine reconciles the positions a bot tracks with what the
// exchange reports.
//
// Every tick applies executions, checks tracked positions against the
// exchange's open orders and net quantity, heals disparities, lets the
// strategy act and saves a snapshot. All state belongs to the goroutine
// calling OnTick; only the execution buffer is shared with the exchange's
// push handler.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/reconbot/internal/alerting"
	"github.com/tathienbao/reconbot/internal/broker"
	"github.com/tathienbao/reconbot/internal/ident"
	"github.com/tathienbao/reconbot/internal/metrics"
	"github.com/tathienbao/reconbot/internal/persistence"
	"github.com/tathienbao/reconbot/internal/risk"
	"github.com/tathienbao/reconbot/internal/strategy"
	"github.com/tathienbao/reconbot/internal/types"
)

// Config holds engine configuration.
type Config struct {
	BotID string

	// ToleranceLotFraction scales the lot size into the quantity below which
	// two amounts count as equal.
	ToleranceLotFraction decimal.Decimal

	// CoolOffTicks is how many consecutive ticks a residual quantity
	// mismatch is tolerated before it gets corrected.
	CoolOffTicks int

	// MaxBarsPending and MaxBarsTriggered move waiting positions to MISSED
	// after that many bars. Zero disables the timeout.
	MaxBarsPending   int
	MaxBarsTriggered int
}

// DefaultConfig returns the default reconciliation thresholds.
func DefaultConfig() Config {
	return Config{
		BotID:                "default",
		ToleranceLotFraction: decimal.RequireFromString("0.1"),
		CoolOffTicks:         1,
		MaxBarsTriggered:     3,
	}
}

// Options are the optional collaborators of an Engine.
type Options struct {
	Risk      *risk.Manager
	Snapshots persistence.SnapshotStore
	History   persistence.HistoryWriter
	Alerter   alerting.Alerter
	Recorder  *metrics.Recorder
	Codec     *ident.Codec
	Now       func() time.Time
	Logger    *slog.Logger
}

// Engine keeps the tracked positions of one bot in sync with one exchange.
type Engine struct {
	cfg       Config
	ex        broker.Exchange
	strat     strategy.Strategy
	sym       types.Symbol
	tolerance decimal.Decimal

	risk      *risk.Manager
	snapshots persistence.SnapshotStore
	history   persistence.HistoryWriter
	alerter   alerting.Alerter
	recorder  *metrics.Recorder
	codec     *ident.Codec
	factory   *strategy.Actions
	now       func() time.Time
	logger    *slog.Logger

	open      map[string]*types.Position
	closed    []types.PositionRecord
	account   types.Account
	bars      []*types.Bar
	unmatched []*types.Order

	lastTime          time.Time
	lastTickTimestamp time.Time
	coldStart         bool
	restored          bool
	moduleData        map[int64]map[string]any

	watermark      int
	executedSeen   map[string]decimal.Decimal
	baselined      bool
	degradedWarned bool
	residualTicks  int

	execMu  sync.Mutex
	pending []types.Execution
}

// New creates an engine and initializes the strategy on the exchange's
// symbol.
func New(cfg Config, ex broker.Exchange, strat strategy.Strategy, opts Options) (*Engine, error) {
	if cfg.BotID == "" {
		return nil, fmt.Errorf("engine: %w: empty bot id", types.ErrInvalidConfig)
	}
	if !cfg.ToleranceLotFraction.IsPositive() {
		cfg.ToleranceLotFraction = DefaultConfig().ToleranceLotFraction
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Recorder == nil {
		opts.Recorder = metrics.NewRecorder(cfg.BotID)
	}
	if opts.Codec == nil {
		opts.Codec = ident.NewCodec(nil)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	sym := ex.Symbol()
	if !sym.LotSize.IsPositive() {
		return nil, fmt.Errorf("engine %s: %w: lot size must be positive", cfg.BotID, types.ErrInvalidSymbol)
	}

	logger := opts.Logger.With("bot", cfg.BotID)
	if err := strat.Init(sym, logger); err != nil {
		return nil, fmt.Errorf("init strategy %s: %w", strat.Name(), err)
	}

	e := &Engine{
		cfg:          cfg,
		ex:           ex,
		strat:        strat,
		sym:          sym,
		tolerance:    sym.Tolerance(cfg.ToleranceLotFraction),
		risk:         opts.Risk,
		snapshots:    opts.Snapshots,
		history:      opts.History,
		alerter:      opts.Alerter,
		recorder:     opts.Recorder,
		codec:        opts.Codec,
		factory:      strategy.NewActions(opts.Codec, sym),
		now:          opts.Now,
		logger:       logger,
		open:         make(map[string]*types.Position),
		coldStart:    true,
		executedSeen: make(map[string]decimal.Decimal),
	}

	if ex.HandlesExecutions() {
		ex.SetExecutionHandler(e.onExecution)
	}
	return e, nil
}

// onExecution buffers a pushed fill until the next tick.
func (e *Engine) onExecution(x types.Execution) {
	e.execMu.Lock()
	defer e.execMu.Unlock()
	e.pending = append(e.pending, x)
}

// OnTick runs one reconciliation pass. bars are newest first and bars[0]
// is the forming bar. The snapshot is saved even when the pass fails or
// panics.
func (e *Engine) OnTick(ctx context.Context, bars []*types.Bar) (err error) {
	if len(bars) == 0 {
		return fmt.Errorf("tick: %w", types.ErrNoMarketData)
	}
	timer := metrics.NewTimer()

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("panic in tick, saving snapshot", "panic", r)
			if serr := e.saveSnapshot(); serr != nil {
				e.logger.Error("save snapshot after panic", "err", serr)
			}
			panic(r)
		}
	}()

	err = e.tick(ctx, bars)
	if err != nil {
		e.recorder.RecordError("tick")
	}
	if serr := e.saveSnapshot(); serr != nil {
		e.logger.Error("save snapshot", "err", serr)
		e.recorder.RecordError("snapshot")
		if err == nil {
			err = serr
		}
	}

	e.recorder.RecordTick(timer.Elapsed())
	e.recorder.RecordPositions(len(e.open))
	return err
}

func (e *Engine) tick(ctx context.Context, bars []*types.Bar) error {
	now := e.now()
	forming := bars[0]
	isNewBar := !forming.Timestamp.Equal(e.lastTime)

	e.bars = bars
	e.restoreModuleData(bars)
	e.strat.PrepBars(isNewBar, bars)

	account, err := e.ex.Account(ctx)
	if err != nil {
		return fmt.Errorf("fetch account: %w", err)
	}
	e.account = account

	orders, err := e.ex.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("fetch open orders: %w", err)
	}
	e.matchOrders(orders)

	siblings := e.cancelRequested()
	filled, err := e.applyExecutions(ctx, now)
	if err != nil {
		return err
	}
	e.protectFilled(ctx, filled)
	e.cancelSiblings(ctx, siblings, now)
	e.markTriggered(now)
	if isNewBar && !e.lastTime.IsZero() {
		e.ageAwaiting(ctx, now)
	}

	e.updateRisk(ctx, now)

	if kinds := e.disparities(); len(kinds) > 0 || e.coldStart {
		if e.strat.GotDataForPositionSync(bars) {
			e.heal(ctx, now)
			e.coldStart = false
		} else {
			e.logger.Debug("not enough bars to heal yet", "disparities", kinds)
		}
	} else {
		e.residualTicks = 0
	}

	e.dispatch(ctx)

	e.lastTime = forming.Timestamp
	e.lastTickTimestamp = now
	return nil
}

// matchOrders rebuilds the connected orders of every tracked position from
// the exchange's open orders. Orders without a tracked owner are kept as
// unmatched for healing.
func (e *Engine) matchOrders(orders []*types.Order) {
	for _, pos := range e.open {
		pos.ConnectedOrders = nil
	}
	e.unmatched = nil

	for _, o := range orders {
		if !o.Active {
			continue
		}
		posID, role, err := ident.Decode(o.ID)
		if err != nil {
			e.logger.Warn("open order with foreign id", "order_id", o.ID, "err", err)
			e.unmatched = append(e.unmatched, o)
			continue
		}
		o.PositionID, o.Role = posID, role

		if pos, ok := e.open[posID]; ok {
			pos.ConnectedOrders = append(pos.ConnectedOrders, o)
			continue
		}
		e.unmatched = append(e.unmatched, o)
	}
}

func (e *Engine) updateRisk(ctx context.Context, now time.Time) {
	if e.risk == nil {
		return
	}
	flat := e.account.Position.Quantity.IsZero()
	if e.risk.UpdateEquity(e.account.Equity, flat, now) {
		current, peak, drawdown := e.risk.Snapshot()
		e.alert(ctx, alerting.EventSafeModeEntered, "Max drawdown reached, new entries blocked",
			"equity", current,
			"peak", peak,
			"drawdown", drawdown,
		)
	}
	current, peak, drawdown := e.risk.Snapshot()
	e.recorder.RecordEquity(current, peak, drawdown)
}

// sortedOpen returns the tracked positions ordered by id so every pass
// visits them deterministically.
func (e *Engine) sortedOpen() []*types.Position {
	out := make([]*types.Position, 0, len(e.open))
	for _, pos := range e.open {
		out = append(out, pos)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// residual is the exchange quantity not explained by OPEN positions.
func (e *Engine) residual() decimal.Decimal {
	tracked := decimal.Zero
	for _, pos := range e.open {
		if pos.Status == types.StatusOpen {
			tracked = tracked.Add(pos.CurrentOpenAmount)
		}
	}
	return e.account.Position.Quantity.Sub(tracked)
}

func (e *Engine) alert(ctx context.Context, event alerting.AlertEvent, message string, fields ...any) {
	fields = append([]any{"bot", e.cfg.BotID}, fields...)
	if err := alerting.Send(ctx, e.alerter, event, message, fields...); err != nil {
		e.logger.Warn("failed to send alert", "event", event, "err", err)
	}
}

// BotID returns the bot id.
func (e *Engine) BotID() string {
	return e.cfg.BotID
}

// Positions returns the tracked positions ordered by id.
func (e *Engine) Positions() []*types.Position {
	return e.sortedOpen()
}

// History returns the positions that reached a terminal status since start.
func (e *Engine) History() []types.PositionRecord {
	out := make([]types.PositionRecord, len(e.closed))
	copy(out, e.closed)
	return out
}

// Account returns the account as of the last tick.
func (e *Engine) Account() types.Account {
	return e.account
}
