// Package bot runs one live bot: a reconciliation engine ticking on bars
// built from a push stream, trading through a rate-limited, retrying
// exchange channel.
//
// All engine work happens on the goroutine calling Run. Stream handlers
// and scheduled jobs hand their work to that goroutine through channels.
// Stopping a worker never cancels its open orders.
package bot

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/reconbot/internal/alerting"
	"github.com/tathienbao/reconbot/internal/broker"
	"github.com/tathienbao/reconbot/internal/engine"
	"github.com/tathienbao/reconbot/internal/ident"
	"github.com/tathienbao/reconbot/internal/metrics"
	"github.com/tathienbao/reconbot/internal/observer"
	"github.com/tathienbao/reconbot/internal/persistence"
	"github.com/tathienbao/reconbot/internal/risk"
	"github.com/tathienbao/reconbot/internal/strategy"
	"github.com/tathienbao/reconbot/internal/types"
)

// EventStream is the persistent push connection of a bot.
type EventStream interface {
	OnTrade(fn func(types.Trade))
	OnExecution(fn func(types.Execution))
	OnStatus(fn func(connected bool))
	Run(ctx context.Context) error
	Connected() bool
}

// TradeMatcher is implemented by exchanges that fill resting orders
// against the streamed trades themselves.
type TradeMatcher interface {
	OnTrade(tr types.Trade) ([]types.Execution, error)
}

// ExecutionSink is implemented by exchanges whose fills arrive on the push
// stream rather than through their own connection.
type ExecutionSink interface {
	Deliver(x types.Execution)
}

// Config holds worker settings.
type Config struct {
	BotID      string
	BarPeriod  time.Duration
	WindowBars int

	// EquityCron and SummaryCron are robfig/cron specs. Empty disables the
	// job.
	EquityCron  string
	SummaryCron string

	// AdvanceInterval is how often the worker checks for a bar boundary
	// without trades.
	AdvanceInterval time.Duration
}

// Deps are the collaborators of a worker.
type Deps struct {
	Exchange broker.Exchange
	Retry    broker.RetryConfig
	Stream   EventStream
	Strategy strategy.Strategy
	Engine   engine.Config
	Risk     *risk.Manager

	Snapshots  persistence.SnapshotStore
	Repository persistence.Repository
	Alerter    alerting.Alerter
	Recorder   *metrics.Recorder

	// History seeds the bar window, oldest first.
	History []*types.Bar
	Logger  *slog.Logger
}

// Worker is one running bot.
type Worker struct {
	cfg    Config
	deps   Deps
	logger *slog.Logger

	ex       *broker.Retrying
	eng      *engine.Engine
	window   *observer.Window
	recorder *metrics.Recorder

	trades chan types.Trade
	jobs   chan func(context.Context)

	lastTick atomic.Int64
	wasUp    atomic.Bool
	everUp   atomic.Bool
	dayStart decimal.Decimal
}

// New wires a worker. It does not connect anything.
func New(cfg Config, deps Deps) (*Worker, error) {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Exchange == nil || deps.Stream == nil || deps.Strategy == nil {
		return nil, fmt.Errorf("bot %s: %w: exchange, stream and strategy are required", cfg.BotID, types.ErrInvalidConfig)
	}
	if cfg.BarPeriod <= 0 {
		return nil, fmt.Errorf("bot %s: %w: bar period must be positive", cfg.BotID, types.ErrInvalidConfig)
	}
	if cfg.AdvanceInterval <= 0 {
		cfg.AdvanceInterval = time.Second
	}
	if deps.Recorder == nil {
		deps.Recorder = metrics.NewRecorder(cfg.BotID)
	}
	logger := deps.Logger.With("bot", cfg.BotID)

	ex := broker.NewRetrying(deps.Exchange, deps.Retry, logger)
	ex.OnRetry = deps.Recorder.RecordRetry

	var history persistence.HistoryWriter
	if deps.Repository != nil {
		history = deps.Repository
	}

	engCfg := deps.Engine
	engCfg.BotID = cfg.BotID
	eng, err := engine.New(engCfg, ex, deps.Strategy, engine.Options{
		Risk:      deps.Risk,
		Snapshots: deps.Snapshots,
		History:   history,
		Alerter:   deps.Alerter,
		Recorder:  deps.Recorder,
		Codec:     ident.NewCodec(ident.RandomNonce),
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("bot %s: %w", cfg.BotID, err)
	}

	return &Worker{
		cfg:      cfg,
		deps:     deps,
		logger:   logger,
		ex:       ex,
		eng:      eng,
		window:   observer.NewWindow(cfg.BarPeriod, cfg.WindowBars, deps.History),
		recorder: deps.Recorder,
		trades:   make(chan types.Trade, 1024),
		jobs:     make(chan func(context.Context), 8),
	}, nil
}

// ID returns the bot id.
func (w *Worker) ID() string {
	return w.cfg.BotID
}

// LastTick returns when the engine last completed a tick.
func (w *Worker) LastTick() time.Time {
	ns := w.lastTick.Load()
	if ns == 0 {
		return time.Time{}
	}
	return time.Unix(0, ns)
}

// Health reports the worker state for the health endpoint.
func (w *Worker) Health() metrics.Check {
	if !w.deps.Stream.Connected() {
		return metrics.Unhealthy("stream disconnected")
	}
	last := w.LastTick()
	if last.IsZero() {
		return metrics.Healthy("waiting for first tick")
	}
	return metrics.Healthy("last tick " + last.UTC().Format(time.RFC3339))
}

// Run trades until ctx is done or the stream gives up. A fatal engine error
// is returned as is so that the supervisor can stop restarting the worker.
func (w *Worker) Run(ctx context.Context) (err error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if c, ok := w.deps.Exchange.(broker.Connector); ok {
		if err := c.Connect(ctx); err != nil {
			return fmt.Errorf("bot %s: connect: %w", w.cfg.BotID, err)
		}
		defer func() {
			if derr := c.Disconnect(); derr != nil {
				w.logger.Warn("disconnect failed", "err", derr)
			}
		}()
	}

	if err := w.eng.Restore(); err != nil {
		return types.Fatal("restore", err)
	}

	acct, _ := w.ex.Account(ctx)
	w.dayStart = acct.Equity

	sched, err := w.schedule()
	if err != nil {
		return fmt.Errorf("bot %s: %w", w.cfg.BotID, err)
	}
	sched.Start()
	defer sched.Stop()

	w.deps.Stream.OnTrade(func(tr types.Trade) {
		select {
		case w.trades <- tr:
		case <-ctx.Done():
		}
	})
	if sink, ok := w.deps.Exchange.(ExecutionSink); ok {
		w.deps.Stream.OnExecution(sink.Deliver)
	}
	w.deps.Stream.OnStatus(func(up bool) { w.onStreamStatus(ctx, up) })

	streamErr := make(chan error, 1)
	go func() { streamErr <- w.deps.Stream.Run(ctx) }()

	w.recorder.RecordWorkerUp(true)
	defer w.recorder.RecordWorkerUp(false)
	alerting.Send(ctx, w.deps.Alerter, alerting.EventBotStarted, "bot started", "bot", w.cfg.BotID)
	w.logger.Info("worker started", "bar_period", w.cfg.BarPeriod, "window_bars", w.window.Len())

	defer func() {
		w.logger.Info("worker stopped, open orders left in place", "err", err)
		alerting.Send(context.WithoutCancel(ctx), w.deps.Alerter, alerting.EventBotStopped, "bot stopped", "bot", w.cfg.BotID)
	}()

	advance := time.NewTicker(w.cfg.AdvanceInterval)
	defer advance.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case serr := <-streamErr:
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Error("push stream gave up", "err", serr)
			return fmt.Errorf("bot %s: %w", w.cfg.BotID, serr)

		case tr := <-w.trades:
			if err := w.onTrade(ctx, tr); err != nil {
				return err
			}

		case now := <-advance.C:
			if w.window.Advance(now) {
				if err := w.tick(ctx); err != nil {
					return err
				}
			}

		case job := <-w.jobs:
			job(ctx)
		}
	}
}

// onTrade updates the bar window, lets a matching exchange fill against
// the trade and runs one engine tick.
func (w *Worker) onTrade(ctx context.Context, tr types.Trade) error {
	w.window.Apply(tr)
	if m, ok := w.deps.Exchange.(TradeMatcher); ok {
		if _, err := m.OnTrade(tr); err != nil {
			w.logger.Warn("trade rejected by exchange", "price", tr.Price, "err", err)
			return nil
		}
	}
	return w.tick(ctx)
}

func (w *Worker) tick(ctx context.Context) error {
	bars := w.window.Bars()
	if len(bars) == 0 {
		return nil
	}
	err := w.eng.OnTick(ctx, bars)
	w.lastTick.Store(time.Now().UnixNano())
	if err == nil {
		return nil
	}
	if types.IsFatal(err) || errors.Is(err, context.Canceled) {
		return err
	}
	w.logger.Warn("tick failed, retrying next tick", "err", err)
	return nil
}

// onStreamStatus alerts on connection loss and recovery. It runs on the
// stream goroutine.
func (w *Worker) onStreamStatus(ctx context.Context, up bool) {
	if up {
		if w.wasUp.Swap(true) {
			return
		}
		if w.everUp.Swap(true) {
			alerting.Send(ctx, w.deps.Alerter, alerting.EventStreamRestored, "push stream restored", "bot", w.cfg.BotID)
		}
		return
	}
	if w.wasUp.Swap(false) {
		alerting.Send(ctx, w.deps.Alerter, alerting.EventStreamLost, "push stream lost", "bot", w.cfg.BotID)
	}
}

// schedule registers the periodic jobs. Jobs run on the worker goroutine.
func (w *Worker) schedule() (*cron.Cron, error) {
	c := cron.New()
	add := func(spec string, job func(context.Context)) error {
		if spec == "" {
			return nil
		}
		_, err := c.AddFunc(spec, func() {
			select {
			case w.jobs <- job:
			default:
				w.logger.Warn("scheduled job skipped, worker busy")
			}
		})
		if err != nil {
			return fmt.Errorf("schedule %q: %w", spec, err)
		}
		return nil
	}
	if w.deps.Repository != nil {
		if err := add(w.cfg.EquityCron, w.saveEquity); err != nil {
			return nil, err
		}
	}
	if err := add(w.cfg.SummaryCron, w.dailySummary); err != nil {
		return nil, err
	}
	return c, nil
}

// saveEquity writes an equity snapshot row.
func (w *Worker) saveEquity(ctx context.Context) {
	acct := w.eng.Account()
	snap := persistence.EquitySnapshot{
		Bot:           w.cfg.BotID,
		Timestamp:     time.Now().UTC(),
		Equity:        acct.Equity,
		HighWaterMark: acct.Equity,
		OpenPositions: len(w.eng.Positions()),
		Exposure: types.Notional(acct.Position.Quantity, acct.Position.AvgEntryPrice,
			w.ex.Symbol().Inverse),
	}
	if w.deps.Risk != nil {
		_, snap.HighWaterMark, snap.Drawdown = w.deps.Risk.Snapshot()
	}
	if err := w.deps.Repository.SaveEquitySnapshot(ctx, snap); err != nil {
		w.logger.Error("save equity snapshot", "err", err)
		w.recorder.RecordError("equity_snapshot")
		return
	}
	w.logger.Debug("equity snapshot saved", "equity", snap.Equity, "drawdown", snap.Drawdown)
}

// dailySummary alerts the statistics of the last day.
func (w *Worker) dailySummary(ctx context.Context) {
	now := time.Now().UTC()
	acct := w.eng.Account()

	var records []types.PositionRecord
	if w.deps.Repository != nil {
		recs, err := w.deps.Repository.PositionHistory(ctx, w.cfg.BotID, now.Add(-24*time.Hour), now)
		if err != nil {
			w.logger.Error("load position history", "err", err)
		}
		records = recs
	}

	highWater, safeMode := acct.Equity, false
	if w.deps.Risk != nil {
		_, highWater, _ = w.deps.Risk.Snapshot()
		safeMode = w.deps.Risk.IsInSafeMode()
	}

	s := alerting.NewDailySummary(w.cfg.BotID, now, w.dayStart, acct.Equity, highWater,
		records, w.ex.Symbol().Inverse, safeMode, len(w.eng.Positions()))
	alerting.Send(ctx, w.deps.Alerter, alerting.EventDailySummary, s.Format(), "bot", w.cfg.BotID)
	w.dayStart = acct.Equity
}
