// Package main is the entry point for reconbot.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/reconbot/internal/alerting"
	"github.com/tathienbao/reconbot/internal/backtest"
	"github.com/tathienbao/reconbot/internal/bot"
	"github.com/tathienbao/reconbot/internal/broker/paper"
	"github.com/tathienbao/reconbot/internal/config"
	"github.com/tathienbao/reconbot/internal/metrics"
	"github.com/tathienbao/reconbot/internal/observer"
	"github.com/tathienbao/reconbot/internal/persistence"
	"github.com/tathienbao/reconbot/internal/risk"
	"github.com/tathienbao/reconbot/internal/strategy"
	"github.com/tathienbao/reconbot/internal/stream"
	"github.com/tathienbao/reconbot/internal/supervisor"
	"github.com/tathienbao/reconbot/internal/types"
	"github.com/tathienbao/reconbot/internal/ui"
)

// Version information (set by build flags).
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "version", "-v", "--version":
		cmdVersion()
	case "help", "-h", "--help":
		printUsage()
	case "backtest":
		cmdBacktest(os.Args[2:])
	case "run":
		cmdRun(os.Args[2:])
	case "validate":
		cmdValidate(os.Args[2:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`reconbot - stop-order trading with exchange reconciliation

Usage:
  reconbot <command> [options]

Commands:
  run        Start the configured bots against the paper exchange
  backtest   Replay a CSV file through one bot
  validate   Validate configuration file
  version    Show version information
  help       Show this help message

Examples:
  reconbot run --config config.yaml
  reconbot backtest --config config.yaml --data data/BTCUSD_1m.csv
  reconbot validate --config config.yaml

Use "reconbot <command> --help" for more information about a command.`)
}

func cmdVersion() {
	fmt.Printf("reconbot version %s\n", Version)
	fmt.Printf("  Build time: %s\n", BuildTime)
	fmt.Printf("  Git commit: %s\n", GitCommit)
}

func cmdValidate(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	live := fs.Bool("live", false, "Also check settings required by run")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err == nil && *live {
		err = cfg.ValidateLive()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		os.Exit(1)
	}

	fmt.Println("Configuration is valid!")
	for _, b := range cfg.Bots {
		fmt.Printf("  Bot %s: %s on %s, %s bars, balance %.4f\n",
			b.ID, b.Strategy.Name, b.Symbol.Name, b.BarPeriod(), b.InitialBalance)
	}
	fmt.Printf("  Max drawdown: %.1f%%\n", cfg.Risk.MaxDrawdownPct*100)
	fmt.Printf("  Risk per trade: %.1f%%\n", cfg.Risk.RiskPerTradePct*100)
}

func cmdBacktest(args []string) {
	fs := flag.NewFlagSet("backtest", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	dataPath := fs.String("data", "", "Path to CSV data file (required)")
	botID := fs.String("bot", "", "Bot to replay (default: first configured)")
	fundingPath := fs.String("funding", "", "Path to funding rate CSV (overrides config)")
	noUI := fs.Bool("no-ui", false, "Disable the terminal chart")
	verbose := fs.Bool("verbose", false, "Verbose output")
	fs.Parse(args)

	if *dataPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --data is required")
		fs.Usage()
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}
	botCfg, err := cfg.Bot(*botID)
	if err != nil {
		slog.Error("failed to select bot", "err", err)
		os.Exit(1)
	}

	fine, err := observer.LoadBars(*dataPath, logger)
	if err != nil {
		slog.Error("failed to load bars", "err", err)
		os.Exit(1)
	}
	bars, err := observer.Aggregate(fine, cfg.BarPeriod())
	if err != nil {
		slog.Error("failed to aggregate bars", "err", err)
		os.Exit(1)
	}

	if *fundingPath == "" {
		*fundingPath = cfg.Backtest.FundingCSV
	}
	var fundingTable map[int64]decimal.Decimal
	if *fundingPath != "" {
		if fundingTable, err = observer.LoadFunding(*fundingPath); err != nil {
			slog.Error("failed to load funding", "err", err)
			os.Exit(1)
		}
	}
	funding := backtest.NewFundingModel(fundingTable, decimal.NewFromFloat(cfg.Backtest.SyntheticFundingRate))

	sym := botCfg.ToSymbol()
	balance := botCfg.InitialBalanceDecimal()
	riskMgr := risk.NewManager(cfg.ToRiskConfig(), sym, balance, logger)
	strat := strategy.NewBreakout(botCfg.ToBreakoutConfig(), riskMgr)

	runner := backtest.NewRunner(backtest.Config{
		BotID:           botCfg.ID,
		Symbol:          sym,
		InitialBalance:  balance,
		SlippagePct:     decimal.NewFromFloat(cfg.Backtest.SlippagePct),
		Funding:         funding,
		Engine:          cfg.ToEngineConfig(botCfg.ID),
		HistoryBars:     cfg.Backtest.HistoryBars,
		NoExecutionPush: cfg.Backtest.NoExecutionPush,
	}, strat, backtest.Options{
		Risk:      riskMgr,
		Snapshots: persistence.NewMemorySnapshotStore(),
		Logger:    logger,
	})

	var display *ui.BacktestUI
	if !*noUI && !*verbose && ui.IsTerminal() {
		display = ui.NewBacktestUI(nil, balance)
		runner.SetProgressCallback(display.Update)
		display.Start()
	}

	slog.Info("starting backtest",
		"data", *dataPath,
		"bot", botCfg.ID,
		"strategy", strat.Name(),
		"bars", len(bars),
		"balance", balance,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	result, err := runner.Run(ctx, bars)
	if display != nil {
		display.Stop()
	}
	if err != nil {
		slog.Error("backtest failed", "err", err)
		os.Exit(1)
	}

	m := backtest.NewMetrics(result, decimal.Zero)
	printBacktestResults(result, m)
	printMetrics(m)
}

func printBacktestResults(result *backtest.Result, m *backtest.Metrics) {
	hundred := decimal.NewFromInt(100)

	fmt.Println("\n=== BACKTEST RESULTS ===")
	fmt.Printf("Run:              %s\n", result.RunID)
	fmt.Printf("Period:           %s -> %s (%d bars, %d ticks)\n",
		result.Start.Format(time.DateTime), result.End.Format(time.DateTime), result.Bars, result.Ticks)
	fmt.Printf("Starting Balance: %s\n", result.StartEquity.StringFixed(4))
	fmt.Printf("Ending Balance:   %s\n", result.EndEquity.StringFixed(4))
	fmt.Printf("Total Return:     %s%%\n", result.TotalReturn.Mul(hundred).StringFixed(2))
	fmt.Printf("Realized:         %s\n", result.Realized.StringFixed(4))
	fmt.Printf("Fees:             %s\n", result.Fees.StringFixed(4))
	fmt.Printf("Funding:          %s\n", result.Funding.StringFixed(4))
	fmt.Printf("Max Drawdown:     %s%%\n", result.MaxDrawdown.Mul(hundred).StringFixed(2))
	fmt.Printf("Max Underwater:   %s\n", result.MaxUnderwater)
	fmt.Printf("Peak Exposure:    %s\n", result.PeakExposure.StringFixed(4))
	if !result.ForceClosed.IsZero() {
		fmt.Printf("Force Closed:     %s\n", result.ForceClosed)
	}
	fmt.Println()
	fmt.Printf("Positions:        %d\n", len(result.Positions))
	fmt.Printf("Closed Trades:    %d\n", m.Trades())
	fmt.Printf("Win Rate:         %s%%\n", m.WinRate().Mul(hundred).StringFixed(2))
	fmt.Printf("Profit Factor:    %s\n", m.ProfitFactor().StringFixed(2))
}

func printMetrics(m *backtest.Metrics) {
	fmt.Println("\n=== PERFORMANCE METRICS ===")
	fmt.Printf("Sharpe Ratio:     %s\n", m.SharpeRatio().StringFixed(2))
	fmt.Printf("Sortino Ratio:    %s\n", m.SortinoRatio().StringFixed(2))
	fmt.Printf("Calmar Ratio:     %s\n", m.CalmarRatio().StringFixed(2))
	fmt.Printf("Annual Return:    %s%%\n", m.AnnualizedReturn().Mul(decimal.NewFromInt(100)).StringFixed(2))
	fmt.Printf("Expectancy:       %s\n", m.Expectancy().StringFixed(4))
	fmt.Printf("Avg Win:          %s\n", m.AverageWin().StringFixed(4))
	fmt.Printf("Avg Loss:         %s\n", m.AverageLoss().StringFixed(4))
}

func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	fs.Parse(args)

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	cfg, err := config.Load(*configPath)
	if err == nil {
		err = cfg.ValidateLive()
	}
	if err != nil {
		slog.Error("failed to load config", "err", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	slog.Info("reconbot starting",
		"version", Version,
		"bots", len(cfg.Bots),
	)
	metrics.SetBuildInfo(Version, GitCommit, BuildTime)

	alerter := buildAlerter(cfg, logger)

	snapshots, err := persistence.NewFileSnapshotStore(cfg.Persistence.SnapshotDir, cfg.Persistence.Backups, logger)
	if err != nil {
		slog.Error("failed to open snapshot store", "err", err)
		os.Exit(1)
	}

	var repo persistence.Repository
	if cfg.Persistence.HistoryDB != "" {
		sqlRepo, err := persistence.NewSQLiteRepository(cfg.Persistence.HistoryDB)
		if err != nil {
			slog.Error("failed to open history database", "err", err)
			os.Exit(1)
		}
		if err := sqlRepo.Migrate(ctx); err != nil {
			slog.Error("failed to migrate history database", "err", err)
			os.Exit(1)
		}
		repo = sqlRepo
	}

	var server *metrics.Server
	if cfg.Metrics.Enabled {
		server = metrics.NewServer(cfg.ToServerConfig(), logger)
		if err := server.Start(); err != nil {
			slog.Error("failed to start metrics server", "err", err)
			os.Exit(1)
		}
	}

	sup := supervisor.New(supervisor.Config{
		PollInterval:  cfg.PollInterval(),
		MaxFailures:   cfg.Supervisor.MaxFailures,
		FailureWindow: cfg.FailureWindow(),
	}, alerter, logger)

	for _, b := range cfg.Bots {
		spec, err := botSpec(cfg, b, snapshots, repo, alerter, logger)
		if err != nil {
			slog.Error("failed to set up bot", "bot", b.ID, "err", err)
			os.Exit(1)
		}
		if err := sup.Add(spec); err != nil {
			slog.Error("failed to add bot", "bot", b.ID, "err", err)
			os.Exit(1)
		}
		if server != nil {
			id := b.ID
			server.RegisterHealthCheck(id, func() metrics.Check { return sup.Health(id) })
		}
	}

	runErr := sup.Run(ctx)
	if errors.Is(runErr, supervisor.ErrAllExcluded) {
		slog.Error("no bot left running", "err", runErr)
	} else {
		slog.Info("shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	if err := shutdown(shutdownCtx, cfg, server, repo); err != nil {
		slog.Error("shutdown error", "err", err)
	}

	slog.Info("reconbot shutdown complete")
	if runErr != nil {
		os.Exit(1)
	}
}

// botSpec wires one configured bot. The paper exchange outlives worker
// restarts; everything else is rebuilt and restored from the snapshot.
func botSpec(cfg *config.Config, b config.BotConfig, snapshots persistence.SnapshotStore,
	repo persistence.Repository, alerter alerting.Alerter, logger *slog.Logger,
) (supervisor.Spec, error) {
	sym := b.ToSymbol()
	balance := b.InitialBalanceDecimal()
	recorder := metrics.NewRecorder(b.ID)

	ex := paper.NewExchange(paper.Config{
		Symbol:         sym,
		InitialBalance: balance,
		SlippagePct:    decimal.NewFromFloat(b.SlippagePct),
	}, logger)

	var history []*types.Bar
	if b.WarmupCSV != "" {
		fine, err := observer.LoadBars(b.WarmupCSV, logger)
		if err != nil {
			return supervisor.Spec{}, fmt.Errorf("warmup: %w", err)
		}
		if history, err = observer.Aggregate(fine, b.BarPeriod()); err != nil {
			return supervisor.Spec{}, fmt.Errorf("warmup: %w", err)
		}
	}

	factory := func() (supervisor.Runner, error) {
		client := stream.New(b.ToStreamConfig(), logger.With("bot", b.ID))
		client.SetObserver(recorder)

		riskMgr := risk.NewManager(cfg.ToRiskConfig(), sym, balance, logger)
		w, err := bot.New(bot.Config{
			BotID:       b.ID,
			BarPeriod:   b.BarPeriod(),
			WindowBars:  b.WindowBars,
			EquityCron:  cfg.Persistence.EquitySnapshotCron,
			SummaryCron: cfg.Alerting.DailySummaryCron,
		}, bot.Deps{
			Exchange:   ex,
			Retry:      cfg.ToRetryConfig(),
			Stream:     client,
			Strategy:   strategy.NewBreakout(b.ToBreakoutConfig(), riskMgr),
			Engine:     cfg.ToEngineConfig(b.ID),
			Risk:       riskMgr,
			Snapshots:  snapshots,
			Repository: repo,
			Alerter:    alerter,
			Recorder:   recorder,
			History:    history,
			Logger:     logger,
		})
		if err != nil {
			return nil, err
		}
		return w, nil
	}

	return supervisor.Spec{ID: b.ID, Factory: factory, Recorder: recorder}, nil
}

// buildAlerter combines the configured channels. Alerts always reach the
// log; the event filter applies to the external channels only.
func buildAlerter(cfg *config.Config, logger *slog.Logger) alerting.Alerter {
	console := alerting.NewConsoleAlerter(logger)
	if !cfg.Alerting.Enabled {
		return console
	}
	external := alerting.NewMultiAlerter(logger)
	for _, tg := range cfg.TelegramChannels() {
		external.AddAlerter(alerting.NewTelegramAlerter(tg))
	}
	return alerting.NewMultiAlerter(logger, console,
		alerting.NewFilterAlerter(external, cfg.IsAlertEventEnabled))
}

func shutdown(ctx context.Context, cfg *config.Config, server *metrics.Server, repo persistence.Repository) error {
	slog.Info("starting graceful shutdown",
		"timeout", cfg.ShutdownTimeout(),
	)

	// Open orders stay on the exchange; the next start adopts them.
	steps := []struct {
		name string
		fn   func() error
	}{
		{"stop metrics server", func() error {
			if server == nil {
				return nil
			}
			return server.Shutdown(ctx)
		}},
		{"close history database", func() error {
			if repo == nil {
				return nil
			}
			return repo.Close()
		}},
	}

	for _, step := range steps {
		select {
		case <-ctx.Done():
			return fmt.Errorf("shutdown timeout during: %s", step.name)
		default:
			slog.Debug("shutdown step", "step", step.name)
			if err := step.fn(); err != nil {
				slog.Warn("shutdown step failed", "step", step.name, "err", err)
			}
		}
	}
	return nil
}
