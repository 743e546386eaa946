package backtest

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/reconbot/internal/engine"
	"github.com/tathienbao/reconbot/internal/ident"
	"github.com/tathienbao/reconbot/internal/strategy"
	"github.com/tathienbao/reconbot/internal/types"
)

var start = time.Date(2024, 1, 1, 6, 0, 0, 0, time.UTC)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testSymbol() types.Symbol {
	return types.Symbol{Name: "TEST", TickSize: d("0.5"), LotSize: d("1"), PricePrecision: 1}
}

// hourBar builds an hourly bar from oldest first sub-bars given as
// open,high,low,close quadruples.
func hourBar(hour int, subs ...[4]string) *types.Bar {
	ts := start.Add(time.Duration(hour) * time.Hour)
	bar := &types.Bar{Timestamp: ts}
	for i, s := range subs {
		sub := &types.Bar{
			Timestamp: ts.Add(time.Duration(i) * 30 * time.Minute),
			Open:      d(s[0]),
			High:      d(s[1]),
			Low:       d(s[2]),
			Close:     d(s[3]),
		}
		bar.Subbars = append([]*types.Bar{sub}, bar.Subbars...)
	}
	oldest, newest := bar.Subbars[len(bar.Subbars)-1], bar.Subbars[0]
	bar.Open, bar.Close = oldest.Open, newest.Close
	bar.High, bar.Low = oldest.High, oldest.Low
	for _, s := range bar.Subbars {
		bar.High = decimal.Max(bar.High, s.High)
		bar.Low = decimal.Min(bar.Low, s.Low)
	}
	return bar
}

var quiet = [4]string{"100", "101", "99", "100"}

// oneShot opens a single long stop-entry on its first tick.
type oneShot struct {
	entry, stop string
	done        bool
}

func (s *oneShot) Name() string                             { return "one-shot" }
func (s *oneShot) Init(types.Symbol, *slog.Logger) error    { return nil }
func (s *oneShot) PrepBars(bool, []*types.Bar)              {}
func (s *oneShot) GotDataForPositionSync([]*types.Bar) bool { return true }
func (s *oneShot) OwnsSignalID(string) bool                 { return true }
func (s *oneShot) ManageOpenPosition(*types.Position, []*types.Bar, types.Account, *strategy.Actions) {
}
func (s *oneShot) ManageOpenOrder(*types.Order, *types.Position, []*types.Bar, *strategy.Actions, map[string]*types.Position) {
}

func (s *oneShot) StopForUnmatchedAmount(decimal.Decimal, []*types.Bar) (decimal.Decimal, bool) {
	return decimal.Zero, false
}

func (s *oneShot) OpenOrders(bars []*types.Bar, _ types.Account, _ map[string]*types.Position, acts *strategy.Actions) {
	if s.done {
		return
	}
	s.done = true
	posID, _ := ident.FullPosID("s1", types.DirectionLong)
	o, err := acts.NewOrder(posID, types.RoleEntry, d("1"), d(s.entry), decimal.Zero)
	if err != nil {
		return
	}
	_ = acts.Open(types.NewPosition(posID, bars[0].Timestamp, o.Amount, o.StopPrice, d(s.stop)), o)
}

type historyLog struct {
	records []types.PositionRecord
}

func (h *historyLog) AppendPosition(_ context.Context, _ string, rec types.PositionRecord) error {
	h.records = append(h.records, rec)
	return nil
}

func testConfig() Config {
	return Config{
		BotID:          "bt",
		Symbol:         testSymbol(),
		InitialBalance: d("10000"),
		Engine:         engine.DefaultConfig(),
	}
}

func TestRunner_StopOut(t *testing.T) {
	bars := []*types.Bar{
		hourBar(0, quiet, quiet),
		hourBar(1, [4]string{"104", "106", "103", "105"}, [4]string{"105", "110", "104", "109"}),
		hourBar(2, [4]string{"94", "95", "93", "94"}, [4]string{"94", "95", "93", "94"}),
	}
	hist := &historyLog{}
	r := NewRunner(testConfig(), &oneShot{entry: "105", stop: "95"}, Options{History: hist})

	res, err := r.Run(context.Background(), bars)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if res.RunID == "" {
		t.Error("missing run id")
	}
	if res.Bars != 3 || res.Ticks != 6 {
		t.Errorf("bars/ticks = %d/%d, want 3/6", res.Bars, res.Ticks)
	}
	if len(res.Positions) != 1 {
		t.Fatalf("positions = %d, want 1", len(res.Positions))
	}
	rec := res.Positions[0]
	if rec.Status != types.StatusClosed || !rec.OpenPrice.Equal(d("104")) || !rec.ClosePrice.Equal(d("94")) {
		t.Errorf("record = %s open %s close %s, want CLOSED 104 -> 94", rec.Status, rec.OpenPrice, rec.ClosePrice)
	}
	if !res.EndEquity.Equal(d("9990")) {
		t.Errorf("end equity = %s, want 9990", res.EndEquity)
	}
	if !res.ForceClosed.IsZero() {
		t.Errorf("force closed = %s, want 0", res.ForceClosed)
	}
	if !res.MaxDrawdown.Equal(d("0.001")) {
		t.Errorf("max drawdown = %s, want 0.001", res.MaxDrawdown)
	}
	if len(hist.records) != 1 {
		t.Errorf("history writes = %d, want 1", len(hist.records))
	}
	if len(res.EquityCurve) != 4 {
		t.Errorf("equity curve = %d points, want 4", len(res.EquityCurve))
	}
}

func TestRunner_ForceCloseAndFunding(t *testing.T) {
	bars := []*types.Bar{
		hourBar(0, quiet),
		hourBar(1, [4]string{"104", "106", "103", "105"}),
		hourBar(2, [4]string{"110", "112", "109", "111"}),
	}
	cfg := testConfig()
	cfg.Funding = FundingModel{SyntheticRate: d("0.001")}
	hist := &historyLog{}
	r := NewRunner(cfg, &oneShot{entry: "105", stop: "95"}, Options{History: hist})

	res, err := r.Run(context.Background(), bars)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	if !res.ForceClosed.Equal(d("1")) {
		t.Errorf("force closed = %s, want 1", res.ForceClosed)
	}
	if len(res.Positions) != 1 || res.Positions[0].Status != types.StatusClosed || !res.Positions[0].ClosePrice.Equal(d("111")) {
		t.Fatalf("positions = %+v, want one closed at 111", res.Positions)
	}
	// Long 1 at 104, funding 0.001 of 110 paid at the 08:00 bar.
	if !res.Funding.Equal(d("-0.11")) {
		t.Errorf("funding = %s, want -0.11", res.Funding)
	}
	if !res.Realized.Equal(d("7")) {
		t.Errorf("realized = %s, want 7", res.Realized)
	}
	if !res.EndEquity.Equal(d("10006.89")) {
		t.Errorf("end equity = %s, want 10006.89", res.EndEquity)
	}
	if len(hist.records) != 1 {
		t.Errorf("history writes = %d, want the force closed record", len(hist.records))
	}
}

func TestRunner_ProgressAndWindow(t *testing.T) {
	var bars []*types.Bar
	for h := 0; h < 6; h++ {
		bars = append(bars, hourBar(h, quiet))
	}
	cfg := testConfig()
	cfg.StartTime = start.Add(time.Hour)
	cfg.EndTime = start.Add(4 * time.Hour)

	r := NewRunner(cfg, &oneShot{entry: "200", stop: "90"}, Options{})
	var updates []ProgressUpdate
	r.SetProgressCallback(func(u ProgressUpdate) { updates = append(updates, u) })

	res, err := r.Run(context.Background(), bars)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if res.Bars != 4 || !res.Start.Equal(cfg.StartTime) || !res.End.Equal(cfg.EndTime) {
		t.Errorf("bars = %d from %s to %s", res.Bars, res.Start, res.End)
	}
	if len(updates) != 4 || updates[3].Bar != 4 || updates[3].TotalBars != 4 {
		t.Errorf("updates = %+v", updates)
	}
	if updates[0].Open != 1 {
		t.Errorf("open positions = %d, want the pending entry", updates[0].Open)
	}
}

func TestRunner_NoBars(t *testing.T) {
	r := NewRunner(testConfig(), &oneShot{entry: "105", stop: "95"}, Options{})
	if _, err := r.Run(context.Background(), nil); !errors.Is(err, types.ErrNoMarketData) {
		t.Errorf("Run(nil) error = %v, want ErrNoMarketData", err)
	}
}

func TestRunner_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := NewRunner(testConfig(), &oneShot{entry: "105", stop: "95"}, Options{})
	if _, err := r.Run(ctx, []*types.Bar{hourBar(0, quiet)}); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() error = %v, want context.Canceled", err)
	}
}

func TestRunner_Deterministic(t *testing.T) {
	build := func() []*types.Bar {
		return []*types.Bar{
			hourBar(0, quiet, quiet),
			hourBar(1, [4]string{"104", "106", "103", "105"}, [4]string{"105", "110", "104", "109"}),
			hourBar(2, [4]string{"108", "109", "107", "108"}),
		}
	}
	cfg := testConfig()
	cfg.NoExecutionPush = true

	a, err := NewRunner(cfg, &oneShot{entry: "105", stop: "95"}, Options{}).Run(context.Background(), build())
	if err != nil {
		t.Fatalf("first Run() error = %v", err)
	}
	b, err := NewRunner(cfg, &oneShot{entry: "105", stop: "95"}, Options{}).Run(context.Background(), build())
	if err != nil {
		t.Fatalf("second Run() error = %v", err)
	}

	if !a.EndEquity.Equal(b.EndEquity) || len(a.Positions) != len(b.Positions) || a.Ticks != b.Ticks {
		t.Errorf("runs differ: %s/%d vs %s/%d", a.EndEquity, len(a.Positions), b.EndEquity, len(b.Positions))
	}
	if a.RunID == b.RunID {
		t.Error("run ids should differ")
	}
}
