package strategy

import (
	"strconv"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/reconbot/internal/ident"
	"github.com/tathienbao/reconbot/internal/types"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func testSymbol() types.Symbol {
	return types.Symbol{
		Name:           "TEST",
		TickSize:       d("0.5"),
		LotSize:        d("1"),
		PricePrecision: 1,
	}
}

var barStart = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// flatBars returns n bars, newest first, ranging 95..105 around 100.
func flatBars(n int) []*types.Bar {
	bars := make([]*types.Bar, n)
	for i := range bars {
		bars[i] = &types.Bar{
			Timestamp: barStart.Add(-time.Duration(i) * time.Hour),
			Open:      d("100"),
			High:      d("105"),
			Low:       d("95"),
			Close:     d("100"),
		}
	}
	return bars
}

func newTestBreakout(t *testing.T) (*Breakout, *Actions) {
	t.Helper()
	cfg := DefaultBreakoutConfig()
	cfg.FixedAmount = d("3")

	b := NewBreakout(cfg, nil)
	if err := b.Init(testSymbol(), nil); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	return b, NewActions(ident.NewCodec(ident.SequenceNonce()), testSymbol())
}

func TestBreakout_OwnsSignalID(t *testing.T) {
	b, _ := newTestBreakout(t)

	tests := []struct {
		id   string
		want bool
	}{
		{"bo1714564800", true},
		{"bo", false},
		{"box", false},
		{"u1714564800", false},
		{"1714564800", false},
	}
	for _, tt := range tests {
		if got := b.OwnsSignalID(tt.id); got != tt.want {
			t.Errorf("OwnsSignalID(%q) = %v, want %v", tt.id, got, tt.want)
		}
	}
}

func TestBreakout_InitNeedsSizing(t *testing.T) {
	b := NewBreakout(DefaultBreakoutConfig(), nil)
	if err := b.Init(testSymbol(), nil); err == nil {
		t.Error("Init() without sizer or fixed amount should fail")
	}
}

func TestBreakout_PrepBars(t *testing.T) {
	b, _ := newTestBreakout(t)

	short := flatBars(10)
	b.PrepBars(true, short)
	if b.GotDataForPositionSync(short) {
		t.Error("10 bars should not be enough")
	}

	bars := flatBars(25)
	b.PrepBars(true, bars)
	if !b.GotDataForPositionSync(bars) {
		t.Fatal("25 bars should be enough")
	}
	atr, ok := bars[1].CacheDecimal(cacheATR)
	if !ok || !atr.Equal(d("10")) {
		t.Errorf("ATR = %s, %v; want 10", atr, ok)
	}
}

func TestBreakout_OpenOrdersPlacesOCOPair(t *testing.T) {
	b, acts := newTestBreakout(t)
	bars := flatBars(25)
	b.PrepBars(true, bars)

	b.OpenOrders(bars, types.Account{}, map[string]*types.Position{}, acts)

	if len(acts.Opened) != 2 {
		t.Fatalf("opened %d positions, want 2", len(acts.Opened))
	}

	signal := "bo" + strconv.FormatInt(barStart.Unix(), 10)
	want := map[string]struct {
		amount, entry, stop string
	}{
		signal + "-LONG":  {"3", "105.5", "85.5"},
		signal + "-SHORT": {"-3", "94.5", "114.5"},
	}

	for _, op := range acts.Opened {
		w, ok := want[op.Position.ID]
		if !ok {
			t.Errorf("unexpected position %s", op.Position.ID)
			continue
		}
		if !op.Entry.Amount.Equal(d(w.amount)) || !op.Entry.StopPrice.Equal(d(w.entry)) {
			t.Errorf("%s entry = %s @ %s, want %s @ %s", op.Position.ID, op.Entry.Amount, op.Entry.StopPrice, w.amount, w.entry)
		}
		if !op.Position.InitialStop.Equal(d(w.stop)) {
			t.Errorf("%s initial stop = %s, want %s", op.Position.ID, op.Position.InitialStop, w.stop)
		}
		if op.Position.Status != types.StatusPending {
			t.Errorf("%s status = %s, want PENDING", op.Position.ID, op.Position.Status)
		}
		posID, role, err := ident.Decode(op.Entry.ID)
		if err != nil || posID != op.Position.ID || role != types.RoleEntry {
			t.Errorf("entry id %s decodes to %s/%s/%v", op.Entry.ID, posID, role, err)
		}
	}

	// Same bar again: nothing new.
	again := NewActions(ident.NewCodec(nil), testSymbol())
	b.OpenOrders(bars, types.Account{}, map[string]*types.Position{}, again)
	if !again.Empty() {
		t.Errorf("second call on the same bar opened %d positions", len(again.Opened))
	}
}

func TestBreakout_NoEntriesWhileTracking(t *testing.T) {
	b, acts := newTestBreakout(t)
	bars := flatBars(25)
	b.PrepBars(true, bars)

	open := map[string]*types.Position{"x-LONG": types.NewPosition("x-LONG", barStart, d("1"), d("1"), d("1"))}
	b.OpenOrders(bars, types.Account{}, open, acts)

	if !acts.Empty() {
		t.Error("expected no actions while a position is tracked")
	}
}

type fixedSizer struct {
	amount decimal.Decimal
	err    error
}

func (f fixedSizer) PositionAmount(entry, stop decimal.Decimal) (decimal.Decimal, error) {
	if f.err != nil {
		return decimal.Zero, f.err
	}
	if stop.GreaterThan(entry) {
		return f.amount.Neg(), nil
	}
	return f.amount, nil
}

func TestBreakout_SizerBlocksEntries(t *testing.T) {
	b := NewBreakout(DefaultBreakoutConfig(), fixedSizer{err: types.ErrKillSwitchActive})
	if err := b.Init(testSymbol(), nil); err != nil {
		t.Fatalf("Init() error = %v", err)
	}
	acts := NewActions(ident.NewCodec(nil), testSymbol())
	bars := flatBars(25)
	b.PrepBars(true, bars)

	b.OpenOrders(bars, types.Account{}, map[string]*types.Position{}, acts)
	if !acts.Empty() {
		t.Error("expected no entries while the sizer refuses")
	}
}

func TestBreakout_StopForUnmatchedAmount(t *testing.T) {
	b, _ := newTestBreakout(t)
	bars := flatBars(25)

	if _, ok := b.StopForUnmatchedAmount(d("2"), bars); ok {
		t.Error("expected no stop before PrepBars")
	}

	b.PrepBars(true, bars)
	tests := []struct {
		amount string
		want   string
	}{
		{"2", "80"},
		{"-2", "120"},
	}
	for _, tt := range tests {
		got, ok := b.StopForUnmatchedAmount(d(tt.amount), bars)
		if !ok || !got.Equal(d(tt.want)) {
			t.Errorf("StopForUnmatchedAmount(%s) = %s, %v; want %s", tt.amount, got, ok, tt.want)
		}
	}
}

func TestBreakout_ManageOpenOrderCancelsInvalidatedEntry(t *testing.T) {
	b, acts := newTestBreakout(t)
	bars := flatBars(25)

	pos := types.NewPosition("bo1-LONG", barStart, d("3"), d("105.5"), d("85.5"))
	entry, err := acts.NewOrder(pos.ID, types.RoleEntry, d("3"), d("105.5"), decimal.Zero)
	if err != nil {
		t.Fatalf("NewOrder() error = %v", err)
	}

	b.ManageOpenOrder(entry, pos, bars, acts, nil)
	if len(acts.ToCancel) != 0 {
		t.Fatal("valid entry should stay")
	}

	bars[0].Close = d("85")
	b.ManageOpenOrder(entry, pos, bars, acts, nil)
	if len(acts.ToCancel) != 1 || acts.ToCancel[0].ID != entry.ID {
		t.Errorf("ToCancel = %v, want the entry", acts.ToCancel)
	}
}

func TestBreakout_ManageOpenPositionTrails(t *testing.T) {
	b, acts := newTestBreakout(t)
	bars := flatBars(25)
	bars[1].High = d("130")
	bars[0].Close = d("120")
	b.PrepBars(true, bars)

	pos := types.NewPosition("bo1-LONG", barStart, d("3"), d("105.5"), d("85.5"))
	pos.ApplyEntryFill(d("3"), d("105.5"), barStart)
	sl, err := acts.NewOrder(pos.ID, types.RoleStop, d("-3"), d("85.5"), decimal.Zero)
	if err != nil {
		t.Fatalf("NewOrder() error = %v", err)
	}
	pos.ConnectedOrders = []*types.Order{sl}

	b.ManageOpenPosition(pos, bars, types.Account{}, acts)

	// ATR = (13*10 + 35) / 14, stop = 130 - 3*ATR = 94.64 -> 94.5
	if len(acts.ToUpdate) != 1 {
		t.Fatalf("ToUpdate = %d orders, want 1", len(acts.ToUpdate))
	}
	if got := acts.ToUpdate[0].StopPrice; !got.Equal(d("94.5")) {
		t.Errorf("trailed stop = %s, want 94.5", got)
	}
	if !sl.StopPrice.Equal(d("85.5")) {
		t.Error("live order must not be modified in place")
	}

	// A looser stop is never sent.
	sl.StopPrice = d("99")
	acts.ToUpdate = nil
	b.ManageOpenPosition(pos, bars, types.Account{}, acts)
	if len(acts.ToUpdate) != 0 {
		t.Errorf("stop moved backwards: %v", acts.ToUpdate)
	}
}
