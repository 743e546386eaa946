package engine

import (
	"strconv"
	"testing"

	"github.com/tathienbao/reconbot/internal/alerting"
	"github.com/tathienbao/reconbot/internal/ident"
	"github.com/tathienbao/reconbot/internal/risk"
	"github.com/tathienbao/reconbot/internal/types"
)

func decodeRole(t *testing.T, id string) types.OrderRole {
	t.Helper()
	_, role, err := ident.Decode(id)
	if err != nil {
		t.Fatalf("Decode(%s) error = %v", id, err)
	}
	return role
}

func TestHeal_NoDoubleProtection(t *testing.T) {
	ex := newFakeExchange("2")
	ex.addOrder(t, "9-LONG+SL+a1", "-2", "90")
	ex.addOrder(t, "9-LONG+SL+a2", "-2", "90")
	e := restoredEngine(t, ex, &scripted{}, Options{}, openPosition("9-LONG", "2", "100", "90"))

	tick(t, e, barsAt(t0, "100"))
	if len(ex.cancelled) != 1 || ex.cancelled[0].ID != "9-LONG+SL+a2" {
		t.Fatalf("cancelled = %v, want the second stop", ex.cancelled)
	}
	if len(ex.sent) != 0 {
		t.Errorf("sent = %d, want 0", len(ex.sent))
	}

	tick(t, e, barsAt(t0, "100"))
	if ex.actions() != 1 {
		t.Errorf("exchange actions after second tick = %d, want 1", ex.actions())
	}
	if stops := e.Positions()[0].ActiveOrders(types.RoleStop); len(stops) != 1 {
		t.Errorf("stops = %d, want 1", len(stops))
	}
}

func TestHeal_ResizesStop(t *testing.T) {
	ex := newFakeExchange("2")
	ex.addOrder(t, "9-LONG+SL+a1", "-1", "90")
	e := restoredEngine(t, ex, &scripted{}, Options{}, openPosition("9-LONG", "2", "100", "90"))

	tick(t, e, barsAt(t0, "100"))

	if len(ex.updated) != 1 || !ex.updated[0].Amount.Equal(d("-2")) {
		t.Fatalf("updated = %v, want the stop resized to -2", ex.updated)
	}
	if len(ex.sent) != 0 || len(ex.cancelled) != 0 {
		t.Errorf("sent/cancelled = %d/%d, want 0/0", len(ex.sent), len(ex.cancelled))
	}
}

func TestHeal_Reprotect(t *testing.T) {
	tests := []struct {
		name     string
		price    string
		initial  string
		strat    *scripted
		wantRole types.OrderRole
		wantStop string
	}{
		{name: "stop below price", price: "100", initial: "90", strat: &scripted{}, wantRole: types.RoleStop, wantStop: "90"},
		{name: "stop already crossed", price: "85", initial: "90", strat: &scripted{}, wantRole: types.RoleExit},
		{name: "no initial stop, strategy stop", price: "100", initial: "0", strat: &scripted{stop: d("88"), stopOK: true}, wantRole: types.RoleStop, wantStop: "88"},
		{name: "no initial stop, strategy stop crossed", price: "85", initial: "0", strat: &scripted{stop: d("88"), stopOK: true}, wantRole: types.RoleExit},
		{name: "no initial stop, no strategy stop", price: "100", initial: "0", strat: &scripted{}, wantRole: types.RoleExit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := newFakeExchange("2")
			alerter := alerting.NewMockAlerter()
			e := restoredEngine(t, ex, tt.strat, Options{Alerter: alerter}, openPosition("9-LONG", "2", "100", tt.initial))

			tick(t, e, barsAt(t0, tt.price))

			if len(ex.sent) != 1 {
				t.Fatalf("sent = %d, want 1", len(ex.sent))
			}
			o := ex.sent[0]
			if role := decodeRole(t, o.ID); role != tt.wantRole {
				t.Errorf("role = %s, want %s", role, tt.wantRole)
			}
			if !o.Amount.Equal(d("-2")) {
				t.Errorf("amount = %s, want -2", o.Amount)
			}
			if tt.wantStop != "" && !o.StopPrice.Equal(d(tt.wantStop)) {
				t.Errorf("stop = %s, want %s", o.StopPrice, tt.wantStop)
			}
			if !alerter.HasAlertWithSeverity(alerting.SeverityHigh) {
				t.Error("expected a high severity alert")
			}

			tick(t, e, barsAt(t0, tt.price))
			if ex.actions() != 1 {
				t.Errorf("exchange actions after second tick = %d, want 1", ex.actions())
			}
		})
	}
}

func TestHeal_AwaitingEntryGone(t *testing.T) {
	tests := []struct {
		name       string
		quantity   string
		wantStatus types.PositionStatus
		wantSent   int
	}{
		{name: "quantity explains fill", quantity: "2", wantStatus: types.StatusOpen, wantSent: 1},
		{name: "nothing filled", quantity: "0", wantStatus: types.StatusMissed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := newFakeExchange(tt.quantity)
			pending := types.NewPosition("s5-LONG", t0, d("2"), d("105"), d("90"))
			e := restoredEngine(t, ex, &scripted{}, Options{}, pending)

			tick(t, e, barsAt(t0, "100"))

			if len(ex.sent) != tt.wantSent {
				t.Errorf("sent = %d, want %d", len(ex.sent), tt.wantSent)
			}
			switch tt.wantStatus {
			case types.StatusOpen:
				positions := e.Positions()
				if len(positions) != 1 || positions[0].Status != types.StatusOpen {
					t.Fatalf("positions = %+v, want s5-LONG OPEN", positions)
				}
				if !positions[0].FilledEntry.Equal(d("105")) {
					t.Errorf("filled entry = %s, want the wanted entry 105", positions[0].FilledEntry)
				}
				if role := decodeRole(t, ex.sent[0].ID); role != types.RoleStop {
					t.Errorf("sent role = %s, want SL", role)
				}
			default:
				hist := e.History()
				if len(hist) != 1 || hist[0].Status != tt.wantStatus {
					t.Errorf("history = %+v, want %s", hist, tt.wantStatus)
				}
			}
		})
	}
}

func TestHeal_UnmatchedOrders(t *testing.T) {
	tests := []struct {
		name          string
		id            string
		stopOK        bool
		wantCancelled int
		wantTracked   int
	}{
		{name: "own entry adopted", id: "s3-LONG+ENTRY", stopOK: true, wantTracked: 1},
		{name: "own entry without stop", id: "s3-LONG+ENTRY", wantCancelled: 1},
		{name: "foreign signal", id: "x3-LONG+ENTRY", stopOK: true, wantCancelled: 1},
		{name: "foreign id", id: "manual-1", stopOK: true, wantCancelled: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := newFakeExchange("0")
			ex.addOrder(t, tt.id, "1", "110")
			e := newTestEngine(t, ex, &scripted{stop: d("90"), stopOK: tt.stopOK}, Options{})

			tick(t, e, barsAt(t0, "100"))

			if len(ex.cancelled) != tt.wantCancelled {
				t.Errorf("cancelled = %d, want %d", len(ex.cancelled), tt.wantCancelled)
			}
			if len(e.Positions()) != tt.wantTracked {
				t.Errorf("tracked = %d, want %d", len(e.Positions()), tt.wantTracked)
			}
			if tt.wantTracked == 1 {
				pos := e.Positions()[0]
				if pos.Status != types.StatusPending || !pos.InitialStop.Equal(d("90")) {
					t.Errorf("adopted = %s stop %s, want PENDING stop 90", pos.Status, pos.InitialStop)
				}
			}
		})
	}
}

func TestHeal_Residual(t *testing.T) {
	synthetic := "u" + strconv.FormatInt(t0.Unix(), 10) + "-LONG"

	tests := []struct {
		name     string
		quantity string
		strat    *scripted
		tracked  []*types.Position
		orders   [][3]string
		check    func(t *testing.T, e *Engine, ex *fakeExchange)
	}{
		{
			name:     "adopt with a strategy stop",
			quantity: "3",
			strat:    &scripted{stop: d("80"), stopOK: true},
			check: func(t *testing.T, e *Engine, ex *fakeExchange) {
				if len(ex.sent) != 1 || decodeRole(t, ex.sent[0].ID) != types.RoleStop {
					t.Fatalf("sent = %v, want one stop", ex.sent)
				}
				if !ex.sent[0].Amount.Equal(d("-3")) || !ex.sent[0].StopPrice.Equal(d("80")) {
					t.Errorf("stop = %s @ %s, want -3 @ 80", ex.sent[0].Amount, ex.sent[0].StopPrice)
				}
				positions := e.Positions()
				if len(positions) != 1 || positions[0].ID != synthetic || positions[0].Status != types.StatusOpen {
					t.Errorf("positions = %+v, want %s OPEN", positions, synthetic)
				}
			},
		},
		{
			name:     "flatten without a stop",
			quantity: "3",
			strat:    &scripted{},
			check: func(t *testing.T, e *Engine, ex *fakeExchange) {
				if len(ex.sent) != 1 || decodeRole(t, ex.sent[0].ID) != types.RoleExit {
					t.Fatalf("sent = %v, want one market exit", ex.sent)
				}
				if !ex.sent[0].Amount.Equal(d("-3")) {
					t.Errorf("exit amount = %s, want -3", ex.sent[0].Amount)
				}
			},
		},
		{
			name:     "flatten when the stop is crossed",
			quantity: "3",
			strat:    &scripted{stop: d("101"), stopOK: true},
			check: func(t *testing.T, e *Engine, ex *fakeExchange) {
				if len(ex.sent) != 1 || decodeRole(t, ex.sent[0].ID) != types.RoleExit {
					t.Fatalf("sent = %v, want one market exit", ex.sent)
				}
			},
		},
		{
			name:     "close tracked position the exchange no longer holds",
			quantity: "0",
			strat:    &scripted{},
			tracked:  []*types.Position{openPosition("9-LONG", "2", "100", "90")},
			orders:   [][3]string{{"9-LONG+SL+a1", "-2", "90"}},
			check: func(t *testing.T, e *Engine, ex *fakeExchange) {
				if len(ex.sent) != 0 || len(ex.cancelled) != 1 {
					t.Errorf("sent/cancelled = %d/%d, want 0/1", len(ex.sent), len(ex.cancelled))
				}
				if len(e.Positions()) != 0 {
					t.Errorf("positions = %d, want 0", len(e.Positions()))
				}
				hist := e.History()
				if len(hist) != 1 || hist[0].Status != types.StatusClosed || !hist[0].ClosePrice.Equal(d("100")) {
					t.Errorf("history = %+v, want 9-LONG CLOSED at 100", hist)
				}
			},
		},
		{
			name:     "close the position matching the residual",
			quantity: "3",
			strat:    &scripted{},
			tracked: []*types.Position{
				openPosition("7-LONG", "3", "100", "90"),
				openPosition("8-LONG", "1", "100", "90"),
			},
			orders: [][3]string{{"7-LONG+SL+a1", "-3", "90"}, {"8-LONG+SL+a1", "-1", "90"}},
			check: func(t *testing.T, e *Engine, ex *fakeExchange) {
				positions := e.Positions()
				if len(positions) != 1 || positions[0].ID != "7-LONG" {
					t.Errorf("positions = %+v, want only 7-LONG", positions)
				}
				hist := e.History()
				if len(hist) != 1 || hist[0].PositionID != "8-LONG" {
					t.Errorf("history = %+v, want 8-LONG", hist)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ex := newFakeExchange(tt.quantity)
			for _, o := range tt.orders {
				ex.addOrder(t, o[0], o[1], o[2])
			}
			alerter := alerting.NewMockAlerter()
			e := restoredEngine(t, ex, tt.strat, Options{Alerter: alerter}, tt.tracked...)

			tick(t, e, barsAt(t0, "100"))
			if ex.actions() != 0 {
				t.Fatalf("exchange actions during cool-off = %d, want 0", ex.actions())
			}

			tick(t, e, barsAt(t0, "100"))
			tt.check(t, e, ex)
			if !alerter.HasAlertWithSeverity(alerting.SeverityWarning) {
				t.Error("expected a warning alert")
			}

			actions := ex.actions()
			tick(t, e, barsAt(t0, "100"))
			if ex.actions() != actions {
				t.Errorf("exchange actions after correction = %d, want %d", ex.actions(), actions)
			}
		})
	}
}

func TestHeal_StopFilledWhileOffline(t *testing.T) {
	tests := []struct {
		name  string
		price string
	}{
		{name: "price past the stop", price: "85"},
		{name: "price above the stop", price: "100"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// The stop is gone and the exchange is flat.
			ex := newFakeExchange("0")
			alerter := alerting.NewMockAlerter()
			e := restoredEngine(t, ex, &scripted{}, Options{Alerter: alerter}, openPosition("9-LONG", "2", "100", "90"))

			tick(t, e, barsAt(t0, tt.price))
			if len(ex.sent) != 0 {
				t.Fatalf("sent = %v during cool-off, want nothing", ex.sent)
			}

			tick(t, e, barsAt(t0, tt.price))
			if len(ex.sent) != 0 {
				t.Errorf("sent = %v, want nothing", ex.sent)
			}
			if len(e.Positions()) != 0 {
				t.Errorf("positions = %d, want 0", len(e.Positions()))
			}
			hist := e.History()
			if len(hist) != 1 || hist[0].Status != types.StatusClosed {
				t.Errorf("history = %+v, want 9-LONG CLOSED", hist)
			}
			if !alerter.HasAlertWithSeverity(alerting.SeverityWarning) {
				t.Error("expected a warning alert")
			}
		})
	}
}

func TestHeal_WaitsForData(t *testing.T) {
	ex := newFakeExchange("3")
	e := newTestEngine(t, ex, &scripted{noData: true}, Options{})

	for i := 0; i < 3; i++ {
		tick(t, e, barsAt(t0, "100"))
	}
	if ex.actions() != 0 {
		t.Errorf("exchange actions = %d, want 0 while the strategy lacks data", ex.actions())
	}
}

func TestEngine_SafeModeBlocksEntries(t *testing.T) {
	ex := newFakeExchange("0")
	ex.account.Equity = d("7000")
	alerter := alerting.NewMockAlerter()
	rm := risk.NewManager(risk.DefaultConfig(), testSymbol(), d("10000"), nil)
	strat := &scripted{opens: []opening{{"s1", types.DirectionLong, "1", "105", "90"}}}
	e := newTestEngine(t, ex, strat, Options{Risk: rm, Alerter: alerter})

	tick(t, e, barsAt(t0, "100"))

	if !rm.IsInSafeMode() {
		t.Fatal("expected safe mode after a 30% drawdown")
	}
	if len(ex.sent) != 0 || len(e.Positions()) != 0 {
		t.Errorf("sent = %d tracked = %d, want no entries", len(ex.sent), len(e.Positions()))
	}
	if !alerter.HasAlertWithSeverity(alerting.SeverityHigh) {
		t.Error("expected a high severity alert")
	}
	if _, err := rm.PositionAmount(d("105"), d("90")); err == nil {
		t.Error("PositionAmount() in safe mode: want error")
	}
}

func TestStopCrossed(t *testing.T) {
	tests := []struct {
		amount, stop, price string
		want                bool
	}{
		{"2", "90", "100", false},
		{"2", "90", "90", true},
		{"2", "0", "100", true},
		{"-2", "110", "100", false},
		{"-2", "110", "111", true},
	}
	for _, tt := range tests {
		got := stopCrossed(d(tt.amount), d(tt.stop), d(tt.price))
		if got != tt.want {
			t.Errorf("stopCrossed(%s, %s, %s) = %v, want %v", tt.amount, tt.stop, tt.price, got, tt.want)
		}
	}
}
