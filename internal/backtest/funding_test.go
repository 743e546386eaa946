package backtest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/reconbot/internal/execution"
	"github.com/tathienbao/reconbot/internal/types"
)

func TestFundingModel_Due(t *testing.T) {
	at := func(day, h int) time.Time { return time.Date(2024, 1, day, h, 0, 0, 0, time.UTC) }
	table := map[int64]decimal.Decimal{
		at(1, 8).Unix(): d("0.0005"),
		at(1, 9).Unix(): d("-0.0002"),
	}

	tests := []struct {
		name     string
		model    FundingModel
		from, to time.Time
		want     []string // "hour rate"
	}{
		{"six hour span crossing 08:00", NewFundingModel(table, d("0.0001")), at(1, 6), at(1, 12), []string{"8 0.0005", "9 -0.0002"}},
		{"end is inclusive", NewFundingModel(nil, d("0.0001")), at(1, 12), at(1, 16), []string{"16 0.0001"}},
		{"start is exclusive", NewFundingModel(nil, d("0.0001")), at(1, 16), at(1, 20), nil},
		{"whole day", NewFundingModel(nil, d("0.0001")), at(1, 0), at(2, 0), []string{"8 0.0001", "16 0.0001", "0 0.0001"}},
		{"table without synthetic", NewFundingModel(table, decimal.Zero), at(1, 0), at(2, 0), []string{"8 0.0005", "9 -0.0002"}},
		{"unindexed table", FundingModel{Table: table}, at(1, 0), at(1, 9), []string{"8 0.0005", "9 -0.0002"}},
		{"empty range", NewFundingModel(nil, d("0.0001")), at(1, 8), at(1, 8), nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.model.Due(tt.from, tt.to)
			if len(got) != len(tt.want) {
				t.Fatalf("Due() = %+v, want %v", got, tt.want)
			}
			for i, ev := range got {
				if s := fmt.Sprintf("%d %s", ev.At.Hour(), ev.Rate); s != tt.want[i] {
					t.Errorf("event %d = %s, want %s", i, s, tt.want[i])
				}
			}
		})
	}
}

func TestFundingModel_SixHourBars(t *testing.T) {
	sim := execution.NewSimulator(execution.SimulatedConfig{
		Symbol:         types.Symbol{Name: "LIN", TickSize: d("0.01"), LotSize: d("0.001"), PricePrecision: 2, QuantityPrecision: 3},
		InitialBalance: d("1000"),
		Funding:        NewFundingModel(nil, d("0.0001")),
	}, nil)

	entry, err := types.NewOrder("a", d("10"), decimal.Zero, decimal.Zero)
	if err != nil {
		t.Fatalf("NewOrder() error = %v", err)
	}
	if err := sim.SendOrder(context.Background(), entry); err != nil {
		t.Fatalf("SendOrder() error = %v", err)
	}

	day := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	for h := 0; h <= 24; h += 6 {
		sim.ProcessTick(&types.Bar{Timestamp: day.Add(time.Duration(h) * time.Hour), Open: d("100"), High: d("100"), Low: d("100"), Close: d("100")})
	}

	// Flat at 00:00, then long 10 through 08:00, 16:00 and the next 00:00.
	// Each settlement charges 0.0001 * 10 * 100.
	if got := sim.Ledger().Funding; !got.Equal(d("-0.3")) {
		t.Errorf("funding = %s, want -0.3", got)
	}
}
