package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func TestEquityPeak(t *testing.T) {
	t0 := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name      string
		start     string
		path      []string
		wantPeak  string
		wantPeakN int // index in path that set the peak, -1 for the start
		wantDD    string
	}{
		{"flat", "1000", nil, "1000", -1, "0"},
		{"new high", "1000", []string{"1100"}, "1100", 0, "0"},
		{"ten percent under", "1000", []string{"1100", "990"}, "1100", 0, "0.1"},
		{"partial recovery", "1000", []string{"1100", "990", "1045"}, "1100", 0, "0.05"},
		{"higher high", "1000", []string{"1100", "990", "1200"}, "1200", 2, "0"},
		{"equal to peak is not new", "1000", []string{"1000"}, "1000", -1, "0"},
		{"zero start", "0", []string{"0"}, "0", -1, "0"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newEquityPeak(decimal.RequireFromString(tt.start))
			for i, eq := range tt.path {
				isNew := p.observe(decimal.RequireFromString(eq), t0.Add(time.Duration(i)*time.Hour))
				if isNew != (i == tt.wantPeakN) {
					t.Errorf("observe(%s) new peak = %v", eq, isNew)
				}
			}
			if !p.max.Equal(decimal.RequireFromString(tt.wantPeak)) {
				t.Errorf("peak = %s, want %s", p.max, tt.wantPeak)
			}
			wantAt := time.Time{}
			if tt.wantPeakN >= 0 {
				wantAt = t0.Add(time.Duration(tt.wantPeakN) * time.Hour)
			}
			if !p.maxAt.Equal(wantAt) {
				t.Errorf("peak time = %v, want %v", p.maxAt, wantAt)
			}
			if got := p.drawdown(); !got.Equal(decimal.RequireFromString(tt.wantDD)) {
				t.Errorf("drawdown = %s, want %s", got, tt.wantDD)
			}
		})
	}
}
