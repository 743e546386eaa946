package backtest

import (
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tathienbao/reconbot/internal/execution"
)

const fundingInterval = 8 * time.Hour

// FundingModel supplies funding rates from a historical table keyed by
// settlement time (unix seconds). Settlements at 00:00, 08:00 and 16:00 UTC
// without a table entry fall back to SyntheticRate.
type FundingModel struct {
	Table         map[int64]decimal.Decimal
	SyntheticRate decimal.Decimal

	keys []int64 // sorted Table keys
}

var _ execution.FundingSource = FundingModel{}

// NewFundingModel indexes table for range lookups.
func NewFundingModel(table map[int64]decimal.Decimal, synthetic decimal.Decimal) FundingModel {
	return FundingModel{Table: table, SyntheticRate: synthetic, keys: sortedKeys(table)}
}

// Rate returns the funding rate due at t.
func (f FundingModel) Rate(t time.Time) (decimal.Decimal, bool) {
	if r, ok := f.Table[t.Unix()]; ok {
		return r, true
	}
	if f.SyntheticRate.IsZero() || !onSchedule(t) {
		return decimal.Zero, false
	}
	return f.SyntheticRate, true
}

// Due returns every settlement in (from, to], oldest first. Long bars
// crossing several settlements get each of them.
func (f FundingModel) Due(from, to time.Time) []execution.FundingEvent {
	if !to.After(from) {
		return nil
	}

	var out []execution.FundingEvent
	if !f.SyntheticRate.IsZero() {
		for at := from.UTC().Truncate(fundingInterval).Add(fundingInterval); !at.After(to); at = at.Add(fundingInterval) {
			rate, _ := f.Rate(at)
			out = append(out, execution.FundingEvent{At: at, Rate: rate})
		}
	}

	keys := f.keys
	if len(keys) != len(f.Table) {
		keys = sortedKeys(f.Table)
	}
	i := sort.Search(len(keys), func(i int) bool { return keys[i] > from.Unix() })
	for ; i < len(keys) && keys[i] <= to.Unix(); i++ {
		at := time.Unix(keys[i], 0).UTC()
		if !f.SyntheticRate.IsZero() && onSchedule(at) {
			continue // already listed from the schedule
		}
		out = append(out, execution.FundingEvent{At: at, Rate: f.Table[keys[i]]})
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out
}

func onSchedule(t time.Time) bool {
	t = t.UTC()
	return t.Hour()%8 == 0 && t.Minute() == 0 && t.Second() == 0 && t.Nanosecond() == 0
}

func sortedKeys(table map[int64]decimal.Decimal) []int64 {
	keys := make([]int64, 0, len(table))
	for k := range table {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
