package observer

import (
	"fmt"
	"time"

	"github.com/tathienbao/reconbot/internal/types"
)

// Aggregate groups fine bars, oldest first, into bars of period. Each bar
// carries its fine bars as sub-bars, newest first. A bucket is keyed by the
// fine bar timestamp truncated to period.
func Aggregate(fine []*types.Bar, period time.Duration) ([]*types.Bar, error) {
	if period <= 0 {
		return nil, fmt.Errorf("aggregate: %w: period %s", types.ErrInvalidConfig, period)
	}

	var out []*types.Bar
	var cur *types.Bar
	for i, f := range fine {
		if i > 0 && !f.Timestamp.After(fine[i-1].Timestamp) {
			return nil, fmt.Errorf("aggregate: %w: bar at %s not after %s",
				types.ErrInvalidData, f.Timestamp, fine[i-1].Timestamp)
		}

		start := f.Timestamp.Truncate(period)
		if cur == nil || !cur.Timestamp.Equal(start) {
			cur = &types.Bar{
				Timestamp: start,
				Open:      f.Open,
				High:      f.High,
				Low:       f.Low,
			}
			out = append(out, cur)
		}

		if f.High.GreaterThan(cur.High) {
			cur.High = f.High
		}
		if f.Low.LessThan(cur.Low) {
			cur.Low = f.Low
		}
		cur.Close = f.Close
		cur.Volume = cur.Volume.Add(f.Volume)

		sub := &types.Bar{
			Timestamp: f.Timestamp,
			Open:      f.Open,
			High:      f.High,
			Low:       f.Low,
			Close:     f.Close,
			Volume:    f.Volume,
		}
		cur.Subbars = append([]*types.Bar{sub}, cur.Subbars...)
	}
	return out, nil
}

// Newest returns bars reversed into newest first order.
func Newest(bars []*types.Bar) []*types.Bar {
	out := make([]*types.Bar, len(bars))
	for i, b := range bars {
		out[len(bars)-1-i] = b
	}
	return out
}
