// Package observer turns market data into the bars the engine ticks on:
// CSV history for backtests and a rolling window of live bars built from
// streamed trades.
package observer

import (
	"sync"
	"time"

	"github.com/tathienbao/reconbot/internal/types"
)

// Window builds bars of a fixed period from trades and keeps the newest
// size bars. Apply may be called from the stream goroutine while the tick
// goroutine reads Bars.
type Window struct {
	period time.Duration
	size   int

	mu      sync.Mutex
	forming *types.Bar
	closed  []*types.Bar // newest first
}

// NewWindow creates a window seeded with history, oldest first. The newest
// history bar becomes the forming bar.
func NewWindow(period time.Duration, size int, history []*types.Bar) *Window {
	if size < 1 {
		size = 1
	}
	w := &Window{period: period, size: size}
	for _, b := range history {
		w.push(b)
	}
	return w
}

// Apply folds a trade into the forming bar and reports whether it opened a
// new bar. Trades older than the forming bar are ignored.
func (w *Window) Apply(t types.Trade) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	start := t.Timestamp.Truncate(w.period)
	if w.forming != nil && start.Before(w.forming.Timestamp) {
		return false
	}
	if w.forming == nil || start.After(w.forming.Timestamp) {
		w.push(&types.Bar{Timestamp: start, Open: t.Price, High: t.Price, Low: t.Price, Close: t.Price, Volume: t.Size})
		return true
	}

	f := w.forming
	if t.Price.GreaterThan(f.High) {
		f.High = t.Price
	}
	if t.Price.LessThan(f.Low) {
		f.Low = t.Price
	}
	f.Close = t.Price
	f.Volume = f.Volume.Add(t.Size)
	return false
}

// Advance opens a flat bar at the last close when now is past the forming
// bar's period and no trade did so. Reports whether a bar was opened.
func (w *Window) Advance(now time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.forming == nil {
		return false
	}
	start := now.Truncate(w.period)
	if !start.After(w.forming.Timestamp) {
		return false
	}
	c := w.forming.Close
	w.push(&types.Bar{Timestamp: start, Open: c, High: c, Low: c, Close: c})
	return true
}

// Bars returns the window newest first. bars[0] is a copy of the forming
// bar; closed bars are shared and must only be touched by one reader.
func (w *Window) Bars() []*types.Bar {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.forming == nil {
		return nil
	}
	out := make([]*types.Bar, 0, len(w.closed)+1)
	f := *w.forming
	f.Cache = nil
	out = append(out, &f)
	return append(out, w.closed...)
}

// Len returns the number of bars including the forming one.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.forming == nil {
		return 0
	}
	return len(w.closed) + 1
}

func (w *Window) push(b *types.Bar) {
	if w.forming != nil {
		w.closed = append([]*types.Bar{w.forming}, w.closed...)
		if len(w.closed) > w.size-1 {
			w.closed = w.closed[:w.size-1]
		}
	}
	w.forming = b
}
