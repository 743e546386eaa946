package observer

import (
	"sync"
	"testing"
	"time"

	"github.com/tathienbao/reconbot/internal/types"
)

func trade(sec int, price string) types.Trade {
	return types.Trade{Timestamp: base.Add(time.Duration(sec) * time.Second), Price: d(price), Size: d("1")}
}

func TestWindow_BuildsBars(t *testing.T) {
	w := NewWindow(time.Minute, 3, nil)
	if w.Bars() != nil || w.Len() != 0 {
		t.Fatal("empty window returned bars")
	}

	steps := []struct {
		tr     types.Trade
		newBar bool
	}{
		{trade(0, "100"), true},
		{trade(10, "103"), false},
		{trade(20, "98"), false},
		{trade(59, "101"), false},
		{trade(61, "102"), true},
		{trade(30, "50"), false}, // late trade
		{trade(125, "99"), true},
		{trade(190, "97"), true},
	}
	for i, s := range steps {
		if got := w.Apply(s.tr); got != s.newBar {
			t.Errorf("step %d Apply() = %v, want %v", i, got, s.newBar)
		}
	}

	bars := w.Bars()
	if len(bars) != 3 || w.Len() != 3 {
		t.Fatalf("bars = %d, want the window size 3", len(bars))
	}
	if !bars[0].Timestamp.Equal(base.Add(3 * time.Minute)) {
		t.Errorf("forming = %s", bars[0].Timestamp)
	}
	if !bars[2].Timestamp.Equal(base.Add(time.Minute)) {
		t.Errorf("oldest kept = %s, want the second minute", bars[2].Timestamp)
	}
	if !bars[2].Volume.Equal(d("1")) || !bars[2].Close.Equal(d("102")) {
		t.Errorf("late trade leaked into a closed bar: %+v", bars[2])
	}
}

func TestWindow_SeededHistory(t *testing.T) {
	history := []*types.Bar{fineBar(0, "100", "104", "99", "103"), fineBar(1, "103", "105", "102", "104")}
	w := NewWindow(time.Minute, 10, history)

	w.Apply(trade(70, "106"))
	bars := w.Bars()
	if len(bars) != 2 {
		t.Fatalf("bars = %d, want 2", len(bars))
	}
	if !bars[0].High.Equal(d("106")) || !bars[0].Close.Equal(d("106")) {
		t.Errorf("forming = H%s C%s, want 106", bars[0].High, bars[0].Close)
	}
	if bars[0] == history[1] {
		t.Error("Bars() returned the forming bar itself")
	}
}

func TestWindow_Advance(t *testing.T) {
	w := NewWindow(time.Minute, 5, nil)
	if w.Advance(base) {
		t.Error("Advance() on an empty window opened a bar")
	}
	w.Apply(trade(0, "100"))
	w.Apply(trade(30, "101"))

	if w.Advance(base.Add(59 * time.Second)) {
		t.Error("Advance() inside the period opened a bar")
	}
	if !w.Advance(base.Add(2*time.Minute + time.Second)) {
		t.Fatal("Advance() past the period did not open a bar")
	}
	bars := w.Bars()
	f := bars[0]
	if !f.Timestamp.Equal(base.Add(2*time.Minute)) || !f.Open.Equal(d("101")) || !f.High.Equal(d("101")) {
		t.Errorf("flat bar = %+v, want 101 at minute 2", f)
	}
}

func TestWindow_ConcurrentApply(t *testing.T) {
	w := NewWindow(time.Second, 100, nil)
	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				w.Apply(trade(i, "100"))
				_ = w.Bars()
			}
		}(g)
	}
	wg.Wait()
	if w.Len() == 0 {
		t.Error("no bars after concurrent apply")
	}
}
