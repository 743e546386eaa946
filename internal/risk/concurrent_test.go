package risk

import (
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// 100 goroutines updating equity while others size entries.
func TestManager_Concurrent(t *testing.T) {
	m := newTestManager("10000")
	at := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func(id int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				equity := decimal.NewFromInt(int64(10000 + (id*j)%1000 - 500))
				m.UpdateEquity(equity, j%2 == 0, at)
			}
		}(i)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				_, _ = m.PositionAmount(decimal.NewFromInt(20000), decimal.NewFromInt(19000))
				_ = m.State()
			}
		}()
	}
	wg.Wait()

	current, peak, _ := m.Snapshot()
	if peak.LessThan(current) {
		t.Errorf("peak %s below current %s", peak, current)
	}
	if m.IsInSafeMode() {
		t.Error("5% swings should never enter safe mode")
	}
}
