package stream

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/tathienbao/reconbot/internal/types"
)

type countingObserver struct {
	mu         sync.Mutex
	statuses   []bool
	reconnects int
}

func (o *countingObserver) RecordStreamStatus(up bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, up)
}

func (o *countingObserver) RecordStreamReconnect() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.reconnects++
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func testConfig(url string) Config {
	cfg := DefaultConfig(url, "BTCUSD")
	cfg.Cooldown = time.Millisecond
	cfg.PingInterval = 50 * time.Millisecond
	return cfg
}

func TestClient_DeliversEvents(t *testing.T) {
	subscribed := make(chan string, 1)
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub map[string]string
		if err := conn.ReadJSON(&sub); err == nil {
			subscribed <- sub["symbol"]
		}
		frames := []string{
			`{"type":"subscribed"}`,
			`{"type":"trade","ts":1704067200000,"price":"42000.5","size":"0.1"}`,
			`{"type":"bogus"}`,
			`{"type":"execution","ts":1704067201000,"orderId":"s1-LONG+ENTRY+1","amount":"-2","price":"41999"}`,
		}
		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	c := New(testConfig(wsURL(srv)), nil)
	obs := &countingObserver{}
	c.SetObserver(obs)

	trades := make(chan types.Trade, 1)
	execs := make(chan types.Execution, 1)
	c.OnTrade(func(tr types.Trade) { trades <- tr })
	c.OnExecution(func(e types.Execution) { execs <- e })

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- c.Run(ctx) }()

	select {
	case sym := <-subscribed:
		if sym != "BTCUSD" {
			t.Errorf("subscribed symbol = %q, want BTCUSD", sym)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no subscription received")
	}

	select {
	case tr := <-trades:
		if tr.Price.String() != "42000.5" || !tr.Timestamp.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)) {
			t.Errorf("trade = %+v", tr)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no trade delivered")
	}

	select {
	case e := <-execs:
		if e.OrderID != "s1-LONG+ENTRY+1" || e.Amount.String() != "-2" {
			t.Errorf("execution = %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no execution delivered")
	}

	if !c.Connected() {
		t.Error("client should be connected")
	}
	if c.LastMessage().IsZero() {
		t.Error("last message time not tracked")
	}

	cancel()
	select {
	case err := <-errc:
		if err != nil {
			t.Errorf("Run() after cancel = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	if c.Connected() {
		t.Error("client still connected after cancel")
	}
}

func TestClient_ReconnectBudget(t *testing.T) {
	var mu sync.Mutex
	dials := 0
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		mu.Lock()
		dials++
		mu.Unlock()
		_, _, _ = conn.ReadMessage()
		conn.Close()
	}))
	defer srv.Close()

	cfg := testConfig(wsURL(srv))
	cfg.MaxReconnects = 2
	c := New(cfg, nil)
	obs := &countingObserver{}
	c.SetObserver(obs)

	var statuses []bool
	c.OnStatus(func(up bool) { statuses = append(statuses, up) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.Run(ctx)
	if !errors.Is(err, types.ErrConnectionLost) {
		t.Fatalf("Run() = %v, want ErrConnectionLost", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if dials != 3 {
		t.Errorf("dials = %d, want 3", dials)
	}
	if obs.reconnects != 2 {
		t.Errorf("reconnects = %d, want 2", obs.reconnects)
	}
	if len(statuses) != 6 || !statuses[0] || statuses[1] {
		t.Errorf("status transitions = %v, want up/down per session", statuses)
	}
}

func TestClient_DialFailureExhaustsBudget(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	cfg := testConfig(url)
	cfg.MaxReconnects = 1
	err := New(cfg, nil).Run(context.Background())
	if !errors.Is(err, types.ErrConnectionLost) {
		t.Errorf("Run() = %v, want ErrConnectionLost", err)
	}
}

func TestClient_AllowReconnectWindow(t *testing.T) {
	c := New(Config{MaxReconnects: 2, Window: time.Minute}, nil)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	steps := []struct {
		at   time.Duration
		want bool
	}{
		{0, true},
		{10 * time.Second, true},
		{20 * time.Second, false},
		{75 * time.Second, true},
	}
	for _, st := range steps {
		if got := c.allowReconnect(base.Add(st.at)); got != st.want {
			t.Errorf("allowReconnect(+%s) = %v, want %v", st.at, got, st.want)
		}
	}
}

func TestClient_Dispatch(t *testing.T) {
	c := New(Config{}, nil)

	tests := []struct {
		name    string
		msg     string
		wantErr error
	}{
		{"trade", `{"type":"trade","ts":1,"price":"1","size":"1"}`, nil},
		{"pong", `{"type":"pong"}`, nil},
		{"zero price", `{"type":"trade","ts":1,"price":"0"}`, types.ErrInvalidPrice},
		{"execution without order", `{"type":"execution","amount":"1"}`, types.ErrInvalidData},
		{"execution without amount", `{"type":"execution","orderId":"x"}`, types.ErrInvalidData},
		{"unknown", `{"type":"book"}`, errUnknownFrame},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := c.dispatch([]byte(tt.msg))
			if tt.wantErr == nil {
				if err != nil {
					t.Errorf("dispatch() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("dispatch() = %v, want %v", err, tt.wantErr)
			}
		})
	}

	if err := c.dispatch([]byte("not json")); err == nil {
		t.Error("dispatch(garbage) should fail")
	}
}
