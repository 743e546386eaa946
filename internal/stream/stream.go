// Package stream maintains the persistent websocket connection a bot uses
// for market and account push events.
//
// The client reconnects automatically after a disconnect, waiting Cooldown
// between attempts. More than MaxReconnects reconnects inside Window is a
// hard failure: Run returns and the supervisor decides what happens next.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"
	"github.com/tathienbao/reconbot/internal/types"
)

// Config holds stream connection settings.
type Config struct {
	URL    string
	Symbol string

	MaxReconnects int
	Window        time.Duration
	Cooldown      time.Duration

	PingInterval     time.Duration
	ReadTimeout      time.Duration
	HandshakeTimeout time.Duration
}

// DefaultConfig returns default stream settings for url.
func DefaultConfig(url, symbol string) Config {
	return Config{
		URL:              url,
		Symbol:           symbol,
		MaxReconnects:    5,
		Window:           5 * time.Minute,
		Cooldown:         2 * time.Second,
		PingInterval:     20 * time.Second,
		ReadTimeout:      60 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

// Observer is notified about connection state changes.
type Observer interface {
	RecordStreamStatus(connected bool)
	RecordStreamReconnect()
}

// Client is a reconnecting websocket event stream.
type Client struct {
	cfg    Config
	dialer *websocket.Dialer
	logger *slog.Logger

	onTrade     func(types.Trade)
	onExecution func(types.Execution)
	onStatus    func(connected bool)
	observer    Observer

	connected atomic.Bool

	mu          sync.Mutex
	reconnects  []time.Time
	lastMessage time.Time
}

// New creates a stream client.
func New(cfg Config, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 20 * time.Second
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 3 * cfg.PingInterval
	}
	return &Client{
		cfg:    cfg,
		dialer: &websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout, Proxy: http.ProxyFromEnvironment},
		logger: logger.With("component", "stream", "url", cfg.URL),
	}
}

// OnTrade sets the trade handler. Must be called before Run.
func (c *Client) OnTrade(fn func(types.Trade)) { c.onTrade = fn }

// OnExecution sets the fill handler. Must be called before Run.
func (c *Client) OnExecution(fn func(types.Execution)) { c.onExecution = fn }

// OnStatus sets a handler for connect and disconnect transitions.
func (c *Client) OnStatus(fn func(connected bool)) { c.onStatus = fn }

// SetObserver attaches a metrics observer.
func (c *Client) SetObserver(o Observer) { c.observer = o }

// Connected reports whether the stream is currently connected.
func (c *Client) Connected() bool {
	return c.connected.Load()
}

// LastMessage returns when the last frame was received.
func (c *Client) LastMessage() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastMessage
}

// Run connects and pumps events until ctx is done or the reconnect budget
// is exhausted. It returns nil on cancellation.
func (c *Client) Run(ctx context.Context) error {
	for {
		err := c.session(ctx)
		c.setConnected(false)
		if ctx.Err() != nil {
			return nil
		}

		if !c.allowReconnect(time.Now()) {
			c.logger.Error("stream reconnect budget exhausted",
				"max_reconnects", c.cfg.MaxReconnects,
				"window", c.cfg.Window,
				"err", err,
			)
			return fmt.Errorf("stream %s: %w: %v", c.cfg.URL, types.ErrConnectionLost, err)
		}

		c.logger.Warn("stream disconnected, reconnecting", "cooldown", c.cfg.Cooldown, "err", err)
		if c.observer != nil {
			c.observer.RecordStreamReconnect()
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(c.cfg.Cooldown):
		}
	}
}

// allowReconnect records a reconnect at now and reports whether it stays
// within the budget for the rolling window.
func (c *Client) allowReconnect(now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	cutoff := now.Add(-c.cfg.Window)
	kept := c.reconnects[:0]
	for _, t := range c.reconnects {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.reconnects = append(kept, now)
	return len(c.reconnects) <= c.cfg.MaxReconnects
}

// session runs one connection until it fails.
func (c *Client) session(ctx context.Context) error {
	conn, _, err := c.dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	if c.cfg.Symbol != "" {
		sub := map[string]any{"op": "subscribe", "symbol": c.cfg.Symbol}
		if err := conn.WriteJSON(sub); err != nil {
			return fmt.Errorf("subscribe: %w", err)
		}
	}

	c.setConnected(true)
	c.logger.Info("stream connected", "symbol", c.cfg.Symbol)

	_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	done := make(chan struct{})
	defer close(done)
	go c.keepalive(ctx, conn, done)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))

		c.mu.Lock()
		c.lastMessage = time.Now()
		c.mu.Unlock()

		if err := c.dispatch(msg); err != nil {
			c.logger.Warn("dropping stream frame", "err", err)
		}
	}
}

// keepalive pings the server and closes the connection when ctx ends so
// that the read loop unblocks.
func (c *Client) keepalive(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	t := time.NewTicker(c.cfg.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
			_ = conn.Close()
			return
		case <-t.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.cfg.PingInterval)); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (c *Client) setConnected(up bool) {
	if c.connected.Swap(up) == up {
		return
	}
	if c.observer != nil {
		c.observer.RecordStreamStatus(up)
	}
	if c.onStatus != nil {
		c.onStatus(up)
	}
}

// frame is the wire format of a push event.
type frame struct {
	Type    string          `json:"type"`
	Time    int64           `json:"ts"` // unix milliseconds
	Price   decimal.Decimal `json:"price"`
	Size    decimal.Decimal `json:"size"`
	OrderID string          `json:"orderId"`
	ExchID  string          `json:"exchangeId"`
	Amount  decimal.Decimal `json:"amount"`
}

var errUnknownFrame = errors.New("unknown frame type")

// dispatch decodes msg and hands it to the matching handler.
func (c *Client) dispatch(msg []byte) error {
	var f frame
	if err := json.Unmarshal(msg, &f); err != nil {
		return fmt.Errorf("decode: %w", err)
	}
	at := time.UnixMilli(f.Time).UTC()

	switch f.Type {
	case "trade":
		if !f.Price.IsPositive() {
			return fmt.Errorf("trade: %w: price %s", types.ErrInvalidPrice, f.Price)
		}
		if c.onTrade != nil {
			c.onTrade(types.Trade{Timestamp: at, Price: f.Price, Size: f.Size})
		}
	case "execution":
		if f.OrderID == "" || f.Amount.IsZero() {
			return fmt.Errorf("execution: %w", types.ErrInvalidData)
		}
		if c.onExecution != nil {
			c.onExecution(types.Execution{
				OrderID:    f.OrderID,
				ExchangeID: f.ExchID,
				Amount:     f.Amount,
				Price:      f.Price,
				Timestamp:  at,
			})
		}
	case "pong", "subscribed":
	default:
		return fmt.Errorf("%w: %q", errUnknownFrame, f.Type)
	}
	return nil
}
