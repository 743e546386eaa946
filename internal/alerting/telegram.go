package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"html"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

const defaultTelegramAPI = "https://api.telegram.org"

// TelegramConfig identifies one chat reachable through the Bot API.
type TelegramConfig struct {
	BotToken string
	ChatID   string
	Timeout  time.Duration

	// APIURL overrides the Bot API base url.
	APIURL string
	// PerSecond caps messages sent to the chat. Zero means one per second.
	PerSecond float64
}

// TelegramAlerter posts alerts to a Telegram chat.
type TelegramAlerter struct {
	cfg     TelegramConfig
	client  *http.Client
	limiter *rate.Limiter
	now     func() time.Time
}

// NewTelegramAlerter creates an alerter for one chat.
func NewTelegramAlerter(cfg TelegramConfig) *TelegramAlerter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.APIURL == "" {
		cfg.APIURL = defaultTelegramAPI
	}
	if cfg.PerSecond <= 0 {
		cfg.PerSecond = 1
	}
	return &TelegramAlerter{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.PerSecond), 3),
		now:     time.Now,
	}
}

// Name returns "telegram:<chat>".
func (t *TelegramAlerter) Name() string {
	return "telegram:" + t.cfg.ChatID
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description,omitempty"`
}

// Alert posts the alert as an HTML message. It waits for the chat's rate
// budget and gives up when ctx ends first.
func (t *TelegramAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("telegram rate limit: %w", err)
	}
	body, err := json.Marshal(sendMessageRequest{
		ChatID:    t.cfg.ChatID,
		Text:      t.render(severity, message, fields),
		ParseMode: "HTML",
	})
	if err != nil {
		return fmt.Errorf("encode telegram message: %w", err)
	}

	endpoint := t.cfg.APIURL + "/bot" + t.cfg.BotToken + "/sendMessage"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("post telegram message: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var out sendMessageResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return fmt.Errorf("decode telegram response (HTTP %d): %w", resp.StatusCode, err)
	}
	if !out.OK {
		return fmt.Errorf("telegram rejected message (HTTP %d): %s", resp.StatusCode, out.Description)
	}
	return nil
}

// render builds the message body. The bot field, when present, goes in the
// header line so that alerts from several bots in one chat stay readable.
func (t *TelegramAlerter) render(severity Severity, message string, fields []any) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s <b>%s</b>", severity.Emoji(), severity)
	for i := 0; i+1 < len(fields); i += 2 {
		if fields[i] == "bot" {
			fmt.Fprintf(&b, " · <code>%s</code>", html.EscapeString(fmt.Sprint(fields[i+1])))
			break
		}
	}
	b.WriteString("\n" + html.EscapeString(message))
	if details := FormatFields(fields...); details != "" {
		b.WriteString("\n\n" + html.EscapeString(details))
	}
	fmt.Fprintf(&b, "\n\n<i>%s</i>", t.now().UTC().Format(time.RFC3339))
	return b.String()
}
