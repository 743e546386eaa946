package alerting

import (
	"context"
	"log/slog"
)

// ConsoleAlerter writes alerts to the structured log. It never fails, so
// every alert reaches at least one channel.
type ConsoleAlerter struct {
	logger *slog.Logger
}

// NewConsoleAlerter creates a console alerter.
func NewConsoleAlerter(logger *slog.Logger) *ConsoleAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &ConsoleAlerter{logger: logger.With("component", "alert")}
}

// Name returns "console".
func (c *ConsoleAlerter) Name() string {
	return "console"
}

// Alert logs message at the level matching severity.
func (c *ConsoleAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	args := append([]any{"severity", severity.String()}, fields...)
	c.logger.Log(ctx, logLevel(severity), message, args...)
	return nil
}

func logLevel(s Severity) slog.Level {
	switch s {
	case SeverityCritical:
		return slog.LevelError
	case SeverityHigh, SeverityWarning:
		return slog.LevelWarn
	default:
		return slog.LevelInfo
	}
}
