// Package alerting provides notification capabilities for the trading bot.
package alerting

import (
	"context"
	"fmt"
	"strings"
)

// Severity represents the alert severity level.
type Severity int

const (
	// SeverityInfo is for informational messages.
	SeverityInfo Severity = iota
	// SeverityWarning is for warning messages.
	SeverityWarning
	// SeverityHigh is for high priority alerts.
	SeverityHigh
	// SeverityCritical is for critical alerts requiring immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity.
func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "INFO"
	case SeverityWarning:
		return "WARNING"
	case SeverityHigh:
		return "HIGH"
	case SeverityCritical:
		return "CRITICAL"
	default:
		return "UNKNOWN"
	}
}

// Emoji returns an emoji for the severity level.
func (s Severity) Emoji() string {
	switch s {
	case SeverityInfo:
		return "ℹ️"
	case SeverityWarning:
		return "⚠️"
	case SeverityHigh:
		return "🔴"
	case SeverityCritical:
		return "🚨"
	default:
		return "❓"
	}
}

// Alerter defines the interface for sending alerts.
type Alerter interface {
	// Alert sends an alert with the given severity and message.
	Alert(ctx context.Context, severity Severity, message string, fields ...any) error
	// Name returns the name of the alerter.
	Name() string
}

// FormatFields renders key/value pairs one per line. Pairs with a
// non-string key and a trailing orphan value are skipped.
func FormatFields(fields ...any) string {
	var b strings.Builder
	for i := 0; i+1 < len(fields); i += 2 {
		key, ok := fields[i].(string)
		if !ok {
			continue
		}
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "• %s: %v", key, fields[i+1])
	}
	return b.String()
}

// AlertEvent represents a pre-defined alert event type.
type AlertEvent string

const (
	// EventBotStarted is sent when a bot worker starts.
	EventBotStarted AlertEvent = "bot_started"
	// EventBotStopped is sent when a bot worker stops.
	EventBotStopped AlertEvent = "bot_stopped"
	// EventWorkerCrashed is sent when a worker dies unexpectedly.
	EventWorkerCrashed AlertEvent = "worker_crashed"
	// EventWorkerRestarted is sent when the supervisor restarts a worker.
	EventWorkerRestarted AlertEvent = "worker_restarted"
	// EventWorkerExcluded is sent when a worker exhausts its restart budget
	// or fails fatally and is no longer restarted.
	EventWorkerExcluded AlertEvent = "worker_excluded"
	// EventPositionReprotected is sent when an unprotected open position
	// gets a new stop or is closed at market.
	EventPositionReprotected AlertEvent = "position_reprotected"
	// EventResidualCorrected is sent when untracked exposure is flattened
	// or adopted.
	EventResidualCorrected AlertEvent = "residual_corrected"
	// EventSafeModeEntered is sent when max drawdown stops new entries.
	EventSafeModeEntered AlertEvent = "safe_mode_entered"
	// EventStreamLost is sent when the push stream disconnects.
	EventStreamLost AlertEvent = "stream_lost"
	// EventStreamRestored is sent when the push stream reconnects.
	EventStreamRestored AlertEvent = "stream_restored"
	// EventDailySummary is sent for the daily summary.
	EventDailySummary AlertEvent = "daily_summary"
)

// EventSeverity returns the default severity for an event.
func EventSeverity(event AlertEvent) Severity {
	switch event {
	case EventWorkerExcluded:
		return SeverityCritical
	case EventWorkerCrashed, EventPositionReprotected, EventSafeModeEntered, EventStreamLost:
		return SeverityHigh
	case EventWorkerRestarted, EventResidualCorrected:
		return SeverityWarning
	default:
		return SeverityInfo
	}
}

// Send alerts event on a through its default severity. A nil alerter is a
// no-op.
func Send(ctx context.Context, a Alerter, event AlertEvent, message string, fields ...any) error {
	if a == nil {
		return nil
	}
	fields = append([]any{"event", string(event)}, fields...)
	return a.Alert(ctx, EventSeverity(event), message, fields...)
}
