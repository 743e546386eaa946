package alerting

import "context"

// FilterAlerter drops alerts whose event is not enabled. Alerts without an
// event field always pass.
type FilterAlerter struct {
	next    Alerter
	enabled func(event string) bool
}

// NewFilterAlerter wraps next. enabled is asked once per alert.
func NewFilterAlerter(next Alerter, enabled func(event string) bool) *FilterAlerter {
	return &FilterAlerter{next: next, enabled: enabled}
}

// Name returns the wrapped alerter's name.
func (f *FilterAlerter) Name() string {
	return f.next.Name()
}

// Alert forwards the alert when its event is enabled.
func (f *FilterAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	if ev, ok := eventOf(fields); ok && !f.enabled(ev) {
		return nil
	}
	return f.next.Alert(ctx, severity, message, fields...)
}

func eventOf(fields []any) (string, bool) {
	for i := 0; i+1 < len(fields); i += 2 {
		if k, _ := fields[i].(string); k == "event" {
			v, ok := fields[i+1].(string)
			return v, ok
		}
	}
	return "", false
}
