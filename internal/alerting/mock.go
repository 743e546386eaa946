package alerting

import (
	"context"
	"strings"
	"sync"
)

// MockAlert is one captured alert.
type MockAlert struct {
	Severity Severity
	Message  string
	Event    string
	Fields   []any
}

// MockAlerter captures alerts for tests. Setting Err makes Alert fail
// after capturing.
type MockAlerter struct {
	mu     sync.Mutex
	alerts []MockAlert
	Err    error
}

// NewMockAlerter creates an empty mock alerter.
func NewMockAlerter() *MockAlerter {
	return &MockAlerter{}
}

// Name returns "mock".
func (m *MockAlerter) Name() string {
	return "mock"
}

// Alert records the alert.
func (m *MockAlerter) Alert(_ context.Context, severity Severity, message string, fields ...any) error {
	ev, _ := eventOf(fields)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, MockAlert{Severity: severity, Message: message, Event: ev, Fields: fields})
	return m.Err
}

// Alerts returns a copy of the captured alerts, oldest first.
func (m *MockAlerter) Alerts() []MockAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]MockAlert(nil), m.alerts...)
}

// Events returns the event of every captured alert sent through Send.
func (m *MockAlerter) Events() []AlertEvent {
	var out []AlertEvent
	for _, a := range m.Alerts() {
		if a.Event != "" {
			out = append(out, AlertEvent(a.Event))
		}
	}
	return out
}

// Clear drops the captured alerts.
func (m *MockAlerter) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = nil
}

// Count returns the number of captured alerts.
func (m *MockAlerter) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.alerts)
}

// HasAlertWithSeverity reports whether any alert had severity.
func (m *MockAlerter) HasAlertWithSeverity(severity Severity) bool {
	return m.any(func(a MockAlert) bool { return a.Severity == severity })
}

// HasAlertContaining reports whether any message contains substr.
func (m *MockAlerter) HasAlertContaining(substr string) bool {
	return m.any(func(a MockAlert) bool { return strings.Contains(a.Message, substr) })
}

// LastAlert returns the newest alert or nil.
func (m *MockAlerter) LastAlert() *MockAlert {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.alerts) == 0 {
		return nil
	}
	last := m.alerts[len(m.alerts)-1]
	return &last
}

func (m *MockAlerter) any(match func(MockAlert) bool) bool {
	for _, a := range m.Alerts() {
		if match(a) {
			return true
		}
	}
	return false
}
