package alerting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// MultiAlerter fans an alert out to several channels concurrently. A
// failing channel does not stop the others.
type MultiAlerter struct {
	mu       sync.RWMutex
	alerters []Alerter
	logger   *slog.Logger
}

// NewMultiAlerter creates a fan-out over alerters.
func NewMultiAlerter(logger *slog.Logger, alerters ...Alerter) *MultiAlerter {
	if logger == nil {
		logger = slog.Default()
	}
	return &MultiAlerter{alerters: alerters, logger: logger}
}

// Name lists the channels, e.g. "multi(console,telegram)".
func (m *MultiAlerter) Name() string {
	names := make([]string, 0, len(m.snapshot()))
	for _, a := range m.snapshot() {
		names = append(names, a.Name())
	}
	return "multi(" + strings.Join(names, ",") + ")"
}

// AddAlerter adds a channel.
func (m *MultiAlerter) AddAlerter(a Alerter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerters = append(m.alerters, a)
}

func (m *MultiAlerter) snapshot() []Alerter {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Alerter(nil), m.alerters...)
}

// Alert sends to every channel and joins the channel errors.
func (m *MultiAlerter) Alert(ctx context.Context, severity Severity, message string, fields ...any) error {
	alerters := m.snapshot()
	errs := make([]error, len(alerters))

	var wg sync.WaitGroup
	for i, a := range alerters {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := a.Alert(ctx, severity, message, fields...); err != nil {
				m.logger.Error("alert channel failed", "channel", a.Name(), "severity", severity.String(), "err", err)
				errs[i] = fmt.Errorf("%s: %w", a.Name(), err)
			}
		}()
	}
	wg.Wait()
	return errors.Join(errs...)
}
