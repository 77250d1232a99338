// Package alerts delivers operator notifications for critical and warning
// conditions.
package alerts

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Severity ranks an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one outbound notification.
type Alert struct {
	Severity  Severity  `json:"severity"`
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	Timestamp time.Time `json:"timestamp"`
}

// Sink delivers alerts.
type Sink interface {
	Send(ctx context.Context, alert Alert) error
}

// LogSink writes alerts to the structured log.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a sink backed by logger.
func NewLogSink(logger *zap.Logger) *LogSink {
	return &LogSink{logger: logger.Named("alerts")}
}

func (s *LogSink) Send(_ context.Context, alert Alert) error {
	fields := []zap.Field{
		zap.String("severity", string(alert.Severity)),
		zap.String("subject", alert.Subject),
		zap.String("body", alert.Body),
	}
	switch alert.Severity {
	case SeverityCritical:
		s.logger.Error("ALERT", fields...)
	case SeverityWarning:
		s.logger.Warn("ALERT", fields...)
	default:
		s.logger.Info("ALERT", fields...)
	}
	return nil
}

// Multi fans an alert out to several sinks. Every sink is attempted; the
// joined error of the failures is returned.
type Multi []Sink

func (m Multi) Send(ctx context.Context, alert Alert) error {
	var errs []error
	for _, s := range m {
		if err := s.Send(ctx, alert); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Memory keeps alerts in memory. Used by the status API and tests.
type Memory struct {
	mu     sync.Mutex
	alerts []Alert
	limit  int
}

// NewMemory keeps at most limit recent alerts; zero keeps all.
func NewMemory(limit int) *Memory {
	return &Memory{limit: limit}
}

func (m *Memory) Send(_ context.Context, alert Alert) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.alerts = append(m.alerts, alert)
	if m.limit > 0 && len(m.alerts) > m.limit {
		m.alerts = m.alerts[len(m.alerts)-m.limit:]
	}
	return nil
}

// Alerts returns a copy of the stored alerts.
func (m *Memory) Alerts() []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Alert, len(m.alerts))
	copy(out, m.alerts)
	return out
}

// Count returns how many stored alerts have the given severity.
func (m *Memory) Count(sev Severity) int {
	n := 0
	for _, a := range m.Alerts() {
		if a.Severity == sev {
			n++
		}
	}
	return n
}
