// Package alerts delivers operator notifications for critical pipeline
// events: flush failures, integrity mismatches, undeliverable signals,
// and tripped risk limits.
package alerts

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Severity classifies an alert.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// Alert is one operator notification.
type Alert struct {
	Severity  Severity
	Title     string
	Message   string
	Metadata  map[string]interface{}
	Timestamp time.Time
}

// Alerter delivers alerts to a channel.
type Alerter interface {
	Send(ctx context.Context, alert Alert) error
}

// Manager fans alerts out to the configured channels. A nil or empty
// manager is a no-op, so callers never need nil checks.
type Manager struct {
	channels []Alerter
}

// NewManager builds a manager over zero or more channels.
func NewManager(channels ...Alerter) *Manager {
	return &Manager{channels: channels}
}

// Critical implements the single-method alert sink used by the store
// and distributor.
func (m *Manager) Critical(ctx context.Context, message string) {
	m.send(ctx, Alert{
		Severity:  SeverityCritical,
		Title:     "Critical pipeline event",
		Message:   message,
		Timestamp: time.Now().UTC(),
	})
}

// Warn sends a warning-level alert.
func (m *Manager) Warn(ctx context.Context, title, message string, metadata map[string]interface{}) {
	m.send(ctx, Alert{
		Severity:  SeverityWarning,
		Title:     title,
		Message:   message,
		Metadata:  metadata,
		Timestamp: time.Now().UTC(),
	})
}

func (m *Manager) send(ctx context.Context, alert Alert) {
	if m == nil {
		return
	}
	for _, ch := range m.channels {
		if err := ch.Send(ctx, alert); err != nil {
			log.Error().
				Err(err).
				Str("title", alert.Title).
				Msg("Alert delivery failed")
		}
	}
}
