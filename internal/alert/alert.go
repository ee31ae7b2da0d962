// Package alert fans operational alerts out to the configured channels.
// Delivery is asynchronous: alerting must never block the trading path.
package alert

import (
	"context"
	"sync"
	"time"

	"spot_engine/internal/core"
)

type Level string

const (
	Info     Level = "INFO"
	Warning  Level = "WARNING"
	Error    Level = "ERROR"
	Critical Level = "CRITICAL"
)

// Payload is one alert as handed to every channel.
type Payload struct {
	Level     Level
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// Channel delivers alerts somewhere.
type Channel interface {
	Send(ctx context.Context, alert Payload) error
	Name() string
}

// Manager fans alerts out to its channels.
type Manager struct {
	mu       sync.RWMutex
	channels []Channel
	logger   core.ILogger
	clock    core.Clock
}

// NewManager creates an empty manager.
func NewManager(logger core.ILogger, clock core.Clock) *Manager {
	return &Manager{
		logger: logger.WithField("component", "alert"),
		clock:  clock,
	}
}

// AddChannel registers a delivery channel.
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("Alert channel registered", "name", ch.Name())
}

// Alert delivers to every channel on its own goroutine. Failures are
// logged, never returned.
func (m *Manager) Alert(ctx context.Context, level Level, title, message string, fields map[string]string) {
	payload := Payload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: m.clock.Now(),
		Fields:    fields,
	}

	m.mu.RLock()
	channels := make([]Channel, len(m.channels))
	copy(channels, m.channels)
	m.mu.RUnlock()

	for _, ch := range channels {
		go func(c Channel) {
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
			defer cancel()
			if err := c.Send(sendCtx, payload); err != nil {
				m.logger.Error("Alert delivery failed",
					"channel", c.Name(), "title", title, "error", err.Error())
			}
		}(ch)
	}
}

// LogChannel writes alerts to the structured log. Always registered so
// alerts are visible even with no webhook configured.
type LogChannel struct {
	logger core.ILogger
}

// NewLogChannel creates a log-backed channel.
func NewLogChannel(logger core.ILogger) *LogChannel {
	return &LogChannel{logger: logger}
}

func (l *LogChannel) Name() string { return "log" }

func (l *LogChannel) Send(ctx context.Context, alert Payload) error {
	fields := []interface{}{"title", alert.Title, "message", alert.Message}
	for k, v := range alert.Fields {
		fields = append(fields, k, v)
	}
	switch alert.Level {
	case Error, Critical:
		l.logger.Error("ALERT", fields...)
	case Warning:
		l.logger.Warn("ALERT", fields...)
	default:
		l.logger.Info("ALERT", fields...)
	}
	return nil
}
