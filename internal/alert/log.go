package alert

import (
	"context"

	"trading_bot/internal/core"
)

// LogChannel writes alerts to the structured log. It is always registered so
// every alert has at least one durable record even when no external channel
// is configured.
type LogChannel struct {
	logger core.ILogger
}

func NewLogChannel(logger core.ILogger) *LogChannel {
	return &LogChannel{logger: logger.WithField("component", "alert_log")}
}

func (l *LogChannel) Name() string {
	return "log"
}

func (l *LogChannel) Send(_ context.Context, a AlertPayload) error {
	args := []interface{}{"title", a.Title, "message", a.Message}
	for k, v := range a.Fields {
		args = append(args, k, v)
	}
	switch a.Level {
	case Critical, Error:
		l.logger.Error("Alert", args...)
	case Warning:
		l.logger.Warn("Alert", args...)
	default:
		l.logger.Info("Alert", args...)
	}
	return nil
}
