package notifier

import (
	"context"

	"go.uber.org/zap"

	"github.com/mikey/email-open-relay/internal/core"
)

// LogSender writes notifications to the log instead of delivering them
type LogSender struct {
	logger *zap.Logger
}

// NewLogSender creates a new log sender
func NewLogSender(logger *zap.Logger) *LogSender {
	return &LogSender{logger: logger}
}

// Send logs the notification
func (s *LogSender) Send(ctx context.Context, msg *core.Notification) error {
	fields := []zap.Field{
		zap.String("title", msg.Title),
		zap.String("summary", msg.Summary),
	}
	for _, f := range msg.Fields {
		fields = append(fields, zap.String(f.Name, f.Value))
	}
	s.logger.Info("Email open notification", fields...)
	return nil
}
