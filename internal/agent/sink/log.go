package sink

import (
	"context"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/yairfalse/driverlog/pkg/domain"
)

// Log writes each event as a structured zap entry
type Log struct {
	logger *zap.Logger
	level  zapcore.Level
}

// NewLog creates a log sink writing at info level
func NewLog(logger *zap.Logger) *Log {
	return NewLogAt(logger, zapcore.InfoLevel)
}

// NewLogAt creates a log sink writing at level
func NewLogAt(logger *zap.Logger, level zapcore.Level) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Log{logger: logger.Named("events"), level: level}
}

// Consume logs the event
func (l *Log) Consume(_ context.Context, event *domain.DriverEvent) error {
	ce := l.logger.Check(l.level, "Driver event")
	if ce == nil {
		return nil
	}
	ce.Write(eventFields(event)...)
	return nil
}

// Close flushes the logger
func (l *Log) Close() error {
	// stdout/stderr syncs fail on some platforms, not worth surfacing
	_ = l.logger.Sync()
	return nil
}

func eventFields(event *domain.DriverEvent) []zap.Field {
	fields := []zap.Field{
		zap.String("code", event.CodeName),
		zap.Time("timestamp", event.Timestamp),
	}
	if event.Source != "" {
		fields = append(fields, zap.String("source", event.Source))
	}

	switch {
	case event.Frame != nil:
		fields = append(fields,
			zap.String("address", event.Frame.Address),
			zap.Int32("frame_length", event.Frame.FrameLength),
			zap.Int("captured", len(event.Frame.Captured)),
		)
	case event.Command != nil:
		cmd := event.Command
		fields = append(fields,
			zap.Int64("client_id", cmd.ClientID),
			zap.Int64("correlation_id", cmd.CorrelationID),
			zap.Int64("registration_id", cmd.RegistrationID),
			zap.Int32("session_id", cmd.SessionID),
			zap.Int32("stream_id", cmd.StreamID),
		)
		if cmd.Channel != "" {
			fields = append(fields, zap.String("channel", cmd.Channel))
		}
		if cmd.Message != "" {
			fields = append(fields, zap.String("message", cmd.Message))
		}
	case event.Channel != nil:
		fields = append(fields, zap.String("channel", event.Channel.Channel))
	case event.Cleanup != nil:
		c := event.Cleanup
		fields = append(fields,
			zap.String("channel", c.Channel),
			zap.Int32("session_id", c.SessionID),
			zap.Int32("stream_id", c.StreamID),
			zap.Int64("correlation_id", c.CorrelationID),
		)
	}
	return fields
}
