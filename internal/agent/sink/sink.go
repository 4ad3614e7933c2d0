// Package sink holds the consumers the reader agent dispatches decoded events to.
package sink

import (
	"context"
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/yairfalse/driverlog/internal/agent/config"
	"github.com/yairfalse/driverlog/pkg/domain"
)

// ErrClosed is returned by Consume after Close
var ErrClosed = errors.New("sink is closed")

// Sink consumes decoded events. Consume is called from the single reader goroutine;
// the event must not be retained after it returns unless the sink copies it.
type Sink interface {
	Consume(ctx context.Context, event *domain.DriverEvent) error
	Close() error
}

// Func adapts a function to a Sink with a no-op Close
type Func func(ctx context.Context, event *domain.DriverEvent) error

// Consume calls f
func (f Func) Consume(ctx context.Context, event *domain.DriverEvent) error {
	return f(ctx, event)
}

// Close does nothing
func (f Func) Close() error {
	return nil
}

// Discard drops every event
var Discard Sink = Func(func(context.Context, *domain.DriverEvent) error { return nil })

// FromConfig builds the sink selected by cfg. The sink is metered and, when
// cfg.Filter is set, wrapped in a Filter.
func FromConfig(cfg *config.Config, logger *zap.Logger) (Sink, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	var (
		s   Sink
		err error
	)
	switch cfg.Sink {
	case config.SinkConsole:
		s = NewConsole(os.Stdout)
	case config.SinkLog:
		s = NewLog(logger)
	case config.SinkFile:
		s, err = NewFile(cfg.SinkFile)
	case config.SinkNATS:
		s, err = newCheckedNATS(&NATSConfig{
			URL:        cfg.NATSURL,
			Subject:    cfg.NATSSubject,
			StreamName: cfg.NATSStream,
			Name:       "driverlog",
			DisconnectErrCB: func(err error) {
				logger.Warn("NATS sink disconnected", zap.Error(err))
			},
			ReconnectedCB: func() {
				logger.Info("NATS sink reconnected")
			},
		})
	default:
		return nil, fmt.Errorf("unknown sink %q", cfg.Sink)
	}
	if err != nil {
		return nil, err
	}

	s = NewMetrics(s, nil, logger)

	if cfg.Filter != "" {
		filtered, err := NewFilter(cfg.Filter, s)
		if err != nil {
			return nil, errors.Join(err, s.Close())
		}
		s = filtered
	}
	return s, nil
}

// newCheckedNATS connects the NATS sink and verifies the connection and stream
// before the reader starts publishing
func newCheckedNATS(config *NATSConfig) (Sink, error) {
	s, err := NewNATS(config)
	if err != nil {
		return nil, err
	}
	if err := s.HealthCheck(); err != nil {
		return nil, errors.Join(fmt.Errorf("nats sink unhealthy: %w", err), s.Close())
	}
	return s, nil
}
