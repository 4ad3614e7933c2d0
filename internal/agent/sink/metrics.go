package sink

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/yairfalse/driverlog/pkg/domain"
)

// Metrics counts consumed events per code, then forwards them
type Metrics struct {
	next      Sink
	consumed  metric.Int64Counter
	frameSize metric.Int64Histogram
	codeAttrs [domain.MaxEventCodeID]metric.MeasurementOption
}

// NewMetrics wraps next. A nil meter uses the global meter provider.
func NewMetrics(next Sink, meter metric.Meter, logger *zap.Logger) *Metrics {
	if meter == nil {
		meter = otel.Meter("driverlog")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	m := &Metrics{next: next}
	for _, code := range domain.EventCodes() {
		m.codeAttrs[code.ID] = metric.WithAttributeSet(attribute.NewSet(attribute.String("code", code.Name)))
	}

	var err error
	m.consumed, err = meter.Int64Counter(
		"driverlog_sink_events_total",
		metric.WithDescription("Total events delivered to the sink by code"),
		metric.WithUnit("1"),
	)
	if err != nil {
		logger.Debug("Failed to create sink events counter", zap.Error(err))
		m.consumed = nil
	}

	m.frameSize, err = meter.Int64Histogram(
		"driverlog_frame_length_bytes",
		metric.WithDescription("Length of captured frames on the wire"),
		metric.WithUnit("By"),
		metric.WithExplicitBucketBoundaries(64, 128, 256, 512, 1024, 1408, 4096, 65536),
	)
	if err != nil {
		logger.Debug("Failed to create frame length histogram", zap.Error(err))
		m.frameSize = nil
	}

	return m
}

// Consume records the event and forwards it
func (m *Metrics) Consume(ctx context.Context, event *domain.DriverEvent) error {
	attrs := m.codeAttrs[event.CodeID&(domain.MaxEventCodeID-1)]
	if m.consumed != nil && attrs != nil {
		m.consumed.Add(ctx, 1, attrs)
	}
	if m.frameSize != nil && event.Frame != nil && attrs != nil {
		m.frameSize.Record(ctx, int64(event.Frame.FrameLength), attrs)
	}
	return m.next.Consume(ctx, event)
}

// Close closes the wrapped sink
func (m *Metrics) Close() error {
	return m.next.Close()
}
