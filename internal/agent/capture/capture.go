// Package capture is the producer side of the event log. Instrumented code calls a
// Logger method at each hook point; the method returns at once when the event code
// is disabled and otherwise encodes the event straight into the ring buffer.
package capture

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/yairfalse/driverlog/internal/agent/codec"
	"github.com/yairfalse/driverlog/internal/agent/config"
	"github.com/yairfalse/driverlog/internal/agent/ringbuffer"
	"github.com/yairfalse/driverlog/pkg/domain"
)

var (
	// ErrWrongCode is returned when a method is called with a code of another payload kind
	ErrWrongCode = errors.New("event code does not match the capture method")
	// ErrEncodeLength is returned when an encoder filled less or more than it claimed.
	// The claim is aborted and the consumer skips it.
	ErrEncodeLength = errors.New("encoded length does not match the claimed record")
)

// Option configures a Logger
type Option func(*Logger)

// WithMaxFrameCaptureLength bounds how many bytes of a frame are copied into a record
func WithMaxFrameCaptureLength(n int) Option {
	return func(l *Logger) {
		l.maxFrameCapture = n
	}
}

// WithOverflowPolicy selects whether overflow errors reach the caller
func WithOverflowPolicy(p config.OverflowPolicy) Option {
	return func(l *Logger) {
		l.policy = p
	}
}

// WithZapLogger sets the diagnostic logger
func WithZapLogger(logger *zap.Logger) Option {
	return func(l *Logger) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// WithMeter sets the meter the capture counters are created from
func WithMeter(meter metric.Meter) Option {
	return func(l *Logger) {
		l.meter = meter
	}
}

// WithClock replaces the timestamp source
func WithClock(now func() time.Time) Option {
	return func(l *Logger) {
		l.now = now
	}
}

// Logger is the capture API. All methods are safe for concurrent use and never block.
type Logger struct {
	ring    *ringbuffer.RingBuffer
	enabled config.EnabledSet

	maxFrameCapture int
	policy          config.OverflowPolicy
	now             func() time.Time
	logger          *zap.Logger
	meter           metric.Meter

	detached atomic.Bool
	captured atomic.Int64
	dropped  atomic.Int64

	capturedCounter metric.Int64Counter
	droppedCounter  metric.Int64Counter
	codeAttrs       [domain.MaxEventCodeID][]metric.AddOption
}

// New creates a Logger that records the codes in enabled into ring
func New(ring *ringbuffer.RingBuffer, enabled config.EnabledSet, opts ...Option) *Logger {
	l := &Logger{
		ring:            ring,
		enabled:         enabled,
		maxFrameCapture: config.DefaultMaxFrameCaptureLength,
		policy:          config.OverflowDrop,
		now:             time.Now,
		logger:          zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if ring == nil {
		l.enabled = 0
	}
	if l.meter == nil {
		l.meter = otel.Meter("driverlog")
	}

	for _, code := range domain.EventCodes() {
		l.codeAttrs[code.ID] = []metric.AddOption{
			metric.WithAttributeSet(attribute.NewSet(attribute.String("code", code.Name))),
		}
	}
	l.initializeMetrics()
	return l
}

// Disabled returns a Logger that records nothing
func Disabled() *Logger {
	return New(nil, 0)
}

func (l *Logger) initializeMetrics() {
	var err error

	l.capturedCounter, err = l.meter.Int64Counter(
		"driverlog_events_captured_total",
		metric.WithDescription("Total events written to the event ring buffer"),
		metric.WithUnit("1"),
	)
	if err != nil {
		l.logger.Debug("Failed to create events captured counter", zap.Error(err))
		l.capturedCounter = nil
	}

	l.droppedCounter, err = l.meter.Int64Counter(
		"driverlog_events_dropped_total",
		metric.WithDescription("Total events dropped because the event ring buffer was full"),
		metric.WithUnit("1"),
	)
	if err != nil {
		l.logger.Debug("Failed to create events dropped counter", zap.Error(err))
		l.droppedCounter = nil
	}
}

// Enabled reports whether events of code are currently recorded
func (l *Logger) Enabled(code domain.EventCode) bool {
	return l != nil && l.enabled.Contains(code) && !l.detached.Load()
}

// EnabledSet returns the codes this Logger was built with
func (l *Logger) EnabledSet() config.EnabledSet {
	return l.enabled
}

// Detach stops recording. Calls already past the enabled check may still commit.
func (l *Logger) Detach() {
	l.detached.Store(true)
}

// Captured is the number of records committed
func (l *Logger) Captured() int64 {
	return l.captured.Load()
}

// Dropped is the number of events lost to overflow
func (l *Logger) Dropped() int64 {
	return l.dropped.Load()
}

// ResetCounters zeroes the captured and dropped counters
func (l *Logger) ResetCounters() {
	l.captured.Store(0)
	l.dropped.Store(0)
}

// LogFrameIn records a frame received on a channel endpoint
func (l *Logger) LogFrameIn(frame []byte, addr net.Addr) error {
	return l.logFrame(domain.FrameIn, frame, addr)
}

// LogFrameOut records a frame sent on a channel endpoint
func (l *Logger) LogFrameOut(frame []byte, addr net.Addr) error {
	return l.logFrame(domain.FrameOut, frame, addr)
}

func (l *Logger) logFrame(code domain.EventCode, frame []byte, addr net.Addr) error {
	if !l.Enabled(code) {
		return nil
	}

	ip, port := splitAddr(addr)
	captured := len(frame)
	if captured > l.maxFrameCapture {
		captured = l.maxFrameCapture
	}
	if limit := codec.MaxCapture(l.ring.MaxMessageLength(), ip); captured > limit {
		captured = limit
	}

	c, err := l.ring.TryClaim(code.ID, codec.FrameLength(ip, captured))
	if err != nil {
		return l.overflow(code, err)
	}
	n := codec.EncodeFrame(c.Buffer(), l.now().UnixNano(), int32(len(frame)), ip, port, frame[:captured])
	return l.commit(code, c, n)
}

// LogCommand records a command received by or a response sent from the conductor
func (l *Logger) LogCommand(code domain.EventCode, cmd codec.Command) error {
	if !l.Enabled(code) {
		return nil
	}
	if codec.KindOf(code) != codec.KindCommand {
		return ErrWrongCode
	}

	c, err := l.ring.TryClaim(code.ID, codec.CommandLength(&cmd))
	if err != nil {
		return l.overflow(code, err)
	}
	n := codec.EncodeCommand(c.Buffer(), l.now().UnixNano(), &cmd)
	return l.commit(code, c, n)
}

// LogChannelCreated records a send or receive channel endpoint being opened
func (l *Logger) LogChannelCreated(code domain.EventCode, channel string) error {
	if code != domain.SendChannelCreation && code != domain.ReceiveChannelCreation {
		return ErrWrongCode
	}
	return l.logChannel(code, channel)
}

// LogChannelClosed records a send or receive channel endpoint being closed
func (l *Logger) LogChannelClosed(code domain.EventCode, channel string) error {
	if code != domain.SendChannelClose && code != domain.ReceiveChannelClose {
		return ErrWrongCode
	}
	return l.logChannel(code, channel)
}

func (l *Logger) logChannel(code domain.EventCode, channel string) error {
	if !l.Enabled(code) {
		return nil
	}

	c, err := l.ring.TryClaim(code.ID, codec.ChannelLength(channel))
	if err != nil {
		return l.overflow(code, err)
	}
	n := codec.EncodeChannel(c.Buffer(), l.now().UnixNano(), channel)
	return l.commit(code, c, n)
}

// LogPublicationRemoval records a publication being released
func (l *Logger) LogPublicationRemoval(channel string, sessionID, streamID int32) error {
	return l.logCleanup(domain.RemovePublicationCleanup, codec.Cleanup{
		Channel:   channel,
		SessionID: sessionID,
		StreamID:  streamID,
	})
}

// LogSubscriptionRemoval records a subscription being released
func (l *Logger) LogSubscriptionRemoval(channel string, streamID int32, subscriptionID int64) error {
	return l.logCleanup(domain.RemoveSubscriptionCleanup, codec.Cleanup{
		Channel:       channel,
		StreamID:      streamID,
		CorrelationID: subscriptionID,
	})
}

// LogImageRemoval records an image being released
func (l *Logger) LogImageRemoval(channel string, sessionID, streamID int32, correlationID int64) error {
	return l.logCleanup(domain.RemoveImageCleanup, codec.Cleanup{
		Channel:       channel,
		SessionID:     sessionID,
		StreamID:      streamID,
		CorrelationID: correlationID,
	})
}

func (l *Logger) logCleanup(code domain.EventCode, cleanup codec.Cleanup) error {
	if !l.Enabled(code) {
		return nil
	}

	c, err := l.ring.TryClaim(code.ID, codec.CleanupLength(&cleanup))
	if err != nil {
		return l.overflow(code, err)
	}
	n := codec.EncodeCleanup(c.Buffer(), l.now().UnixNano(), &cleanup)
	return l.commit(code, c, n)
}

func (l *Logger) commit(code domain.EventCode, c ringbuffer.Claim, written int) error {
	if written != c.Length() {
		if err := l.ring.Abort(c); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s wrote %d of %d bytes", ErrEncodeLength, code.Name, written, c.Length())
	}
	if err := l.ring.Commit(c); err != nil {
		return err
	}
	l.captured.Add(1)
	if l.capturedCounter != nil {
		l.capturedCounter.Add(context.Background(), 1, l.codeAttrs[code.ID]...)
	}
	return nil
}

func (l *Logger) overflow(code domain.EventCode, err error) error {
	if !errors.Is(err, ringbuffer.ErrOverflow) {
		return err
	}

	l.dropped.Add(1)
	if l.droppedCounter != nil {
		l.droppedCounter.Add(context.Background(), 1, l.codeAttrs[code.ID]...)
	}

	if l.policy == config.OverflowReport {
		return err
	}
	return nil
}

func splitAddr(addr net.Addr) (net.IP, int) {
	switch a := addr.(type) {
	case *net.UDPAddr:
		return a.IP, a.Port
	case *net.TCPAddr:
		return a.IP, a.Port
	case *net.IPAddr:
		return a.IP, 0
	default:
		return nil, 0
	}
}
