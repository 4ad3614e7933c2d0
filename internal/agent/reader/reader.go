// Package reader is the consumer side of the event log: an agent that drains the
// ring buffer, decodes each record and hands the event to a sink.
package reader

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/yairfalse/driverlog/internal/agent/codec"
	"github.com/yairfalse/driverlog/internal/agent/config"
	"github.com/yairfalse/driverlog/internal/agent/ringbuffer"
	"github.com/yairfalse/driverlog/internal/agent/runner"
	"github.com/yairfalse/driverlog/internal/agent/sink"
)

const (
	// RoleName identifies the reader agent to the duty-cycle runner
	RoleName = "event-log-reader"

	// DefaultDrainStallRounds is how many idle rounds without consumer progress
	// Drain tolerates before giving up on a claimed record that is never committed
	DefaultDrainStallRounds = 64
)

// ErrDrainStalled is returned by Drain when the buffer stops being consumable
var ErrDrainStalled = errors.New("drain stalled on an uncommitted record")

// Option configures an Agent
type Option func(*Agent)

// WithFrameLimit bounds the records dispatched per DoWork call
func WithFrameLimit(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.frameLimit = n
		}
	}
}

// WithLogger sets the logger
func WithLogger(logger *zap.Logger) Option {
	return func(a *Agent) {
		if logger != nil {
			a.logger = logger
		}
	}
}

// WithSource stamps every event with the capturing instance id
func WithSource(source string) Option {
	return func(a *Agent) {
		a.source = source
	}
}

// WithErrorLogLimit sets how often decode and sink failures are logged
func WithErrorLogLimit(every time.Duration, burst int) Option {
	return func(a *Agent) {
		a.limiter = rate.NewLimiter(rate.Every(every), burst)
	}
}

// WithDrainStallRounds sets how many idle rounds without progress end a Drain
func WithDrainStallRounds(n int) Option {
	return func(a *Agent) {
		if n > 0 {
			a.stallRounds = n
		}
	}
}

// WithMeter sets the meter the reader instruments are created from
func WithMeter(meter metric.Meter) Option {
	return func(a *Agent) {
		a.meter = meter
	}
}

// Agent drains the event ring buffer. DoWork and Drain must be called from one
// goroutine at a time.
type Agent struct {
	ring        *ringbuffer.RingBuffer
	sink        sink.Sink
	frameLimit  int
	stallRounds int
	source      string
	logger      *zap.Logger
	limiter     *rate.Limiter
	meter       metric.Meter

	// set for the duration of a DoWork call
	ctx     context.Context
	handler ringbuffer.Handler

	read         atomic.Int64
	decodeErrors atomic.Int64
	sinkErrors   atomic.Int64

	readCounter        metric.Int64Counter
	decodeErrorCounter metric.Int64Counter
	sinkErrorCounter   metric.Int64Counter
}

// New creates a reader agent that delivers the records of ring to s
func New(ring *ringbuffer.RingBuffer, s sink.Sink, opts ...Option) *Agent {
	a := &Agent{
		ring:        ring,
		sink:        s,
		frameLimit:  config.DefaultReaderFrameLimit,
		stallRounds: DefaultDrainStallRounds,
		logger:      zap.NewNop(),
		limiter:     rate.NewLimiter(rate.Every(time.Second), 10),
		ctx:         context.Background(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.sink == nil {
		a.sink = sink.Discard
	}
	if a.meter == nil {
		a.meter = otel.Meter("driverlog")
	}
	a.handler = a.onRecord
	a.initializeMetrics()
	return a
}

func (a *Agent) initializeMetrics() {
	var err error

	a.readCounter, err = a.meter.Int64Counter(
		"driverlog_events_read_total",
		metric.WithDescription("Total events drained from the event ring buffer"),
		metric.WithUnit("1"),
	)
	if err != nil {
		a.logger.Debug("Failed to create events read counter", zap.Error(err))
		a.readCounter = nil
	}

	a.decodeErrorCounter, err = a.meter.Int64Counter(
		"driverlog_decode_errors_total",
		metric.WithDescription("Total records skipped because they could not be decoded"),
		metric.WithUnit("1"),
	)
	if err != nil {
		a.logger.Debug("Failed to create decode errors counter", zap.Error(err))
		a.decodeErrorCounter = nil
	}

	a.sinkErrorCounter, err = a.meter.Int64Counter(
		"driverlog_sink_errors_total",
		metric.WithDescription("Total events the sink failed to consume"),
		metric.WithUnit("1"),
	)
	if err != nil {
		a.logger.Debug("Failed to create sink errors counter", zap.Error(err))
		a.sinkErrorCounter = nil
	}
}

// RoleName returns the agent role
func (a *Agent) RoleName() string {
	return RoleName
}

// DoWork dispatches up to the frame limit of records and returns how many it read
func (a *Agent) DoWork(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	a.ctx = ctx
	n := a.ring.Read(a.handler, a.frameLimit)
	a.ctx = context.Background()

	if n > 0 {
		a.read.Add(int64(n))
		if a.readCounter != nil {
			a.readCounter.Add(ctx, int64(n))
		}
	}
	return n, nil
}

// Drain calls DoWork until the ring buffer is empty or ctx ends. It backs off while a
// claimed record is still being written and fails with ErrDrainStalled when the
// consumer position does not move for the configured number of idle rounds.
func (a *Agent) Drain(ctx context.Context) (int, error) {
	idle := runner.NewBackoff(time.Millisecond)
	position := a.ring.ConsumerPosition()
	total, stalled := 0, 0
	for {
		n, err := a.DoWork(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if n == 0 && a.ring.Size() == 0 {
			return total, nil
		}

		// padding moves the consumer without dispatching
		if next := a.ring.ConsumerPosition(); next != position {
			position = next
			stalled = 0
			idle.Reset()
			continue
		}

		stalled++
		if stalled >= a.stallRounds {
			size := a.ring.Size()
			a.logger.Warn("Event log drain stalled",
				zap.Int("undrained_bytes", size),
				zap.Int("rounds", stalled))
			return total, fmt.Errorf("%w: %d bytes left", ErrDrainStalled, size)
		}
		idle.Idle(0)
	}
}

// OnClose releases the sink
func (a *Agent) OnClose() error {
	return a.sink.Close()
}

// Read is the number of records dispatched, including those that failed to decode
func (a *Agent) Read() int64 {
	return a.read.Load()
}

// DecodeErrors is the number of records skipped because they could not be decoded
func (a *Agent) DecodeErrors() int64 {
	return a.decodeErrors.Load()
}

// SinkErrors is the number of events the sink returned an error for
func (a *Agent) SinkErrors() int64 {
	return a.sinkErrors.Load()
}

// ResetCounters zeroes the read and error counters
func (a *Agent) ResetCounters() {
	a.read.Store(0)
	a.decodeErrors.Store(0)
	a.sinkErrors.Store(0)
}

func (a *Agent) onRecord(typeID int32, payload []byte) {
	event, err := codec.Decode(typeID, payload)
	if err != nil {
		a.decodeErrors.Add(1)
		if a.decodeErrorCounter != nil {
			a.decodeErrorCounter.Add(a.ctx, 1)
		}
		if a.limiter.Allow() {
			var decodeErr *codec.DecodeError
			if errors.As(err, &decodeErr) {
				a.logger.Warn("Skipping undecodable event record",
					zap.Int32("type_id", decodeErr.TypeID),
					zap.String("reason", decodeErr.Reason),
					zap.Int("length", len(payload)))
			} else {
				a.logger.Warn("Skipping undecodable event record", zap.Error(err))
			}
		}
		return
	}

	event.Source = a.source
	if err := a.sink.Consume(a.ctx, event); err != nil {
		a.sinkErrors.Add(1)
		if a.sinkErrorCounter != nil {
			a.sinkErrorCounter.Add(a.ctx, 1, metric.WithAttributes(attribute.String("code", event.CodeName)))
		}
		if a.limiter.Allow() {
			a.logger.Warn("Sink failed to consume event",
				zap.String("code", event.CodeName),
				zap.Error(err))
		}
	}
}
