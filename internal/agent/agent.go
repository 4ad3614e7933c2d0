// Package agent owns the event log pipeline of one process: the ring buffer, the
// capture API bound to it and the reader agent draining it on a runner goroutine.
//
// The pipeline moves through Unconfigured, Configuring, Active, Draining and Reset.
// Start configures and activates it, Stop detaches producers and drains what was
// captured, and Reset releases the buffer so the handle can be started again.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/yairfalse/driverlog/internal/agent/capture"
	"github.com/yairfalse/driverlog/internal/agent/config"
	"github.com/yairfalse/driverlog/internal/agent/reader"
	"github.com/yairfalse/driverlog/internal/agent/ringbuffer"
	"github.com/yairfalse/driverlog/internal/agent/runner"
	"github.com/yairfalse/driverlog/internal/agent/sink"
)

// DefaultStopTimeout bounds how long Stop waits for the runner when ctx has no deadline
const DefaultStopTimeout = 5 * time.Second

// ErrInvalidState is returned for a lifecycle call the current state does not allow
var ErrInvalidState = errors.New("invalid pipeline state")

// State is the lifecycle state of the pipeline
type State int32

const (
	StateUnconfigured State = iota
	StateConfiguring
	StateActive
	StateDraining
	StateReset
)

func (s State) String() string {
	switch s {
	case StateUnconfigured:
		return "unconfigured"
	case StateConfiguring:
		return "configuring"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateReset:
		return "reset"
	default:
		return "unknown"
	}
}

// Option configures an Agent
type Option func(*Agent)

// WithMeter sets the meter every pipeline instrument is created from
func WithMeter(meter metric.Meter) Option {
	return func(a *Agent) {
		a.meter = meter
	}
}

// Stats is a snapshot of the pipeline counters
type Stats struct {
	State        State
	Enabled      config.EnabledSet
	Captured     int64
	Dropped      int64
	Read         int64
	DecodeErrors int64
	SinkErrors   int64
	Buffer       ringbuffer.Stats
}

// Agent is the process-wide handle of the event log pipeline
type Agent struct {
	id     string
	config config.Config
	sink   sink.Sink
	logger *zap.Logger
	meter  metric.Meter

	state    atomic.Int32
	capture  atomic.Pointer[capture.Logger]
	ring     atomic.Pointer[ringbuffer.RingBuffer]
	disabled *capture.Logger

	mu     sync.Mutex
	reader *reader.Agent
	runner *runner.Runner
	closed bool

	bufferGauge metric.Int64ObservableGauge
}

// New creates an unconfigured pipeline that will deliver events to s. A nil cfg
// uses the defaults with no event enabled.
func New(cfg *config.Config, s sink.Sink, logger *zap.Logger, opts ...Option) *Agent {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if s == nil {
		s = sink.Discard
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	a := &Agent{
		id:     uuid.NewString(),
		config: *cfg,
		sink:   s,
		logger: logger,
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.meter == nil {
		a.meter = otel.Meter("driverlog")
	}
	a.config.SetDefaults()
	a.disabled = capture.New(nil, 0, capture.WithMeter(a.meter))
	a.initializeMetrics()
	return a
}

// NewFromEnv is the bootstrap of an event log embedded in a driver process. The
// configuration comes from DRIVERLOG_* environment variables and the sink is the
// one they select.
func NewFromEnv(logger *zap.Logger, opts ...Option) (*Agent, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}
	s, err := sink.FromConfig(cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create event sink: %w", err)
	}
	return New(cfg, s, logger, opts...), nil
}

func (a *Agent) initializeMetrics() {
	var err error

	a.bufferGauge, err = a.meter.Int64ObservableGauge(
		"driverlog_ring_buffer_size_bytes",
		metric.WithDescription("Bytes of captured events waiting in the event ring buffer"),
		metric.WithUnit("By"),
		metric.WithInt64Callback(func(_ context.Context, o metric.Int64Observer) error {
			if rb := a.ring.Load(); rb != nil {
				o.Observe(int64(rb.Size()))
			}
			return nil
		}),
	)
	if err != nil {
		a.logger.Debug("Failed to create ring buffer size gauge", zap.Error(err))
		a.bufferGauge = nil
	}
}

// ID identifies this pipeline instance. Sinks see it as the event source.
func (a *Agent) ID() string {
	return a.id
}

// State returns the current lifecycle state
func (a *Agent) State() State {
	return State(a.state.Load())
}

// Config returns the configuration the pipeline starts with
func (a *Agent) Config() config.Config {
	return a.config
}

// Reconfigure replaces the configuration the next Start uses. The pipeline must be
// Unconfigured or Reset.
func (a *Agent) Reconfigure(cfg *config.Config) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if s := a.State(); s != StateUnconfigured && s != StateReset {
		return fmt.Errorf("%w: cannot reconfigure from %s", ErrInvalidState, s)
	}
	a.config = *cfg
	a.config.SetDefaults()
	return nil
}

// Logger returns the capture API. It records nothing unless the pipeline is Active.
func (a *Agent) Logger() *capture.Logger {
	if a.State() == StateActive {
		if l := a.capture.Load(); l != nil {
			return l
		}
	}
	return a.disabled
}

// Start parses the enabled set, allocates the ring buffer and starts the reader agent
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return fmt.Errorf("%w: pipeline closed", ErrInvalidState)
	}
	if s := a.State(); s != StateUnconfigured && s != StateReset {
		return fmt.Errorf("%w: cannot start from %s", ErrInvalidState, s)
	}
	if err := a.config.Validate(); err != nil {
		return fmt.Errorf("invalid event log configuration: %w", err)
	}
	a.state.Store(int32(StateConfiguring))

	enabled, unknown := config.ParseWithUnknown(a.config.EnabledEvents)
	if len(unknown) > 0 {
		a.logger.Warn("Ignoring unknown event codes", zap.Strings("names", unknown))
	}

	rb, err := ringbuffer.New(a.config.BufferCapacity)
	if err != nil {
		a.state.Store(int32(StateUnconfigured))
		return fmt.Errorf("failed to allocate event ring buffer: %w", err)
	}

	idle, err := runner.NewIdleStrategy(a.config.IdleStrategy, a.config.IdleSleep)
	if err != nil {
		a.state.Store(int32(StateUnconfigured))
		return err
	}

	capt := capture.New(rb, enabled,
		capture.WithMaxFrameCaptureLength(a.config.MaxFrameCaptureLength),
		capture.WithOverflowPolicy(a.config.OverflowPolicy),
		capture.WithZapLogger(a.logger),
		capture.WithMeter(a.meter),
	)
	rd := reader.New(rb, a.sink,
		reader.WithFrameLimit(a.config.ReaderFrameLimit),
		reader.WithLogger(a.logger),
		reader.WithSource(a.id),
		reader.WithMeter(a.meter),
	)
	run := runner.New(rd, idle, a.logger)
	if err := run.Start(ctx); err != nil {
		a.state.Store(int32(StateUnconfigured))
		return fmt.Errorf("failed to start reader agent: %w", err)
	}

	a.ring.Store(rb)
	a.capture.Store(capt)
	a.reader = rd
	a.runner = run
	a.state.Store(int32(StateActive))

	a.logger.Info("Event log started",
		zap.String("id", a.id),
		zap.Stringer("enabled", enabled),
		zap.Int("buffer_capacity", rb.Capacity()),
		zap.String("idle_strategy", a.config.IdleStrategy))
	return nil
}

// Stop detaches producers, stops the runner and drains what is left in the buffer
// until it is empty or ctx ends
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.stopLocked(ctx)
}

func (a *Agent) stopLocked(ctx context.Context) error {
	if s := a.State(); s != StateActive {
		return fmt.Errorf("%w: cannot stop from %s", ErrInvalidState, s)
	}
	a.state.Store(int32(StateDraining))
	a.capture.Load().Detach()

	timeout := DefaultStopTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}

	// the buffer has one consumer: nothing is drained while the runner goroutine lives
	if err := a.runner.Stop(timeout); err != nil {
		a.logger.Warn("Reader agent did not stop, events left undrained",
			zap.String("id", a.id),
			zap.Duration("timeout", timeout),
			zap.Int("undrained_bytes", a.ring.Load().Size()))
		return fmt.Errorf("failed to stop reader agent: %w", err)
	}

	drained, err := a.reader.Drain(ctx)
	if err != nil {
		err = fmt.Errorf("failed to drain event ring buffer: %w", err)
	}

	a.logger.Info("Event log stopped",
		zap.String("id", a.id),
		zap.Int("drained", drained),
		zap.Int64("read", a.reader.Read()),
		zap.Int64("dropped", a.capture.Load().Dropped()))
	return err
}

// awaitRunner waits until the runner goroutine of the last Start has returned
func (a *Agent) awaitRunner(ctx context.Context) error {
	if a.runner == nil {
		return nil
	}
	select {
	case <-a.runner.Done():
		return nil
	default:
	}
	select {
	case <-a.runner.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("reader agent still running: %w", runner.ErrShutdownTimeout)
	}
}

// Reset stops an active pipeline, releases the buffer, zeroes the counters and
// forgets the enabled set. The handle can be started again afterwards. When the
// reader agent is still running after DefaultStopTimeout the pipeline stays
// Draining and Reset can be retried.
func (a *Agent) Reset() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), DefaultStopTimeout)
	defer cancel()

	var errs []error
	if a.State() == StateActive {
		errs = append(errs, a.stopLocked(ctx))
	}
	if err := a.awaitRunner(ctx); err != nil {
		return errors.Join(append(errs, err)...)
	}

	if rb := a.ring.Load(); rb != nil && rb.Size() > 0 {
		a.logger.Warn("Discarding undrained events", zap.Int("bytes", rb.Size()))
	}
	if l := a.capture.Load(); l != nil {
		l.ResetCounters()
	}
	if a.reader != nil {
		a.reader.ResetCounters()
	}

	a.ring.Store(nil)
	a.capture.Store(nil)
	a.reader = nil
	a.runner = nil
	a.state.Store(int32(StateReset))
	return errors.Join(errs...)
}

// Close stops an active pipeline and releases the sink. When the reader agent is
// still running as ctx ends the sink stays open and Close can be retried.
func (a *Agent) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return nil
	}

	var errs []error
	if a.State() == StateActive {
		errs = append(errs, a.stopLocked(ctx))
	}
	if err := a.awaitRunner(ctx); err != nil {
		return errors.Join(append(errs, err)...)
	}
	a.closed = true

	if a.reader != nil {
		// left behind by a stop that timed out
		if rb := a.ring.Load(); rb != nil && rb.Size() > 0 {
			if _, err := a.reader.Drain(ctx); err != nil {
				errs = append(errs, fmt.Errorf("failed to drain event ring buffer: %w", err))
			}
		}
		errs = append(errs, a.reader.OnClose())
	} else {
		errs = append(errs, a.sink.Close())
	}
	return errors.Join(errs...)
}

// Dropped is the number of events lost to overflow since the last Start
func (a *Agent) Dropped() int64 {
	if l := a.capture.Load(); l != nil {
		return l.Dropped()
	}
	return 0
}

// Stats returns a snapshot of the pipeline counters
func (a *Agent) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()

	stats := Stats{State: a.State()}
	if l := a.capture.Load(); l != nil {
		stats.Enabled = l.EnabledSet()
		stats.Captured = l.Captured()
		stats.Dropped = l.Dropped()
	}
	if a.reader != nil {
		stats.Read = a.reader.Read()
		stats.DecodeErrors = a.reader.DecodeErrors()
		stats.SinkErrors = a.reader.SinkErrors()
	}
	if rb := a.ring.Load(); rb != nil {
		stats.Buffer = rb.Statistics()
	}
	return stats
}
