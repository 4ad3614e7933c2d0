package agent

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/yairfalse/driverlog/internal/agent/config"
	"github.com/yairfalse/driverlog/internal/agent/interceptor"
	"github.com/yairfalse/driverlog/internal/agent/runner"
	"github.com/yairfalse/driverlog/internal/agent/sink"
	"github.com/yairfalse/driverlog/internal/driver"
	"github.com/yairfalse/driverlog/pkg/domain"
)

const loopback = "aeron:udp?endpoint=127.0.0.1:0"

func testConfig(events string) *config.Config {
	cfg := config.DefaultConfig()
	cfg.EnabledEvents = events
	cfg.BufferCapacity = 64 * 1024
	cfg.IdleStrategy = config.IdleSleep
	cfg.IdleSleep = 100 * time.Microsecond
	return cfg
}

func newTestAgent(t *testing.T, cfg *config.Config, s sink.Sink) *Agent {
	t.Helper()
	a := New(cfg, s, zaptest.NewLogger(t), WithMeter(noop.NewMeterProvider().Meter("test")))
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

// harness is a driver instrumented by the pipeline plus one loopback stream
type harness struct {
	driver *driver.Driver
	client *driver.Client
	sub    *driver.Subscription
	pub    *driver.Publication
}

func newHarness(t *testing.T, a *Agent) *harness {
	t.Helper()
	logger := zaptest.NewLogger(t)
	d := driver.New(driver.Config{
		Hooks:  interceptor.New(a.Logger, logger),
		Logger: logger,
	})
	t.Cleanup(func() { _ = d.Close() })

	client, err := d.NewClient()
	require.NoError(t, err)
	sub, err := client.AddSubscription(loopback, 10)
	require.NoError(t, err)
	pub, err := client.AddPublication(sub.ResolvedChannel(), 10)
	require.NoError(t, err)

	return &harness{driver: d, client: client, sub: sub, pub: pub}
}

// transfer sends payload and waits until the subscription delivered it
func (h *harness) transfer(t *testing.T, payload []byte) {
	t.Helper()
	require.NoError(t, h.pub.Offer(payload))
	require.Eventually(t, func() bool {
		return h.sub.Poll(func([]byte, driver.Header) {}, 1) == 1
	}, 5*time.Second, time.Millisecond)
}

func stop(t *testing.T, a *Agent) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Stop(ctx))
}

func TestLifecycle(t *testing.T) {
	a := newTestAgent(t, testConfig("all"), nil)
	ctx := context.Background()

	assert.Equal(t, StateUnconfigured, a.State())
	assert.False(t, a.Logger().Enabled(domain.FrameIn), "disabled until active")
	assert.ErrorIs(t, a.Stop(ctx), ErrInvalidState)

	require.NoError(t, a.Start(ctx))
	assert.Equal(t, StateActive, a.State())
	assert.True(t, a.Logger().Enabled(domain.FrameIn))
	assert.ErrorIs(t, a.Start(ctx), ErrInvalidState)

	stop(t, a)
	assert.Equal(t, StateDraining, a.State())
	assert.False(t, a.Logger().Enabled(domain.FrameIn))
	assert.ErrorIs(t, a.Reconfigure(testConfig("")), ErrInvalidState)
	assert.ErrorIs(t, a.Start(ctx), ErrInvalidState, "reset is required before a restart")

	require.NoError(t, a.Reset())
	assert.Equal(t, StateReset, a.State())
	require.NoError(t, a.Start(ctx))
	assert.Equal(t, StateActive, a.State())

	require.NoError(t, a.Close(ctx))
	assert.Equal(t, StateDraining, a.State())
	assert.ErrorIs(t, a.Start(ctx), ErrInvalidState)
	require.NoError(t, a.Close(ctx))
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "unconfigured", StateUnconfigured.String())
	assert.Equal(t, "configuring", StateConfiguring.String())
	assert.Equal(t, "active", StateActive.String())
	assert.Equal(t, "draining", StateDraining.String())
	assert.Equal(t, "reset", StateReset.String())
	assert.Equal(t, "unknown", State(42).String())
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	cfg := testConfig("all")
	cfg.BufferCapacity = 3000
	a := newTestAgent(t, cfg, nil)

	err := a.Start(context.Background())
	require.Error(t, err)
	var verrs config.ValidationErrors
	assert.ErrorAs(t, err, &verrs)
	assert.Equal(t, StateUnconfigured, a.State())
}

func TestStartWarnsOnUnknownCodes(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	a := New(testConfig("FRAME_IN, NOT_A_CODE"), nil, zap.New(core), WithMeter(noop.NewMeterProvider().Meter("test")))
	defer a.Close(context.Background())

	require.NoError(t, a.Start(context.Background()))
	assert.True(t, a.Logger().Enabled(domain.FrameIn))
	assert.False(t, a.Logger().Enabled(domain.FrameOut))

	entries := logs.FilterMessage("Ignoring unknown event codes").All()
	require.Len(t, entries, 1)
	assert.Equal(t, []interface{}{"NOT_A_CODE"}, entries[0].ContextMap()["names"])
}

func TestFrameInOnly(t *testing.T) {
	collector := sink.NewCollector()
	a := newTestAgent(t, testConfig("FRAME_IN"), collector)
	require.NoError(t, a.Start(context.Background()))

	h := newHarness(t, a)
	h.transfer(t, []byte("hello"))
	stop(t, a)

	events := collector.Events()
	require.Len(t, events, 1)
	assert.Equal(t, domain.FrameIn, events[0].Code)
	assert.Equal(t, int32(driver.DataHeaderLength+5), events[0].Frame.FrameLength)
	assert.Equal(t, a.ID(), events[0].Source)
	assert.Equal(t, int64(0), a.Dropped())
}

func TestAllEventsThroughTeardown(t *testing.T) {
	collector := sink.NewCollector()
	a := newTestAgent(t, testConfig("all"), collector)
	require.NoError(t, a.Start(context.Background()))

	h := newHarness(t, a)
	for i := byte(0); i < 3; i++ {
		h.transfer(t, []byte{i})
	}
	require.NoError(t, h.client.Close())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, collector.WaitFor(ctx,
		domain.FrameIn,
		domain.FrameOut,
		domain.SendChannelClose,
		domain.ReceiveChannelClose,
	))
	stop(t, a)

	codes := collector.Codes()
	assert.Equal(t, 3, codes[domain.FrameIn])
	assert.Equal(t, 3, codes[domain.FrameOut])
	assert.Equal(t, 1, codes[domain.SendChannelCreation])
	assert.Equal(t, 1, codes[domain.ReceiveChannelCreation])
	assert.Equal(t, 1, codes[domain.CmdOutAvailableImage])
	assert.Equal(t, 1, codes[domain.RemoveImageCleanup])
	assert.Equal(t, 1, codes[domain.CmdInClientClose])

	// frames of one producer keep their order
	var sent []byte
	for _, e := range collector.Events() {
		if e.Code == domain.FrameOut {
			sent = append(sent, e.Frame.Captured[driver.DataHeaderLength])
		}
	}
	assert.Equal(t, []byte{0, 1, 2}, sent)
}

func TestResetThenEmptyConfiguration(t *testing.T) {
	collector := sink.NewCollector()
	a := newTestAgent(t, testConfig("all"), collector)
	require.NoError(t, a.Start(context.Background()))

	h := newHarness(t, a)
	h.transfer(t, []byte("first"))
	stop(t, a)
	assert.NotZero(t, len(collector.Events()))

	require.NoError(t, a.Reset())
	assert.Equal(t, int64(0), a.Dropped())
	assert.Equal(t, int64(0), a.Stats().Read)

	assert.ErrorIs(t, a.Stop(context.Background()), ErrInvalidState)
	require.NoError(t, a.Reconfigure(testConfig("")))
	collector.Reset()
	require.NoError(t, a.Start(context.Background()))

	h.transfer(t, []byte("second"))
	require.NoError(t, h.client.Close())
	stop(t, a)

	assert.Empty(t, collector.Events())
	assert.Equal(t, int64(0), a.Stats().Captured)
}

func TestUndersizedBufferDrops(t *testing.T) {
	release := make(chan struct{})
	var once sync.Once
	blocking := sink.Func(func(ctx context.Context, _ *domain.DriverEvent) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})

	cfg := testConfig("FRAME_OUT")
	cfg.BufferCapacity = config.MinBufferCapacity
	a := newTestAgent(t, cfg, blocking)
	require.NoError(t, a.Start(context.Background()))
	defer once.Do(func() { close(release) })

	h := newHarness(t, a)
	payload := bytes.Repeat([]byte{'x'}, 64)
	for i := 0; i < 64; i++ {
		require.NoError(t, h.pub.Offer(payload), "drop policy never surfaces overflow")
	}

	assert.Positive(t, a.Dropped())
	once.Do(func() { close(release) })
	stop(t, a)

	stats := a.Stats()
	assert.Equal(t, int64(64), stats.Captured+stats.Dropped)
	assert.Equal(t, stats.Captured, stats.Read)
}

func TestBufferGauge(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer provider.Shutdown(context.Background())

	release := make(chan struct{})
	blocking := sink.Func(func(ctx context.Context, _ *domain.DriverEvent) error {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	})

	a := New(testConfig("SEND_CHANNEL_CREATION,RECEIVE_CHANNEL_CREATION"), blocking, zaptest.NewLogger(t),
		WithMeter(provider.Meter("test")))
	require.NoError(t, a.Start(context.Background()))

	a.Logger().LogChannelCreated(domain.SendChannelCreation, "aeron:udp?endpoint=localhost:1")
	a.Logger().LogChannelCreated(domain.ReceiveChannelCreation, "aeron:udp?endpoint=localhost:2")

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	var observed int64 = -1
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "driverlog_ring_buffer_size_bytes" {
				continue
			}
			gauge, ok := m.Data.(metricdata.Gauge[int64])
			require.True(t, ok)
			require.Len(t, gauge.DataPoints, 1)
			observed = gauge.DataPoints[0].Value
		}
	}
	assert.Positive(t, observed, "records wait behind the blocked sink")

	close(release)
	require.NoError(t, a.Close(context.Background()))
}

func TestStats(t *testing.T) {
	a := newTestAgent(t, testConfig("CMD_IN_KEEPALIVE_CLIENT"), nil)
	assert.Equal(t, StateUnconfigured, a.Stats().State)

	require.NoError(t, a.Start(context.Background()))
	h := newHarness(t, a)
	require.NoError(t, h.client.Keepalive())
	stop(t, a)

	stats := a.Stats()
	assert.Equal(t, StateDraining, stats.State)
	assert.Equal(t, config.EnabledSet(0).With(domain.CmdInKeepaliveClient), stats.Enabled)
	assert.Equal(t, int64(1), stats.Captured)
	assert.Equal(t, int64(1), stats.Read)
	assert.Equal(t, 64*1024, stats.Buffer.Capacity)
	assert.Equal(t, 0, stats.Buffer.Size)
}

// stuckSink blocks the first Consume until release is closed, ignoring ctx
type stuckSink struct {
	entered  chan struct{}
	release  chan struct{}
	consumed atomic.Int32
	closed   atomic.Bool
}

func newStuckSink() *stuckSink {
	return &stuckSink{entered: make(chan struct{}), release: make(chan struct{})}
}

func (s *stuckSink) Consume(context.Context, *domain.DriverEvent) error {
	if s.consumed.Add(1) == 1 {
		close(s.entered)
		<-s.release
	}
	return nil
}

func (s *stuckSink) Close() error {
	s.closed.Store(true)
	return nil
}

func startStuck(t *testing.T, s *stuckSink) *Agent {
	t.Helper()
	a := newTestAgent(t, testConfig("SEND_CHANNEL_CREATION"), s)
	require.NoError(t, a.Start(context.Background()))

	for i := 0; i < 3; i++ {
		require.NoError(t, a.Logger().LogChannelCreated(domain.SendChannelCreation, "aeron:udp?endpoint=localhost:1"))
	}
	select {
	case <-s.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("reader never reached the sink")
	}
	return a
}

func TestStopTimeoutNeverAddsSecondConsumer(t *testing.T) {
	s := newStuckSink()
	var once sync.Once
	unblock := func() { once.Do(func() { close(s.release) }) }
	defer unblock()

	a := startStuck(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	begin := time.Now()
	err := a.Stop(ctx)
	assert.ErrorIs(t, err, runner.ErrShutdownTimeout)
	assert.Less(t, time.Since(begin), DefaultStopTimeout)
	assert.Equal(t, StateDraining, a.State())
	assert.Equal(t, int32(1), s.consumed.Load(), "nothing dispatched beside the blocked reader")

	closeCtx, closeCancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer closeCancel()
	assert.ErrorIs(t, a.Close(closeCtx), runner.ErrShutdownTimeout)
	assert.False(t, s.closed.Load(), "sink stays open while the reader may call it")

	unblock()
	require.NoError(t, a.Close(context.Background()))
	assert.True(t, s.closed.Load())
	assert.Equal(t, int32(3), s.consumed.Load(), "every captured event delivered once")
	assert.Equal(t, int64(3), a.Stats().Read)
}

func TestResetAfterStopTimeout(t *testing.T) {
	s := newStuckSink()
	var once sync.Once
	unblock := func() { once.Do(func() { close(s.release) }) }
	defer unblock()

	a := startStuck(t, s)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, a.Stop(ctx), runner.ErrShutdownTimeout)

	unblock()
	require.NoError(t, a.Reset())
	assert.Equal(t, StateReset, a.State())
	consumed := s.consumed.Load()
	assert.GreaterOrEqual(t, consumed, int32(1))

	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, a.Logger().LogChannelCreated(domain.SendChannelCreation, "aeron:udp?endpoint=localhost:2"))
	stop(t, a)
	assert.Equal(t, consumed+1, s.consumed.Load())
	assert.Equal(t, int64(1), a.Stats().Captured)
}

func TestResetWhileProducersRun(t *testing.T) {
	collector := sink.NewCollector()
	a := newTestAgent(t, testConfig("SEND_CHANNEL_CREATION"), collector)
	require.NoError(t, a.Start(context.Background()))

	done := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				_ = a.Logger().LogChannelCreated(domain.SendChannelCreation, "aeron:udp?endpoint=localhost:1")
			}
		}()
	}

	for i := 0; i < 5; i++ {
		time.Sleep(2 * time.Millisecond)
		require.NoError(t, a.Reset())
		require.NoError(t, a.Start(context.Background()))
	}
	close(done)
	wg.Wait()
	stop(t, a)

	stats := a.Stats()
	assert.Positive(t, stats.Captured)
	assert.Equal(t, stats.Captured, stats.Read, "the last cycle delivers everything it captured")
}

func TestNewFromEnv(t *testing.T) {
	out := filepath.Join(t.TempDir(), "events.jsonl")
	t.Setenv("DRIVERLOG_ENABLED_EVENTS", "SEND_CHANNEL_CREATION,BOGUS")
	t.Setenv("DRIVERLOG_BUFFER_CAPACITY", "65536")
	t.Setenv("DRIVERLOG_SINK", "file")
	t.Setenv("DRIVERLOG_SINK_FILE", out)

	a, err := NewFromEnv(zaptest.NewLogger(t), WithMeter(noop.NewMeterProvider().Meter("test")))
	require.NoError(t, err)
	assert.Equal(t, "SEND_CHANNEL_CREATION,BOGUS", a.Config().EnabledEvents)
	assert.Equal(t, 65536, a.Config().BufferCapacity)

	require.NoError(t, a.Start(context.Background()))
	require.NoError(t, a.Logger().LogChannelCreated(domain.SendChannelCreation, "aeron:udp?endpoint=localhost:1"))
	require.NoError(t, a.Logger().LogChannelCreated(domain.ReceiveChannelCreation, "aeron:udp?endpoint=localhost:2"))
	require.NoError(t, a.Close(context.Background()))

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	assert.Equal(t, 1, bytes.Count(data, []byte("\n")))
	assert.Contains(t, string(data), "SEND_CHANNEL_CREATION")
	assert.Contains(t, string(data), a.ID())
}

func TestNewFromEnvErrors(t *testing.T) {
	t.Setenv("DRIVERLOG_BUFFER_CAPACITY", "1000")
	_, err := NewFromEnv(nil)
	var verrs config.ValidationErrors
	assert.ErrorAs(t, err, &verrs)

	t.Setenv("DRIVERLOG_BUFFER_CAPACITY", "65536")
	t.Setenv("DRIVERLOG_SINK", "file")
	t.Setenv("DRIVERLOG_SINK_FILE", filepath.Join(t.TempDir(), "missing", "events.jsonl"))
	_, err = NewFromEnv(nil)
	assert.ErrorContains(t, err, "failed to create event sink")
}
