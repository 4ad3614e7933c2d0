package runner

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/yairfalse/driverlog/internal/agent/config"
)

type countingAgent struct {
	calls atomic.Int64
	err   error
	block chan struct{}
}

func (a *countingAgent) RoleName() string { return "counting" }

func (a *countingAgent) DoWork(ctx context.Context) (int, error) {
	a.calls.Add(1)
	if a.block != nil {
		<-a.block
	}
	return 1, a.err
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	require.Eventually(t, cond, 5*time.Second, time.Millisecond)
}

func TestRunnerStartStop(t *testing.T) {
	agent := &countingAgent{}
	r := New(agent, Yield{}, zaptest.NewLogger(t))

	require.NoError(t, r.Start(context.Background()))
	eventually(t, func() bool { return agent.calls.Load() > 10 })
	assert.True(t, r.IsRunning())

	require.NoError(t, r.Stop(time.Second))
	assert.False(t, r.IsRunning())
	assert.Equal(t, agent.calls.Load(), r.Cycles())

	select {
	case <-r.Done():
	default:
		t.Fatal("done channel not closed")
	}

	require.NoError(t, r.Stop(time.Second), "stop is idempotent")
}

func TestRunnerStartTwice(t *testing.T) {
	r := New(&countingAgent{}, nil, nil)
	require.NoError(t, r.Start(context.Background()))
	defer r.Stop(time.Second)

	assert.ErrorIs(t, r.Start(context.Background()), ErrAlreadyStarted)
}

func TestRunnerStopBeforeStart(t *testing.T) {
	r := New(&countingAgent{}, nil, nil)
	assert.ErrorIs(t, r.Stop(time.Second), ErrNotStarted)
}

func TestRunnerStopsWithContext(t *testing.T) {
	r := New(&countingAgent{}, Sleep{Duration: time.Millisecond}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, r.Start(ctx))
	cancel()

	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("runner ignored context cancellation")
	}
}

func TestRunnerLogsAgentErrors(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	agent := &countingAgent{err: errors.New("cycle failed")}
	r := New(agent, Yield{}, zap.New(core))

	require.NoError(t, r.Start(context.Background()))
	eventually(t, func() bool { return r.Errors() > 20 })
	require.NoError(t, r.Stop(time.Second))

	entries := logs.FilterMessage("Agent duty cycle failed").All()
	assert.NotEmpty(t, entries)
	assert.LessOrEqual(t, len(entries), 10, "error logs are rate limited")
	assert.Equal(t, "counting", entries[0].ContextMap()["role"])
}

func TestRunnerStopTimeout(t *testing.T) {
	agent := &countingAgent{block: make(chan struct{})}
	r := New(agent, nil, zaptest.NewLogger(t))

	require.NoError(t, r.Start(context.Background()))
	eventually(t, func() bool { return agent.calls.Load() == 1 })

	assert.ErrorIs(t, r.Stop(10*time.Millisecond), ErrShutdownTimeout)

	close(agent.block)
	<-r.Done()
}

func TestNewIdleStrategy(t *testing.T) {
	tests := []struct {
		name string
		want IdleStrategy
	}{
		{name: config.IdleBusy, want: BusySpin{}},
		{name: config.IdleYield, want: Yield{}},
		{name: config.IdleSleep, want: Sleep{Duration: 2 * time.Millisecond}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := NewIdleStrategy(tt.name, 2*time.Millisecond)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	got, err := NewIdleStrategy(config.IdleBackoff, 2*time.Millisecond)
	require.NoError(t, err)
	backoff, ok := got.(*Backoff)
	require.True(t, ok)
	assert.Equal(t, 2*time.Millisecond, backoff.MaxPark)

	_, err = NewIdleStrategy("nap", time.Millisecond)
	assert.Error(t, err)
}

func TestBackoffProgression(t *testing.T) {
	b := NewBackoff(4 * time.Microsecond)

	for i := 0; i < b.MaxSpins+b.MaxYields; i++ {
		b.Idle(0)
	}
	assert.Equal(t, b.MaxSpins, b.spins)
	assert.Equal(t, b.MaxYields, b.yields)
	assert.Zero(t, b.park)

	b.Idle(0)
	assert.Equal(t, 2*time.Microsecond, b.park)
	b.Idle(0)
	b.Idle(0)
	assert.Equal(t, 4*time.Microsecond, b.park, "park is capped")

	b.Idle(3)
	assert.Zero(t, b.spins)
	assert.Zero(t, b.yields)
	assert.Zero(t, b.park)
}
