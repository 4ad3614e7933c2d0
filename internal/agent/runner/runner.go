// Package runner drives an agent's duty cycle on its own goroutine.
package runner

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

var (
	// ErrShutdownTimeout is returned when the duty cycle does not stop in time
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")
	// ErrAlreadyStarted is returned by Start on a runner that was started before
	ErrAlreadyStarted = errors.New("runner already started")
	// ErrNotStarted is returned by Stop on a runner that was never started
	ErrNotStarted = errors.New("runner not started")
)

// Agent is a unit of work the runner calls repeatedly
type Agent interface {
	RoleName() string
	// DoWork performs one duty cycle and returns the amount of work done
	DoWork(ctx context.Context) (int, error)
}

// Runner runs one Agent until stopped
type Runner struct {
	agent  Agent
	idle   IdleStrategy
	logger *zap.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
	stopCh  chan struct{}
	doneCh  chan struct{}

	running     atomic.Bool
	cycles      atomic.Int64
	failures    atomic.Int64
	errorLimits *rate.Limiter
}

// New creates a runner. A nil idle strategy spins.
func New(agent Agent, idle IdleStrategy, logger *zap.Logger) *Runner {
	if idle == nil {
		idle = BusySpin{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{
		agent:       agent,
		idle:        idle,
		logger:      logger.With(zap.String("role", agent.RoleName())),
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		errorLimits: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// Start launches the duty cycle goroutine. The cycle ends when ctx is cancelled or
// Stop is called.
func (r *Runner) Start(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return ErrAlreadyStarted
	}
	r.started = true

	ctx, r.cancel = context.WithCancel(ctx)
	r.running.Store(true)

	go func() {
		defer close(r.doneCh)
		defer r.running.Store(false)

		r.logger.Debug("Starting agent")
		defer r.logger.Debug("Agent stopped", zap.Int64("cycles", r.cycles.Load()))

		r.run(ctx)
	}()
	return nil
}

func (r *Runner) run(ctx context.Context) {
	for {
		select {
		case <-r.stopCh:
			return
		case <-ctx.Done():
			return
		default:
		}

		work, err := r.agent.DoWork(ctx)
		r.cycles.Add(1)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return
			}
			r.failures.Add(1)
			if r.errorLimits.Allow() {
				r.logger.Warn("Agent duty cycle failed", zap.Error(err))
			}
		}
		r.idle.Idle(work)
	}
}

// Stop ends the duty cycle and waits up to timeout for the goroutine to return
func (r *Runner) Stop(timeout time.Duration) error {
	r.mu.Lock()
	if !r.started {
		r.mu.Unlock()
		return ErrNotStarted
	}
	select {
	case <-r.stopCh:
	default:
		close(r.stopCh)
	}
	r.cancel()
	r.mu.Unlock()

	select {
	case <-r.doneCh:
		return nil
	case <-time.After(timeout):
		r.logger.Warn("Shutdown timeout exceeded", zap.Duration("timeout", timeout))
		return ErrShutdownTimeout
	}
}

// Done is closed when the duty cycle goroutine has returned
func (r *Runner) Done() <-chan struct{} {
	return r.doneCh
}

// IsRunning reports whether the duty cycle goroutine is active
func (r *Runner) IsRunning() bool {
	return r.running.Load()
}

// Cycles is the number of DoWork calls made
func (r *Runner) Cycles() int64 {
	return r.cycles.Load()
}

// Errors is the number of DoWork calls that returned an error
func (r *Runner) Errors() int64 {
	return r.failures.Load()
}
