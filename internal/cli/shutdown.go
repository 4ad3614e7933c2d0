package cli

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// shutdownHandler runs registered cleanup steps in reverse order within a deadline
type shutdownHandler struct {
	mu      sync.Mutex
	steps   []shutdownStep
	timeout time.Duration
	logger  *zap.Logger
}

type shutdownStep struct {
	name string
	fn   func(context.Context) error
}

func newShutdownHandler(timeout time.Duration, logger *zap.Logger) *shutdownHandler {
	return &shutdownHandler{timeout: timeout, logger: logger}
}

// Register adds a cleanup step. Steps run last registered first.
func (h *shutdownHandler) Register(name string, fn func(context.Context) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.steps = append(h.steps, shutdownStep{name: name, fn: fn})
}

// Shutdown runs every step, stopping early when the deadline passes
func (h *shutdownHandler) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	h.mu.Lock()
	steps := make([]shutdownStep, len(h.steps))
	copy(steps, h.steps)
	h.steps = nil
	h.mu.Unlock()

	start := time.Now()
	var errs []error
	for i := len(steps) - 1; i >= 0; i-- {
		if ctx.Err() != nil {
			h.logger.Warn("Shutdown timeout exceeded, some cleanup may be incomplete",
				zap.Int("skipped", i+1))
			errs = append(errs, ctx.Err())
			break
		}

		stepStart := time.Now()
		if err := steps[i].fn(ctx); err != nil {
			h.logger.Warn("Cleanup failed",
				zap.String("step", steps[i].name),
				zap.Duration("took", time.Since(stepStart)),
				zap.Error(err))
			errs = append(errs, err)
			continue
		}
		h.logger.Debug("Cleaned up",
			zap.String("step", steps[i].name),
			zap.Duration("took", time.Since(stepStart)))
	}

	h.logger.Info("Shutdown completed",
		zap.Int("errors", len(errs)),
		zap.Duration("took", time.Since(start)))
	return errors.Join(errs...)
}

// signalContext is cancelled on interrupt or termination signals
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
