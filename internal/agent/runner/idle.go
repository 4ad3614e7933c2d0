package runner

import (
	"fmt"
	"runtime"
	"time"

	"github.com/yairfalse/driverlog/internal/agent/config"
)

// IdleStrategy decides what the runner does between duty cycles
type IdleStrategy interface {
	// Idle is called after every cycle with the work count it returned
	Idle(workCount int)
	// Reset clears any backoff state
	Reset()
}

// BusySpin never gives up the CPU
type BusySpin struct{}

// Idle does nothing
func (BusySpin) Idle(int) {}

// Reset does nothing
func (BusySpin) Reset() {}

// Yield yields the processor when there was no work
type Yield struct{}

// Idle yields when workCount is zero
func (Yield) Idle(workCount int) {
	if workCount == 0 {
		runtime.Gosched()
	}
}

// Reset does nothing
func (Yield) Reset() {}

// Sleep parks for a fixed duration when there was no work
type Sleep struct {
	Duration time.Duration
}

// Idle sleeps when workCount is zero
func (s Sleep) Idle(workCount int) {
	if workCount == 0 {
		time.Sleep(s.Duration)
	}
}

// Reset does nothing
func (Sleep) Reset() {}

// Backoff spins, then yields, then parks for exponentially longer periods up to
// MaxPark while no work arrives
type Backoff struct {
	MaxSpins  int
	MaxYields int
	MinPark   time.Duration
	MaxPark   time.Duration

	spins  int
	yields int
	park   time.Duration
}

// NewBackoff creates a backoff strategy parking at most maxPark
func NewBackoff(maxPark time.Duration) *Backoff {
	minPark := time.Microsecond
	if maxPark < minPark {
		maxPark = minPark
	}
	return &Backoff{
		MaxSpins:  10,
		MaxYields: 5,
		MinPark:   minPark,
		MaxPark:   maxPark,
	}
}

// Idle advances the backoff when workCount is zero and resets it otherwise
func (b *Backoff) Idle(workCount int) {
	if workCount > 0 {
		b.Reset()
		return
	}

	switch {
	case b.spins < b.MaxSpins:
		b.spins++
	case b.yields < b.MaxYields:
		b.yields++
		runtime.Gosched()
	default:
		if b.park == 0 {
			b.park = b.MinPark
		}
		time.Sleep(b.park)
		b.park *= 2
		if b.park > b.MaxPark {
			b.park = b.MaxPark
		}
	}
}

// Reset returns to spinning
func (b *Backoff) Reset() {
	b.spins = 0
	b.yields = 0
	b.park = 0
}

// NewIdleStrategy builds the strategy named by one of the config.Idle* constants
func NewIdleStrategy(name string, sleep time.Duration) (IdleStrategy, error) {
	switch name {
	case config.IdleBusy:
		return BusySpin{}, nil
	case config.IdleYield:
		return Yield{}, nil
	case config.IdleSleep:
		return Sleep{Duration: sleep}, nil
	case config.IdleBackoff, "":
		return NewBackoff(sleep), nil
	default:
		return nil, fmt.Errorf("unknown idle strategy %q", name)
	}
}
