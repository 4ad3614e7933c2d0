package sink

import (
	"context"
	"sync"

	"github.com/yairfalse/driverlog/pkg/domain"
)

// Collector keeps every consumed event in memory. It is the sink tests and the
// embedded driver use to observe what was captured.
type Collector struct {
	mu      sync.Mutex
	events  []*domain.DriverEvent
	changed chan struct{}
}

// NewCollector creates an empty collector
func NewCollector() *Collector {
	return &Collector{changed: make(chan struct{})}
}

// Consume stores the event
func (c *Collector) Consume(_ context.Context, event *domain.DriverEvent) error {
	c.mu.Lock()
	c.events = append(c.events, event)
	close(c.changed)
	c.changed = make(chan struct{})
	c.mu.Unlock()
	return nil
}

// Close does nothing; collected events stay readable
func (c *Collector) Close() error {
	return nil
}

// Events returns a copy of the collected events in consume order
func (c *Collector) Events() []*domain.DriverEvent {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]*domain.DriverEvent, len(c.events))
	copy(out, c.events)
	return out
}

// Count returns how many events of code were collected
func (c *Collector) Count(code domain.EventCode) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	n := 0
	for _, event := range c.events {
		if event.Code == code {
			n++
		}
	}
	return n
}

// Codes returns the set of distinct codes collected
func (c *Collector) Codes() map[domain.EventCode]int {
	c.mu.Lock()
	defer c.mu.Unlock()

	codes := make(map[domain.EventCode]int)
	for _, event := range c.events {
		codes[event.Code]++
	}
	return codes
}

// Reset drops the collected events
func (c *Collector) Reset() {
	c.mu.Lock()
	c.events = nil
	c.mu.Unlock()
}

// WaitFor blocks until at least one event of every code was collected or ctx ends
func (c *Collector) WaitFor(ctx context.Context, codes ...domain.EventCode) error {
	for {
		c.mu.Lock()
		seen := make(map[domain.EventCode]bool, len(c.events))
		for _, event := range c.events {
			seen[event.Code] = true
		}
		changed := c.changed
		c.mu.Unlock()

		missing := false
		for _, code := range codes {
			if !seen[code] {
				missing = true
				break
			}
		}
		if !missing {
			return nil
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-changed:
		}
	}
}
