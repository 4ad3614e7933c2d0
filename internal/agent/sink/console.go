package sink

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/yairfalse/driverlog/pkg/domain"
)

// Console writes one human readable line per event
type Console struct {
	mu     sync.Mutex
	w      io.Writer
	closed bool
}

// NewConsole creates a console sink writing to w
func NewConsole(w io.Writer) *Console {
	return &Console{w: w}
}

// Consume writes the event line
func (c *Console) Consume(_ context.Context, event *domain.DriverEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	_, err := io.WriteString(c.w, FormatText(event)+"\n")
	return err
}

// Close stops further writes. The writer is not closed.
func (c *Console) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

// FormatText renders an event as a single line
func FormatText(event *domain.DriverEvent) string {
	var b strings.Builder
	b.WriteString(event.Timestamp.Format(time.RFC3339Nano))
	b.WriteByte(' ')
	b.WriteString(event.CodeName)

	switch {
	case event.Frame != nil:
		f := event.Frame
		fmt.Fprintf(&b, " address=%s length=%d captured=%d", f.Address, f.FrameLength, len(f.Captured))
	case event.Command != nil:
		cmd := event.Command
		fmt.Fprintf(&b, " client=%d correlation=%d registration=%d session=%d stream=%d",
			cmd.ClientID, cmd.CorrelationID, cmd.RegistrationID, cmd.SessionID, cmd.StreamID)
		if cmd.Channel != "" {
			fmt.Fprintf(&b, " channel=%s", cmd.Channel)
		}
		if cmd.Message != "" {
			fmt.Fprintf(&b, " message=%q", cmd.Message)
		}
	case event.Channel != nil:
		fmt.Fprintf(&b, " channel=%s", event.Channel.Channel)
	case event.Cleanup != nil:
		c := event.Cleanup
		fmt.Fprintf(&b, " channel=%s session=%d stream=%d correlation=%d",
			c.Channel, c.SessionID, c.StreamID, c.CorrelationID)
	}
	return b.String()
}
