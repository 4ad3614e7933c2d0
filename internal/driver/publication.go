package driver

import (
	"errors"
	"fmt"
	"math/rand"
	"sync"
)

const frameAlignment = 32

// Publication sends messages on one stream of a channel
type Publication struct {
	client         *Client
	sc             *sendChannel
	registrationID int64
	sessionID      int32
	streamID       int32
	termID         int32

	mu         sync.Mutex
	termOffset int32
	buf        []byte
	closed     bool
}

func newPublication(c *Client, sc *sendChannel, registrationID int64, streamID int32) *Publication {
	return &Publication{
		client:         c,
		sc:             sc,
		registrationID: registrationID,
		sessionID:      rand.Int31(),
		streamID:       streamID,
		termID:         rand.Int31(),
		buf:            make([]byte, DataHeaderLength+c.driver.config.MaxPayloadLength),
	}
}

// Channel returns the channel URI
func (p *Publication) Channel() string {
	return p.sc.channel
}

// SessionID returns the session id frames are stamped with
func (p *Publication) SessionID() int32 {
	return p.sessionID
}

// StreamID returns the stream id
func (p *Publication) StreamID() int32 {
	return p.streamID
}

// RegistrationID returns the id the driver registered the publication under
func (p *Publication) RegistrationID() int64 {
	return p.registrationID
}

// MaxPayloadLength is the largest message Offer accepts
func (p *Publication) MaxPayloadLength() int {
	return len(p.buf) - DataHeaderLength
}

// Offer sends payload as one unfragmented data frame
func (p *Publication) Offer(payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return fmt.Errorf("publication: %w", ErrClosed)
	}
	if len(payload) > p.MaxPayloadLength() {
		return fmt.Errorf("%w: %d > %d", ErrPayloadTooLong, len(payload), p.MaxPayloadLength())
	}

	frame := p.buf[:DataHeaderLength+len(payload)]
	putDataHeader(frame, len(payload), p.termOffset, p.sessionID, p.streamID, p.termID)
	copy(frame[DataHeaderLength:], payload)

	p.client.driver.hooks.OnFrameOut(frame, p.sc.remote)
	if _, err := p.sc.conn.Write(frame); err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}

	p.termOffset += int32((len(frame) + frameAlignment - 1) &^ (frameAlignment - 1))
	return nil
}

// Close removes the publication and releases the send channel when it was the last user
func (p *Publication) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	c := p.client
	d := c.driver
	cmd := Command{
		ClientID:       c.id,
		CorrelationID:  d.nextID(),
		RegistrationID: p.registrationID,
		SessionID:      p.sessionID,
		StreamID:       p.streamID,
		Channel:        p.sc.channel,
	}
	d.hooks.OnCommandIn(CmdRemovePublication, cmd)
	d.hooks.OnCommandOut(RespOperationSuccess, Command{ClientID: c.id, CorrelationID: cmd.CorrelationID})

	c.removePublication(p)
	d.hooks.OnPublicationRemoved(p.sc.channel, p.sessionID, p.streamID)

	if err := d.releaseSendChannel(p.sc); err != nil && !errors.Is(err, ErrClosed) {
		return fmt.Errorf("failed to close send channel: %w", err)
	}
	return nil
}
