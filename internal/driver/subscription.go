package driver

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Header describes the frame a fragment arrived in
type Header struct {
	SessionID  int32
	StreamID   int32
	TermID     int32
	TermOffset int32
}

// FragmentHandler receives one message. payload is only valid during the call.
type FragmentHandler func(payload []byte, header Header)

// Image is the stream of one remote publication session seen by a subscription
type Image struct {
	SessionID     int32
	CorrelationID int64
	Source        string
}

type image struct {
	Image
	frames []fragment
}

type fragment struct {
	header  Header
	payload []byte
}

// Subscription receives messages on one stream of a channel
type Subscription struct {
	client         *Client
	rc             *receiveChannel
	registrationID int64
	channel        string
	streamID       int32

	mu     sync.Mutex
	images []*image
	closed bool

	dropped atomic.Int64
}

func newSubscription(c *Client, registrationID int64, channel string, streamID int32) *Subscription {
	return &Subscription{
		client:         c,
		registrationID: registrationID,
		channel:        channel,
		streamID:       streamID,
	}
}

// Channel returns the channel URI
func (s *Subscription) Channel() string {
	return s.channel
}

// StreamID returns the stream id
func (s *Subscription) StreamID() int32 {
	return s.streamID
}

// RegistrationID returns the id the driver registered the subscription under
func (s *Subscription) RegistrationID() int64 {
	return s.registrationID
}

// LocalAddr is the address the receive channel is bound to
func (s *Subscription) LocalAddr() net.Addr {
	return s.rc.conn.LocalAddr()
}

// ResolvedChannel is the channel URI with the bound address, useful with port 0
func (s *Subscription) ResolvedChannel() string {
	return ChannelFor(s.LocalAddr().String())
}

// Images returns the images currently connected
func (s *Subscription) Images() []Image {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Image, len(s.images))
	for i, img := range s.images {
		out[i] = img.Image
	}
	return out
}

// Dropped is the number of fragments discarded because an image buffer was full
func (s *Subscription) Dropped() int64 {
	return s.dropped.Load()
}

// Poll delivers up to limit buffered fragments to handler and returns how many it delivered
func (s *Subscription) Poll(handler FragmentHandler, limit int) int {
	s.mu.Lock()
	var batch []fragment
	for _, img := range s.images {
		if len(batch) >= limit {
			break
		}
		n := min(limit-len(batch), len(img.frames))
		batch = append(batch, img.frames[:n]...)
		img.frames = img.frames[n:]
	}
	s.mu.Unlock()

	for _, f := range batch {
		handler(f.payload, f.header)
	}
	return len(batch)
}

// onData is called by the receive channel with its lock held
func (s *Subscription) onData(header frameHeader, payload []byte, src *net.UDPAddr) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return
	}

	img := s.findImage(header.sessionID)
	if img == nil {
		img = s.addImage(header, src)
	}

	if len(img.frames) >= s.client.driver.config.ImageBufferFrames {
		s.dropped.Add(1)
		return
	}
	img.frames = append(img.frames, fragment{
		header: Header{
			SessionID:  header.sessionID,
			StreamID:   header.streamID,
			TermID:     header.termID,
			TermOffset: header.termOffset,
		},
		payload: append([]byte(nil), payload...),
	})
}

func (s *Subscription) findImage(sessionID int32) *image {
	for _, img := range s.images {
		if img.SessionID == sessionID {
			return img
		}
	}
	return nil
}

func (s *Subscription) addImage(header frameHeader, src *net.UDPAddr) *image {
	d := s.client.driver
	img := &image{Image: Image{
		SessionID:     header.sessionID,
		CorrelationID: d.nextID(),
		Source:        src.String(),
	}}
	s.images = append(s.images, img)

	d.hooks.OnCommandOut(RespAvailableImage, Command{
		ClientID:       s.client.id,
		CorrelationID:  img.CorrelationID,
		RegistrationID: s.registrationID,
		SessionID:      img.SessionID,
		StreamID:       s.streamID,
		Channel:        s.channel,
		Message:        img.Source,
	})
	d.logger.Debug("Image available",
		zap.String("channel", s.channel),
		zap.Int32("session_id", img.SessionID),
		zap.String("source", img.Source))
	return img
}

// Close removes the subscription, its images and, when it was the last user, the
// receive channel
func (s *Subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	c := s.client
	d := c.driver
	cmd := Command{
		ClientID:       c.id,
		CorrelationID:  d.nextID(),
		RegistrationID: s.registrationID,
		StreamID:       s.streamID,
		Channel:        s.channel,
	}
	d.hooks.OnCommandIn(CmdRemoveSubscription, cmd)
	d.hooks.OnCommandOut(RespOperationSuccess, Command{ClientID: c.id, CorrelationID: cmd.CorrelationID})

	// no frame reaches the subscription once it left the receive channel
	s.rc.remove(s)

	s.mu.Lock()
	images := s.images
	s.images = nil
	s.mu.Unlock()

	for _, img := range images {
		d.hooks.OnCommandOut(RespUnavailableImage, Command{
			ClientID:       c.id,
			CorrelationID:  img.CorrelationID,
			RegistrationID: s.registrationID,
			SessionID:      img.SessionID,
			StreamID:       s.streamID,
			Channel:        s.channel,
		})
		d.hooks.OnImageRemoved(s.channel, img.SessionID, s.streamID, img.CorrelationID)
	}

	c.removeSubscription(s)
	d.hooks.OnSubscriptionRemoved(s.channel, s.streamID, s.registrationID)

	if err := d.releaseReceiveChannel(s.rc); err != nil {
		return fmt.Errorf("failed to close receive channel: %w", err)
	}
	return nil
}
