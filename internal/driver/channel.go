package driver

import (
	"errors"
	"fmt"
	"net"
	"sync"

	"go.uber.org/zap"
)

// sendChannel is a connected UDP socket shared by the publications of one channel
type sendChannel struct {
	channel string
	conn    *net.UDPConn
	remote  *net.UDPAddr
	refs    int
}

func (d *Driver) acquireSendChannel(channel, endpoint string) (*sendChannel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if sc, ok := d.sendChannels[channel]; ok {
		sc.refs++
		return sc, nil
	}

	remote, err := resolveUDP(endpoint)
	if err != nil {
		return nil, err
	}
	conn, err := net.DialUDP("udp", nil, remote)
	if err != nil {
		return nil, fmt.Errorf("failed to open send channel %s: %w", channel, err)
	}

	sc := &sendChannel{channel: channel, conn: conn, remote: remote, refs: 1}
	d.sendChannels[channel] = sc
	d.hooks.OnSendChannelCreated(channel)
	return sc, nil
}

func (d *Driver) releaseSendChannel(sc *sendChannel) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	sc.refs--
	if sc.refs > 0 {
		return nil
	}

	delete(d.sendChannels, sc.channel)
	err := sc.conn.Close()
	d.hooks.OnSendChannelClosed(sc.channel)
	return err
}

// receiveChannel is a bound UDP socket feeding the subscriptions of one channel
type receiveChannel struct {
	driver  *Driver
	channel string
	conn    *net.UDPConn
	done    chan struct{}
	closed  bool // guarded by Driver.mu

	mu            sync.Mutex
	subscriptions []*Subscription
}

func (d *Driver) acquireReceiveChannel(channel, endpoint string, s *Subscription) (*receiveChannel, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if rc, ok := d.receiveChannels[channel]; ok {
		rc.add(s)
		return rc, nil
	}

	local, err := resolveUDP(endpoint)
	if err != nil {
		return nil, err
	}
	conn, err := net.ListenUDP("udp", local)
	if err != nil {
		return nil, fmt.Errorf("failed to open receive channel %s: %w", channel, err)
	}

	rc := &receiveChannel{
		driver:  d,
		channel: channel,
		conn:    conn,
		done:    make(chan struct{}),
	}
	rc.add(s)
	d.receiveChannels[channel] = rc
	d.hooks.OnReceiveChannelCreated(channel)

	go rc.receive()
	return rc, nil
}

func (d *Driver) releaseReceiveChannel(rc *receiveChannel) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	rc.mu.Lock()
	remaining := len(rc.subscriptions)
	rc.mu.Unlock()
	if remaining > 0 || rc.closed {
		return nil
	}

	rc.closed = true
	delete(d.receiveChannels, rc.channel)
	err := rc.conn.Close()
	<-rc.done
	d.hooks.OnReceiveChannelClosed(rc.channel)
	return err
}

func (rc *receiveChannel) add(s *Subscription) {
	rc.mu.Lock()
	rc.subscriptions = append(rc.subscriptions, s)
	rc.mu.Unlock()
}

func (rc *receiveChannel) remove(s *Subscription) {
	rc.mu.Lock()
	defer rc.mu.Unlock()

	for i, candidate := range rc.subscriptions {
		if candidate == s {
			rc.subscriptions = append(rc.subscriptions[:i], rc.subscriptions[i+1:]...)
			return
		}
	}
}

func (rc *receiveChannel) receive() {
	defer close(rc.done)

	d := rc.driver
	buf := make([]byte, receiveBufferLength)
	for {
		n, src, err := rc.conn.ReadFromUDP(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			d.logger.Debug("Receive failed", zap.String("channel", rc.channel), zap.Error(err))
			continue
		}

		frame := buf[:n]
		d.hooks.OnFrameIn(frame, src)
		rc.onFrame(frame, src)
	}
}

func (rc *receiveChannel) onFrame(frame []byte, src *net.UDPAddr) {
	header, err := parseDataHeader(frame)
	if err != nil || header.frameType != frameTypeData {
		rc.driver.logger.Debug("Ignoring frame",
			zap.String("channel", rc.channel),
			zap.Int("length", len(frame)))
		return
	}

	end := int(header.frameLength)
	if end > len(frame) || end < DataHeaderLength {
		end = len(frame)
	}
	payload := frame[DataHeaderLength:end]

	rc.mu.Lock()
	defer rc.mu.Unlock()

	for _, s := range rc.subscriptions {
		if s.streamID == header.streamID {
			s.onData(header, payload, src)
		}
	}
}
