// Package driver is a small in-process UDP media driver. Clients add publications
// and subscriptions on "aeron:udp?endpoint=host:port" channels; publications send
// data frames over a shared send channel endpoint and subscriptions receive them
// through a shared receive channel endpoint, one image per remote session.
//
// Every command, response, frame and resource teardown passes through a Hooks
// implementation so the driver can be instrumented without changing its code paths.
package driver

import (
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// Defaults
const (
	DefaultMaxPayloadLength  = 1408 - DataHeaderLength
	DefaultImageBufferFrames = 4096
	receiveBufferLength      = 64 * 1024
)

var (
	// ErrInvalidChannel is returned for channel URIs the driver cannot use
	ErrInvalidChannel = errors.New("invalid channel")
	// ErrClosed is returned when using a closed driver, client, publication or subscription
	ErrClosed = errors.New("closed")
	// ErrPayloadTooLong is returned by Offer for payloads above the max payload length
	ErrPayloadTooLong = errors.New("payload exceeds max payload length")
)

// Config configures a Driver
type Config struct {
	Hooks             Hooks
	Logger            *zap.Logger
	MaxPayloadLength  int
	ImageBufferFrames int
}

// Driver owns the channel endpoints and the client registry
type Driver struct {
	hooks  Hooks
	logger *zap.Logger
	config Config

	ids atomic.Int64

	mu              sync.Mutex
	sendChannels    map[string]*sendChannel
	receiveChannels map[string]*receiveChannel
	clients         map[int64]*Client
	closed          bool
}

// New creates a driver
func New(config Config) *Driver {
	if config.Hooks == nil {
		config.Hooks = NopHooks{}
	}
	if config.Logger == nil {
		config.Logger = zap.NewNop()
	}
	if config.MaxPayloadLength <= 0 {
		config.MaxPayloadLength = DefaultMaxPayloadLength
	}
	if config.ImageBufferFrames <= 0 {
		config.ImageBufferFrames = DefaultImageBufferFrames
	}

	return &Driver{
		hooks:           config.Hooks,
		logger:          config.Logger,
		config:          config,
		sendChannels:    make(map[string]*sendChannel),
		receiveChannels: make(map[string]*receiveChannel),
		clients:         make(map[int64]*Client),
	}
}

// NewClient registers a client with the driver
func (d *Driver) NewClient() (*Client, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.closed {
		return nil, fmt.Errorf("driver: %w", ErrClosed)
	}

	c := &Client{
		driver:        d,
		id:            d.nextID(),
		publications:  make(map[int64]*Publication),
		subscriptions: make(map[int64]*Subscription),
	}
	d.clients[c.id] = c

	d.logger.Debug("Client connected", zap.Int64("client_id", c.id))
	return c, nil
}

// Close closes every client and their resources
func (d *Driver) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	clients := make([]*Client, 0, len(d.clients))
	for _, c := range d.clients {
		clients = append(clients, c)
	}
	d.mu.Unlock()

	var errs []error
	for _, c := range clients {
		errs = append(errs, c.Close())
	}

	d.logger.Debug("Driver closed", zap.Int("clients", len(clients)))
	return errors.Join(errs...)
}

func (d *Driver) nextID() int64 {
	return d.ids.Add(1)
}

func (d *Driver) removeClient(c *Client) {
	d.mu.Lock()
	delete(d.clients, c.id)
	d.mu.Unlock()
}

func (d *Driver) onError(cmd Command, err error) {
	cmd.Message = err.Error()
	d.hooks.OnCommandOut(RespError, cmd)
	d.logger.Debug("Command failed",
		zap.Int64("correlation_id", cmd.CorrelationID),
		zap.String("channel", cmd.Channel),
		zap.Error(err))
}

// Client is a driver client owning publications and subscriptions
type Client struct {
	driver *Driver
	id     int64

	mu            sync.Mutex
	publications  map[int64]*Publication
	subscriptions map[int64]*Subscription
	closed        bool
}

// ID returns the client id
func (c *Client) ID() int64 {
	return c.id
}

// AddPublication creates a publication on channel and streamID
func (c *Client) AddPublication(channel string, streamID int32) (*Publication, error) {
	d := c.driver
	cmd := Command{ClientID: c.id, CorrelationID: d.nextID(), StreamID: streamID, Channel: channel}
	d.hooks.OnCommandIn(CmdAddPublication, cmd)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		err := fmt.Errorf("client: %w", ErrClosed)
		d.onError(cmd, err)
		return nil, err
	}

	endpoint, err := parseEndpoint(channel)
	if err != nil {
		d.onError(cmd, err)
		return nil, err
	}

	sc, err := d.acquireSendChannel(channel, endpoint)
	if err != nil {
		d.onError(cmd, err)
		return nil, err
	}

	p := newPublication(c, sc, cmd.CorrelationID, streamID)
	c.publications[p.registrationID] = p

	cmd.RegistrationID = p.registrationID
	cmd.SessionID = p.sessionID
	d.hooks.OnCommandOut(RespPublicationReady, cmd)

	d.logger.Debug("Publication added",
		zap.String("channel", channel),
		zap.Int32("stream_id", streamID),
		zap.Int32("session_id", p.sessionID))
	return p, nil
}

// AddSubscription creates a subscription on channel and streamID
func (c *Client) AddSubscription(channel string, streamID int32) (*Subscription, error) {
	d := c.driver
	cmd := Command{ClientID: c.id, CorrelationID: d.nextID(), StreamID: streamID, Channel: channel}
	d.hooks.OnCommandIn(CmdAddSubscription, cmd)

	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		err := fmt.Errorf("client: %w", ErrClosed)
		d.onError(cmd, err)
		return nil, err
	}

	endpoint, err := parseEndpoint(channel)
	if err != nil {
		d.onError(cmd, err)
		return nil, err
	}

	s := newSubscription(c, cmd.CorrelationID, channel, streamID)
	rc, err := d.acquireReceiveChannel(channel, endpoint, s)
	if err != nil {
		d.onError(cmd, err)
		return nil, err
	}
	s.rc = rc
	c.subscriptions[s.registrationID] = s

	cmd.RegistrationID = s.registrationID
	d.hooks.OnCommandOut(RespSubscriptionReady, cmd)

	d.logger.Debug("Subscription added",
		zap.String("channel", channel),
		zap.Int32("stream_id", streamID),
		zap.String("local_addr", rc.conn.LocalAddr().String()))
	return s, nil
}

// Keepalive tells the driver the client is alive
func (c *Client) Keepalive() error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()

	if closed {
		return fmt.Errorf("client: %w", ErrClosed)
	}
	c.driver.hooks.OnCommandIn(CmdKeepaliveClient, Command{ClientID: c.id})
	return nil
}

// Close closes the client's publications and subscriptions and deregisters it
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	pubs := make([]*Publication, 0, len(c.publications))
	for _, p := range c.publications {
		pubs = append(pubs, p)
	}
	subs := make([]*Subscription, 0, len(c.subscriptions))
	for _, s := range c.subscriptions {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	d := c.driver
	var errs []error
	for _, p := range pubs {
		errs = append(errs, p.Close())
	}
	for _, s := range subs {
		errs = append(errs, s.Close())
	}

	d.hooks.OnCommandIn(CmdClientClose, Command{ClientID: c.id, CorrelationID: d.nextID()})
	d.removeClient(c)
	return errors.Join(errs...)
}

func (c *Client) removePublication(p *Publication) {
	c.mu.Lock()
	delete(c.publications, p.registrationID)
	c.mu.Unlock()
}

func (c *Client) removeSubscription(s *Subscription) {
	c.mu.Lock()
	delete(c.subscriptions, s.registrationID)
	c.mu.Unlock()
}

func resolveUDP(endpoint string) (*net.UDPAddr, error) {
	addr, err := net.ResolveUDPAddr("udp", endpoint)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve %q: %v", ErrInvalidChannel, endpoint, err)
	}
	return addr, nil
}
