package sink

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	natsgo "github.com/nats-io/nats.go"

	"github.com/yairfalse/driverlog/pkg/domain"
)

// Connection defaults
const (
	DefaultConnectTimeout = 10 * time.Second
	DefaultReconnectWait  = 2 * time.Second
	DefaultMaxReconnects  = 60
	DefaultStreamMaxAge   = 24 * time.Hour
)

// NATSConfig configures the NATS sink
type NATSConfig struct {
	// Connection
	URL            string
	Name           string // Client name
	ConnectTimeout time.Duration

	// Subject prefix; events go to <Subject>.<CODE_NAME>
	Subject string

	// StreamName enables JetStream publishing into a stream covering <Subject>.>
	StreamName   string
	StreamMaxAge time.Duration

	// Resilience
	ReconnectWait   time.Duration
	MaxReconnects   int
	DisconnectErrCB func(error)
	ReconnectedCB   func()
}

// NATS publishes events as JSON messages
type NATS struct {
	nc     *natsgo.Conn
	js     natsgo.JetStreamContext
	config *NATSConfig

	mu     sync.RWMutex
	closed bool
}

// NewNATS connects to the server and, when a stream is configured, ensures it exists
func NewNATS(config *NATSConfig) (*NATS, error) {
	if config.Subject == "" {
		return nil, errors.New("nats sink needs a subject")
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = DefaultConnectTimeout
	}
	if config.ReconnectWait == 0 {
		config.ReconnectWait = DefaultReconnectWait
	}
	if config.MaxReconnects == 0 {
		config.MaxReconnects = DefaultMaxReconnects
	}
	if config.StreamMaxAge == 0 {
		config.StreamMaxAge = DefaultStreamMaxAge
	}

	opts := []natsgo.Option{
		natsgo.Timeout(config.ConnectTimeout),
		natsgo.ReconnectWait(config.ReconnectWait),
		natsgo.MaxReconnects(config.MaxReconnects),
	}
	if config.Name != "" {
		opts = append(opts, natsgo.Name(config.Name))
	}
	if config.DisconnectErrCB != nil {
		opts = append(opts, natsgo.DisconnectErrHandler(func(_ *natsgo.Conn, err error) {
			config.DisconnectErrCB(err)
		}))
	}
	if config.ReconnectedCB != nil {
		opts = append(opts, natsgo.ReconnectHandler(func(_ *natsgo.Conn) {
			config.ReconnectedCB()
		}))
	}

	nc, err := natsgo.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	s := &NATS{nc: nc, config: config}

	if config.StreamName != "" {
		js, err := nc.JetStream()
		if err != nil {
			nc.Close()
			return nil, fmt.Errorf("failed to get JetStream context: %w", err)
		}
		s.js = js

		if err := s.ensureStream(); err != nil {
			nc.Close()
			return nil, err
		}
	}

	return s, nil
}

func (s *NATS) ensureStream() error {
	cfg := &natsgo.StreamConfig{
		Name:      s.config.StreamName,
		Subjects:  []string{s.config.Subject + ".>"},
		MaxAge:    s.config.StreamMaxAge,
		Retention: natsgo.LimitsPolicy,
		Storage:   natsgo.MemoryStorage,
		Replicas:  1,
	}

	_, err := s.js.StreamInfo(s.config.StreamName)
	if errors.Is(err, natsgo.ErrStreamNotFound) {
		if _, err := s.js.AddStream(cfg); err != nil {
			return fmt.Errorf("failed to create stream: %w", err)
		}
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to get stream info: %w", err)
	}
	return nil
}

// Subject returns the subject events of code are published to
func (s *NATS) Subject(code domain.EventCode) string {
	return s.config.Subject + "." + code.Name
}

// Consume publishes the event
func (s *NATS) Consume(ctx context.Context, event *domain.DriverEvent) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return ErrClosed
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	msg := &natsgo.Msg{
		Subject: s.Subject(event.Code),
		Data:    data,
		Header:  natsgo.Header{},
	}
	msg.Header.Set("Event-Code", event.CodeName)
	msg.Header.Set("Event-Code-Id", strconv.Itoa(int(event.CodeID)))
	msg.Header.Set("Timestamp", event.Timestamp.Format(time.RFC3339Nano))
	if event.Source != "" {
		msg.Header.Set("Source", event.Source)
	}

	if s.js != nil {
		_, err = s.js.PublishMsg(msg, natsgo.Context(ctx))
	} else {
		err = s.nc.PublishMsg(msg)
	}
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}
	return nil
}

// HealthCheck verifies the connection and, with JetStream, the stream
func (s *NATS) HealthCheck() error {
	if !s.nc.IsConnected() {
		return errors.New("not connected to NATS")
	}
	if s.js != nil {
		if _, err := s.js.StreamInfo(s.config.StreamName); err != nil {
			return fmt.Errorf("stream health check failed: %w", err)
		}
	}
	return nil
}

// Close flushes pending messages and closes the connection
func (s *NATS) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.nc.FlushTimeout(5 * time.Second)
	s.nc.Close()
	if err != nil && !errors.Is(err, natsgo.ErrConnectionClosed) {
		return fmt.Errorf("failed to flush NATS connection: %w", err)
	}
	return nil
}
