package driver

import (
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const loopback = "aeron:udp?endpoint=127.0.0.1:0"

// recordingHooks keeps every hook call as a short descriptive string
type recordingHooks struct {
	mu     sync.Mutex
	calls  []string
	errors []Command
}

func (h *recordingHooks) record(format string, args ...interface{}) {
	h.mu.Lock()
	h.calls = append(h.calls, fmt.Sprintf(format, args...))
	h.mu.Unlock()
}

func (h *recordingHooks) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func (h *recordingHooks) count(call string) int {
	n := 0
	for _, c := range h.Calls() {
		if c == call {
			n++
		}
	}
	return n
}

func (h *recordingHooks) OnFrameIn(frame []byte, src net.Addr) {
	h.record("frame_in %d", len(frame))
}

func (h *recordingHooks) OnFrameOut(frame []byte, dst net.Addr) {
	h.record("frame_out %d", len(frame))
}

func (h *recordingHooks) OnCommandIn(cmd CommandType, c Command) {
	h.record("cmd_in %s", cmd)
}

func (h *recordingHooks) OnCommandOut(resp ResponseType, c Command) {
	if resp == RespError {
		h.mu.Lock()
		h.errors = append(h.errors, c)
		h.mu.Unlock()
	}
	h.record("cmd_out %s", resp)
}

func (h *recordingHooks) OnSendChannelCreated(channel string) {
	h.record("send_channel_created")
}

func (h *recordingHooks) OnSendChannelClosed(channel string) {
	h.record("send_channel_closed")
}

func (h *recordingHooks) OnReceiveChannelCreated(channel string) {
	h.record("receive_channel_created")
}

func (h *recordingHooks) OnReceiveChannelClosed(channel string) {
	h.record("receive_channel_closed")
}

func (h *recordingHooks) OnPublicationRemoved(channel string, sessionID, streamID int32) {
	h.record("publication_removed")
}

func (h *recordingHooks) OnSubscriptionRemoved(channel string, streamID int32, subscriptionID int64) {
	h.record("subscription_removed")
}

func (h *recordingHooks) OnImageRemoved(channel string, sessionID, streamID int32, correlationID int64) {
	h.record("image_removed")
}

func newTestDriver(t *testing.T, hooks Hooks) *Driver {
	t.Helper()
	d := New(Config{Hooks: hooks, Logger: zaptest.NewLogger(t)})
	t.Cleanup(func() { _ = d.Close() })
	return d
}

func pollOne(t *testing.T, s *Subscription) ([]byte, Header) {
	t.Helper()
	var payload []byte
	var header Header
	require.Eventually(t, func() bool {
		return s.Poll(func(p []byte, h Header) {
			payload = append([]byte(nil), p...)
			header = h
		}, 1) == 1
	}, 5*time.Second, time.Millisecond)
	return payload, header
}

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		name     string
		channel  string
		endpoint string
		wantErr  bool
	}{
		{name: "endpoint", channel: "aeron:udp?endpoint=localhost:40123", endpoint: "localhost:40123"},
		{name: "extra params", channel: "aeron:udp?mtu=1408|endpoint=127.0.0.1:0", endpoint: "127.0.0.1:0"},
		{name: "ipv6", channel: "aeron:udp?endpoint=[::1]:9000", endpoint: "[::1]:9000"},
		{name: "ipc", channel: "aeron:ipc", wantErr: true},
		{name: "no endpoint", channel: "aeron:udp?mtu=1408", wantErr: true},
		{name: "malformed param", channel: "aeron:udp?endpoint", wantErr: true},
		{name: "missing port", channel: "aeron:udp?endpoint=localhost", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			endpoint, err := parseEndpoint(tt.channel)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidChannel)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.endpoint, endpoint)
		})
	}
}

func TestDataHeader(t *testing.T) {
	frame := make([]byte, DataHeaderLength+5)
	putDataHeader(frame, 5, 64, 7, 10, -3)

	header, err := parseDataHeader(frame)
	require.NoError(t, err)
	assert.Equal(t, int32(DataHeaderLength+5), header.frameLength)
	assert.Equal(t, uint16(frameTypeData), header.frameType)
	assert.Equal(t, int32(64), header.termOffset)
	assert.Equal(t, int32(7), header.sessionID)
	assert.Equal(t, int32(10), header.streamID)
	assert.Equal(t, int32(-3), header.termID)

	_, err = parseDataHeader(frame[:DataHeaderLength-1])
	assert.ErrorIs(t, err, errShortFrame)
}

func TestTransfer(t *testing.T) {
	hooks := &recordingHooks{}
	d := newTestDriver(t, hooks)

	client, err := d.NewClient()
	require.NoError(t, err)

	sub, err := client.AddSubscription(loopback, 10)
	require.NoError(t, err)
	pub, err := client.AddPublication(sub.ResolvedChannel(), 10)
	require.NoError(t, err)

	require.NoError(t, pub.Offer([]byte("hello")))
	payload, header := pollOne(t, sub)

	assert.Equal(t, []byte("hello"), payload)
	assert.Equal(t, pub.SessionID(), header.SessionID)
	assert.Equal(t, int32(10), header.StreamID)
	assert.Equal(t, int32(0), header.TermOffset)

	require.NoError(t, pub.Offer([]byte("world")))
	_, header = pollOne(t, sub)
	assert.Equal(t, int32(64), header.TermOffset, "term offset advances by the aligned frame length")

	images := sub.Images()
	require.Len(t, images, 1)
	assert.Equal(t, pub.SessionID(), images[0].SessionID)
	assert.NotEmpty(t, images[0].Source)

	assert.Equal(t, 2, hooks.count("frame_out 37"))
	assert.Equal(t, 2, hooks.count("frame_in 37"))
	assert.Equal(t, 1, hooks.count("cmd_out available_image"))
	assert.Equal(t, 1, hooks.count("cmd_out publication_ready"))
	assert.Equal(t, 1, hooks.count("cmd_out subscription_ready"))
}

func TestStreamIsolation(t *testing.T) {
	d := newTestDriver(t, nil)
	client, err := d.NewClient()
	require.NoError(t, err)

	sub10, err := client.AddSubscription(loopback, 10)
	require.NoError(t, err)
	sub11, err := client.AddSubscription(loopback, 11)
	require.NoError(t, err)
	assert.Equal(t, sub10.LocalAddr().String(), sub11.LocalAddr().String(), "same channel shares the endpoint")

	pub, err := client.AddPublication(sub10.ResolvedChannel(), 11)
	require.NoError(t, err)
	require.NoError(t, pub.Offer([]byte("x")))

	pollOne(t, sub11)
	assert.Equal(t, 0, sub10.Poll(func([]byte, Header) {}, 10))
}

func TestOfferErrors(t *testing.T) {
	d := New(Config{MaxPayloadLength: 16})
	defer d.Close()

	client, err := d.NewClient()
	require.NoError(t, err)
	sub, err := client.AddSubscription(loopback, 1)
	require.NoError(t, err)
	pub, err := client.AddPublication(sub.ResolvedChannel(), 1)
	require.NoError(t, err)

	assert.Equal(t, 16, pub.MaxPayloadLength())
	assert.ErrorIs(t, pub.Offer(make([]byte, 17)), ErrPayloadTooLong)

	require.NoError(t, pub.Close())
	assert.ErrorIs(t, pub.Offer([]byte("x")), ErrClosed)
}

func TestImageBufferBound(t *testing.T) {
	d := New(Config{ImageBufferFrames: 2})
	defer d.Close()

	client, err := d.NewClient()
	require.NoError(t, err)
	sub, err := client.AddSubscription(loopback, 1)
	require.NoError(t, err)
	pub, err := client.AddPublication(sub.ResolvedChannel(), 1)
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		require.NoError(t, pub.Offer([]byte{byte(i)}))
	}
	require.Eventually(t, func() bool {
		return sub.Dropped() == 3
	}, 5*time.Second, time.Millisecond)

	assert.Equal(t, 2, sub.Poll(func([]byte, Header) {}, 10))
}

func TestInvalidChannel(t *testing.T) {
	hooks := &recordingHooks{}
	d := newTestDriver(t, hooks)
	client, err := d.NewClient()
	require.NoError(t, err)

	_, err = client.AddPublication("aeron:ipc", 1)
	assert.ErrorIs(t, err, ErrInvalidChannel)
	_, err = client.AddSubscription("aeron:udp?endpoint=nohost", 1)
	assert.ErrorIs(t, err, ErrInvalidChannel)

	assert.Equal(t, []string{
		"cmd_in add_publication",
		"cmd_out error",
		"cmd_in add_subscription",
		"cmd_out error",
	}, hooks.Calls())

	require.Len(t, hooks.errors, 2)
	assert.Equal(t, "aeron:ipc", hooks.errors[0].Channel)
	assert.Contains(t, hooks.errors[0].Message, "invalid channel")
}

func TestTeardownOrder(t *testing.T) {
	hooks := &recordingHooks{}
	d := newTestDriver(t, hooks)
	client, err := d.NewClient()
	require.NoError(t, err)

	sub, err := client.AddSubscription(loopback, 1)
	require.NoError(t, err)
	pub, err := client.AddPublication(sub.ResolvedChannel(), 1)
	require.NoError(t, err)
	require.NoError(t, pub.Offer([]byte("x")))
	pollOne(t, sub)

	start := len(hooks.Calls())
	require.NoError(t, pub.Close())
	require.NoError(t, sub.Close())
	require.NoError(t, client.Close())

	assert.Equal(t, []string{
		"cmd_in remove_publication",
		"cmd_out operation_success",
		"publication_removed",
		"send_channel_closed",
		"cmd_in remove_subscription",
		"cmd_out operation_success",
		"cmd_out unavailable_image",
		"image_removed",
		"subscription_removed",
		"receive_channel_closed",
		"cmd_in client_close",
	}, hooks.Calls()[start:])
}

func TestSharedChannelsCloseOnce(t *testing.T) {
	hooks := &recordingHooks{}
	d := newTestDriver(t, hooks)
	client, err := d.NewClient()
	require.NoError(t, err)

	sub1, err := client.AddSubscription(loopback, 1)
	require.NoError(t, err)
	sub2, err := client.AddSubscription(loopback, 2)
	require.NoError(t, err)
	pub1, err := client.AddPublication(sub1.ResolvedChannel(), 1)
	require.NoError(t, err)
	pub2, err := client.AddPublication(sub1.ResolvedChannel(), 2)
	require.NoError(t, err)

	assert.Equal(t, 1, hooks.count("send_channel_created"))
	assert.Equal(t, 1, hooks.count("receive_channel_created"))

	require.NoError(t, pub1.Close())
	require.NoError(t, sub1.Close())
	assert.Equal(t, 0, hooks.count("send_channel_closed"))
	assert.Equal(t, 0, hooks.count("receive_channel_closed"))

	require.NoError(t, pub2.Close())
	require.NoError(t, sub2.Close())
	require.NoError(t, pub2.Close(), "close is idempotent")
	assert.Equal(t, 1, hooks.count("send_channel_closed"))
	assert.Equal(t, 1, hooks.count("receive_channel_closed"))
}

func TestDriverClose(t *testing.T) {
	hooks := &recordingHooks{}
	d := New(Config{Hooks: hooks})

	client, err := d.NewClient()
	require.NoError(t, err)
	require.NoError(t, client.Keepalive())
	sub, err := client.AddSubscription(loopback, 1)
	require.NoError(t, err)
	_, err = client.AddPublication(sub.ResolvedChannel(), 1)
	require.NoError(t, err)

	require.NoError(t, d.Close())
	require.NoError(t, d.Close())

	assert.Equal(t, 1, hooks.count("cmd_in keepalive_client"))
	assert.Equal(t, 1, hooks.count("send_channel_closed"))
	assert.Equal(t, 1, hooks.count("receive_channel_closed"))
	assert.Equal(t, 1, hooks.count("cmd_in client_close"))

	_, err = d.NewClient()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, client.Keepalive(), ErrClosed)
	_, err = client.AddPublication(loopback, 1)
	assert.ErrorIs(t, err, ErrClosed)
}
