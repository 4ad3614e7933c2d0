// Package codec defines the binary payload layouts of event records and the encoders
// and decoder for them.
//
// Every payload starts with the same prefix:
//
//	0       2       4                               12
//	+-------+-------+-------------------------------+
//	|version| kind  |      timestamp (unix ns)      |
//	+-------+-------+-------------------------------+
//
// followed by the kind specific body. Integers are little endian. Strings and byte
// slices are an int32 length followed by the bytes. Encoders write straight into a
// claimed ring buffer window and never allocate.
package codec

import (
	"encoding/binary"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/yairfalse/driverlog/pkg/domain"
)

// Version of the payload layout
const Version uint16 = 1

const (
	prefixLength  = 12
	lengthField   = 4
	frameFixed    = prefixLength + 4 + 4 + lengthField + lengthField // frame length, port, ip, captured
	commandFixed  = prefixLength + 8*3 + 4*2 + lengthField*2
	channelFixed  = prefixLength + lengthField
	cleanupFixed  = prefixLength + 4*2 + 8 + lengthField
	maxIPLength   = net.IPv6len
	maxPortNumber = 65535
)

// Kind selects the payload layout of a record
type Kind uint16

// Payload kinds
const (
	KindUnknown Kind = iota
	KindFrame
	KindCommand
	KindChannel
	KindCleanup
)

func (k Kind) String() string {
	switch k {
	case KindFrame:
		return "frame"
	case KindCommand:
		return "command"
	case KindChannel:
		return "channel"
	case KindCleanup:
		return "cleanup"
	default:
		return "unknown"
	}
}

var kinds [domain.MaxEventCodeID]Kind

func init() {
	for _, code := range domain.EventCodes() {
		switch code {
		case domain.FrameIn, domain.FrameOut:
			kinds[code.ID] = KindFrame
		case domain.SendChannelCreation, domain.ReceiveChannelCreation,
			domain.SendChannelClose, domain.ReceiveChannelClose:
			kinds[code.ID] = KindChannel
		case domain.RemovePublicationCleanup, domain.RemoveSubscriptionCleanup,
			domain.RemoveImageCleanup:
			kinds[code.ID] = KindCleanup
		default:
			kinds[code.ID] = KindCommand
		}
	}
}

// KindOf returns the payload layout used by records of code
func KindOf(code domain.EventCode) Kind {
	return KindOfID(code.ID)
}

// KindOfID returns the payload layout used by records with the given type id
func KindOfID(id int32) Kind {
	if id <= 0 || id >= domain.MaxEventCodeID {
		return KindUnknown
	}
	return kinds[id]
}

// Command is the body of conductor command and response records
type Command struct {
	ClientID       int64
	CorrelationID  int64
	RegistrationID int64
	SessionID      int32
	StreamID       int32
	Channel        string
	Message        string
}

// Cleanup is the body of publication, subscription and image removal records
type Cleanup struct {
	Channel       string
	SessionID     int32
	StreamID      int32
	CorrelationID int64
}

// FrameLength is the encoded length of a frame record
func FrameLength(ip net.IP, captured int) int {
	return frameFixed + len(shortIP(ip)) + captured
}

// EncodeFrame writes a frame payload into dst and returns the bytes written.
// frameLength is the length on the wire, captured may be a prefix of the frame.
func EncodeFrame(dst []byte, ts int64, frameLength int32, ip net.IP, port int, captured []byte) int {
	ip = shortIP(ip)
	off := putPrefix(dst, KindFrame, ts)
	binary.LittleEndian.PutUint32(dst[off:], uint32(frameLength))
	binary.LittleEndian.PutUint32(dst[off+4:], uint32(port))
	off += 8
	off += putBytes(dst[off:], ip)
	off += putBytes(dst[off:], captured)
	return off
}

// CommandLength is the encoded length of a command record
func CommandLength(cmd *Command) int {
	return commandFixed + len(cmd.Channel) + len(cmd.Message)
}

// EncodeCommand writes a command payload into dst and returns the bytes written
func EncodeCommand(dst []byte, ts int64, cmd *Command) int {
	off := putPrefix(dst, KindCommand, ts)
	binary.LittleEndian.PutUint64(dst[off:], uint64(cmd.ClientID))
	binary.LittleEndian.PutUint64(dst[off+8:], uint64(cmd.CorrelationID))
	binary.LittleEndian.PutUint64(dst[off+16:], uint64(cmd.RegistrationID))
	binary.LittleEndian.PutUint32(dst[off+24:], uint32(cmd.SessionID))
	binary.LittleEndian.PutUint32(dst[off+28:], uint32(cmd.StreamID))
	off += 32
	off += putString(dst[off:], cmd.Channel)
	off += putString(dst[off:], cmd.Message)
	return off
}

// ChannelLength is the encoded length of a channel record
func ChannelLength(channel string) int {
	return channelFixed + len(channel)
}

// EncodeChannel writes a channel payload into dst and returns the bytes written
func EncodeChannel(dst []byte, ts int64, channel string) int {
	off := putPrefix(dst, KindChannel, ts)
	off += putString(dst[off:], channel)
	return off
}

// CleanupLength is the encoded length of a cleanup record
func CleanupLength(c *Cleanup) int {
	return cleanupFixed + len(c.Channel)
}

// EncodeCleanup writes a cleanup payload into dst and returns the bytes written
func EncodeCleanup(dst []byte, ts int64, c *Cleanup) int {
	off := putPrefix(dst, KindCleanup, ts)
	binary.LittleEndian.PutUint32(dst[off:], uint32(c.SessionID))
	binary.LittleEndian.PutUint32(dst[off+4:], uint32(c.StreamID))
	binary.LittleEndian.PutUint64(dst[off+8:], uint64(c.CorrelationID))
	off += 16
	off += putString(dst[off:], c.Channel)
	return off
}

// MaxCapture returns how many frame bytes fit in a record of at most maxMessage bytes
func MaxCapture(maxMessage int, ip net.IP) int {
	n := maxMessage - FrameLength(ip, 0)
	if n < 0 {
		return 0
	}
	return n
}

func putPrefix(dst []byte, kind Kind, ts int64) int {
	binary.LittleEndian.PutUint16(dst[0:], Version)
	binary.LittleEndian.PutUint16(dst[2:], uint16(kind))
	binary.LittleEndian.PutUint64(dst[4:], uint64(ts))
	return prefixLength
}

func putString(dst []byte, s string) int {
	binary.LittleEndian.PutUint32(dst, uint32(len(s)))
	return lengthField + copy(dst[lengthField:], s)
}

func putBytes(dst []byte, b []byte) int {
	binary.LittleEndian.PutUint32(dst, uint32(len(b)))
	return lengthField + copy(dst[lengthField:], b)
}

func shortIP(ip net.IP) net.IP {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip
}

// DecodeError reports a record that could not be turned into an event
type DecodeError struct {
	TypeID int32
	Reason string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode record type %d: %s", e.TypeID, e.Reason)
}

// Decode turns a record payload into an event. The returned event owns its memory.
func Decode(typeID int32, payload []byte) (*domain.DriverEvent, error) {
	code, ok := domain.EventCodeByID(typeID)
	if !ok {
		return nil, &DecodeError{TypeID: typeID, Reason: "unknown event code"}
	}

	d := decoder{buf: payload}
	version := d.uint16()
	kind := Kind(d.uint16())
	ts := d.int64()
	if d.err != "" {
		return nil, &DecodeError{TypeID: typeID, Reason: d.err}
	}
	if version != Version {
		return nil, &DecodeError{TypeID: typeID, Reason: fmt.Sprintf("unsupported version %d", version)}
	}
	if want := KindOf(code); kind != want {
		return nil, &DecodeError{TypeID: typeID, Reason: fmt.Sprintf("payload kind %s, expected %s", kind, want)}
	}

	event := domain.NewDriverEvent(code, time.Unix(0, ts).UTC())

	switch kind {
	case KindFrame:
		frameLength := d.int32()
		port := d.int32()
		ip := d.bytes(maxIPLength)
		captured := d.bytes(len(payload))
		event.Frame = &domain.FrameData{
			Address:     formatAddress(ip, port),
			FrameLength: frameLength,
			Captured:    captured,
		}
	case KindCommand:
		event.Command = &domain.CommandData{
			ClientID:       d.int64(),
			CorrelationID:  d.int64(),
			RegistrationID: d.int64(),
			SessionID:      d.int32(),
			StreamID:       d.int32(),
			Channel:        d.string(),
			Message:        d.string(),
		}
	case KindChannel:
		event.Channel = &domain.ChannelData{Channel: d.string()}
	case KindCleanup:
		c := &domain.CleanupData{}
		c.SessionID = d.int32()
		c.StreamID = d.int32()
		c.CorrelationID = d.int64()
		c.Channel = d.string()
		event.Cleanup = c
	}

	if d.err != "" {
		return nil, &DecodeError{TypeID: typeID, Reason: d.err}
	}
	if d.off != len(payload) {
		return nil, &DecodeError{TypeID: typeID, Reason: fmt.Sprintf("%d trailing bytes", len(payload)-d.off)}
	}
	return event, nil
}

func formatAddress(ip []byte, port int32) string {
	if len(ip) != net.IPv4len && len(ip) != net.IPv6len {
		return ""
	}
	if port < 0 || port > maxPortNumber {
		port = 0
	}
	return net.JoinHostPort(net.IP(ip).String(), strconv.Itoa(int(port)))
}

// decoder reads fields in order and remembers the first failure
type decoder struct {
	buf []byte
	off int
	err string
}

func (d *decoder) need(n int) bool {
	if d.err != "" {
		return false
	}
	if n < 0 || len(d.buf)-d.off < n {
		d.err = fmt.Sprintf("truncated payload at offset %d", d.off)
		return false
	}
	return true
}

func (d *decoder) uint16() uint16 {
	if !d.need(2) {
		return 0
	}
	v := binary.LittleEndian.Uint16(d.buf[d.off:])
	d.off += 2
	return v
}

func (d *decoder) int32() int32 {
	if !d.need(4) {
		return 0
	}
	v := int32(binary.LittleEndian.Uint32(d.buf[d.off:]))
	d.off += 4
	return v
}

func (d *decoder) int64() int64 {
	if !d.need(8) {
		return 0
	}
	v := int64(binary.LittleEndian.Uint64(d.buf[d.off:]))
	d.off += 8
	return v
}

func (d *decoder) bytes(limit int) []byte {
	n := int(d.int32())
	if d.err == "" && n > limit {
		d.err = fmt.Sprintf("field length %d exceeds %d", n, limit)
	}
	if !d.need(n) {
		return nil
	}
	out := make([]byte, n)
	copy(out, d.buf[d.off:])
	d.off += n
	return out
}

func (d *decoder) string() string {
	n := int(d.int32())
	if !d.need(n) {
		return ""
	}
	s := string(d.buf[d.off : d.off+n])
	d.off += n
	return s
}
