// Package ringbuffer implements the many-to-one event ring buffer.
//
// Producers on any goroutine reserve space with a CAS on the tail position, write
// the payload into the reserved window and publish it by storing the record length
// last. A single consumer reads committed records from the head position, hands
// them to a handler, zeroes the bytes and then advances head so producers can reuse
// the space. No locks are taken and no memory is allocated per record.
//
// Record layout, 8 byte aligned:
//
//	0               4               8
//	+---------------+---------------+------------------
//	|    length     |    type id    |  payload ...
//	+---------------+---------------+------------------
//
// length is the header plus payload length without alignment. It is negative while
// a producer owns the record and zero when the slot is free.
package ringbuffer

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"unsafe"
)

const (
	// HeaderLength is the size of the record header
	HeaderLength = 8
	// RecordAlignment is the alignment of every record start
	RecordAlignment = 8
	// PaddingTypeID marks records the consumer skips without dispatching
	PaddingTypeID int32 = -1
	// MinCapacity is the smallest accepted buffer capacity
	MinCapacity = 64

	cacheLine = 64
)

var (
	// ErrOverflow is the parent of every error that drops a record for lack of space
	ErrOverflow = errors.New("ring buffer overflow")
	// ErrInsufficientCapacity is returned when the buffer is too full for the record
	ErrInsufficientCapacity = fmt.Errorf("%w: insufficient capacity", ErrOverflow)
	// ErrMessageTooLong is returned when a payload exceeds MaxMessageLength
	ErrMessageTooLong = fmt.Errorf("%w: message exceeds max length", ErrOverflow)

	// ErrInvalidTypeID is returned for type ids below 1
	ErrInvalidTypeID = errors.New("message type id must be positive")
	// ErrInvalidCapacity is returned when the capacity is not a usable power of two
	ErrInvalidCapacity = errors.New("capacity must be a power of two")
	// ErrInvalidClaim is returned when committing a claim of another buffer
	ErrInvalidClaim = errors.New("claim does not belong to this ring buffer")
)

// Handler receives one committed record. payload is only valid during the call.
type Handler func(typeID int32, payload []byte)

// RingBuffer is a fixed capacity many-to-one record buffer
type RingBuffer struct {
	buffer       []byte
	capacity     int64
	mask         int64
	maxMsgLength int

	// Position tracking (cache-line aligned)
	_    [cacheLine]byte
	tail atomic.Int64 // next position producers claim

	_         [cacheLine - unsafe.Sizeof(int64(0))]byte
	headCache atomic.Int64 // producers' last view of head

	_    [cacheLine - unsafe.Sizeof(int64(0))]byte
	head atomic.Int64 // next position the consumer reads

	_ [cacheLine - unsafe.Sizeof(int64(0))]byte
}

// New creates a ring buffer with capacity bytes of record space
func New(capacity int) (*RingBuffer, error) {
	if capacity < MinCapacity || capacity&(capacity-1) != 0 {
		return nil, fmt.Errorf("%w: got %d (min %d)", ErrInvalidCapacity, capacity, MinCapacity)
	}

	// back the bytes with uint64 words so every header is aligned for atomics
	words := make([]uint64, capacity/8)
	buffer := unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), capacity)

	return &RingBuffer{
		buffer:       buffer,
		capacity:     int64(capacity),
		mask:         int64(capacity) - 1,
		maxMsgLength: capacity / 8,
	}, nil
}

// Capacity returns the record space in bytes
func (rb *RingBuffer) Capacity() int {
	return int(rb.capacity)
}

// MaxMessageLength is the largest payload TryClaim accepts
func (rb *RingBuffer) MaxMessageLength() int {
	return rb.maxMsgLength
}

// Claim is space reserved by TryClaim. It must be passed to Commit or Abort.
type Claim struct {
	rb           *RingBuffer
	index        int64
	recordLength int32
}

// Buffer is the payload window of the claim
func (c Claim) Buffer() []byte {
	end := c.index + int64(c.recordLength)
	return c.rb.buffer[c.index+HeaderLength : end : end]
}

// Length is the payload length of the claim
func (c Claim) Length() int {
	return int(c.recordLength) - HeaderLength
}

// TryClaim reserves room for a record of typeID with length payload bytes.
// It never blocks: when there is no room it fails with an error wrapping ErrOverflow.
func (rb *RingBuffer) TryClaim(typeID int32, length int) (Claim, error) {
	if typeID < 1 {
		return Claim{}, ErrInvalidTypeID
	}
	if length < 0 || length > rb.maxMsgLength {
		return Claim{}, ErrMessageTooLong
	}

	recordLength := length + HeaderLength
	index, err := rb.claimCapacity(align(int64(recordLength), RecordAlignment))
	if err != nil {
		return Claim{}, err
	}

	atomic.StoreInt32(rb.lengthAddr(index), -int32(recordLength))
	rb.putTypeID(index, typeID)

	return Claim{rb: rb, index: index, recordLength: int32(recordLength)}, nil
}

// Commit publishes a claimed record by storing its length last
func (rb *RingBuffer) Commit(c Claim) error {
	if c.rb != rb {
		return ErrInvalidClaim
	}
	atomic.StoreInt32(rb.lengthAddr(c.index), c.recordLength)
	return nil
}

// Abort releases a claimed record as padding so the consumer skips it
func (rb *RingBuffer) Abort(c Claim) error {
	if c.rb != rb {
		return ErrInvalidClaim
	}
	rb.putTypeID(c.index, PaddingTypeID)
	atomic.StoreInt32(rb.lengthAddr(c.index), c.recordLength)
	return nil
}

// Write claims, copies payload and commits in one call
func (rb *RingBuffer) Write(typeID int32, payload []byte) error {
	c, err := rb.TryClaim(typeID, len(payload))
	if err != nil {
		return err
	}
	copy(c.Buffer(), payload)
	return rb.Commit(c)
}

// Read dispatches up to limit committed records to handler and returns how many it
// dispatched. It stops at the first uncommitted record and never waits for one.
// Consumed bytes are zeroed after the handler calls, then head moves past them.
// Only one goroutine may call Read at a time.
func (rb *RingBuffer) Read(handler Handler, limit int) int {
	head := rb.head.Load()
	headIndex := head & rb.mask
	contiguousBlockLength := rb.capacity - headIndex

	var bytesRead int64
	messagesRead := 0

	defer func() {
		if bytesRead != 0 {
			clear(rb.buffer[headIndex : headIndex+bytesRead])
			rb.head.Store(head + bytesRead)
		}
	}()

	for bytesRead < contiguousBlockLength && messagesRead < limit {
		recordIndex := headIndex + bytesRead
		recordLength := atomic.LoadInt32(rb.lengthAddr(recordIndex))
		if recordLength <= 0 {
			break
		}

		bytesRead += align(int64(recordLength), RecordAlignment)

		typeID := rb.typeID(recordIndex)
		if typeID == PaddingTypeID {
			continue
		}

		messagesRead++
		handler(typeID, rb.buffer[recordIndex+HeaderLength:recordIndex+int64(recordLength)])
	}

	return messagesRead
}

// Size is the number of bytes claimed but not yet consumed
func (rb *RingBuffer) Size() int {
	headAfter := rb.head.Load()
	var headBefore, tail int64
	for {
		headBefore = headAfter
		tail = rb.tail.Load()
		headAfter = rb.head.Load()
		if headAfter == headBefore {
			break
		}
	}

	size := tail - headAfter
	if size < 0 {
		return 0
	}
	if size > rb.capacity {
		return int(rb.capacity)
	}
	return int(size)
}

// ProducerPosition is the total number of bytes ever claimed
func (rb *RingBuffer) ProducerPosition() int64 {
	return rb.tail.Load()
}

// ConsumerPosition is the total number of bytes ever consumed
func (rb *RingBuffer) ConsumerPosition() int64 {
	return rb.head.Load()
}

// claimCapacity advances tail by required bytes, inserting a padding record when the
// record would cross the end of the buffer, and returns the record index.
func (rb *RingBuffer) claimCapacity(required int64) (int64, error) {
	capacity := rb.capacity
	mask := rb.mask

	head := rb.headCache.Load()

	var tail, tailIndex, padding int64
	for {
		tail = rb.tail.Load()
		available := capacity - (tail - head)

		if required > available {
			head = rb.head.Load()
			if required > capacity-(tail-head) {
				return 0, ErrInsufficientCapacity
			}
			rb.headCache.Store(head)
		}

		padding = 0
		tailIndex = tail & mask
		toBufferEndLength := capacity - tailIndex

		if required > toBufferEndLength {
			headIndex := head & mask
			if required > headIndex {
				head = rb.head.Load()
				headIndex = head & mask
				if required > headIndex {
					return 0, ErrInsufficientCapacity
				}
				rb.headCache.Store(head)
			}
			padding = toBufferEndLength
		}

		if rb.tail.CompareAndSwap(tail, tail+required+padding) {
			break
		}
	}

	if padding != 0 {
		lengthAddr := rb.lengthAddr(tailIndex)
		atomic.StoreInt32(lengthAddr, -int32(padding))
		rb.putTypeID(tailIndex, PaddingTypeID)
		atomic.StoreInt32(lengthAddr, int32(padding))
		tailIndex = 0
	}

	return tailIndex, nil
}

func (rb *RingBuffer) lengthAddr(index int64) *int32 {
	return (*int32)(unsafe.Pointer(&rb.buffer[index]))
}

func (rb *RingBuffer) putTypeID(index int64, typeID int32) {
	binary.LittleEndian.PutUint32(rb.buffer[index+4:index+HeaderLength], uint32(typeID))
}

func (rb *RingBuffer) typeID(index int64) int32 {
	return int32(binary.LittleEndian.Uint32(rb.buffer[index+4 : index+HeaderLength]))
}

func align(value, alignment int64) int64 {
	return (value + alignment - 1) &^ (alignment - 1)
}
