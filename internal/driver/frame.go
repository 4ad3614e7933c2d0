package driver

import (
	"encoding/binary"
	"errors"
)

// Data frame header, little endian:
//
//	0               4       5       6               8
//	+---------------+-------+-------+---------------+
//	| frame length  |version| flags |     type      |
//	+---------------+-------+-------+---------------+
//	|          term offset          |  session id   |
//	+-------------------------------+---------------+
//	|           stream id           |    term id    |
//	+-------------------------------+---------------+
//	|                reserved value                 |
//	+-----------------------------------------------+
const (
	DataHeaderLength = 32

	frameVersion      = 0
	frameTypeData     = 0x01
	flagsUnfragmented = 0xC0
)

var errShortFrame = errors.New("frame shorter than data header")

// frameHeader is the parsed header of a data frame
type frameHeader struct {
	frameLength int32
	frameType   uint16
	termOffset  int32
	sessionID   int32
	streamID    int32
	termID      int32
}

func putDataHeader(dst []byte, payloadLength int, termOffset, sessionID, streamID, termID int32) {
	binary.LittleEndian.PutUint32(dst[0:], uint32(DataHeaderLength+payloadLength))
	dst[4] = frameVersion
	dst[5] = flagsUnfragmented
	binary.LittleEndian.PutUint16(dst[6:], frameTypeData)
	binary.LittleEndian.PutUint32(dst[8:], uint32(termOffset))
	binary.LittleEndian.PutUint32(dst[12:], uint32(sessionID))
	binary.LittleEndian.PutUint32(dst[16:], uint32(streamID))
	binary.LittleEndian.PutUint32(dst[20:], uint32(termID))
	binary.LittleEndian.PutUint64(dst[24:], 0)
}

func parseDataHeader(frame []byte) (frameHeader, error) {
	if len(frame) < DataHeaderLength {
		return frameHeader{}, errShortFrame
	}
	return frameHeader{
		frameLength: int32(binary.LittleEndian.Uint32(frame[0:])),
		frameType:   binary.LittleEndian.Uint16(frame[6:]),
		termOffset:  int32(binary.LittleEndian.Uint32(frame[8:])),
		sessionID:   int32(binary.LittleEndian.Uint32(frame[12:])),
		streamID:    int32(binary.LittleEndian.Uint32(frame[16:])),
		termID:      int32(binary.LittleEndian.Uint32(frame[20:])),
	}, nil
}
