package domain

import (
	"errors"
	"fmt"
	"time"
)

// DriverEvent is a captured driver occurrence decoded from the event ring buffer.
// Exactly one of the data pointers is set, selected by the code's payload kind.
type DriverEvent struct {
	Code      EventCode `json:"-"`
	CodeName  string    `json:"code"`
	CodeID    int32     `json:"code_id"`
	Timestamp time.Time `json:"timestamp"`

	// Source is the agent instance that captured the event
	Source string `json:"source,omitempty"`

	Frame   *FrameData   `json:"frame,omitempty"`
	Command *CommandData `json:"command,omitempty"`
	Channel *ChannelData `json:"channel,omitempty"`
	Cleanup *CleanupData `json:"cleanup,omitempty"`
}

// FrameData describes a frame sent or received on a UDP channel endpoint.
type FrameData struct {
	Address     string `json:"address"`
	FrameLength int32  `json:"frame_length"`
	// Captured holds at most the configured capture length of the frame
	Captured []byte `json:"captured"`
}

// Truncated reports whether only part of the frame was captured
func (f *FrameData) Truncated() bool {
	return int(f.FrameLength) > len(f.Captured)
}

// CommandData describes a client command received by, or a response sent from, the driver conductor.
type CommandData struct {
	ClientID       int64  `json:"client_id"`
	CorrelationID  int64  `json:"correlation_id"`
	RegistrationID int64  `json:"registration_id"`
	SessionID      int32  `json:"session_id"`
	StreamID       int32  `json:"stream_id"`
	Channel        string `json:"channel,omitempty"`
	Message        string `json:"message,omitempty"`
}

// ChannelData describes a send or receive channel endpoint.
type ChannelData struct {
	Channel string `json:"channel"`
}

// CleanupData describes a publication, subscription or image being released.
type CleanupData struct {
	Channel       string `json:"channel"`
	SessionID     int32  `json:"session_id"`
	StreamID      int32  `json:"stream_id"`
	CorrelationID int64  `json:"correlation_id"`
}

// Validate checks the event carries a known code and matching data
func (e *DriverEvent) Validate() error {
	if e == nil {
		return errors.New("event is nil")
	}
	if !e.Code.IsValid() {
		return fmt.Errorf("unknown event code %d", e.Code.ID)
	}

	set := 0
	if e.Frame != nil {
		set++
	}
	if e.Command != nil {
		set++
	}
	if e.Channel != nil {
		set++
	}
	if e.Cleanup != nil {
		set++
	}
	if set != 1 {
		return fmt.Errorf("event %s must carry exactly one data section, has %d", e.Code.Name, set)
	}
	return nil
}

// NewDriverEvent stamps code fields on an empty event
func NewDriverEvent(code EventCode, ts time.Time) *DriverEvent {
	return &DriverEvent{
		Code:      code,
		CodeName:  code.Name,
		CodeID:    code.ID,
		Timestamp: ts,
	}
}
