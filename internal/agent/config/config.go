// Package config holds the process-wide event log configuration: the enabled event
// set and the tunables of the ring buffer, reader agent and sinks.
package config

import (
	"fmt"
	"time"
)

// Defaults
const (
	DefaultBufferCapacity        = 2 * 1024 * 1024
	MinBufferCapacity            = 1024
	DefaultReaderFrameLimit      = 10
	MaxReaderFrameLimit          = 1000
	DefaultMaxFrameCaptureLength = 1408
	DefaultIdleSleep             = time.Millisecond
	DefaultNATSURL               = "nats://127.0.0.1:4222"
	DefaultNATSSubject           = "driverlog.events"
)

// OverflowPolicy decides what the capture API tells its caller when the ring buffer is full
type OverflowPolicy string

const (
	// OverflowDrop drops the event silently; only the dropped counter moves
	OverflowDrop OverflowPolicy = "drop"
	// OverflowReport drops the event and returns the overflow error to the caller
	OverflowReport OverflowPolicy = "report"
)

// Sink names
const (
	SinkConsole = "console"
	SinkLog     = "log"
	SinkFile    = "file"
	SinkNATS    = "nats"
)

// Idle strategy names
const (
	IdleBusy    = "busy"
	IdleYield   = "yield"
	IdleSleep   = "sleep"
	IdleBackoff = "backoff"
)

var (
	validSinks          = []string{SinkConsole, SinkLog, SinkFile, SinkNATS}
	validIdleStrategies = []string{IdleBusy, IdleYield, IdleSleep, IdleBackoff}
	validPolicies       = []string{string(OverflowDrop), string(OverflowReport)}
)

// Config holds the event log configuration
type Config struct {
	// EnabledEvents is the enable-specification: "all" or a list of event code names
	EnabledEvents string `mapstructure:"events" yaml:"events" env:"DRIVERLOG_ENABLED_EVENTS"`

	// Ring buffer and reader tunables
	BufferCapacity        int `mapstructure:"buffer_capacity" yaml:"buffer_capacity" env:"DRIVERLOG_BUFFER_CAPACITY" envDefault:"2097152"`
	ReaderFrameLimit      int `mapstructure:"reader_frame_limit" yaml:"reader_frame_limit" env:"DRIVERLOG_READER_FRAME_LIMIT" envDefault:"10"`
	MaxFrameCaptureLength int `mapstructure:"max_frame_capture_length" yaml:"max_frame_capture_length" env:"DRIVERLOG_MAX_FRAME_CAPTURE_LENGTH" envDefault:"1408"`

	// Duty cycle
	IdleStrategy string        `mapstructure:"idle_strategy" yaml:"idle_strategy" env:"DRIVERLOG_IDLE_STRATEGY" envDefault:"backoff"`
	IdleSleep    time.Duration `mapstructure:"idle_sleep" yaml:"idle_sleep" env:"DRIVERLOG_IDLE_SLEEP" envDefault:"1ms"`

	OverflowPolicy OverflowPolicy `mapstructure:"overflow_policy" yaml:"overflow_policy" env:"DRIVERLOG_OVERFLOW_POLICY" envDefault:"drop"`

	// Sink selection
	Sink        string `mapstructure:"sink" yaml:"sink" env:"DRIVERLOG_SINK" envDefault:"console"`
	SinkFile    string `mapstructure:"sink_file" yaml:"sink_file,omitempty" env:"DRIVERLOG_SINK_FILE"`
	NATSURL     string `mapstructure:"nats_url" yaml:"nats_url" env:"DRIVERLOG_NATS_URL" envDefault:"nats://127.0.0.1:4222"`
	NATSSubject string `mapstructure:"nats_subject" yaml:"nats_subject" env:"DRIVERLOG_NATS_SUBJECT" envDefault:"driverlog.events"`
	// NATSStream publishes through JetStream into this stream when set
	NATSStream string `mapstructure:"nats_stream" yaml:"nats_stream,omitempty" env:"DRIVERLOG_NATS_STREAM"`
	Filter     string `mapstructure:"filter" yaml:"filter,omitempty" env:"DRIVERLOG_FILTER"`
}

// DefaultConfig returns a Config with every tunable at its default and no events enabled
func DefaultConfig() *Config {
	return &Config{
		BufferCapacity:        DefaultBufferCapacity,
		ReaderFrameLimit:      DefaultReaderFrameLimit,
		MaxFrameCaptureLength: DefaultMaxFrameCaptureLength,
		IdleStrategy:          IdleBackoff,
		IdleSleep:             DefaultIdleSleep,
		OverflowPolicy:        OverflowDrop,
		Sink:                  SinkConsole,
		NATSURL:               DefaultNATSURL,
		NATSSubject:           DefaultNATSSubject,
	}
}

// SetDefaults applies default values to unset fields
func (c *Config) SetDefaults() {
	if c.BufferCapacity == 0 {
		c.BufferCapacity = DefaultBufferCapacity
	}
	if c.ReaderFrameLimit == 0 {
		c.ReaderFrameLimit = DefaultReaderFrameLimit
	}
	if c.MaxFrameCaptureLength == 0 {
		c.MaxFrameCaptureLength = DefaultMaxFrameCaptureLength
	}
	if c.IdleStrategy == "" {
		c.IdleStrategy = IdleBackoff
	}
	if c.IdleSleep == 0 {
		c.IdleSleep = DefaultIdleSleep
	}
	if c.OverflowPolicy == "" {
		c.OverflowPolicy = OverflowDrop
	}
	if c.Sink == "" {
		c.Sink = SinkConsole
	}
	if c.NATSURL == "" {
		c.NATSURL = DefaultNATSURL
	}
	if c.NATSSubject == "" {
		c.NATSSubject = DefaultNATSSubject
	}
}

// Validate checks the tunables. The enable-specification is never a validation
// failure: unknown names are dropped when it is parsed.
func (c *Config) Validate() error {
	var errs []ValidationError

	if !IsPowerOfTwo(c.BufferCapacity) || c.BufferCapacity < MinBufferCapacity {
		errs = append(errs, ValidationError{
			Field:        "buffer_capacity",
			Message:      fmt.Sprintf("must be a power of two of at least %d bytes", MinBufferCapacity),
			Suggestion:   fmt.Sprintf("use %d", DefaultBufferCapacity),
			CurrentValue: c.BufferCapacity,
		})
	}

	if c.ReaderFrameLimit <= 0 || c.ReaderFrameLimit > MaxReaderFrameLimit {
		errs = append(errs, ValidationError{
			Field:        "reader_frame_limit",
			Message:      fmt.Sprintf("must be between 1 and %d", MaxReaderFrameLimit),
			Suggestion:   fmt.Sprintf("use %d", DefaultReaderFrameLimit),
			CurrentValue: c.ReaderFrameLimit,
		})
	}

	if c.MaxFrameCaptureLength < 0 {
		errs = append(errs, ValidationError{
			Field:        "max_frame_capture_length",
			Message:      "cannot be negative",
			Suggestion:   fmt.Sprintf("use %d", DefaultMaxFrameCaptureLength),
			CurrentValue: c.MaxFrameCaptureLength,
		})
	}

	if !contains(validIdleStrategies, c.IdleStrategy) {
		errs = append(errs, ValidationError{
			Field:        "idle_strategy",
			Message:      "unknown idle strategy",
			Suggestion:   "pick one of the valid values",
			CurrentValue: c.IdleStrategy,
			ValidValues:  validIdleStrategies,
		})
	}

	if c.IdleSleep < 0 {
		errs = append(errs, NewValidationError("idle_sleep", "cannot be negative", "use 1ms"))
	}

	if !contains(validPolicies, string(c.OverflowPolicy)) {
		errs = append(errs, ValidationError{
			Field:        "overflow_policy",
			Message:      "unknown overflow policy",
			Suggestion:   "use drop unless callers handle overflow errors",
			CurrentValue: c.OverflowPolicy,
			ValidValues:  validPolicies,
		})
	}

	if !contains(validSinks, c.Sink) {
		errs = append(errs, ValidationError{
			Field:        "sink",
			Message:      "unknown sink",
			Suggestion:   "pick one of the valid values",
			CurrentValue: c.Sink,
			ValidValues:  validSinks,
		})
	}

	if c.Sink == SinkFile && c.SinkFile == "" {
		errs = append(errs, NewValidationError("sink_file", "required when sink is file", "set --sink-file"))
	}

	if c.Sink == SinkNATS && (c.NATSURL == "" || c.NATSSubject == "") {
		errs = append(errs, NewValidationError("nats_url", "nats sink needs a URL and a subject",
			fmt.Sprintf("use %s and %s", DefaultNATSURL, DefaultNATSSubject)))
	}

	if len(errs) > 0 {
		return ValidationErrors{Errors: errs}
	}
	return nil
}

// EnabledSet parses the enable-specification
func (c *Config) EnabledSet() EnabledSet {
	return Parse(c.EnabledEvents)
}

// IsPowerOfTwo reports whether v is a positive power of two
func IsPowerOfTwo(v int) bool {
	return v > 0 && v&(v-1) == 0
}

func contains(values []string, v string) bool {
	for _, candidate := range values {
		if candidate == v {
			return true
		}
	}
	return false
}
