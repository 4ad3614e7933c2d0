package config

import (
	"fmt"
	"strings"

	"github.com/caarlos0/env/v11"
	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of every environment variable the loaders read
const EnvPrefix = "DRIVERLOG"

// SetDefaults registers the default of every key on v
func SetDefaults(v *viper.Viper) {
	d := DefaultConfig()
	v.SetDefault("events", d.EnabledEvents)
	v.SetDefault("buffer_capacity", d.BufferCapacity)
	v.SetDefault("reader_frame_limit", d.ReaderFrameLimit)
	v.SetDefault("max_frame_capture_length", d.MaxFrameCaptureLength)
	v.SetDefault("idle_strategy", d.IdleStrategy)
	v.SetDefault("idle_sleep", d.IdleSleep)
	v.SetDefault("overflow_policy", string(d.OverflowPolicy))
	v.SetDefault("sink", d.Sink)
	v.SetDefault("sink_file", d.SinkFile)
	v.SetDefault("nats_url", d.NATSURL)
	v.SetDefault("nats_subject", d.NATSSubject)
	v.SetDefault("nats_stream", d.NATSStream)
	v.SetDefault("filter", d.Filter)
}

// Load builds a Config from v. Keys missing from v keep their defaults and
// DRIVERLOG_* environment variables override file values.
func Load(v *viper.Viper) (*Config, error) {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
	// the embedded bootstrap reads DRIVERLOG_ENABLED_EVENTS, accept it here too
	if err := v.BindEnv("events", EnvPrefix+"_ENABLED_EVENTS", EnvPrefix+"_EVENTS"); err != nil {
		return nil, fmt.Errorf("failed to bind events environment: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// FromEnv builds a Config from DRIVERLOG_* environment variables only. It is the
// bootstrap path when the event log is embedded in a driver process rather than
// started from the command line.
func FromEnv() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse event log environment: %w", err)
	}
	cfg.SetDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
