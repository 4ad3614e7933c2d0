// Package cli implements the driverlog command line.
package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/yairfalse/driverlog/internal/agent/config"
)

// options are the global flags shared by every subcommand
type options struct {
	cfgFile  string
	logLevel string
	verbose  bool
	v        *viper.Viper
}

// Execute runs the root command
func Execute() error {
	return NewRootCommand().Execute()
}

// NewRootCommand builds the driverlog command tree with its own viper instance
func NewRootCommand() *cobra.Command {
	opts := &options{v: viper.New()}

	rootCmd := &cobra.Command{
		Use:   "driverlog",
		Short: "Event log for the embedded messaging driver",
		Long: `driverlog captures driver events (frames, commands, channel and image
lifecycle) into a lock-free ring buffer and delivers them to a sink.

Configuration sources (in priority order):
  1. Command line flags
  2. Environment variables (DRIVERLOG_*)
  3. Configuration file ($HOME/.driverlog.yaml)
  4. Defaults`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.initConfig(cmd)
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&opts.cfgFile, "config", "", "config file (default is $HOME/.driverlog.yaml)")
	flags.StringVar(&opts.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "verbose output")

	d := config.DefaultConfig()
	flags.String("events", d.EnabledEvents, `enabled event codes: "all" or a comma separated list of names`)
	flags.Int("buffer-capacity", d.BufferCapacity, "event ring buffer capacity in bytes, a power of two")
	flags.Int("reader-frame-limit", d.ReaderFrameLimit, "records the reader drains per duty cycle")
	flags.Int("max-frame-capture-length", d.MaxFrameCaptureLength, "bytes of each frame copied into a record")
	flags.String("idle-strategy", d.IdleStrategy, "reader idle strategy (busy, yield, sleep, backoff)")
	flags.Duration("idle-sleep", d.IdleSleep, "park time of the sleep and backoff idle strategies")
	flags.String("overflow-policy", string(d.OverflowPolicy), "what capture calls report when the buffer is full (drop, report)")
	flags.String("sink", d.Sink, "event sink (console, log, file, nats)")
	flags.String("sink-file", d.SinkFile, "path of the file sink")
	flags.String("nats-url", d.NATSURL, "NATS server of the nats sink")
	flags.String("nats-subject", d.NATSSubject, "subject prefix of the nats sink")
	flags.String("nats-stream", d.NATSStream, "JetStream stream of the nats sink, empty for core NATS")
	flags.String("filter", d.Filter, "expression an event must match to reach the sink")

	rootCmd.AddCommand(newRunCommand(opts))
	rootCmd.AddCommand(newEventsCommand(opts))
	rootCmd.AddCommand(newConfigCommand(opts))
	rootCmd.AddCommand(newVersionCommand())
	return rootCmd
}

func (o *options) initConfig(cmd *cobra.Command) error {
	// flag names use dashes, config keys underscores
	var bindErr error
	cmd.Root().PersistentFlags().VisitAll(func(f *pflag.Flag) {
		switch f.Name {
		case "config", "log-level", "verbose":
			return
		}
		if err := o.v.BindPFlag(strings.ReplaceAll(f.Name, "-", "_"), f); err != nil && bindErr == nil {
			bindErr = err
		}
	})
	if bindErr != nil {
		return fmt.Errorf("failed to bind flags: %w", bindErr)
	}

	if o.cfgFile != "" {
		o.v.SetConfigFile(o.cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}

		o.v.AddConfigPath(home)
		o.v.AddConfigPath(".")
		o.v.SetConfigType("yaml")
		o.v.SetConfigName(".driverlog")
	}

	if err := o.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if o.cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("failed to read config file: %w", err)
		}
	} else if o.verbose {
		fmt.Fprintf(cmd.ErrOrStderr(), "Using config file: %s\n", o.v.ConfigFileUsed())
	}
	return nil
}

// loadConfig returns the effective event log configuration
func (o *options) loadConfig() (*config.Config, error) {
	return config.Load(o.v)
}

// newLogger builds the process logger for the --log-level flag
func (o *options) newLogger() (*zap.Logger, error) {
	level, err := zap.ParseAtomicLevel(o.logLevel)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", o.logLevel, err)
	}

	logConfig := zap.NewProductionConfig()
	if level.Level() == zap.DebugLevel {
		logConfig = zap.NewDevelopmentConfig()
	}
	logConfig.Level = level
	return logConfig.Build()
}
