package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/yairfalse/driverlog/internal/agent"
	"github.com/yairfalse/driverlog/internal/agent/interceptor"
	"github.com/yairfalse/driverlog/internal/agent/sink"
	"github.com/yairfalse/driverlog/internal/driver"
)

const (
	defaultShutdownTimeout = 30 * time.Second
	deliveryTimeout        = 5 * time.Second
)

type runOptions struct {
	transfers   int
	interval    time.Duration
	messageSize int
	channel     string
	streamID    int32
}

func newRunCommand(opts *options) *cobra.Command {
	ro := &runOptions{}

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run an embedded driver with the event log attached",
		Long: `Start an in-process driver instrumented by the event log, send messages
from a publication to a subscription over UDP loopback, tear both down and
deliver every enabled event to the configured sink.`,
		Example: `  # Frames only, printed to the console
  driverlog run --events FRAME_IN,FRAME_OUT --transfers 5

  # Everything, as JSON lines
  driverlog run --events all --sink file --sink-file events.jsonl

  # Only the commands of one stream, through NATS
  driverlog run --events all --sink nats --filter 'stream_id == 1001 && code startsWith "CMD_"'`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.run(cmd, ro)
		},
	}

	cmd.Flags().IntVarP(&ro.transfers, "transfers", "n", 10, "messages to send")
	cmd.Flags().DurationVar(&ro.interval, "interval", 0, "pause between messages")
	cmd.Flags().IntVar(&ro.messageSize, "message-size", 64, "payload bytes per message")
	cmd.Flags().StringVar(&ro.channel, "channel", "aeron:udp?endpoint=127.0.0.1:0", "subscription channel")
	cmd.Flags().Int32Var(&ro.streamID, "stream-id", 1001, "stream id of the publication and subscription")
	return cmd
}

func (o *options) run(cmd *cobra.Command, ro *runOptions) error {
	cfg, err := o.loadConfig()
	if err != nil {
		return err
	}
	if ro.transfers < 0 {
		return fmt.Errorf("transfers cannot be negative: %d", ro.transfers)
	}

	logger, err := o.newLogger()
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()

	s, err := sink.FromConfig(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create sink: %w", err)
	}

	pipeline := agent.New(cfg, s, logger)
	if err := pipeline.Start(ctx); err != nil {
		_ = s.Close()
		return err
	}

	shutdown := newShutdownHandler(defaultShutdownTimeout, logger)
	shutdown.Register("event log", pipeline.Close)

	d := driver.New(driver.Config{
		Hooks:  interceptor.New(pipeline.Logger, logger),
		Logger: logger,
	})
	shutdown.Register("driver", func(context.Context) error { return d.Close() })

	sent, err := transfer(ctx, d, ro, logger)
	if err != nil {
		logger.Error("Transfer failed", zap.Int("sent", sent), zap.Error(err))
	}

	if shutdownErr := shutdown.Shutdown(); shutdownErr != nil && err == nil {
		err = shutdownErr
	}

	stats := pipeline.Stats()
	logger.Info("Event log summary",
		zap.Int("sent", sent),
		zap.Stringer("enabled", stats.Enabled),
		zap.Int64("captured", stats.Captured),
		zap.Int64("dropped", stats.Dropped),
		zap.Int64("read", stats.Read),
		zap.Int64("decode_errors", stats.DecodeErrors),
		zap.Int64("sink_errors", stats.SinkErrors))
	return err
}

// transfer sends ro.transfers messages and waits for each to arrive. The client is
// closed before returning so its teardown events are captured.
func transfer(ctx context.Context, d *driver.Driver, ro *runOptions, logger *zap.Logger) (int, error) {
	client, err := d.NewClient()
	if err != nil {
		return 0, err
	}
	defer client.Close()

	sub, err := client.AddSubscription(ro.channel, ro.streamID)
	if err != nil {
		return 0, err
	}
	pub, err := client.AddPublication(sub.ResolvedChannel(), ro.streamID)
	if err != nil {
		return 0, err
	}
	if ro.messageSize > pub.MaxPayloadLength() {
		return 0, fmt.Errorf("%w: message size %d", driver.ErrPayloadTooLong, ro.messageSize)
	}

	logger.Info("Transferring messages",
		zap.String("channel", pub.Channel()),
		zap.Int32("stream_id", ro.streamID),
		zap.Int("transfers", ro.transfers))

	payload := make([]byte, ro.messageSize)
	for i := 0; i < ro.transfers; i++ {
		for j := range payload {
			payload[j] = byte(i)
		}
		if err := pub.Offer(payload); err != nil {
			return i, err
		}
		if err := awaitDelivery(ctx, sub); err != nil {
			return i, err
		}

		if ro.interval > 0 && i < ro.transfers-1 {
			select {
			case <-ctx.Done():
				return i + 1, ctx.Err()
			case <-time.After(ro.interval):
			}
		}
	}
	return ro.transfers, client.Keepalive()
}

func awaitDelivery(ctx context.Context, sub *driver.Subscription) error {
	deadline := time.NewTimer(deliveryTimeout)
	defer deadline.Stop()
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()

	for sub.Poll(func([]byte, driver.Header) {}, 1) == 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("message not delivered within %s", deliveryTimeout)
		case <-ticker.C:
		}
	}
	return nil
}
