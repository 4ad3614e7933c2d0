// Package interceptor attaches the capture API to the driver's hook points
package interceptor

import (
	"net"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/yairfalse/driverlog/internal/agent/capture"
	"github.com/yairfalse/driverlog/internal/agent/codec"
	"github.com/yairfalse/driverlog/internal/driver"
	"github.com/yairfalse/driverlog/pkg/domain"
)

// Source returns the capture logger hooks record into. It is called on every hook so
// the logger can be swapped while the driver runs.
type Source func() *capture.Logger

// Static returns a Source that always yields l
func Static(l *capture.Logger) Source {
	return func() *capture.Logger { return l }
}

// Hooks implements driver.Hooks on top of a capture logger
type Hooks struct {
	source  Source
	logger  *zap.Logger
	limiter *rate.Limiter
}

var _ driver.Hooks = (*Hooks)(nil)

// New creates hooks recording into the logger source returns. Capture errors, which
// only surface under the report overflow policy, are logged at debug and rate limited.
func New(source Source, logger *zap.Logger) *Hooks {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hooks{
		source:  source,
		logger:  logger,
		limiter: rate.NewLimiter(rate.Every(time.Second), 5),
	}
}

// CommandCode maps a driver command to its event code
func CommandCode(cmd driver.CommandType) (domain.EventCode, bool) {
	switch cmd {
	case driver.CmdAddPublication:
		return domain.CmdInAddPublication, true
	case driver.CmdRemovePublication:
		return domain.CmdInRemovePublication, true
	case driver.CmdAddSubscription:
		return domain.CmdInAddSubscription, true
	case driver.CmdRemoveSubscription:
		return domain.CmdInRemoveSubscription, true
	case driver.CmdKeepaliveClient:
		return domain.CmdInKeepaliveClient, true
	case driver.CmdClientClose:
		return domain.CmdInClientClose, true
	default:
		return domain.EventCode{}, false
	}
}

// ResponseCode maps a driver response to its event code
func ResponseCode(resp driver.ResponseType) (domain.EventCode, bool) {
	switch resp {
	case driver.RespPublicationReady:
		return domain.CmdOutPublicationReady, true
	case driver.RespSubscriptionReady:
		return domain.CmdOutSubscriptionReady, true
	case driver.RespAvailableImage:
		return domain.CmdOutAvailableImage, true
	case driver.RespUnavailableImage:
		return domain.CmdOutOnUnavailableImage, true
	case driver.RespOperationSuccess:
		return domain.CmdOutOnOperationSuccess, true
	case driver.RespError:
		return domain.CmdOutError, true
	default:
		return domain.EventCode{}, false
	}
}

func (h *Hooks) OnFrameIn(frame []byte, src net.Addr) {
	h.check(domain.FrameIn, h.source().LogFrameIn(frame, src))
}

func (h *Hooks) OnFrameOut(frame []byte, dst net.Addr) {
	h.check(domain.FrameOut, h.source().LogFrameOut(frame, dst))
}

func (h *Hooks) OnCommandIn(cmd driver.CommandType, c driver.Command) {
	code, ok := CommandCode(cmd)
	if !ok {
		return
	}
	h.command(code, c)
}

func (h *Hooks) OnCommandOut(resp driver.ResponseType, c driver.Command) {
	code, ok := ResponseCode(resp)
	if !ok {
		return
	}
	h.command(code, c)
}

func (h *Hooks) command(code domain.EventCode, c driver.Command) {
	l := h.source()
	if !l.Enabled(code) {
		return
	}
	h.check(code, l.LogCommand(code, codec.Command(c)))
}

func (h *Hooks) OnSendChannelCreated(channel string) {
	h.check(domain.SendChannelCreation, h.source().LogChannelCreated(domain.SendChannelCreation, channel))
}

func (h *Hooks) OnSendChannelClosed(channel string) {
	h.check(domain.SendChannelClose, h.source().LogChannelClosed(domain.SendChannelClose, channel))
}

func (h *Hooks) OnReceiveChannelCreated(channel string) {
	h.check(domain.ReceiveChannelCreation, h.source().LogChannelCreated(domain.ReceiveChannelCreation, channel))
}

func (h *Hooks) OnReceiveChannelClosed(channel string) {
	h.check(domain.ReceiveChannelClose, h.source().LogChannelClosed(domain.ReceiveChannelClose, channel))
}

func (h *Hooks) OnPublicationRemoved(channel string, sessionID, streamID int32) {
	h.check(domain.RemovePublicationCleanup, h.source().LogPublicationRemoval(channel, sessionID, streamID))
}

func (h *Hooks) OnSubscriptionRemoved(channel string, streamID int32, subscriptionID int64) {
	h.check(domain.RemoveSubscriptionCleanup, h.source().LogSubscriptionRemoval(channel, streamID, subscriptionID))
}

func (h *Hooks) OnImageRemoved(channel string, sessionID, streamID int32, correlationID int64) {
	h.check(domain.RemoveImageCleanup, h.source().LogImageRemoval(channel, sessionID, streamID, correlationID))
}

func (h *Hooks) check(code domain.EventCode, err error) {
	if err == nil || !h.limiter.Allow() {
		return
	}
	h.logger.Debug("Failed to capture driver event",
		zap.String("code", code.Name),
		zap.Error(err))
}
