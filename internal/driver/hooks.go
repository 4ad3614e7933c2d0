package driver

import "net"

// CommandType names a client command the conductor handles
type CommandType int

// Client commands
const (
	CmdAddPublication CommandType = iota + 1
	CmdRemovePublication
	CmdAddSubscription
	CmdRemoveSubscription
	CmdKeepaliveClient
	CmdClientClose
)

func (c CommandType) String() string {
	switch c {
	case CmdAddPublication:
		return "add_publication"
	case CmdRemovePublication:
		return "remove_publication"
	case CmdAddSubscription:
		return "add_subscription"
	case CmdRemoveSubscription:
		return "remove_subscription"
	case CmdKeepaliveClient:
		return "keepalive_client"
	case CmdClientClose:
		return "client_close"
	default:
		return "unknown"
	}
}

// ResponseType names a conductor response or notification sent to clients
type ResponseType int

// Conductor responses
const (
	RespPublicationReady ResponseType = iota + 1
	RespSubscriptionReady
	RespAvailableImage
	RespUnavailableImage
	RespOperationSuccess
	RespError
)

func (r ResponseType) String() string {
	switch r {
	case RespPublicationReady:
		return "publication_ready"
	case RespSubscriptionReady:
		return "subscription_ready"
	case RespAvailableImage:
		return "available_image"
	case RespUnavailableImage:
		return "unavailable_image"
	case RespOperationSuccess:
		return "operation_success"
	case RespError:
		return "error"
	default:
		return "unknown"
	}
}

// Command carries the fields of a command or response
type Command struct {
	ClientID       int64
	CorrelationID  int64
	RegistrationID int64
	SessionID      int32
	StreamID       int32
	Channel        string
	Message        string
}

// Hooks are the driver's instrumentation points. Methods are called synchronously on
// the goroutine doing the work and must not block.
type Hooks interface {
	OnFrameIn(frame []byte, src net.Addr)
	OnFrameOut(frame []byte, dst net.Addr)
	OnCommandIn(cmd CommandType, c Command)
	OnCommandOut(resp ResponseType, c Command)
	OnSendChannelCreated(channel string)
	OnSendChannelClosed(channel string)
	OnReceiveChannelCreated(channel string)
	OnReceiveChannelClosed(channel string)
	OnPublicationRemoved(channel string, sessionID, streamID int32)
	OnSubscriptionRemoved(channel string, streamID int32, subscriptionID int64)
	OnImageRemoved(channel string, sessionID, streamID int32, correlationID int64)
}

// NopHooks ignores every hook point
type NopHooks struct{}

func (NopHooks) OnFrameIn([]byte, net.Addr)                 {}
func (NopHooks) OnFrameOut([]byte, net.Addr)                {}
func (NopHooks) OnCommandIn(CommandType, Command)           {}
func (NopHooks) OnCommandOut(ResponseType, Command)         {}
func (NopHooks) OnSendChannelCreated(string)                {}
func (NopHooks) OnSendChannelClosed(string)                 {}
func (NopHooks) OnReceiveChannelCreated(string)             {}
func (NopHooks) OnReceiveChannelClosed(string)              {}
func (NopHooks) OnPublicationRemoved(string, int32, int32)  {}
func (NopHooks) OnSubscriptionRemoved(string, int32, int64) {}
func (NopHooks) OnImageRemoved(string, int32, int32, int64) {}
