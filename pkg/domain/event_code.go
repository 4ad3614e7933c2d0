package domain

import "strings"

// EventCode identifies one category of driver occurrence that can be captured.
// IDs are stable and never reused; they stay below MaxEventCodeID so that a set of
// codes fits in a uint64 mask.
type EventCode struct {
	ID   int32
	Name string
}

// MaxEventCodeID is the exclusive upper bound for event code ids.
const MaxEventCodeID = 64

// Driver event codes
var (
	FrameIn                   = EventCode{ID: 1, Name: "FRAME_IN"}
	FrameOut                  = EventCode{ID: 2, Name: "FRAME_OUT"}
	CmdInAddPublication       = EventCode{ID: 3, Name: "CMD_IN_ADD_PUBLICATION"}
	CmdInRemovePublication    = EventCode{ID: 4, Name: "CMD_IN_REMOVE_PUBLICATION"}
	CmdInAddSubscription      = EventCode{ID: 5, Name: "CMD_IN_ADD_SUBSCRIPTION"}
	CmdInRemoveSubscription   = EventCode{ID: 6, Name: "CMD_IN_REMOVE_SUBSCRIPTION"}
	CmdOutPublicationReady    = EventCode{ID: 7, Name: "CMD_OUT_PUBLICATION_READY"}
	CmdOutAvailableImage      = EventCode{ID: 8, Name: "CMD_OUT_AVAILABLE_IMAGE"}
	CmdOutOnOperationSuccess  = EventCode{ID: 12, Name: "CMD_OUT_ON_OPERATION_SUCCESS"}
	CmdInKeepaliveClient      = EventCode{ID: 13, Name: "CMD_IN_KEEPALIVE_CLIENT"}
	RemovePublicationCleanup  = EventCode{ID: 14, Name: "REMOVE_PUBLICATION_CLEANUP"}
	RemoveSubscriptionCleanup = EventCode{ID: 15, Name: "REMOVE_SUBSCRIPTION_CLEANUP"}
	RemoveImageCleanup        = EventCode{ID: 16, Name: "REMOVE_IMAGE_CLEANUP"}
	CmdOutOnUnavailableImage  = EventCode{ID: 17, Name: "CMD_OUT_ON_UNAVAILABLE_IMAGE"}
	SendChannelCreation       = EventCode{ID: 23, Name: "SEND_CHANNEL_CREATION"}
	ReceiveChannelCreation    = EventCode{ID: 24, Name: "RECEIVE_CHANNEL_CREATION"}
	SendChannelClose          = EventCode{ID: 25, Name: "SEND_CHANNEL_CLOSE"}
	ReceiveChannelClose       = EventCode{ID: 26, Name: "RECEIVE_CHANNEL_CLOSE"}
	CmdOutError               = EventCode{ID: 33, Name: "CMD_OUT_ERROR"}
	CmdOutSubscriptionReady   = EventCode{ID: 35, Name: "CMD_OUT_SUBSCRIPTION_READY"}
	CmdInClientClose          = EventCode{ID: 40, Name: "CMD_IN_CLIENT_CLOSE"}
)

var eventCodes = []EventCode{
	FrameIn,
	FrameOut,
	CmdInAddPublication,
	CmdInRemovePublication,
	CmdInAddSubscription,
	CmdInRemoveSubscription,
	CmdOutPublicationReady,
	CmdOutAvailableImage,
	CmdOutOnOperationSuccess,
	CmdInKeepaliveClient,
	RemovePublicationCleanup,
	RemoveSubscriptionCleanup,
	RemoveImageCleanup,
	CmdOutOnUnavailableImage,
	SendChannelCreation,
	ReceiveChannelCreation,
	SendChannelClose,
	ReceiveChannelClose,
	CmdOutError,
	CmdOutSubscriptionReady,
	CmdInClientClose,
}

var (
	codesByID   [MaxEventCodeID]EventCode
	codesByName = make(map[string]EventCode, len(eventCodes))
)

func init() {
	for _, code := range eventCodes {
		if code.ID <= 0 || code.ID >= MaxEventCodeID {
			panic("domain: event code id out of range: " + code.Name)
		}
		if codesByID[code.ID].ID != 0 {
			panic("domain: duplicate event code id: " + code.Name)
		}
		if _, dup := codesByName[code.Name]; dup {
			panic("domain: duplicate event code name: " + code.Name)
		}
		codesByID[code.ID] = code
		codesByName[code.Name] = code
	}
}

// EventCodes returns the full catalog ordered by id.
func EventCodes() []EventCode {
	out := make([]EventCode, len(eventCodes))
	copy(out, eventCodes)
	return out
}

// EventCodeByID looks up a code by its id.
func EventCodeByID(id int32) (EventCode, bool) {
	if id <= 0 || id >= MaxEventCodeID {
		return EventCode{}, false
	}
	code := codesByID[id]
	return code, code.ID != 0
}

// EventCodeByName looks up a code by name, ignoring case and surrounding space.
func EventCodeByName(name string) (EventCode, bool) {
	code, ok := codesByName[strings.ToUpper(strings.TrimSpace(name))]
	return code, ok
}

// String returns the code name
func (c EventCode) String() string {
	return c.Name
}

// IsValid reports whether the code belongs to the catalog
func (c EventCode) IsValid() bool {
	known, ok := EventCodeByID(c.ID)
	return ok && known == c
}
