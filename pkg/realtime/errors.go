package realtime

import "errors"

var (
	// ErrConnection indicates the underlying session could not be established.
	ErrConnection = errors.New("realtime: connection failed")
	// ErrChannelAcquisition indicates the named channel could not be obtained
	// or its listeners could not be attached.
	ErrChannelAcquisition = errors.New("realtime: channel acquisition failed")
	// ErrPublish indicates a message could not be sent, including sends
	// attempted outside an active binding lifetime.
	ErrPublish = errors.New("realtime: publish failed")
	// ErrPresenceUpdate indicates a presence update failed, including updates
	// attempted before presence was entered.
	ErrPresenceUpdate = errors.New("realtime: presence update failed")
	// ErrPresenceLeave indicates a best-effort presence leave failed. It is
	// logged during teardown, never propagated.
	ErrPresenceLeave = errors.New("realtime: presence leave failed")
)
