package automation

import "errors"

var (
	// ErrNotFound means the sequence or step an operator referenced does not
	// exist.
	ErrNotFound = errors.New("automation: not found")

	// ErrPastSendTime rejects publishing a broadcast whose absolute send
	// time has already passed.
	ErrPastSendTime = errors.New("automation: scheduled send time is in the past")

	// ErrBroadcastLocked rejects edits to a broadcast that has already been
	// sent.
	ErrBroadcastLocked = errors.New("automation: broadcast already sent")
)
