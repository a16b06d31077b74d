package channel

import "errors"

// Channel errors.
var (
	// ErrChannelClosed is returned for operations on a closed channel.
	ErrChannelClosed = errors.New("channel: closed")

	// ErrQueueFull is returned when a worker's inbound queue is at
	// capacity and the message cannot be accepted.
	ErrQueueFull = errors.New("channel: worker queue full")

	// ErrNotAttached is returned when a window channel has no live
	// WebSocket connection yet.
	ErrNotAttached = errors.New("channel: window not attached")

	// ErrAlreadyAttached is returned when a second surface tries to
	// claim a window channel.
	ErrAlreadyAttached = errors.New("channel: window already attached")

	// ErrBadToken is returned when a surface presents an unknown or
	// mismatched connection token.
	ErrBadToken = errors.New("channel: bad connection token")

	// ErrBadFrame is returned when an inbound frame is not a valid
	// message.
	ErrBadFrame = errors.New("channel: malformed frame")
)
