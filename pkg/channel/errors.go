package channel

import "errors"

var (
	// ErrLaunchFailed indicates a channel could not be established:
	// connect timeout, TLS failure, or link negotiation failure.
	ErrLaunchFailed = errors.New("channel launch failed")

	// ErrClosed indicates the channel's dispatch loop has terminated.
	ErrClosed = errors.New("channel closed")

	// ErrIdentityMismatch indicates the peer presented an identity other
	// than the one the channel was launched for.
	ErrIdentityMismatch = errors.New("relay identity mismatch")
)
