package onion

import "errors"

var (
	// ErrInvalidAddress is returned for strings that do not parse as a v3
	// onion address.
	ErrInvalidAddress = errors.New("invalid onion address")

	// ErrRendezvousFailed is returned when the rendezvous point refuses or
	// garbles the rendezvous establishment.
	ErrRendezvousFailed = errors.New("rendezvous establishment failed")

	// ErrReadTimeout is returned by ReadResponse when a single read
	// exceeds the per-read timeout.
	ErrReadTimeout = errors.New("response read timed out")

	// ErrStreamRead is returned by ReadResponse for stream failures other
	// than a clean end.
	ErrStreamRead = errors.New("stream read failed")
)
