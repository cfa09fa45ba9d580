package stream

import "errors"

var (
	// ErrStreamClosed is returned on operations against a stream that was
	// closed locally or ended by the exit.
	ErrStreamClosed = errors.New("stream closed")

	// ErrNoStreamIDs is returned when every stream ID on the circuit is in
	// use.
	ErrNoStreamIDs = errors.New("no stream IDs available")
)
