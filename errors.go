package parley

import "errors"

var (
	// ErrClosed is returned by operations on a closed client or pool.
	ErrClosed = errors.New("parley: client closed")

	// ErrNotConnected is returned when a publish or request needs a live
	// connection and there is none.
	ErrNotConnected = errors.New("parley: not connected")

	// ErrConnectionExhausted is the terminal error once reconnection
	// attempts exceed the configured maximum.
	ErrConnectionExhausted = errors.New("parley: connection attempts exhausted")
)
