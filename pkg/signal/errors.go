package signal

import "errors"

var (
	// ErrStoreClosed is returned when an operation hits a store that has
	// been shut down.
	ErrStoreClosed = errors.New("signal store closed")

	// ErrNotConnected is returned by network-backed stores when no link to
	// the backend exists.
	ErrNotConnected = errors.New("signal store not connected")
)
