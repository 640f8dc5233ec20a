package x10

import "errors"

// Transport errors. Adapter methods translate these into mig error
// categories before they reach a command response.
var (
	// ErrNotConnected is returned when mochad is not reachable.
	ErrNotConnected = errors.New("x10: not connected to mochad")

	// ErrConnectionFailed is returned when dialling mochad fails.
	ErrConnectionFailed = errors.New("x10: connection to mochad failed")

	// ErrInvalidAddress is returned for strings that are not A1..P16.
	ErrInvalidAddress = errors.New("x10: invalid address")

	// ErrSendFailed is returned when a frame could not be written.
	ErrSendFailed = errors.New("x10: send failed")

	// ErrRawUnsupported is returned by transports that cannot send raw RF bytes.
	ErrRawUnsupported = errors.New("x10: raw frames not supported by transport")
)
