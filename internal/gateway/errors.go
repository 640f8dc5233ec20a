package gateway

import "errors"

var (
	// ErrUnknownInterface is returned for a domain no interface is registered for.
	ErrUnknownInterface = errors.New("gateway: unknown interface")

	// ErrDuplicateInterface is returned when a domain is registered twice.
	ErrDuplicateInterface = errors.New("gateway: interface already registered")

	// ErrInvalidPayload is returned for command payloads that fail validation.
	ErrInvalidPayload = errors.New("gateway: invalid command payload")

	// ErrAlreadyStarted is returned when Register is called after Start.
	ErrAlreadyStarted = errors.New("gateway: already started")
)
