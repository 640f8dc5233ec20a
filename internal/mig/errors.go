package mig

import "errors"

// Error categories shared by all interfaces. Adapters wrap these with detail
// and Control turns them into an error Response.
var (
	// ErrNotConnected means the protocol engine is unreachable. Commands are not retried.
	ErrNotConnected = errors.New("controller not connected")

	// ErrUnknownAddress means the command named a module the registry does not know.
	ErrUnknownAddress = errors.New("unknown module")

	// ErrInvalidOption means a command option or interface option could not be parsed.
	ErrInvalidOption = errors.New("invalid option")

	// ErrUnknownCommand means the interface does not implement the command.
	ErrUnknownCommand = errors.New("command not understood")

	// ErrNotSupported means the command exists but the current transport cannot perform it.
	ErrNotSupported = errors.New("not supported")
)
