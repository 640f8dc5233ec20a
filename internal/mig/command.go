package mig

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Command names shared by every interface. Protocol-specific commands are
// declared by the adapters.
const (
	CmdControlOn          = "Control.On"
	CmdControlOff         = "Control.Off"
	CmdControlToggle      = "Control.Toggle"
	CmdControlLevel       = "Control.Level"
	CmdControlLevelAdjust = "Control.Level.Adjust"
)

// Command is a request to an interface: act on the module at Address.
type Command struct {
	Address string   `json:"address"`
	Command string   `json:"command"`
	Options []string `json:"options,omitempty"`
}

// Option returns the i-th option, or "" when absent.
func (c Command) Option(i int) string {
	if i < 0 || i >= len(c.Options) {
		return ""
	}
	return strings.TrimSpace(c.Options[i])
}

// OptionFloat parses the i-th option, returning def when it is absent.
func (c Command) OptionFloat(i int, def float64) (float64, error) {
	s := c.Option(i)
	if s == "" {
		return def, nil
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: option %d %q is not a number", ErrInvalidOption, i, s)
	}
	return v, nil
}

// String renders the command for logs.
func (c Command) String() string {
	if len(c.Options) == 0 {
		return c.Address + " " + c.Command
	}
	return c.Address + " " + c.Command + " " + strings.Join(c.Options, "/")
}

// Status values of a Response.
const (
	StatusOk    = "Ok"
	StatusError = "Error"
)

// Response is the result of Control.
type Response struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	// Code is the ErrorCode of a failed command.
	Code string `json:"code,omitempty"`
}

// OK reports whether the command succeeded.
func (r Response) OK() bool {
	return r.Status == StatusOk
}

// ResponseOk builds a success response with an optional message.
func ResponseOk(message string) Response {
	return Response{Status: StatusOk, Message: message}
}

// ResponseError builds an error response from err.
func ResponseError(err error) Response {
	return Response{Status: StatusError, Message: err.Error(), Code: ErrorCode(err)}
}

// ErrorCode maps an error to a stable code for acks and API replies.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrNotConnected):
		return "NOT_CONNECTED"
	case errors.Is(err, ErrUnknownAddress):
		return "UNKNOWN_ADDRESS"
	case errors.Is(err, ErrInvalidOption):
		return "INVALID_OPTION"
	case errors.Is(err, ErrUnknownCommand):
		return "UNKNOWN_COMMAND"
	case errors.Is(err, ErrNotSupported):
		return "NOT_SUPPORTED"
	default:
		return "PROTOCOL_ERROR"
	}
}
