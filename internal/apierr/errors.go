// Package apierr defines the error taxonomy shared by the session,
// ipc, registry, and control-plane layers (§7 of the design). Errors
// carry a stable machine-readable code alongside the usual Go error
// message so that transports can translate them to wire-level codes
// without string matching.
package apierr

import (
	"errors"
	"fmt"
)

type Code string

const (
	// Input errors
	SessionNotFound    Code = "SESSION_NOT_FOUND"
	InvalidMessageType Code = "INVALID_MESSAGE_TYPE"
	MalformedFrame     Code = "MALFORMED_FRAME"
	PayloadTooLarge    Code = "PAYLOAD_TOO_LARGE"
	InvalidOperation   Code = "INVALID_OPERATION"

	// State errors
	SessionExited   Code = "SESSION_EXITED"
	NotReattachable Code = "NOT_REATTACHABLE"
	AlreadyExited   Code = "ALREADY_EXITED"

	// Resource errors
	ConnectionLimit Code = "CONNECTION_LIMIT"
	Backpressure    Code = "BACKPRESSURE"
	PathTooLong     Code = "PATH_TOO_LONG"

	// Processing errors
	MessageProcessingError Code = "MESSAGE_PROCESSING_ERROR"
	ControlMessageFailed   Code = "CONTROL_MESSAGE_FAILED"
	ResetSizeFailed        Code = "RESET_SIZE_FAILED"
	KillTimeout            Code = "KILL_TIMEOUT"

	// Internal
	Internal Code = "INTERNAL"
)

// Error is a taxonomy-coded error. Details is optional structured context
// forwarded verbatim to transports (e.g. an ERROR frame's "details" field).
type Error struct {
	Code    Code
	Message string
	Details interface{}
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds an Error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the taxonomy code from err, defaulting to Internal for
// any error that wasn't constructed through this package.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var apiErr *Error
	if errors.As(err, &apiErr) {
		return apiErr.Code
	}
	return Internal
}
