// Package vgierr defines the RPC error taxonomy: ProtocolError,
// VersionError, ContractError, HandlerError, and TransportError. Each wraps
// an inner error via pkg/werr so the call site is preserved, and exposes
// Unwrap so callers can use errors.As/errors.Is.
package vgierr

import (
	"fmt"

	"github.com/query-farm/vgi-rpc-go/pkg/werr"
)

// ProtocolError indicates a malformed request, missing metadata, a
// batch-count mismatch, or a truncated/tampered state token.
type ProtocolError struct {
	Msg   string
	cause error
}

func (e *ProtocolError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("protocol error: %s: %v", e.Msg, e.cause)
	}
	return fmt.Sprintf("protocol error: %s", e.Msg)
}

func (e *ProtocolError) Unwrap() error { return e.cause }

// NewProtocol builds a ProtocolError, wrapping the call site via werr.
func NewProtocol(msg string) error {
	return werr.Wrap(&ProtocolError{Msg: msg})
}

// NewProtocolf builds a ProtocolError from a format string.
func NewProtocolf(format string, args ...interface{}) error {
	return werr.Wrap(&ProtocolError{Msg: fmt.Sprintf(format, args...)})
}

// WrapProtocol wraps an existing error as a ProtocolError.
func WrapProtocol(msg string, cause error) error {
	return werr.Wrap(&ProtocolError{Msg: msg, cause: cause})
}

// VersionError indicates the request_version metadata key was absent or
// not equal to the supported request version.
type VersionError struct {
	Msg string
}

func (e *VersionError) Error() string { return fmt.Sprintf("version error: %s", e.Msg) }

func NewVersion(msg string) error {
	return werr.Wrap(&VersionError{Msg: msg})
}

// ContractError indicates a handler's result was missing a required field
// or had the wrong shape for its declared schema.
type ContractError struct {
	Msg string
}

func (e *ContractError) Error() string { return fmt.Sprintf("contract error: %s", e.Msg) }

func NewContract(msg string) error {
	return werr.Wrap(&ContractError{Msg: msg})
}

func NewContractf(format string, args ...interface{}) error {
	return werr.Wrap(&ContractError{Msg: fmt.Sprintf(format, args...)})
}

// HandlerError wraps an exception raised by a user-supplied handler, init,
// header_init, produce, or exchange function. ExceptionType carries a
// domain-specific tag ("ValueError", "KeyError", ...) when the handler
// provides one; otherwise it defaults to "HandlerError".
type HandlerError struct {
	ExceptionType string
	Msg           string
	Traceback     string
	cause         error
}

func (e *HandlerError) Error() string {
	if e.ExceptionType != "" {
		return fmt.Sprintf("%s: %s", e.ExceptionType, e.Msg)
	}
	return fmt.Sprintf("HandlerError: %s", e.Msg)
}

func (e *HandlerError) Unwrap() error { return e.cause }

// WrapHandler wraps an arbitrary handler-raised error as a HandlerError,
// preserving err.Error() as the message and a Go-synthesized traceback.
func WrapHandler(err error) *HandlerError {
	if he, ok := err.(*HandlerError); ok {
		return he
	}
	return &HandlerError{
		ExceptionType: "HandlerError",
		Msg:           err.Error(),
		Traceback:     werr.Wrap(err).Error(),
		cause:         err,
	}
}

// NewHandler constructs a typed HandlerError directly, for handlers that
// want to surface a specific exception_type to clients.
func NewHandler(exceptionType, msg string) *HandlerError {
	return &HandlerError{ExceptionType: exceptionType, Msg: msg}
}

// TransportError indicates a broken pipe or other I/O fault that is
// unrecoverable for the current session; on the pipe server loop it
// terminates the loop rather than being converted to an error batch.
type TransportError struct {
	Msg   string
	cause error
}

func (e *TransportError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("transport error: %s: %v", e.Msg, e.cause)
	}
	return fmt.Sprintf("transport error: %s", e.Msg)
}

func (e *TransportError) Unwrap() error { return e.cause }

func WrapTransport(msg string, cause error) error {
	return werr.Wrap(&TransportError{Msg: msg, cause: cause})
}

// NewTransport builds a TransportError with no wrapped cause.
func NewTransport(msg string) error {
	return werr.Wrap(&TransportError{Msg: msg})
}
