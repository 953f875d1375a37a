// Package errs defines the error taxonomy shared by every layer of the
// topic table.
//
// Local, per-call failures (type conflicts, stale handles, exhausted tables)
// are returned synchronously. Connection-level failures (lost links,
// protocol violations) are logged and surfaced as Disconnected events; they
// never take down an instance.
package errs

import (
	"errors"
	"fmt"
)

// Code categorizes an Error.
type Code string

const (
	// CodeTypeConflict indicates a publish or write whose type disagrees with
	// the topic's declared type.
	CodeTypeConflict Code = "TYPE_CONFLICT"

	// CodeUnknownHandle indicates an operation on a released or foreign handle.
	CodeUnknownHandle Code = "UNKNOWN_HANDLE"

	// CodeConnectionLost indicates a transport failure on a peer link.
	CodeConnectionLost Code = "CONNECTION_LOST"

	// CodeProtocolViolation indicates a malformed inbound message.
	CodeProtocolViolation Code = "PROTOCOL_VIOLATION"

	// CodeResourceExhausted indicates a bounded table or queue is full.
	CodeResourceExhausted Code = "RESOURCE_EXHAUSTED"

	// CodeTopicInUse indicates removal of a topic that is still referenced.
	CodeTopicInUse Code = "TOPIC_IN_USE"

	// CodeClosed indicates the owning instance or link has been closed.
	CodeClosed Code = "CLOSED"

	// CodeInvalidArgument indicates a caller-supplied value is unusable.
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
)

// Error is the concrete error type returned by the engine.
type Error struct {
	// Code identifies the error category.
	Code Code

	// Message is a human-readable description.
	Message string

	// Topic names the affected topic, if any.
	Topic string

	// Handle is the offending handle value, if any.
	Handle uint64

	// Err is the underlying cause, if any.
	Err error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.Topic != "" {
		msg = fmt.Sprintf("%s (topic=%s)", msg, e.Topic)
	}
	if e.Handle != 0 {
		msg = fmt.Sprintf("%s (handle=%#x)", msg, e.Handle)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error with the same Code, so that the
// package sentinels work with errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinels for errors.Is comparisons.
var (
	ErrTypeConflict      = &Error{Code: CodeTypeConflict, Message: "type conflict"}
	ErrUnknownHandle     = &Error{Code: CodeUnknownHandle, Message: "unknown handle"}
	ErrConnectionLost    = &Error{Code: CodeConnectionLost, Message: "connection lost"}
	ErrProtocolViolation = &Error{Code: CodeProtocolViolation, Message: "protocol violation"}
	ErrResourceExhausted = &Error{Code: CodeResourceExhausted, Message: "resource exhausted"}
	ErrTopicInUse        = &Error{Code: CodeTopicInUse, Message: "topic in use"}
	ErrClosed            = &Error{Code: CodeClosed, Message: "closed"}
	ErrInvalidArgument   = &Error{Code: CodeInvalidArgument, Message: "invalid argument"}
)

// New creates an Error with the given code and formatted message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error with the given code around an underlying cause.
func Wrap(code Code, err error, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Err: err}
}

// TypeConflict creates a CodeTypeConflict error for the named topic.
func TypeConflict(topic, have, want string) *Error {
	return &Error{
		Code:    CodeTypeConflict,
		Message: fmt.Sprintf("topic is declared %s, got %s", have, want),
		Topic:   topic,
	}
}

// UnknownHandle creates a CodeUnknownHandle error for the given handle.
func UnknownHandle(h uint64) *Error {
	return &Error{Code: CodeUnknownHandle, Message: "handle is stale or was never issued", Handle: h}
}

// ProtocolViolation creates a CodeProtocolViolation error.
func ProtocolViolation(format string, args ...any) *Error {
	return New(CodeProtocolViolation, format, args...)
}

// CodeOf returns the Code of err, or "" when err is not an *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsTypeConflict returns true if err is a type conflict.
// Uses errors.As to handle wrapped errors.
func IsTypeConflict(err error) bool { return CodeOf(err) == CodeTypeConflict }

// IsUnknownHandle returns true if err reports a stale or foreign handle.
func IsUnknownHandle(err error) bool { return CodeOf(err) == CodeUnknownHandle }

// IsConnectionLost returns true if err reports a transport failure.
func IsConnectionLost(err error) bool { return CodeOf(err) == CodeConnectionLost }

// IsProtocolViolation returns true if err reports a malformed message.
func IsProtocolViolation(err error) bool { return CodeOf(err) == CodeProtocolViolation }

// IsResourceExhausted returns true if err reports a full table or queue.
func IsResourceExhausted(err error) bool { return CodeOf(err) == CodeResourceExhausted }

// IsClosed returns true if err reports a closed instance or link.
func IsClosed(err error) bool { return CodeOf(err) == CodeClosed }
