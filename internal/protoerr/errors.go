// Package protoerr defines the error taxonomy shared by the transport
// layers (internal/session, internal/queue) and the pipelines built on top
// of them. It lives below the root package so those layers can return
// typed errors without importing back up to it; the root package's
// errors.go re-exports these types under its own names.
package protoerr

import (
	"errors"
	"fmt"
)

// Code is a high-level error category every layer of the transport maps
// its failures onto.
type Code string

const (
	// CodeNotReady means the host has not published the resource yet
	// (no session, no queue); callers should retry after a short delay.
	CodeNotReady Code = "not ready"

	// CodeRestart means a previously valid session was lost; callers must
	// tear down and reinitialize the whole transport.
	CodeRestart Code = "restart"

	// CodeProtocolMismatch means the header magic or version did not
	// match what this client speaks.
	CodeProtocolMismatch Code = "protocol mismatch"

	// CodeTruncated means a payload was larger than the buffer the client
	// had available for it.
	CodeTruncated Code = "truncated"

	// CodeMalformed means a value read from shared memory failed a bounds
	// or sanity check and cannot be trusted.
	CodeMalformed Code = "malformed"

	// CodeFatal means a local resource (mmap, ioctl, fd) failed in a way
	// that cannot be retried.
	CodeFatal Code = "fatal"

	// CodeTransient means an operation should be retried without tearing
	// anything down (e.g. a single Empty poll).
	CodeTransient Code = "transient"
)

// Error is a structured, context-carrying error returned by the transport
// and pipeline layers.
type Error struct {
	Op    string // operation that failed, e.g. "session.Init", "queue.Process"
	Queue string // queue name, empty if not applicable
	Code  Code
	Msg   string
	Inner error
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Code)
	}
	if e.Queue != "" {
		return fmt.Sprintf("%s: %s (queue=%s)", e.Op, msg, e.Queue)
	}
	return fmt.Sprintf("%s: %s", e.Op, msg)
}

func (e *Error) Unwrap() error {
	return e.Inner
}

func (e *Error) Is(target error) bool {
	te, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == te.Code
}

// New builds an *Error with no wrapped cause.
func New(op string, code Code, msg string) *Error {
	return &Error{Op: op, Code: code, Msg: msg}
}

// NewQueue builds an *Error scoped to a named queue.
func NewQueue(op, queue string, code Code, msg string) *Error {
	return &Error{Op: op, Queue: queue, Code: code, Msg: msg}
}

// Wrap attaches op/code context to an existing error, or passes structured
// *Error values through with an updated Op.
func Wrap(op string, code Code, inner error) *Error {
	if inner == nil {
		return nil
	}
	if pe, ok := inner.(*Error); ok {
		return &Error{Op: op, Queue: pe.Queue, Code: code, Msg: pe.Msg, Inner: pe.Inner}
	}
	return &Error{Op: op, Code: code, Msg: inner.Error(), Inner: inner}
}

// HasCode reports whether err, or any error it wraps, carries code.
func HasCode(err error, code Code) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Code == code
	}
	return false
}
