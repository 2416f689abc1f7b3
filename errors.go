package glass

import (
	"github.com/gnif/LookingGlass-sub002/internal/protoerr"
)

// Error is the structured error every public operation returns, carrying
// the same context the transport layers attach via internal/protoerr.
type Error = protoerr.Error

// Code aliases the shared taxonomy so callers can write glass.CodeRestart
// without importing the internal package.
type Code = protoerr.Code

const (
	CodeNotReady         = protoerr.CodeNotReady
	CodeRestart          = protoerr.CodeRestart
	CodeProtocolMismatch = protoerr.CodeProtocolMismatch
	CodeTruncated        = protoerr.CodeTruncated
	CodeMalformed        = protoerr.CodeMalformed
	CodeFatal            = protoerr.CodeFatal
	CodeTransient        = protoerr.CodeTransient
)

// NewError creates a new structured error, mirroring protoerr.New for
// callers who don't want to import the internal package.
func NewError(op string, code Code, msg string) *Error {
	return protoerr.New(op, code, msg)
}

// IsCode reports whether err, or any error it wraps, carries code.
func IsCode(err error, code Code) bool {
	return protoerr.HasCode(err, code)
}

// IsRestart is a convenience check for the one code callers most often
// branch on: the session was lost and the transport must be reopened.
func IsRestart(err error) bool {
	return IsCode(err, CodeRestart)
}
