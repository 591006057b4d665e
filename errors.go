package hazcat

import (
	"github.com/tensorlane/hazcat/internal/herrors"
)

// Error, ErrorCode, and the helpers below are thin re-exports over
// internal/herrors: every internal package already returns *herrors.Error,
// and this file just gives library callers the same names at the root
// import path without a second type.
type Error = herrors.Error
type ErrorCode = herrors.ErrorCode

const (
	ErrCodeInvalidArgument = herrors.ErrCodeInvalidArgument
	ErrCodeNoSpace         = herrors.ErrCodeNoSpace
	ErrCodeTooManyDomains  = herrors.ErrCodeTooManyDomains
	ErrCodeLockFailure     = herrors.ErrCodeLockFailure
	ErrCodeSharedMemory    = herrors.ErrCodeSharedMemory
	ErrCodeDeviceError     = herrors.ErrCodeDeviceError
	ErrCodeCountOverflow   = herrors.ErrCodeCountOverflow
	ErrCodeNoMessage       = herrors.ErrCodeNoMessage
)

// NewError creates a structured error with no errno context.
func NewError(op string, code ErrorCode, msg string) *Error {
	return herrors.NewError(op, code, msg)
}

// WrapError wraps inner with op context.
func WrapError(op string, inner error) *Error {
	return herrors.WrapError(op, inner)
}

// IsCode reports whether err is a *Error with the given code.
func IsCode(err error, code ErrorCode) bool {
	return herrors.IsCode(err, code)
}
