package realtime

import (
	"errors"
	"fmt"
)

// Code is the machine-readable part of an error frame.
type Code string

const (
	CodeAuthenticationFailed Code = "authentication_failed"
	CodeAuthorizationDenied  Code = "authorization_denied"
	CodeValidation           Code = "validation_error"
	CodePersistence          Code = "persistence_failure"
	CodeNotFound             Code = "not_found"
	CodeRateLimited          Code = "rate_limited"
	CodeInternal             Code = "internal_error"
)

// Error is what component methods return for anything the client should
// hear about. Message is safe to show the client; Err is for logs only.
type Error struct {
	Code    Code
	Message string
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func wrapError(code Code, err error, message string) *Error {
	return &Error{Code: code, Message: message, Err: err}
}

func validationError(format string, args ...any) *Error {
	return newError(CodeValidation, format, args...)
}

func deniedError(format string, args ...any) *Error {
	return newError(CodeAuthorizationDenied, format, args...)
}

func notFoundError(format string, args ...any) *Error {
	return newError(CodeNotFound, format, args...)
}

func persistenceError(err error, message string) *Error {
	return wrapError(CodePersistence, err, message)
}

// CodeOf returns the Code carried by err, or CodeInternal for errors that
// did not come from this package.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return CodeInternal
}

// clientMessage is the text sent to the client for err.
func clientMessage(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Message
	}
	return "internal error"
}
