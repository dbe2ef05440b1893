package types

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies the class of a queue error. The values double as the error
// codes an API layer reports.
type Code string

const (
	CodeResourceNotFound   Code = "ResourceNotFound"
	CodeRequestConflict    Code = "RequestConflict"
	CodeInputError         Code = "InputError"
	CodeInsufficientScopes Code = "InsufficientScopes"
	CodeInternal           Code = "InternalError"
)

// HTTPStatus maps the code to the status an API layer answers with.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeResourceNotFound:
		return http.StatusNotFound
	case CodeRequestConflict:
		return http.StatusConflict
	case CodeInputError:
		return http.StatusBadRequest
	case CodeInsufficientScopes:
		return http.StatusForbidden
	default:
		return http.StatusInternalServerError
	}
}

// Error is the structured error returned by queue operations.
type Error struct {
	Code    Code
	Message string
	Details map[string]any
	Err     error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Retryable reports whether a blind retry of the same call may succeed.
// Only internal errors qualify; every other code is deterministic.
func (e *Error) Retryable() bool {
	return e.Code == CodeInternal
}

// With attaches a detail entry and returns e for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Details == nil {
		e.Details = map[string]any{}
	}
	e.Details[key] = value
	return e
}

func newError(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error {
	return newError(CodeResourceNotFound, format, args...)
}

func Conflict(format string, args ...any) *Error {
	return newError(CodeRequestConflict, format, args...)
}

func InputError(format string, args ...any) *Error {
	return newError(CodeInputError, format, args...)
}

// InsufficientScopes reports the scope expression the caller failed to
// satisfy.
func InsufficientScopes(required []string) *Error {
	return newError(CodeInsufficientScopes, "client is missing required scopes").With("required", required)
}

// Internal wraps an unexpected failure, usually from the store.
func Internal(op string, err error) *Error {
	return &Error{Code: CodeInternal, Message: op, Err: err}
}

// CodeOf extracts the code from err, or CodeInternal for foreign errors.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var qe *Error
	if errors.As(err, &qe) {
		return qe.Code
	}
	return CodeInternal
}

func IsNotFound(err error) bool   { return CodeOf(err) == CodeResourceNotFound }
func IsConflict(err error) bool   { return CodeOf(err) == CodeRequestConflict }
func IsInputError(err error) bool { return CodeOf(err) == CodeInputError }
