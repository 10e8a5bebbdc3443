// Package dverr defines the closed error taxonomy shared by every core
// component. Each failure carries a stable code, a human message, and
// optionally the offending target (entity, field, argument) plus
// server-supplied detail. Stack traces never leak into messages.
package dverr

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Code identifies a failure class. The namespace is closed: callers switch
// on codes, so new codes are a compatibility event.
type Code string

const (
	CodeNotFound           Code = "NotFound"
	CodeInvalidValue       Code = "InvalidValue"
	CodeInvalidArguments   Code = "InvalidArguments"
	CodeNotSupported       Code = "NotSupported"
	CodeInvalidFetchXml    Code = "InvalidFetchXml"
	CodeCyclicSchema       Code = "CyclicSchema"
	CodeAuthFailed         Code = "AuthFailed"
	CodeThrottled          Code = "Throttled"
	CodePoolClosed         Code = "PoolClosed"
	CodeQueryFailed        Code = "QueryFailed"
	CodeInvalidCast        Code = "InvalidCast"
	CodeUnknownFunction    Code = "UnknownFunction"
	CodeArgArity           Code = "ArgArity"
	CodeUndeclaredVariable Code = "UndeclaredVariable"
	CodeTransient          Code = "Transient"
	CodeFatal              Code = "Fatal"
	CodeCancelled          Code = "Cancelled"
	CodeValidationFailed   Code = "ValidationFailed"
)

// Category groups codes for retry policy decisions.
type Category int

const (
	// CategoryInput covers caller mistakes; never retried.
	CategoryInput Category = iota
	// CategoryState covers local state violations; never retried.
	CategoryState
	// CategoryRemote covers server-side failures; may be recovered once.
	CategoryRemote
	// CategoryControl covers cancellation and escalated failures.
	CategoryControl
)

// Error is the one error type the core surfaces across package boundaries.
type Error struct {
	Code    Code
	Message string
	Target  string // offending entity/field/argument, when known
	Details string // server-supplied detail, when any

	// RetryAfter is the server's throttle hint, when one was supplied.
	RetryAfter time.Duration

	wrapped error
}

func (e *Error) Error() string {
	if e.Target != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.Target)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// Is reports code equality so errors.Is(err, dverr.New(CodeThrottled, ""))
// style sentinels work across wrapping.
func (e *Error) Is(target error) bool {
	var de *Error
	if errors.As(target, &de) {
		return e.Code == de.Code
	}
	return false
}

// New builds an Error with just a code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf builds an Error with a formatted message.
func Newf(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code to an underlying error, preserving the chain.
func Wrap(code Code, message string, err error) *Error {
	return &Error{Code: code, Message: message, wrapped: err}
}

// WithTarget returns a copy of e annotated with the offending target.
func (e *Error) WithTarget(target string) *Error {
	clone := *e
	clone.Target = target
	return &clone
}

// WithDetails returns a copy of e annotated with server detail.
func (e *Error) WithDetails(details string) *Error {
	clone := *e
	clone.Details = details
	return &clone
}

// Throttled builds a Throttled error carrying the server's retry-after hint,
// if any.
func Throttled(message string, retryAfter time.Duration) *Error {
	return &Error{Code: CodeThrottled, Message: message, RetryAfter: retryAfter}
}

// RetryAfterOf extracts the throttle hint from any error; 0 when none.
func RetryAfterOf(err error) time.Duration {
	var de *Error
	if errors.As(err, &de) {
		return de.RetryAfter
	}
	return 0
}

// CodeOf extracts the taxonomy code from any error. Unclassified errors map
// to Fatal, cancellation to Cancelled.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return CodeCancelled
	}
	return CodeFatal
}

// Classify maps an error into its retry category.
func Classify(err error) Category {
	switch CodeOf(err) {
	case CodeInvalidValue, CodeInvalidArguments, CodeInvalidFetchXml,
		CodeInvalidCast, CodeUnknownFunction, CodeArgArity,
		CodeUndeclaredVariable, CodeValidationFailed:
		return CategoryInput
	case CodePoolClosed, CodeCyclicSchema, CodeNotFound, CodeNotSupported:
		return CategoryState
	case CodeAuthFailed, CodeThrottled, CodeQueryFailed, CodeTransient:
		return CategoryRemote
	default:
		return CategoryControl
	}
}

// Retryable reports whether the error may be recovered by backing off and
// retrying. Cancelled is never retryable.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeThrottled, CodeTransient:
		return true
	default:
		return false
	}
}
