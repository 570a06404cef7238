// Package xerr defines the three error categories slicebox's error
// handling design distinguishes: validation, transient, and
// fatal. Propagation and HTTP-status mapping are driven off these
// categories, never off ad hoc string matching.
package xerr

import (
	"net/http"

	"github.com/pkg/errors"
)

type Kind int

const (
	KindFatal Kind = iota
	KindValidation
	KindTransient
)

// Error wraps an underlying cause with a category and a message, using
// github.com/pkg/errors for the stack-carrying Wrap/Cause semantics the
// teacher's cmn package relies on throughout.
type Error struct {
	kind  Kind
	cause error
}

func (e *Error) Error() string { return e.cause.Error() }
func (e *Error) Unwrap() error { return e.cause }
func (e *Error) Kind() Kind    { return e.kind }

func Validation(format string, args ...interface{}) *Error {
	return &Error{kind: KindValidation, cause: errors.Errorf(format, args...)}
}

func Transient(cause error, msg string) *Error {
	return &Error{kind: KindTransient, cause: errors.Wrap(cause, msg)}
}

func Fatal(cause error, msg string) *Error {
	return &Error{kind: KindFatal, cause: errors.Wrap(cause, msg)}
}

// KindOf extracts the category of err, defaulting to KindFatal for
// errors that were never classified: an unexpected failure is treated
// as fatal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.kind
	}
	return KindFatal
}

// HTTPStatus maps an error's category onto response codes: 4xx for
// validation, 5xx for transient/fatal.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindValidation:
		return http.StatusBadRequest
	case KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IsTransient reports whether err should drive a WAITING demotion
// rather than a FAILED transition.
func IsTransient(err error) bool { return KindOf(err) == KindTransient }

// IsValidation reports whether err is a permanent rejection.
func IsValidation(err error) bool { return KindOf(err) == KindValidation }
