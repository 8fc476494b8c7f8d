package apperrors

import (
	"errors"
	"fmt"
	"net/http"
)

// Kind classifies failures for transport mapping.
type Kind string

const (
	KindAuthorization Kind = "authorization"
	KindNotFound      Kind = "not_found"
	KindDuplicate     Kind = "duplicate"
	KindValidation    Kind = "validation"
	KindTransientIO   Kind = "transient_io"
	KindPersistence   Kind = "persistence"
	KindInternal      Kind = "internal"
)

// Error carries a kind, the failing operation, a user-facing message and an optional cause.
type Error struct {
	kind    Kind
	op      string
	message string
	err     error
}

// New constructs an Error.
func New(kind Kind, op, message string, cause error) *Error {
	return &Error{kind: kind, op: op, message: message, err: cause}
}

func (e *Error) Error() string {
	switch {
	case e.op != "" && e.err != nil:
		return fmt.Sprintf("%s: %s: %v", e.op, e.message, e.err)
	case e.op != "":
		return fmt.Sprintf("%s: %s", e.op, e.message)
	case e.err != nil:
		return fmt.Sprintf("%s: %v", e.message, e.err)
	default:
		return e.message
	}
}

func (e *Error) Unwrap() error {
	return e.err
}

// Kind returns the failure classification.
func (e *Error) Kind() Kind {
	return e.kind
}

// Message returns the text safe to show to the initiating user.
func (e *Error) Message() string {
	return e.message
}

// Is matches another *Error with the same kind and message so that
// sentinel values survive re-wrapping with a different operation.
func (e *Error) Is(target error) bool {
	var other *Error
	if !errors.As(target, &other) {
		return false
	}
	return other.kind == e.kind && other.message == e.message
}

// KindOf reports the kind of the first *Error in the chain, or KindInternal.
func KindOf(err error) Kind {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.kind
	}
	return KindInternal
}

// MessageOf returns the user-facing message of err, hiding internal causes.
func MessageOf(err error) string {
	var appErr *Error
	if errors.As(err, &appErr) {
		return appErr.message
	}
	return "internal error"
}

// HTTPStatus maps a kind to the response status used by the REST surface.
func HTTPStatus(kind Kind) int {
	switch kind {
	case KindAuthorization:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindDuplicate:
		return http.StatusConflict
	case KindValidation:
		return http.StatusBadRequest
	case KindTransientIO:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
