// Package errors defines the error kinds shared by every component of the
// exchanger and their mapping to HTTP responses.
package errors

import (
	"errors"
	"fmt"
	"net/http"
)

// Error kinds
const (
	// KindValidation is returned when an input has a bad shape
	KindValidation = "ValidationError"

	// KindData is returned when an input is well-formed but semantically wrong
	KindData = "DataError"

	// KindNotAllowed is returned on authorization failure
	KindNotAllowed = "NotAllowedError"

	// KindNotFound is returned when a workflow or exchange does not exist
	// (including exchanges past their TTL)
	KindNotFound = "NotFoundError"

	// KindDuplicate is returned on a second submission to a completed
	// exchange, or when a caller-chosen id collides
	KindDuplicate = "DuplicateError"

	// KindInvalidState is returned on a stale sequence number or a
	// transition the current state does not permit
	KindInvalidState = "InvalidStateError"

	// KindVerification wraps verifier-side failures and carries the
	// credential results in Details
	KindVerification = "VerificationError"
)

// Error represents an error in the exchanger
type Error struct {
	// Kind is one of the Kind* constants
	Kind string

	// Message is the error message
	Message string

	// Details carries structured, caller-visible context (per-field
	// validation errors, verifier credentialResults, ...)
	Details map[string]any

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new error of the given kind
func New(kind, message string, cause error) *Error {
	return &Error{
		Kind:    kind,
		Message: message,
		Cause:   cause,
	}
}

// WithDetails attaches structured details and returns the error
func (e *Error) WithDetails(details map[string]any) *Error {
	e.Details = details
	return e
}

// NewValidationError creates a new validation error
func NewValidationError(message string, cause error) *Error {
	return New(KindValidation, message, cause)
}

// NewDataError creates a new data error
func NewDataError(message string, cause error) *Error {
	return New(KindData, message, cause)
}

// NewNotAllowedError creates a new not-allowed error
func NewNotAllowedError(message string, cause error) *Error {
	return New(KindNotAllowed, message, cause)
}

// NewNotFoundError creates a new not-found error
func NewNotFoundError(message string, cause error) *Error {
	return New(KindNotFound, message, cause)
}

// NewDuplicateError creates a new duplicate error
func NewDuplicateError(message string, cause error) *Error {
	return New(KindDuplicate, message, cause)
}

// NewInvalidStateError creates a new invalid-state error
func NewInvalidStateError(message string, cause error) *Error {
	return New(KindInvalidState, message, cause)
}

// NewVerificationError creates a new verification error
func NewVerificationError(message string, cause error) *Error {
	return New(KindVerification, message, cause)
}

// As extracts an *Error from err, walking the wrap chain.
func As(err error) (*Error, bool) {
	var e *Error
	ok := errors.As(err, &e)
	return e, ok
}

func is(err error, kind string) bool {
	e, ok := As(err)
	return ok && e.Kind == kind
}

// IsValidation checks if the error is a validation error
func IsValidation(err error) bool { return is(err, KindValidation) }

// IsData checks if the error is a data error
func IsData(err error) bool { return is(err, KindData) }

// IsNotAllowed checks if the error is a not-allowed error
func IsNotAllowed(err error) bool { return is(err, KindNotAllowed) }

// IsNotFound checks if the error is a not-found error
func IsNotFound(err error) bool { return is(err, KindNotFound) }

// IsDuplicate checks if the error is a duplicate error
func IsDuplicate(err error) bool { return is(err, KindDuplicate) }

// IsInvalidState checks if the error is an invalid-state error
func IsInvalidState(err error) bool { return is(err, KindInvalidState) }

// IsVerification checks if the error is a verification error
func IsVerification(err error) bool { return is(err, KindVerification) }

// HTTPStatus maps an error to the HTTP status code its kind is served with.
// Unrecognized errors map to 500.
func HTTPStatus(err error) int {
	e, ok := As(err)
	if !ok {
		return http.StatusInternalServerError
	}
	switch e.Kind {
	case KindValidation, KindData, KindVerification:
		return http.StatusBadRequest
	case KindNotAllowed:
		return http.StatusForbidden
	case KindNotFound:
		return http.StatusNotFound
	case KindDuplicate, KindInvalidState:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}
