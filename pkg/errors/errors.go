package errors

import (
	"errors"
	"fmt"
)

var (
	// ErrMalformedMessage indicates that an inbound work queue message could
	// not be parsed or is missing required fields. Never retried.
	ErrMalformedMessage = errors.New("malformed work item message")

	// ErrUnknownInstitution indicates that no institution exists for the
	// code carried by a work item.
	ErrUnknownInstitution = errors.New("unknown institution")

	// ErrClassMismatch indicates that a work item's process type disagrees
	// with the resolved institution's class.
	ErrClassMismatch = errors.New("institution class mismatch")

	// ErrItemNotFound indicates that the bibliographic API has no item for
	// the requested barcode.
	ErrItemNotFound = errors.New("item not found")

	// ErrUnauthorized indicates that the institution's API credential was
	// rejected by the bibliographic API.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrTransient indicates a retryable fetch failure (timeout, 5xx,
	// connection reset).
	ErrTransient = errors.New("transient fetch failure")

	// ErrFetchExhausted indicates that the fetch retry budget was spent
	// without a successful response.
	ErrFetchExhausted = errors.New("fetch retries exhausted")

	// ErrSinkUnavailable indicates that one or more result sink writes
	// failed. Completed writes are not rolled back.
	ErrSinkUnavailable = errors.New("result sink unavailable")
)

// Error represents a structured processing error
type Error struct {
	// Code is a machine-readable error code
	Code string

	// Message is a human-readable error message
	Message string

	// Err is the underlying error, if any
	Err error
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Err
}

// NewError creates a new structured error
func NewError(code, message string, err error) *Error {
	return &Error{
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsRetryable reports whether the error should be retried by the queue's
// at-least-once redelivery rather than dead-lettered. Duplicate detection on
// the staging table keeps redelivered work items idempotent.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrTransient) ||
		errors.Is(err, ErrFetchExhausted) ||
		errors.Is(err, ErrSinkUnavailable)
}

// IsConfigError reports whether the error is a configuration-level problem
// that needs operator attention rather than retrying.
func IsConfigError(err error) bool {
	return errors.Is(err, ErrUnknownInstitution) ||
		errors.Is(err, ErrClassMismatch) ||
		errors.Is(err, ErrUnauthorized)
}

// IsTerminal reports whether the error should dead-letter the message
// without further delivery attempts.
func IsTerminal(err error) bool {
	return errors.Is(err, ErrMalformedMessage) ||
		errors.Is(err, ErrItemNotFound) ||
		IsConfigError(err)
}
