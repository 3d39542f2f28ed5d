// Package gateway provides the typed client for the PalmFlow backend API.
//
// This file defines the error taxonomy the orchestrator recovers by:
// validation errors block inline, transient errors are retryable, business
// errors carry machine-readable codes and sometimes a redirect target that
// overrides every other recovery path.
package gateway

import (
	"errors"
	"fmt"
)

// Class partitions gateway errors by the recovery they demand.
type Class string

// Error class constants.
const (
	// ClassValidation marks client-detectable bad input; no call was made or
	// the backend rejected the payload shape. Recovered inline.
	ClassValidation Class = "validation"
	// ClassTransient marks network and server failures worth retrying. The
	// session record is never mutated on a transient failure.
	ClassTransient Class = "transient"
	// ClassAuthorization marks stale-credential failures. The client retries
	// exactly once after a credential refresh before surfacing this.
	ClassAuthorization Class = "authorization"
	// ClassBusiness marks server-classified conditions carrying a
	// machine-readable code and sometimes a redirect target.
	ClassBusiness Class = "business"
)

// Error is the typed failure returned by every gateway operation.
type Error struct {
	Class            Class
	Code             string // machine-readable business code, if any
	Message          string
	Redirect         string // redirect target that overrides local recovery
	RetriesRemaining int    // for palm_image_invalid: retries the backend still allows
	cause            error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("gateway: %s (%s): %s", e.Class, e.Code, e.Message)
	}
	return fmt.Sprintf("gateway: %s: %s", e.Class, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *Error) Unwrap() error {
	return e.cause
}

// NewValidationError creates a validation-class error.
func NewValidationError(message string) *Error {
	return &Error{Class: ClassValidation, Message: message}
}

// NewTransientError creates a transient-class error wrapping its cause.
func NewTransientError(message string, cause error) *Error {
	return &Error{Class: ClassTransient, Message: message, cause: cause}
}

// NewBusinessError creates a business-class error with a code and optional
// redirect target.
func NewBusinessError(code, message, redirect string) *Error {
	return &Error{Class: ClassBusiness, Code: code, Message: message, Redirect: redirect}
}

// AsError extracts a *Error from err, if present.
func AsError(err error) (*Error, bool) {
	var ge *Error
	if errors.As(err, &ge) {
		return ge, true
	}
	return nil, false
}

// ClassOf returns the class of err. Unclassified errors count as transient:
// the caller cannot distinguish them from a network fault.
func ClassOf(err error) Class {
	if ge, ok := AsError(err); ok {
		return ge.Class
	}
	return ClassTransient
}

// RedirectTarget returns the redirect carried by err, if any. Redirects
// always win over any other recovery.
func RedirectTarget(err error) string {
	if ge, ok := AsError(err); ok {
		return ge.Redirect
	}
	return ""
}

// CodeOf returns the machine-readable code carried by err, if any.
func CodeOf(err error) string {
	if ge, ok := AsError(err); ok {
		return ge.Code
	}
	return ""
}
