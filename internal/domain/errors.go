package domain

import (
	"errors"
	"fmt"
)

// Error classes. Every error leaving a component wraps exactly one of them.
var (
	// ErrValidation is returned for malformed payloads, before any state change.
	ErrValidation = errors.New("validation failed")
	// ErrUnauthorized is returned when no identity is attached to the call.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden is returned when the identity lacks the required role.
	ErrForbidden = errors.New("forbidden")
	// ErrNotFound is returned when a referenced entity is absent.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned for duplicates and lost races.
	ErrConflict = errors.New("conflict")
	// ErrInvalidState is returned when an operation is not legal in the current state.
	ErrInvalidState = errors.New("invalid state")
	// ErrTransient marks store or network failures that are safe to retry.
	ErrTransient = errors.New("transient failure")
	// ErrFatal marks unexpected failures surfaced as-is.
	ErrFatal = errors.New("fatal error")
)

var (
	ErrQuestionsNotFound       = fmt.Errorf("%w: no questions for level and week", ErrNotFound)
	ErrAttemptNotFound         = fmt.Errorf("%w: attempt", ErrNotFound)
	ErrRequestNotFound         = fmt.Errorf("%w: access request", ErrNotFound)
	ErrNotRanked               = fmt.Errorf("%w: student has no completed attempt for quiz", ErrNotFound)
	ErrPendingRequestExists    = fmt.Errorf("%w: a pending request already exists for this level", ErrConflict)
	ErrAccessAlreadyGranted    = fmt.Errorf("%w: access to this level is already granted", ErrConflict)
	ErrAttemptAlreadyFinalized = fmt.Errorf("%w: attempt already finalized with a different result", ErrConflict)
	ErrRequestNotPending       = fmt.Errorf("%w: access request is not pending", ErrInvalidState)
)

// Invalid builds a validation error with a formatted reason.
func Invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// Transient wraps err as retryable. Errors that already carry a class are returned unchanged.
func Transient(err error) error {
	if err == nil || Classified(err) {
		return err
	}
	return fmt.Errorf("%w: %w", ErrTransient, err)
}

var classes = []struct {
	err  error
	code string
}{
	{ErrValidation, "validation_error"},
	{ErrUnauthorized, "unauthorized"},
	{ErrForbidden, "forbidden"},
	{ErrNotFound, "not_found"},
	{ErrConflict, "conflict"},
	{ErrInvalidState, "invalid_state"},
	{ErrTransient, "transient"},
	{ErrFatal, "fatal"},
}

// Classified reports whether err already wraps one of the error classes.
func Classified(err error) bool {
	for _, c := range classes {
		if errors.Is(err, c.err) {
			return true
		}
	}
	return false
}

// Code returns a stable machine-readable code for err. Unclassified errors are fatal.
func Code(err error) string {
	for _, c := range classes {
		if errors.Is(err, c.err) {
			return c.code
		}
	}
	return "fatal"
}

// Retryable reports whether the caller may retry the same call.
func Retryable(err error) bool {
	return errors.Is(err, ErrTransient)
}
