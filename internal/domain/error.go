package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// Common domain errors
	ErrNotFound         = errors.New("entity not found")
	ErrAlreadyExists    = errors.New("entity already exists")
	ErrInvalidArgument  = errors.New("invalid argument")
	ErrUnknownKind      = errors.New("unknown job kind")
	ErrJobTerminal      = errors.New("job already reached a terminal state")
	ErrIncompleteResult = errors.New("job has targets without an outcome")
	ErrNothingToResume  = errors.New("job has no resumable targets")
	ErrLockHeld         = errors.New("lock is held by another owner")
	ErrUnavailable      = errors.New("service at capacity or shutting down")

	// Outcome classes. Executor errors are matched against these with errors.Is.
	ErrTransient = errors.New("transient failure")
	ErrPermanent = errors.New("permanent failure")
	ErrCancelled = errors.New("cancelled")

	// Handoff token errors
	ErrTokenInvalid     = errors.New("handoff token invalid")
	ErrTokenExpired     = errors.New("handoff token expired")
	ErrTokenExhausted   = errors.New("handoff token exhausted")
	ErrTokenRevoked     = errors.New("handoff token revoked")
	ErrTokenJobMismatch = errors.New("handoff token belongs to a different job")
)

// ErrorClass tells the caller whether a failed target may be retried.
type ErrorClass string

const (
	ClassTransient ErrorClass = "transient"
	ClassPermanent ErrorClass = "permanent"
	ClassCancelled ErrorClass = "cancelled"
)

// Sentinel returns the class sentinel error.
func (c ErrorClass) Sentinel() error {
	switch c {
	case ClassTransient:
		return ErrTransient
	case ClassCancelled:
		return ErrCancelled
	default:
		return ErrPermanent
	}
}

// ClassifiedError carries an ErrorClass alongside the underlying cause.
// errors.Is(err, ErrTransient) etc. report the class.
type ClassifiedError struct {
	Class      ErrorClass
	Err        error
	RetryAfter time.Duration
}

func (e *ClassifiedError) Error() string {
	if e.Err == nil {
		return string(e.Class)
	}
	return fmt.Sprintf("%s: %v", e.Class, e.Err)
}

func (e *ClassifiedError) Unwrap() error { return e.Err }

func (e *ClassifiedError) Is(target error) bool {
	return target == e.Class.Sentinel()
}

// Transient marks err as retryable by a later batch run.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: ClassTransient, Err: err}
}

// TransientAfter is Transient with a downstream Retry-After hint.
func TransientAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	if after < 0 {
		after = 0
	}
	return &ClassifiedError{Class: ClassTransient, Err: err, RetryAfter: after}
}

// Permanent marks err as never retried automatically.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &ClassifiedError{Class: ClassPermanent, Err: err}
}

// Cancelled marks err as caller initiated.
func Cancelled(err error) error {
	if err == nil {
		err = context.Canceled
	}
	return &ClassifiedError{Class: ClassCancelled, Err: err}
}

// ClassOf classifies an arbitrary error. Unclassified context deadline errors
// are transient, context cancellation is cancelled, everything else permanent.
func ClassOf(err error) ErrorClass {
	var ce *ClassifiedError
	switch {
	case errors.As(err, &ce):
		return ce.Class
	case errors.Is(err, ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return ClassCancelled
	default:
		return ClassPermanent
	}
}

// RetryAfterOf returns the Retry-After hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var ce *ClassifiedError
	if errors.As(err, &ce) {
		return ce.RetryAfter
	}
	return 0
}
