package models

import (
	"errors"
	"fmt"
)

// ErrRaceLost is returned by conditional updates that found the row already
// claimed or decided by someone else. Losing the race is not a failure:
// callers skip the work and move on.
var ErrRaceLost = errors.New("race lost: row already claimed or decided")

// ErrNotFound is returned when a referenced row does not exist.
var ErrNotFound = errors.New("not found")

// PermanentError marks a failure that retrying cannot fix: malformed
// payload, unknown action kind, invalid workflow definition. The worker
// pool skips remaining attempts and fails the job immediately.
type PermanentError struct {
	Cause error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent: %v", e.Cause)
}

func (e *PermanentError) Unwrap() error {
	return e.Cause
}

// Permanent wraps err so the worker pool treats it as non-retryable.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Cause: err}
}

// Permanentf builds a non-retryable error from a format string.
func Permanentf(format string, args ...any) error {
	return &PermanentError{Cause: fmt.Errorf(format, args...)}
}

// IsPermanent reports whether err (or anything it wraps) is permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}
