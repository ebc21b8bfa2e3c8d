package errors

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrAcquireTimeout reports that a lock could not be obtained within the
	// configured attempts and wait time.
	ErrAcquireTimeout = errors.New("locker: lock acquisition timeout")
	// ErrNotHeld is returned by a release attempted by a caller that no
	// longer owns the lock, usually because its lease expired.
	ErrNotHeld = errors.New("locker: lock not held by caller")
	// ErrUnavailable wraps failures talking to the remote lock service.
	ErrUnavailable = errors.New("locker: lock service unavailable")
	// ErrInvalidAttribute marks a malformed lock declaration.
	ErrInvalidAttribute = errors.New("locker: invalid lock attribute")
	// ErrEmptyName is returned when a naming expression yields nothing.
	ErrEmptyName = errors.New("locker: lock name evaluated to empty value")
	// ErrUnknownHandle is returned by a service asked to act on a handle it
	// did not issue.
	ErrUnknownHandle = errors.New("locker: unknown lock handle")
)

// AcquireError describes a failed acquisition. Cause is set when the
// attempts were cut short, for instance by context cancellation, or holds
// the last service error observed while retrying.
type AcquireError struct {
	Name     string
	Attempts int
	Cause    error
}

func (e *AcquireError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("locker: acquire %s failed after %d attempt(s): %v", e.Name, e.Attempts, e.Cause)
	}
	return fmt.Sprintf("locker: acquire %s failed after %d attempt(s)", e.Name, e.Attempts)
}

// Unwrap exposes both ErrAcquireTimeout and the cause to errors.Is.
func (e *AcquireError) Unwrap() []error {
	if e.Cause == nil {
		return []error{ErrAcquireTimeout}
	}
	return []error{ErrAcquireTimeout, e.Cause}
}

// Interrupted reports whether the acquisition was abandoned because its
// context was cancelled or timed out.
func (e *AcquireError) Interrupted() bool {
	if e.Cause == nil {
		return false
	}
	return isContextErr(e.Cause)
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
