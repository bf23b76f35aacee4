package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors shared across components.
var (
	// ErrLeaseLost means the coordinator reassigned the job; the runner
	// must abort without reporting.
	ErrLeaseLost = errors.New("lease lost")
	// ErrCoordinatorUnreachable wraps persistent claim-loop failures.
	ErrCoordinatorUnreachable = errors.New("coordinator unreachable")
	// ErrDuplicateEntry is returned when two assets map to the same
	// archive path. Job fatal.
	ErrDuplicateEntry = errors.New("duplicate archive entry path")
	// ErrArchiveFinalized guards against writes after finalization.
	ErrArchiveFinalized = errors.New("archive already finalized")
)

// Class groups failures by retry semantics.
type Class int

// Failure classes.
const (
	// ClassTransient failures (resets, timeouts, 5xx) are retried locally.
	ClassTransient Class = iota
	// ClassPermanent failures (4xx, malformed descriptors) never retry.
	ClassPermanent
)

func (c Class) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "transient"
}

// FetchError is a classified per-asset failure.
type FetchError struct {
	URL        string
	StatusCode int
	Class      Class
	Err        error
}

func (e *FetchError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("fetch %s: status %d (%s)", e.URL, e.StatusCode, e.Class)
	}
	return fmt.Sprintf("fetch %s: %v (%s)", e.URL, e.Err, e.Class)
}

func (e *FetchError) Unwrap() error { return e.Err }

// Transient reports whether the failure may succeed on retry.
func (e *FetchError) Transient() bool { return e.Class == ClassTransient }

// UploadError is returned when the upload manager exhausts its retries.
// It carries the last underlying cause.
type UploadError struct {
	Attempts int
	Err      error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *UploadError) Unwrap() error { return e.Err }

type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent marks an error as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// IsTransient classifies an arbitrary error for retry decisions. Context
// cancellation is never transient: retrying a dead context is pointless.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var pe *permanentError
	if errors.As(err, &pe) {
		return false
	}
	var fe *FetchError
	if errors.As(err, &fe) {
		return fe.Transient()
	}
	// Everything else (connection resets, refused dials, timeouts) may
	// clear up on a later attempt.
	return true
}
