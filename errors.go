package jobrunner

import (
	"fmt"

	"github.com/pkg/errors"
)

// PerformError is returned by a handler, or synthesized by the dispatcher
// when decoding fails, the job type is unknown, or the handler panics.
type PerformError struct {
	msg string
	err error
}

func (e *PerformError) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *PerformError) Unwrap() error { return e.err }

// NewPerformError builds a PerformError carrying a plain message.
func NewPerformError(msg string) *PerformError {
	return &PerformError{msg: msg}
}

// WrapPerformError builds a PerformError that wraps an underlying error.
func WrapPerformError(msg string, err error) *PerformError {
	return &PerformError{msg: msg, err: err}
}

// StoreError is returned by Store operations that fail against the
// database (insert, fetch, finalize).
type StoreError struct {
	Op  string
	err error
}

func (e *StoreError) Error() string {
	return fmt.Sprintf("store: %s: %v", e.Op, e.err)
}

func (e *StoreError) Unwrap() error { return e.err }

func newStoreError(op string, err error) *StoreError {
	return &StoreError{Op: op, err: errors.WithStack(err)}
}

// FetchError is surfaced by the outer run_all_* loop.
type FetchError struct {
	Kind FetchErrorKind
	err  error
}

// FetchErrorKind enumerates the ways the outer loop can stop early.
type FetchErrorKind int

const (
	// FetchTimeout means no lifecycle event arrived within the configured
	// fetch timeout.
	FetchTimeout FetchErrorKind = iota
	// FetchNoMessage means the event channel was closed unexpectedly.
	FetchNoMessage
	// FetchFailedLoadingJob means a unit of work failed to open a
	// transaction or run the dequeue query.
	FetchFailedLoadingJob
)

func (e *FetchError) Error() string {
	switch e.Kind {
	case FetchTimeout:
		return "fetch timeout waiting for job event"
	case FetchNoMessage:
		return "event channel closed without a terminal event"
	case FetchFailedLoadingJob:
		return fmt.Sprintf("failed loading job: %v", e.err)
	default:
		return "fetch error"
	}
}

func (e *FetchError) Unwrap() error { return e.err }

// ErrFetchTimeout and friends let callers use errors.Is against the
// sentinel kinds without unpacking FetchError.Kind.
var (
	ErrFetchTimeout   = &FetchError{Kind: FetchTimeout}
	ErrFetchNoMessage = &FetchError{Kind: FetchNoMessage}
)

func (e *FetchError) Is(target error) bool {
	other, ok := target.(*FetchError)
	if !ok {
		return false
	}
	return other.Kind == e.Kind
}

func failedLoadingJob(err error) *FetchError {
	return &FetchError{Kind: FetchFailedLoadingJob, err: err}
}

// FailedJobsError is a test-only aggregate reporting how many rows in
// _background_tasks currently have retries > 0.
type FailedJobsError struct {
	Count int64
}

func (e *FailedJobsError) Error() string {
	return fmt.Sprintf("%d job(s) failed", e.Count)
}

// Error is returned by setup/configuration operations: building a pool,
// acquiring a connection, constructing the blocking pool.
type Error struct {
	msg string
	err error
}

func (e *Error) Error() string {
	if e.err != nil {
		return fmt.Sprintf("%s: %v", e.msg, e.err)
	}
	return e.msg
}

func (e *Error) Unwrap() error { return e.err }

func newError(msg string, err error) *Error {
	return &Error{msg: msg, err: err}
}
