package reconcile

import (
	"errors"
	"fmt"
)

var (
	// ErrResourceNotFound is returned when a desired resource does not exist on the cluster.
	ErrResourceNotFound = errors.New("resource not found")

	// ErrUnavailable marks transient failures; the attempt may be retried from a fresh read.
	ErrUnavailable = errors.New("cluster unavailable")
)

// ConnectionError means the coordination service or the brokers cannot be reached.
// It aborts the whole run.
type ConnectionError struct {
	Target string // "zookeeper" or "kafka"
	Err    error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("cannot connect to %s: %v", e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// ApplyErrorKind separates fatal rejections from transient failures.
type ApplyErrorKind int

const (
	ApplyRejected ApplyErrorKind = iota
	ApplyUnavailable
)

// String returns a human-readable name for the kind.
func (k ApplyErrorKind) String() string {
	switch k {
	case ApplyRejected:
		return "rejected"
	case ApplyUnavailable:
		return "unavailable"
	default:
		return "unknown"
	}
}

// ApplyError is returned by ConfigBackend.Apply.
type ApplyError struct {
	Kind ApplyErrorKind
	Ref  ResourceRef
	Err  error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("alter configs for %s %s: %v", e.Ref, e.Kind, e.Err)
}

func (e *ApplyError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrUnavailable) match transient apply failures.
func (e *ApplyError) Is(target error) bool {
	return target == ErrUnavailable && e.Kind == ApplyUnavailable
}

// Rejected wraps err as a fatal apply failure.
func Rejected(ref ResourceRef, err error) error {
	return &ApplyError{Kind: ApplyRejected, Ref: ref, Err: err}
}

// Unavailable wraps err as a transient apply failure.
func Unavailable(ref ResourceRef, err error) error {
	return &ApplyError{Kind: ApplyUnavailable, Ref: ref, Err: err}
}

// ConvergenceTimeoutError means a change was applied but not observed within the budget.
type ConvergenceTimeoutError struct {
	Ref      ResourceRef
	Attempts int

	// Remaining is the diff seen by the last successful check, nil when
	// every check failed.
	Remaining ConfigDiff
}

func (e *ConvergenceTimeoutError) Error() string {
	if e.Remaining == nil {
		return fmt.Sprintf("%s did not converge after %d checks, none of which could read it", e.Ref, e.Attempts)
	}
	return fmt.Sprintf("%s did not converge after %d checks, still pending: %v",
		e.Ref, e.Attempts, e.Remaining.Keys())
}

// IsConnectionError reports whether err aborts the run.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsRejected reports whether err is a fatal apply rejection.
func IsRejected(err error) bool {
	var ae *ApplyError
	return errors.As(err, &ae) && ae.Kind == ApplyRejected
}
