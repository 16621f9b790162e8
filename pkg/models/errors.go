package models

import (
	"errors"
	"fmt"
)

// ErrorKind classifies observer failures.
type ErrorKind string

const (
	ErrorInvalidMask          ErrorKind = "invalid_mask"
	ErrorTargetNotFound       ErrorKind = "target_not_found"
	ErrorPermissionDenied     ErrorKind = "permission_denied"
	ErrorCollectorUnavailable ErrorKind = "collector_unavailable"
	ErrorMetricUnavailable    ErrorKind = "metric_unavailable"
	ErrorInvalidTarget        ErrorKind = "invalid_target"
	ErrorClosed               ErrorKind = "closed"
)

// Sentinel errors, one per kind. Any *ObserverError matches the sentinel of
// its kind with errors.Is.
var (
	ErrInvalidMask          = &ObserverError{Kind: ErrorInvalidMask}
	ErrTargetNotFound       = &ObserverError{Kind: ErrorTargetNotFound}
	ErrPermissionDenied     = &ObserverError{Kind: ErrorPermissionDenied}
	ErrCollectorUnavailable = &ObserverError{Kind: ErrorCollectorUnavailable}
	ErrMetricUnavailable    = &ObserverError{Kind: ErrorMetricUnavailable}
	ErrInvalidTarget        = &ObserverError{Kind: ErrorInvalidTarget}
	ErrClosed               = &ObserverError{Kind: ErrorClosed}
)

// ObserverError is the error type returned by every observer operation.
type ObserverError struct {
	Kind   ErrorKind
	Op     string
	Target string
	Err    error
}

// NewError builds an ObserverError wrapping cause.
func NewError(kind ErrorKind, op string, target Target, cause error) *ObserverError {
	return &ObserverError{Kind: kind, Op: op, Target: target.String(), Err: cause}
}

func (e *ObserverError) Error() string {
	msg := string(e.Kind)
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Target != "" {
		msg += " (" + e.Target + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ObserverError) Unwrap() error { return e.Err }

// Is matches any ObserverError of the same kind.
func (e *ObserverError) Is(target error) bool {
	var oe *ObserverError
	if !errors.As(target, &oe) {
		return false
	}
	return oe.Kind == e.Kind && oe.Op == "" && oe.Err == nil
}

// KindOf returns the kind of err, or "" when err is not an observer error.
func KindOf(err error) ErrorKind {
	var oe *ObserverError
	if errors.As(err, &oe) {
		return oe.Kind
	}
	return ""
}

// Errorf builds an ObserverError with a formatted cause.
func Errorf(kind ErrorKind, op string, format string, args ...any) *ObserverError {
	return &ObserverError{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}
