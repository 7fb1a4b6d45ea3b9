package domain

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrNotFound indicates that a requested resource does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists indicates that a resource with the same identity
	// already exists.
	ErrAlreadyExists = errors.New("already exists")

	// ErrInvalidArgument indicates that a caller-provided value violates
	// a precondition.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrRolloutInProgress is returned when a service already has an active
	// rollout.
	ErrRolloutInProgress = errors.New("rollout in progress")

	// ErrAlreadyTerminal is returned when acting on a finished rollout.
	ErrAlreadyTerminal = errors.New("rollout already terminal")

	// ErrNotAwaitingConfirmation is returned by confirm/reject outside the
	// confirmation suspension point.
	ErrNotAwaitingConfirmation = errors.New("rollout is not awaiting confirmation")
)

// ErrorKind classifies failures for retry and reporting.
type ErrorKind string

const (
	KindTransientInfra     ErrorKind = "TransientInfra"
	KindConfiguration      ErrorKind = "ConfigurationError"
	KindValidationFailure  ErrorKind = "ValidationFailure"
	KindBenchmarkFailure   ErrorKind = "BenchmarkFailure"
	KindResourceExhaustion ErrorKind = "ResourceExhaustion"
	KindCancelled          ErrorKind = "Cancelled"
	KindTimeout            ErrorKind = "Timeout"
	KindUnknown            ErrorKind = "Unknown"
)

// Reason names the component-level failure behind an error.
type Reason string

const (
	ReasonDownload          Reason = "DownloadError"
	ReasonQuantization      Reason = "QuantizationError"
	ReasonStorage           Reason = "StorageError"
	ReasonQuotaExceeded     Reason = "QuotaExceeded"
	ReasonImagePull         Reason = "ImagePullError"
	ReasonTimeout           Reason = "Timeout"
	ReasonRoute             Reason = "RouteError"
	ReasonUnreachable       Reason = "Unreachable"
	ReasonUnhealthyResponse Reason = "UnhealthyResponse"
)

// Error is a classified failure.
type Error struct {
	Kind   ErrorKind
	Reason Reason
	Op     string
	Err    error
}

func (e *Error) Error() string {
	msg := e.Op
	if e.Reason != "" {
		msg = fmt.Sprintf("%s: %s", msg, e.Reason)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

func NewError(kind ErrorKind, reason Reason, op string, err error) *Error {
	return &Error{Kind: kind, Reason: reason, Op: op, Err: err}
}

func Errorf(kind ErrorKind, reason Reason, op string, format string, args ...any) *Error {
	return &Error{Kind: kind, Reason: reason, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first classified error in the chain.
// Bare context errors map to Cancelled and Timeout.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	case errors.Is(err, ErrInvalidArgument):
		return KindConfiguration
	}
	return KindUnknown
}

func ReasonOf(err error) Reason {
	var e *Error
	if errors.As(err, &e) {
		return e.Reason
	}
	return ""
}

// IsRetryable reports whether err may be retried automatically. Only
// TransientInfra qualifies.
func IsRetryable(err error) bool {
	return KindOf(err) == KindTransientInfra
}
