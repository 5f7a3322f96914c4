package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound       = errors.New("not found")
	ErrAlreadyExists  = errors.New("already exists")
	ErrRateLimited    = errors.New("rate limited")
	ErrUnauthorized   = errors.New("unauthorized")
	ErrStaleStatus    = errors.New("status changed since read")
	ErrLockHeld       = errors.New("lock already held")
	ErrNoRatePlan     = errors.New("no rate plan for segment")
	ErrNotEvaluatable = errors.New("experiment not in an evaluatable state")
)

// ValidationReason is the machine-readable code attached to a rejected
// experiment request.
type ValidationReason string

const (
	ReasonDeltaOutOfBounds ValidationReason = "delta_out_of_bounds"
	ReasonBlackoutWindow   ValidationReason = "blackout_window"
	ReasonActiveConflict   ValidationReason = "active_conflict"
	ReasonMinPriceViolated ValidationReason = "min_price_violated"
	ReasonBadRequest       ValidationReason = "bad_request"
)

// ValidationError rejects an experiment request at creation time. It is
// surfaced synchronously to the caller and never retried.
type ValidationError struct {
	Reason ValidationReason
	Detail string
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return string(e.Reason)
	}
	return fmt.Sprintf("%s: %s", e.Reason, e.Detail)
}

// NewValidationError builds a ValidationError with a formatted detail.
func NewValidationError(reason ValidationReason, format string, args ...any) *ValidationError {
	return &ValidationError{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// AsValidationError unwraps err into a *ValidationError when possible.
func AsValidationError(err error) (*ValidationError, bool) {
	var ve *ValidationError
	if errors.As(err, &ve) {
		return ve, true
	}
	return nil, false
}

// EvalReason classifies evaluation failures.
type EvalReason string

const (
	// EvalMetricsUnavailable means the metrics source could not be queried.
	// Retryable: the experiment stays running and is retried on a later tick.
	EvalMetricsUnavailable EvalReason = "metrics_unavailable"
)

// EvalError is a retryable evaluation failure. Insufficient data is NOT an
// EvalError; it is a valid Result state.
type EvalError struct {
	Reason EvalReason
	Err    error
}

func (e *EvalError) Error() string {
	return fmt.Sprintf("evaluation failed (%s): %v", e.Reason, e.Err)
}

func (e *EvalError) Unwrap() error { return e.Err }
