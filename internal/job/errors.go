package job

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors surfaced by the store and registry.
var (
	ErrJobNotFound      = errors.New("job not found")
	ErrJobNotCancellable = errors.New("job is not cancellable")
	ErrLeaseLost        = errors.New("job lease no longer held")
	ErrUnknownJobType   = errors.New("unknown job type")
)

// Error codes used in the last_error_code column and in handler outcomes.
const (
	CodeDataMissing         = "data_missing"
	CodeValidation          = "validation"
	CodeProviderUnavailable = "provider_unavailable"
	CodeProviderRejected    = "provider_rejected"
	CodeNotFound            = "not_found"
	CodeStateConflict       = "state_conflict"
	CodeTimeout             = "timeout"
	CodeUnknown             = "unknown"
)

// Error is a classified handler failure. Retryable controls whether the
// worker reschedules the job or routes it straight to the dead-letter state.
type Error struct {
	Code      string
	Message   string
	Retryable bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewRetryable builds a transient handler error (provider timeouts,
// network busy) that is retried up to the type's attempt budget.
func NewRetryable(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Retryable: true}
}

// NewPermanent builds a non-retryable handler error (missing payload data,
// validation failures). These dead-letter on first occurrence.
func NewPermanent(code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...), Retryable: false}
}

// Classify maps an arbitrary handler error to a *Error. Typed errors pass
// through; deadline expiry becomes a retryable timeout; anything else is
// treated as retryable so a bug in error wiring does not eat work.
func Classify(err error) *Error {
	var je *Error
	if errors.As(err, &je) {
		return je
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return NewRetryable(CodeTimeout, "handler exceeded lease timeout: %v", err)
	}
	return NewRetryable(CodeUnknown, "%v", err)
}
