package transition

import (
	"errors"
	"fmt"
)

var errNotConnected = errors.New("channel not connected")

// InternalError reports an internal-consistency violation: a bug in the
// coordinator, not a recoverable condition. It is raised with panic.
type InternalError struct {
	// Code identifies the violation.
	Code InternalErrorCode

	// Message is a human-readable description.
	Message string

	// RunnerID identifies the affected runner, when there is one.
	RunnerID uint64

	// Details contains additional context.
	Details map[string]string
}

// InternalErrorCode categorizes internal errors.
type InternalErrorCode string

const (
	// ErrCodeStorageFlippedTwice indicates storage changed status after it had
	// already left disconnected.
	ErrCodeStorageFlippedTwice InternalErrorCode = "STORAGE_FLIPPED_TWICE"

	// ErrCodeUnknownImpact indicates a runner was requested for an impact that
	// has no runner.
	ErrCodeUnknownImpact InternalErrorCode = "UNKNOWN_IMPACT"

	// ErrCodeMissingRunner indicates bookkeeping lost a runner it expected.
	ErrCodeMissingRunner InternalErrorCode = "MISSING_RUNNER"

	// ErrCodeDoubleSettle indicates handler work settled more than once.
	ErrCodeDoubleSettle InternalErrorCode = "DOUBLE_SETTLE"
)

// Error implements the error interface.
func (e *InternalError) Error() string {
	return fmt.Sprintf("%s: %s (runner=%d)", e.Code, e.Message, e.RunnerID)
}

// IsInternalError reports whether err is (or wraps) an InternalError.
func IsInternalError(err error) bool {
	var ie *InternalError
	return errors.As(err, &ie)
}

func newStorageFlippedTwice(id uint64, from, to string) *InternalError {
	return &InternalError{
		Code:     ErrCodeStorageFlippedTwice,
		Message:  "storage status changed after it had already resolved",
		RunnerID: id,
		Details: map[string]string{
			"from": from,
			"to":   to,
		},
	}
}
