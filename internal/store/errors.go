package store

import (
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/roach88/lofi/internal/ir"
)

// ErrSizeLimit is wrapped by InitError when the database is already larger
// than the configured cap.
var ErrSizeLimit = errors.New("database exceeds size limit")

// QueryError reports a failed statement inside Execute or Batch, together
// with every row gathered before the failure.
//
// Cause is the statement's own failure. CleanupCause is set when rolling back
// after Cause also failed; both stay reachable through errors.Is/As.
type QueryError struct {
	Statement    string
	Index        int
	Partial      []ir.IRValue
	Cause        error
	CleanupCause error
}

func (e *QueryError) Error() string {
	msg := fmt.Sprintf("query %d (%s) failed: %v", e.Index, truncate(e.Statement, 80), e.Cause)
	if e.CleanupCause != nil {
		msg += fmt.Sprintf("; rollback also failed: %v", e.CleanupCause)
	}
	return msg
}

func (e *QueryError) Unwrap() []error {
	errs := []error{e.Cause}
	if e.CleanupCause != nil {
		errs = append(errs, e.CleanupCause)
	}
	return errs
}

// InitStep names a step of the storage init sequence.
type InitStep string

const (
	StepOpen    InitStep = "open"
	StepProbe   InitStep = "probe"
	StepCap     InitStep = "cap"
	StepJournal InitStep = "journal"
	StepMigrate InitStep = "migrate"
)

// InitError is the error surfaced when storage reports NeverConnecting.
type InitError struct {
	Step InitStep
	Err  error
}

func (e *InitError) Error() string {
	return fmt.Sprintf("storage init failed at %s: %v", e.Step, e.Err)
}

func (e *InitError) Unwrap() error {
	return e.Err
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
