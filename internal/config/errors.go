package config

import (
	"fmt"
	"strings"

	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// Error is a configuration problem with its CUE position when one is known.
type Error struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *Error) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Errors collects every problem found in one config.
type Errors []*Error

func (es Errors) Error() string {
	msgs := make([]string, len(es))
	for i, e := range es {
		msgs[i] = e.Error()
	}
	return strings.Join(msgs, "\n")
}

// Unwrap exposes the individual errors to errors.As.
func (es Errors) Unwrap() []error {
	out := make([]error, len(es))
	for i, e := range es {
		out[i] = e
	}
	return out
}

// cueError converts a CUE evaluation error, keeping the first position.
func cueError(field string, err error) error {
	if err == nil {
		return nil
	}
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return &Error{Field: field, Message: err.Error()}
	}
	first := errs[0]
	out := &Error{Field: field, Message: first.Error()}
	if positions := errors.Positions(first); len(positions) > 0 {
		out.Pos = positions[0]
	}
	return out
}
