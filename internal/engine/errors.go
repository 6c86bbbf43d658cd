package engine

import (
	"errors"
	"log/slog"

	"github.com/roach88/lofi/internal/transition"
)

// InternalError represents an internal-consistency violation detected by the
// coordinator or a runner. It is raised with panic and never recovered: the
// session is in a state the coordinator cannot reason about.
type InternalError = transition.InternalError

var (
	// ErrNotInitialized is returned by Submit before Initialize.
	ErrNotInitialized = errors.New("engine: not initialized")

	// ErrAlreadyInitialized is returned by a second Initialize.
	ErrAlreadyInitialized = errors.New("engine: already initialized")

	// ErrUnknownAction is returned by Submit for an action with no handler.
	ErrUnknownAction = errors.New("engine: unknown action")

	// ErrStopped is returned once the loop has stopped.
	ErrStopped = errors.New("engine: stopped")

	errNoStorage = errors.New("no storage configured")
)

// IsInternalError reports whether err is (or wraps) an InternalError.
func IsInternalError(err error) bool {
	return transition.IsInternalError(err)
}

// logEventError logs an event processing failure with full context.
func logEventError(logger *slog.Logger, event Event, err error) {
	switch event.Type {
	case EventTypeTransition:
		if event.Transition != nil {
			logger.Error("transition processing failed",
				"error", err,
				"runner_id", event.Transition.ID,
				"action", event.Transition.Action,
			)
			return
		}
	case EventTypeConnection:
		if event.Conn != nil {
			logger.Error("connection event processing failed",
				"error", err,
				"attempt", event.Conn.Attempt,
				"kind", event.Conn.Kind.String(),
			)
			return
		}
	}
	logger.Error("event processing failed",
		"error", err,
		"event_type", event.Type.String(),
	)
}
