package authority

import (
	"context"

	"github.com/roach88/lofi/internal/ir"
	"github.com/roach88/lofi/internal/wire"
)

// Decision is the authority's answer to one transition.
type Decision struct {
	Accept bool
	Reason string

	// Patch holds authoritative transformations broadcast to every client
	// after the answer.
	Patch []ir.Transformation
}

// Decider decides transitions. It is called from every connection's
// goroutine and must be safe for concurrent use.
type Decider interface {
	Decide(ctx context.Context, session string, tr wire.Transition) Decision
}

// DeciderFunc adapts a function to Decider.
type DeciderFunc func(ctx context.Context, session string, tr wire.Transition) Decision

// Decide implements Decider.
func (f DeciderFunc) Decide(ctx context.Context, session string, tr wire.Transition) Decision {
	return f(ctx, session, tr)
}

// AcceptAll resolves every transition.
var AcceptAll = DeciderFunc(func(context.Context, string, wire.Transition) Decision {
	return Decision{Accept: true}
})

// Rules rejects the listed actions with their reason and accepts the rest.
type Rules map[string]string

// Decide implements Decider.
func (r Rules) Decide(_ context.Context, _ string, tr wire.Transition) Decision {
	if reason, ok := r[tr.Action]; ok {
		return Decision{Reason: reason}
	}
	return Decision{Accept: true}
}
