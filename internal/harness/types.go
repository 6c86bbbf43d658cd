package harness

import (
	"strconv"

	"github.com/roach88/lofi/internal/ir"
)

// KindSent marks a transition the fake authority received. Every other
// kind comes from the engine's trace hook.
const KindSent = "sent"

// TraceEvent is one recorded milestone.
type TraceEvent struct {
	Seq    uint64  `json:"seq"`
	Kind   string  `json:"kind"`
	Runner *uint64 `json:"runner_id,omitempty"`
	Action string  `json:"action,omitempty"`
	Detail string  `json:"detail,omitempty"`
}

// String renders the event as "kind" or "kind runner", the form used by
// trace_order assertions.
func (e TraceEvent) String() string {
	if e.Runner == nil {
		return e.Kind
	}
	return e.Kind + " " + strconv.FormatUint(*e.Runner, 10)
}

// Result is the outcome of a scenario.
type Result struct {
	// Pass is true when every assertion held.
	Pass bool `json:"pass"`

	Trace  []TraceEvent `json:"trace"`
	Errors []string     `json:"errors,omitempty"`

	// Model is the memory model after the last step.
	Model ir.IRObject `json:"model"`

	// LiveRunners is the number of runners still held by the engine.
	LiveRunners int `json:"live_runners"`
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failed assertion.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
