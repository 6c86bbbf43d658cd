package transition

// The runner state machines are edge tables. A step looks up (state, event);
// a pair with no edge leaves the state unchanged and has no effect. Terminal
// states have no outgoing edges. Effects are carried out by the runner after
// the step, never inside it.

// Effect is the side effect a step asks the runner to perform.
type Effect uint8

const (
	EffectNone Effect = iota
	EffectEdit
	EffectRevert
	EffectSend
)

func (e Effect) String() string {
	switch e {
	case EffectNone:
		return "none"
	case EffectEdit:
		return "edit"
	case EffectRevert:
		return "revert"
	case EffectSend:
		return "send"
	default:
		return "unknown"
	}
}

// DimState is the state of a memory-model or storage dimension.
type DimState uint8

const (
	DimNotRequired DimState = iota
	DimNotEvaluated
	DimAwaitingResources
	DimInProgress
	// DimInProgressRejected: the edit is still running and the authority has
	// already rejected; the edit's result decides whether to revert.
	DimInProgressRejected
	DimCompleted
	DimFailed
	DimReverting
	DimReverted
	DimRevertFailed
	DimNotPossible
	DimDidNotBegin
)

var dimStateNames = [...]string{
	DimNotRequired:        "not_required",
	DimNotEvaluated:       "not_evaluated",
	DimAwaitingResources:  "awaiting_resources",
	DimInProgress:         "in_progress",
	DimInProgressRejected: "in_progress_rejected",
	DimCompleted:          "completed",
	DimFailed:             "failed",
	DimReverting:          "reverting",
	DimReverted:           "reverted",
	DimRevertFailed:       "revert_failed",
	DimNotPossible:        "not_possible",
	DimDidNotBegin:        "did_not_begin_executing_before_rejection",
}

func (s DimState) String() string {
	if int(s) < len(dimStateNames) {
		return dimStateNames[s]
	}
	return "unknown"
}

// Terminal reports whether no event can move the dimension out of s.
func (s DimState) Terminal() bool {
	switch s {
	case DimNotRequired, DimFailed, DimReverted, DimRevertFailed, DimNotPossible, DimDidNotBegin:
		return true
	}
	return false
}

// Settled reports whether the dimension has no work outstanding and none
// pending. Completed is settled but not terminal: a rejection can still
// revert it.
func (s DimState) Settled() bool {
	return s.Terminal() || s == DimCompleted
}

// DimEvent drives a dimension.
type DimEvent uint8

const (
	// EvResourcesReady: the dimension's resource is usable (always true for
	// the memory model).
	EvResourcesReady DimEvent = iota
	EvResourcesNever
	EvEditSucceeded
	EvEditFailed
	EvRejected
	EvRevertSucceeded
	EvRevertFailed
)

var dimEventNames = [...]string{
	EvResourcesReady:  "resources_ready",
	EvResourcesNever:  "resources_never",
	EvEditSucceeded:   "edit_succeeded",
	EvEditFailed:      "edit_failed",
	EvRejected:        "rejected",
	EvRevertSucceeded: "revert_succeeded",
	EvRevertFailed:    "revert_failed",
}

func (e DimEvent) String() string {
	if int(e) < len(dimEventNames) {
		return dimEventNames[e]
	}
	return "unknown"
}

// DimStates and DimEvents list every value, for exhaustive table tests.
var (
	DimStates = []DimState{
		DimNotRequired, DimNotEvaluated, DimAwaitingResources, DimInProgress,
		DimInProgressRejected, DimCompleted, DimFailed, DimReverting, DimReverted,
		DimRevertFailed, DimNotPossible, DimDidNotBegin,
	}
	DimEvents = []DimEvent{
		EvResourcesReady, EvResourcesNever, EvEditSucceeded, EvEditFailed,
		EvRejected, EvRevertSucceeded, EvRevertFailed,
	}
)

type dimEdge struct {
	From   DimState
	Event  DimEvent
	To     DimState
	Effect Effect
}

var dimTable = []dimEdge{
	// Start
	{From: DimNotEvaluated, Event: EvResourcesReady, To: DimInProgress, Effect: EffectEdit},
	{From: DimAwaitingResources, Event: EvResourcesReady, To: DimInProgress, Effect: EffectEdit},
	{From: DimNotEvaluated, Event: EvResourcesNever, To: DimNotPossible},
	{From: DimAwaitingResources, Event: EvResourcesNever, To: DimNotPossible},

	// Rejected before anything was applied
	{From: DimNotEvaluated, Event: EvRejected, To: DimDidNotBegin},
	{From: DimAwaitingResources, Event: EvRejected, To: DimDidNotBegin},

	// Edit settles
	{From: DimInProgress, Event: EvEditSucceeded, To: DimCompleted},
	{From: DimInProgress, Event: EvEditFailed, To: DimFailed},
	{From: DimInProgress, Event: EvRejected, To: DimInProgressRejected},
	{From: DimInProgressRejected, Event: EvEditSucceeded, To: DimReverting, Effect: EffectRevert},
	{From: DimInProgressRejected, Event: EvEditFailed, To: DimFailed},

	// Revert
	{From: DimCompleted, Event: EvRejected, To: DimReverting, Effect: EffectRevert},
	{From: DimReverting, Event: EvRevertSucceeded, To: DimReverted},
	{From: DimReverting, Event: EvRevertFailed, To: DimRevertFailed},
}

// StepDim returns the next state and effect for (from, ev).
func StepDim(from DimState, ev DimEvent) (DimState, Effect) {
	for _, e := range dimTable {
		if e.From == from && e.Event == ev {
			return e.To, e.Effect
		}
	}
	return from, EffectNone
}

// RemoteState is the state of an optimistic push's conversation with the
// authority.
type RemoteState uint8

const (
	RemoteAwaitingConnection RemoteState = iota
	RemoteSent
	RemoteConfirmed
	RemoteRejected
)

var remoteStateNames = [...]string{
	RemoteAwaitingConnection: "awaiting_connection",
	RemoteSent:               "sent",
	RemoteConfirmed:          "confirmed",
	RemoteRejected:           "rejected",
}

func (s RemoteState) String() string {
	if int(s) < len(remoteStateNames) {
		return remoteStateNames[s]
	}
	return "unknown"
}

// Terminal reports whether the authority has answered.
func (s RemoteState) Terminal() bool {
	return s == RemoteConfirmed || s == RemoteRejected
}

// RemoteEvent drives the remote region of an optimistic push and the send
// state of nudges.
type RemoteEvent uint8

const (
	EvConnected RemoteEvent = iota
	EvSendFailed
	EvConfirmed
	EvRemoteRejected
)

var remoteEventNames = [...]string{
	EvConnected:      "connected",
	EvSendFailed:     "send_failed",
	EvConfirmed:      "confirmed",
	EvRemoteRejected: "rejected",
}

func (e RemoteEvent) String() string {
	if int(e) < len(remoteEventNames) {
		return remoteEventNames[e]
	}
	return "unknown"
}

// RemoteStates and RemoteEvents list every value, for exhaustive table tests.
var (
	RemoteStates = []RemoteState{RemoteAwaitingConnection, RemoteSent, RemoteConfirmed, RemoteRejected}
	RemoteEvents = []RemoteEvent{EvConnected, EvSendFailed, EvConfirmed, EvRemoteRejected}
)

type remoteEdge struct {
	From   RemoteState
	Event  RemoteEvent
	To     RemoteState
	Effect Effect
}

var pushTable = []remoteEdge{
	{From: RemoteAwaitingConnection, Event: EvConnected, To: RemoteSent, Effect: EffectSend},
	// A push is re-sent on every fresh connection until answered.
	{From: RemoteSent, Event: EvConnected, To: RemoteSent, Effect: EffectSend},
	{From: RemoteSent, Event: EvSendFailed, To: RemoteAwaitingConnection},
	{From: RemoteSent, Event: EvConfirmed, To: RemoteConfirmed},
	{From: RemoteSent, Event: EvRemoteRejected, To: RemoteRejected},
	{From: RemoteAwaitingConnection, Event: EvConfirmed, To: RemoteConfirmed},
	{From: RemoteAwaitingConnection, Event: EvRemoteRejected, To: RemoteRejected},
}

var nudgeTable = []remoteEdge{
	{From: RemoteAwaitingConnection, Event: EvConnected, To: RemoteSent, Effect: EffectSend},
	{From: RemoteSent, Event: EvSendFailed, To: RemoteAwaitingConnection},
	// Any answer acknowledges a nudge.
	{From: RemoteSent, Event: EvConfirmed, To: RemoteConfirmed},
	{From: RemoteSent, Event: EvRemoteRejected, To: RemoteRejected},
	{From: RemoteAwaitingConnection, Event: EvConfirmed, To: RemoteConfirmed},
	{From: RemoteAwaitingConnection, Event: EvRemoteRejected, To: RemoteRejected},
}

// StepPush returns the next remote state and effect of an optimistic push.
func StepPush(from RemoteState, ev RemoteEvent) (RemoteState, Effect) {
	return stepRemote(pushTable, from, ev)
}

// StepNudge returns the next send state and effect of a nudge. Unlike a
// push, a nudge that was sent is not re-sent on reconnect.
func StepNudge(from RemoteState, ev RemoteEvent) (RemoteState, Effect) {
	return stepRemote(nudgeTable, from, ev)
}

func stepRemote(table []remoteEdge, from RemoteState, ev RemoteEvent) (RemoteState, Effect) {
	for _, e := range table {
		if e.From == from && e.Event == ev {
			return e.To, e.Effect
		}
	}
	return from, EffectNone
}
