package conn

import (
	"github.com/roach88/lofi/internal/wire"
)

// EventKind distinguishes connection events.
type EventKind uint8

const (
	// EventConnected: the handshake was sent and Sender is usable.
	EventConnected EventKind = iota + 1
	// EventDisconnected: the attempt ended. Code holds the close code, or 0
	// when the channel failed without one.
	EventDisconnected
	// EventMessage: a non-heartbeat frame arrived.
	EventMessage
	// EventUnstable: a pong is overdue.
	EventUnstable
	// EventStable: pongs arrive again after EventUnstable.
	EventStable
)

func (k EventKind) String() string {
	switch k {
	case EventConnected:
		return "connected"
	case EventDisconnected:
		return "disconnected"
	case EventMessage:
		return "message"
	case EventUnstable:
		return "unstable"
	case EventStable:
		return "stable"
	default:
		return "unknown"
	}
}

// Event is reported by the Manager. Every event carries the id of the
// attempt that produced it.
type Event struct {
	Attempt uint64
	Kind    EventKind
	Sender  wire.Sender
	Frame   []byte
	Code    int
	Err     error
}
