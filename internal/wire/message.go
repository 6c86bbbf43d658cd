// Package wire defines the messages exchanged between a client and the
// authority, the codec that frames them, and protocol version compatibility.
package wire

import (
	"github.com/roach88/lofi/internal/ir"
)

// Type is the discriminator carried in every frame's "type" field.
type Type string

const (
	TypeInit       Type = "init"
	TypeTransition Type = "transition"
	TypePing       Type = "ping"
	TypePong       Type = "pong"
	TypeResolve    Type = "resolve"
	TypeReject     Type = "reject"
	TypePatch      Type = "patch"
)

// Close codes used by the client and the authority.
const (
	// CloseHeartbeatTimeout is sent by the client after too many missed pongs.
	CloseHeartbeatTimeout = 4000

	// CloseIncompatible is sent by the authority when the client's protocol
	// version is not compatible. Clients must not reconnect after it.
	CloseIncompatible = 4001
)

// Message is a sealed interface over the wire messages.
type Message interface {
	MessageType() Type
}

// Sender delivers messages over a live channel.
type Sender interface {
	Send(Message) error
}

// Init is the client handshake, sent once per connection.
type Init struct {
	Version string `json:"version"`
	Session string `json:"session,omitempty"`
}

// Transition carries a transition addressed by its runner id.
type Transition struct {
	ID     uint64      `json:"id"`
	Action string      `json:"action"`
	Impact string      `json:"impact"`
	Data   ir.IRObject `json:"data,omitempty"`
}

// Ping is a client heartbeat.
type Ping struct{}

// Pong answers a Ping.
type Pong struct{}

// Resolve confirms the transition with the given runner id.
type Resolve struct {
	ID uint64 `json:"id"`
}

// Reject refuses the transition with the given runner id.
type Reject struct {
	ID     uint64 `json:"id"`
	Reason string `json:"reason,omitempty"`
}

// Patch carries authoritative transformations for hosts to apply.
type Patch struct {
	Transformations []ir.Transformation `json:"transformations"`
}

func (Init) MessageType() Type       { return TypeInit }
func (Transition) MessageType() Type { return TypeTransition }
func (Ping) MessageType() Type       { return TypePing }
func (Pong) MessageType() Type       { return TypePong }
func (Resolve) MessageType() Type    { return TypeResolve }
func (Reject) MessageType() Type     { return TypeReject }
func (Patch) MessageType() Type      { return TypePatch }
