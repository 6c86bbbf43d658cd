package transition

import (
	"fmt"

	"github.com/roach88/lofi/internal/ir"
)

// Impact selects the lifecycle a transition follows. It is fixed per action.
type Impact uint8

const (
	// LocalOnly applies local effects and never touches the wire.
	LocalOnly Impact = iota
	// OptimisticPush applies local effects speculatively and reverts them if
	// the authority rejects the transition.
	OptimisticPush
	// WsOnlyNudge informs the authority and completes on acknowledgement.
	WsOnlyNudge
	// UnreliableWsOnlyNudge informs the authority and completes on send.
	UnreliableWsOnlyNudge
)

var impactNames = map[Impact]string{
	LocalOnly:             "local_only",
	OptimisticPush:        "optimistic_push",
	WsOnlyNudge:           "ws_only_nudge",
	UnreliableWsOnlyNudge: "unreliable_ws_only_nudge",
}

// Impacts lists every impact class in declaration order.
var Impacts = []Impact{LocalOnly, OptimisticPush, WsOnlyNudge, UnreliableWsOnlyNudge}

func (i Impact) String() string {
	if name, ok := impactNames[i]; ok {
		return name
	}
	return fmt.Sprintf("impact(%d)", uint8(i))
}

// ParseImpact parses the String form of an impact.
func ParseImpact(s string) (Impact, error) {
	for impact, name := range impactNames {
		if name == s {
			return impact, nil
		}
	}
	return 0, fmt.Errorf("unknown impact %q", s)
}

// MarshalText implements encoding.TextMarshaler.
func (i Impact) MarshalText() ([]byte, error) {
	if _, ok := impactNames[i]; !ok {
		return nil, fmt.Errorf("unknown impact %d", uint8(i))
	}
	return []byte(i.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (i *Impact) UnmarshalText(text []byte) error {
	parsed, err := ParseImpact(string(text))
	if err != nil {
		return err
	}
	*i = parsed
	return nil
}

// Transition is an application request to change state. It is consumed by
// exactly one runner and never persisted.
type Transition struct {
	Action string
	Impact Impact
	Data   ir.IRObject
}
