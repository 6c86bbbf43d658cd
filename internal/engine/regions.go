package engine

import (
	"github.com/roach88/lofi/internal/conn"
	"github.com/roach88/lofi/internal/metrics"
	"github.com/roach88/lofi/internal/resource"
)

// InitState is the init region.
type InitState uint8

const (
	InitIncomplete InitState = iota
	InitComplete
)

func (s InitState) String() string {
	if s == InitComplete {
		return "complete"
	}
	return "incomplete"
}

// ConnState is the connection region. Connected has two nested states that
// follow heartbeat health.
type ConnState uint8

const (
	ConnDisconnected ConnState = iota
	ConnStable
	ConnUnstable
)

func (s ConnState) String() string {
	switch s {
	case ConnStable:
		return "connected.stable"
	case ConnUnstable:
		return "connected.unstable"
	default:
		return "disconnected"
	}
}

// Connected reports whether s is either connected state.
func (s ConnState) Connected() bool {
	return s == ConnStable || s == ConnUnstable
}

// StorageState is the storage region. Both resolved states are terminal.
type StorageState uint8

const (
	StorageDisconnected StorageState = iota
	StorageConnected
	StorageNeverConnecting
)

func (s StorageState) String() string {
	switch s {
	case StorageConnected:
		return "connected"
	case StorageNeverConnecting:
		return "will_never_connect"
	default:
		return "disconnected"
	}
}

// Regions is the coordinator's parallel state.
type Regions struct {
	Init       InitState
	Connection ConnState
	Storage    StorageState
}

// StepConnection returns the connection region after a connection event.
// Message events never change the region.
func StepConnection(s ConnState, kind conn.EventKind) ConnState {
	switch kind {
	case conn.EventConnected:
		return ConnStable
	case conn.EventDisconnected:
		return ConnDisconnected
	case conn.EventUnstable:
		if s.Connected() {
			return ConnUnstable
		}
	case conn.EventStable:
		if s.Connected() {
			return ConnStable
		}
	}
	return s
}

func (s ConnState) gauge() int {
	switch s {
	case ConnStable:
		return metrics.ConnStable
	case ConnUnstable:
		return metrics.ConnUnstable
	default:
		return metrics.ConnDisconnected
	}
}

func storageState(status resource.DBStatus) StorageState {
	switch status {
	case resource.DBConnectedAndMigrated:
		return StorageConnected
	case resource.DBNeverConnecting:
		return StorageNeverConnecting
	default:
		return StorageDisconnected
	}
}
