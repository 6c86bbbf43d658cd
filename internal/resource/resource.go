// Package resource holds the resource bundle: the connection and storage
// status snapshot the coordinator shares with every live runner.
//
// Records are copy-on-write. The coordinator replaces a whole record when a
// status changes and never mutates one in place, so runners detect a change
// by comparing record pointers.
package resource

import (
	"github.com/roach88/lofi/internal/store"
	"github.com/roach88/lofi/internal/wire"
)

// WSStatus is the status of the wire channel.
type WSStatus uint8

const (
	WSDisconnected WSStatus = iota
	WSConnected
)

func (s WSStatus) String() string {
	switch s {
	case WSDisconnected:
		return "disconnected"
	case WSConnected:
		return "connected"
	default:
		return "unknown"
	}
}

// DBStatus is the status of the embedded database.
type DBStatus uint8

const (
	DBDisconnected DBStatus = iota
	DBConnectedAndMigrated
	// DBNeverConnecting is terminal for the session.
	DBNeverConnecting
)

func (s DBStatus) String() string {
	switch s {
	case DBDisconnected:
		return "disconnected"
	case DBConnectedAndMigrated:
		return "connected_and_migrated"
	case DBNeverConnecting:
		return "never_connecting"
	default:
		return "unknown"
	}
}

// WS is a wire channel record. Sender is non-nil exactly when Status is
// WSConnected.
type WS struct {
	Status WSStatus
	Sender wire.Sender
}

// DB is a storage record. DB is non-nil exactly when Status is
// DBConnectedAndMigrated.
type DB struct {
	Status DBStatus
	DB     *store.DB
}

// Connected returns a new connected channel record.
// Panics when s is nil.
func Connected(s wire.Sender) *WS {
	if s == nil {
		panic("resource: connected channel record without a sender")
	}
	return &WS{Status: WSConnected, Sender: s}
}

// Disconnected returns a new disconnected channel record.
func Disconnected() *WS {
	return &WS{Status: WSDisconnected}
}

// Ready returns a new connected-and-migrated storage record.
// Panics when db is nil.
func Ready(db *store.DB) *DB {
	if db == nil {
		panic("resource: ready storage record without a database")
	}
	return &DB{Status: DBConnectedAndMigrated, DB: db}
}

// Pending returns a new storage record for a database that has not resolved.
func Pending() *DB {
	return &DB{Status: DBDisconnected}
}

// NeverConnecting returns a new terminal storage record.
func NeverConnecting() *DB {
	return &DB{Status: DBNeverConnecting}
}

// Bundle is the resource snapshot. Bundles are passed by value; the records
// they point to are immutable once published.
type Bundle struct {
	WS *WS
	DB *DB
}

// Initial returns the bundle a session starts with: both resources
// disconnected.
func Initial() Bundle {
	return Bundle{WS: Disconnected(), DB: Pending()}
}

// Merge returns a copy of b with the non-nil records of partial applied.
func (b Bundle) Merge(partial Bundle) Bundle {
	if partial.WS != nil {
		b.WS = partial.WS
	}
	if partial.DB != nil {
		b.DB = partial.DB
	}
	return b
}

// Connected reports whether the wire channel is usable.
func (b Bundle) Connected() bool {
	return b.WS != nil && b.WS.Status == WSConnected
}

// StorageStatus returns the storage status, treating a missing record as
// disconnected.
func (b Bundle) StorageStatus() DBStatus {
	if b.DB == nil {
		return DBDisconnected
	}
	return b.DB.Status
}
