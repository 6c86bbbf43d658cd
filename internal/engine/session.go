package engine

import (
	"github.com/google/uuid"
)

// SessionIDGenerator generates the session id sent in the init handshake.
// Implemented by UUIDv7Generator (production) and testutil.FixedIDGenerator
// (tests).
type SessionIDGenerator interface {
	Generate() string
}

// UUIDv7Generator generates time-sortable UUIDv7 session ids.
//
// Thread-safety: UUIDv7Generator is stateless and safe for concurrent use.
type UUIDv7Generator struct{}

// Generate creates a new UUIDv7 and returns it as a hyphenated string.
// Panics if UUID generation fails (should never happen in practice).
func (UUIDv7Generator) Generate() string {
	return uuid.Must(uuid.NewV7()).String()
}
