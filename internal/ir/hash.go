package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Domain prefixes for content-addressed identity.
// The version suffix leaves room for a future algorithm change.
const (
	DomainMigration = "lofi/migration/v1"
	DomainSnapshot  = "lofi/snapshot/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

// MigrationHash computes the content hash recorded for an applied migration.
func MigrationHash(body string) string {
	return hashWithDomain(DomainMigration, []byte(body))
}

// SnapshotHash computes a content hash of a model snapshot. Two snapshots
// that are structurally equal hash identically regardless of key order.
func SnapshotHash(snapshot IRObject) (string, error) {
	canonical, err := MarshalCanonical(snapshot)
	if err != nil {
		return "", fmt.Errorf("SnapshotHash: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainSnapshot, canonical), nil
}
