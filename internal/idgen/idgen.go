// Package idgen generates identifiers for transactions, jobs and audit rows.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"
)

// WithPrefix returns prefix + 32 hex chars of a UUIDv7, e.g. "txn_0192...".
// IDs from one process sort by creation time, which keeps the id tiebreak in
// (created_at, id) keyset pages in insertion order.
func WithPrefix(prefix string) string {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return prefix + strings.ReplaceAll(id.String(), "-", "")
}

// Hex generates a random hex string of the given byte length.
func Hex(numBytes int) string {
	b := make([]byte, numBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}
