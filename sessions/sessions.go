// Package sessions manages durable session records: creation, activity
// tracking, expiry extension, and cleanup over a storage.SessionStore
// backend.
//
// A session's durable record is shared across processes through the store;
// its live transport binding is process-local and handled separately by the
// transport package. The backend's physical TTL is the single expiry
// authority; the record's logical expiry field is informational metadata
// updated alongside TTL extensions, never consulted on the read path.
package sessions

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a session's durable record is absent.
var ErrNotFound = errors.New("sessions: session not found")

// ErrCorruptData is returned when a session record exists but cannot be
// decoded.
var ErrCorruptData = errors.New("sessions: corrupt session data")

// ErrNoCredential is returned when a session has no stored external
// credential.
var ErrNoCredential = errors.New("sessions: no external credential")

// NewID returns a fresh 128-bit session identifier as 32 lowercase hex
// characters.
func NewID() string {
	id := uuid.New()
	return hex.EncodeToString(id[:])
}

// ValidateID checks that an identifier has the shape produced by NewID.
// Rejecting malformed identifiers up front keeps attacker-controlled header
// values out of store keys and log lines.
func ValidateID(id string) error {
	if len(id) != 32 {
		return fmt.Errorf("session id must be 32 hex characters, got %d", len(id))
	}
	if _, err := hex.DecodeString(id); err != nil {
		return fmt.Errorf("session id is not valid hex: %w", err)
	}
	return nil
}
