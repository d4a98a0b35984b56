package models

import (
	"time"

	"github.com/google/uuid"
)

// Holding is a chain-verifier snapshot of a principal's position in the
// asset backing a room's gating rule.
type Holding struct {
	Amount         uint64    `json:"amount"`
	OwnsCollection bool      `json:"owns_collection"`
	SnapshotAt     time.Time `json:"snapshot_at"`
}

// AccessGrant is a cached, time-bounded authorization verdict for a
// (principal, room) pair. Grants are idempotent snapshots; concurrent
// writers resolve by last-writer-wins on VerifiedAt.
type AccessGrant struct {
	RoomID     uuid.UUID `json:"room_id"`
	Principal  string    `json:"principal"`
	Allow      bool      `json:"allow"`
	Reason     string    `json:"reason,omitempty"`
	Holding    Holding   `json:"holding"`
	VerifiedAt time.Time `json:"verified_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

// Expired reports whether the grant is past its expiry. An expired
// grant must never be trusted, even if still cached.
func (g *AccessGrant) Expired(now time.Time) bool {
	return !now.Before(g.ExpiresAt)
}
