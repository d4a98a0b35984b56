package models

import (
	"time"

	"github.com/google/uuid"
)

// PresenceEntry is advisory, eventually-consistent liveness state for a
// (room, principal) pair. Entries auto-expire past the presence window.
type PresenceEntry struct {
	RoomID        uuid.UUID `json:"room_id"`
	Principal     string    `json:"principal"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Typing        bool      `json:"typing"`
}
