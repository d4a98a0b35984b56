package models

import (
	"time"

	"github.com/google/uuid"
)

// RuleKind identifies how a room gates membership.
type RuleKind string

const (
	RuleOpen           RuleKind = "open"
	RuleTokenAmountMin RuleKind = "token_amount_min"
	RuleNFTCollection  RuleKind = "nft_collection"
)

// GatingRule is a room-level predicate over asset ownership.
// Asset is the backing token or collection identifier; Minimum is the
// required fungible balance and is ignored for nft_collection rules.
type GatingRule struct {
	Kind    RuleKind `json:"kind"`
	Asset   string   `json:"asset,omitempty"`
	Minimum uint64   `json:"minimum,omitempty"`
}

// Room represents a gated chat room. Rooms are owned by the room
// administration service; the gateway reads them, and writes only via
// the moderation endpoints.
type Room struct {
	ID        uuid.UUID  `json:"id"`
	Name      string     `json:"name"`
	Rule      GatingRule `json:"rule"`
	Capacity  int        `json:"capacity"`
	Active    bool       `json:"active"`
	CreatedBy string     `json:"created_by,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Role is a participant's role within a room.
type Role string

const (
	RoleOwner     Role = "owner"
	RoleModerator Role = "moderator"
	RoleMember    Role = "member"
)

// Participant is a (room, principal) membership record.
type Participant struct {
	RoomID    uuid.UUID `json:"room_id"`
	Principal string    `json:"principal"`
	Role      Role      `json:"role"`
	Banned    bool      `json:"banned"`
	JoinedAt  time.Time `json:"joined_at"`
}
