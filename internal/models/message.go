package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// MessageType classifies a persisted room message.
type MessageType string

const (
	MessageText      MessageType = "text"
	MessageDocShare  MessageType = "document_share"
	MessageHighlight MessageType = "highlight"
	MessageReaction  MessageType = "reaction"
	MessageSystem    MessageType = "system"
)

// Message is a persisted room event. The durable store is the source of
// truth; Sequence is assigned before the author is acknowledged and is
// never reused or reordered within a room.
type Message struct {
	ID          string          `json:"id"` // ULID
	RoomID      uuid.UUID       `json:"room_id"`
	Author      string          `json:"author"`
	Sequence    uint64          `json:"sequence"`
	Type        MessageType     `json:"type"`
	Payload     json.RawMessage `json:"payload"`
	CreatedAt   time.Time       `json:"created_at"`
	PublishedAt *time.Time      `json:"published_at,omitempty"`
}
