package wire

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/infiniteloophole/soractic-final/internal/models"
)

// EventType enumerates the gateway-to-client event kinds.
type EventType string

const (
	EvNewMessage        EventType = "new_message"
	EvUserJoined        EventType = "user_joined"
	EvUserLeft          EventType = "user_left"
	EvTypingStatus      EventType = "typing_status"
	EvDocumentShared    EventType = "document_shared"
	EvHighlightCreated  EventType = "highlight_created"
	EvReactionAdded     EventType = "reaction_added"
	EvAchievementEarned EventType = "achievement_earned"
	EvSocraticResponse  EventType = "socratic_response"
	EvError             EventType = "error"
	EvAck               EventType = "ack"
)

// Event is the outbound envelope. Sequence is zero for advisory events
// (typing, errors, socratic responses) that live outside the per-room
// ordered stream.
type Event struct {
	RoomID    uuid.UUID       `json:"room_id"`
	Sequence  uint64          `json:"sequence"`
	Type      EventType       `json:"type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp int64           `json:"ts"` // unix ms
}

// MessagePayload is the body of a new_message event.
type MessagePayload struct {
	ID      string          `json:"id"`
	Author  string          `json:"author"`
	Kind    string          `json:"kind"`
	Content json.RawMessage `json:"content"`
}

// MembershipPayload is the body of user_joined / user_left events.
type MembershipPayload struct {
	Principal string `json:"principal"`
}

// TypingPayload is the body of a typing_status event.
type TypingPayload struct {
	Principal string `json:"principal"`
	Typing    bool   `json:"typing"`
}

// AckPayload confirms (or refuses) an inbound frame. Sequence is the
// number assigned to the accepted message, zero when Delivered is false.
type AckPayload struct {
	Ref       string `json:"ref,omitempty"`
	Delivered bool   `json:"delivered"`
	Sequence  uint64 `json:"sequence,omitempty"`
	Error     string `json:"error,omitempty"`
}

// ErrorPayload is the body of an error event.
type ErrorPayload struct {
	Code       string `json:"code"`
	Detail     string `json:"detail,omitempty"`
	RetryAfter int    `json:"retry_after_ms,omitempty"`
}

// SocraticPayload is the body of a socratic_response event. The answer
// is relayed verbatim from the AI-query service.
type SocraticPayload struct {
	Principal string `json:"principal"`
	Query     string `json:"query"`
	Answer    string `json:"answer"`
}

// FromMessage translates a persisted message into its wire event. The
// mapping from storage type to event type is total; system messages map
// to membership events by payload kind.
func FromMessage(msg *models.Message) Event {
	evType := EvNewMessage
	switch msg.Type {
	case models.MessageDocShare:
		evType = EvDocumentShared
	case models.MessageHighlight:
		evType = EvHighlightCreated
	case models.MessageReaction:
		evType = EvReactionAdded
	case models.MessageSystem:
		evType = systemEventType(msg.Payload)
	}

	body, _ := json.Marshal(MessagePayload{
		ID:      msg.ID,
		Author:  msg.Author,
		Kind:    string(msg.Type),
		Content: msg.Payload,
	})
	return Event{
		RoomID:    msg.RoomID,
		Sequence:  msg.Sequence,
		Type:      evType,
		Payload:   body,
		Timestamp: msg.CreatedAt.UnixMilli(),
	}
}

// SystemKind tags the payload of persisted system messages.
type SystemKind string

const (
	SystemJoin  SystemKind = "join"
	SystemLeave SystemKind = "leave"
)

// SystemPayload is the stored payload of membership system messages.
type SystemPayload struct {
	Kind      SystemKind `json:"kind"`
	Principal string     `json:"principal"`
}

func systemEventType(raw json.RawMessage) EventType {
	var p SystemPayload
	if err := json.Unmarshal(raw, &p); err == nil && p.Kind == SystemLeave {
		return EvUserLeft
	}
	return EvUserJoined
}

// Advisory builds a sequence-zero event outside the ordered stream.
func Advisory(roomID uuid.UUID, t EventType, payload any) Event {
	body, _ := json.Marshal(payload)
	return Event{
		RoomID:    roomID,
		Type:      t,
		Payload:   body,
		Timestamp: time.Now().UnixMilli(),
	}
}

// ErrorEvent builds an advisory error event for a room connection.
func ErrorEvent(roomID uuid.UUID, code, detail string) Event {
	return Advisory(roomID, EvError, ErrorPayload{Code: code, Detail: detail})
}

// Encode marshals the event for transport. Events are small; an
// encoding failure here is a programming error and yields an empty
// frame rather than a panic in the delivery path.
func (e Event) Encode() []byte {
	b, err := json.Marshal(e)
	if err != nil {
		return []byte("{}")
	}
	return b
}
