// Package wire defines the WebSocket protocol spoken between clients
// and the gateway: a closed set of inbound payload variants and the
// outbound event envelope. All routing decisions dispatch on the typed
// variants produced here, never on raw JSON.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"
)

// MaxBodyBytes caps the size of any client-supplied text field.
const MaxBodyBytes = 4096

// ErrMalformed is returned for any inbound frame that fails schema
// validation. Malformed frames are rejected with no state change.
var ErrMalformed = errors.New("malformed message")

// InboundType enumerates the client-to-gateway message kinds.
type InboundType string

const (
	InChatMessage     InboundType = "chat_message"
	InTypingStart     InboundType = "typing_start"
	InTypingStop      InboundType = "typing_stop"
	InDocumentShare   InboundType = "document_share"
	InHighlightCreate InboundType = "highlight_create"
	InReactionAdd     InboundType = "reaction_add"
	InSocraticQuery   InboundType = "socratic_query"
	InHeartbeat       InboundType = "heartbeat"
	InLeave           InboundType = "leave"
)

// Inbound is the envelope every client frame arrives in. ClientRef is
// an optional client-chosen correlation id echoed back in acks.
type Inbound struct {
	Type      InboundType     `json:"type"`
	ClientRef string          `json:"ref,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// ChatMessage carries room chat text.
type ChatMessage struct {
	Body string `json:"body"`
}

// DocumentShare announces a document made available to the room.
type DocumentShare struct {
	DocumentID string `json:"document_id"`
	Title      string `json:"title"`
	URI        string `json:"uri,omitempty"`
}

// HighlightCreate marks a passage in a shared document.
type HighlightCreate struct {
	DocumentID string `json:"document_id"`
	Start      int    `json:"start"`
	End        int    `json:"end"`
	Quote      string `json:"quote,omitempty"`
	Note       string `json:"note,omitempty"`
}

// ReactionAdd attaches a reaction to an already-sequenced message.
type ReactionAdd struct {
	Target uint64 `json:"target"` // sequence number of the message reacted to
	Emoji  string `json:"emoji"`
}

// SocraticQuery is forwarded opaquely to the AI-query service; the
// gateway validates only the envelope, never the question.
type SocraticQuery struct {
	Query   string   `json:"query"`
	Context []string `json:"context,omitempty"` // document ids, opaque to the gateway
}

// Heartbeat keeps the sender's presence entry alive.
type Heartbeat struct{}

// Decode validates the envelope and returns the typed payload for its
// kind. Unknown types and schema violations return ErrMalformed.
func (in *Inbound) Decode() (any, error) {
	switch in.Type {
	case InChatMessage:
		var p ChatMessage
		if err := unmarshalPayload(in.Payload, &p); err != nil {
			return nil, err
		}
		if err := validText(p.Body, false); err != nil {
			return nil, err
		}
		return p, nil

	case InTypingStart, InTypingStop, InHeartbeat, InLeave:
		// No payload expected; tolerate an empty object.
		return Heartbeat{}, nil

	case InDocumentShare:
		var p DocumentShare
		if err := unmarshalPayload(in.Payload, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.DocumentID) == "" || strings.TrimSpace(p.Title) == "" {
			return nil, fmt.Errorf("%w: document_share requires document_id and title", ErrMalformed)
		}
		if err := validText(p.Title, false); err != nil {
			return nil, err
		}
		return p, nil

	case InHighlightCreate:
		var p HighlightCreate
		if err := unmarshalPayload(in.Payload, &p); err != nil {
			return nil, err
		}
		if strings.TrimSpace(p.DocumentID) == "" || p.Start < 0 || p.End < p.Start {
			return nil, fmt.Errorf("%w: highlight range invalid", ErrMalformed)
		}
		if err := validText(p.Quote, true); err != nil {
			return nil, err
		}
		return p, nil

	case InReactionAdd:
		var p ReactionAdd
		if err := unmarshalPayload(in.Payload, &p); err != nil {
			return nil, err
		}
		if p.Target == 0 || p.Emoji == "" || utf8.RuneCountInString(p.Emoji) > 8 {
			return nil, fmt.Errorf("%w: reaction requires target and emoji", ErrMalformed)
		}
		return p, nil

	case InSocraticQuery:
		var p SocraticQuery
		if err := unmarshalPayload(in.Payload, &p); err != nil {
			return nil, err
		}
		if err := validText(p.Query, false); err != nil {
			return nil, err
		}
		return p, nil

	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformed, in.Type)
	}
}

func unmarshalPayload(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return fmt.Errorf("%w: missing payload", ErrMalformed)
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return nil
}

func validText(s string, allowEmpty bool) error {
	if !allowEmpty && strings.TrimSpace(s) == "" {
		return fmt.Errorf("%w: empty body", ErrMalformed)
	}
	if len(s) > MaxBodyBytes {
		return fmt.Errorf("%w: body exceeds %d bytes", ErrMalformed, MaxBodyBytes)
	}
	if !utf8.ValidString(s) {
		return fmt.Errorf("%w: body is not valid UTF-8", ErrMalformed)
	}
	return nil
}
