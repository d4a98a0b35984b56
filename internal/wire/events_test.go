package wire

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/infiniteloophole/soractic-final/internal/models"
)

func testMessage(t *testing.T, mtype models.MessageType, payload any) *models.Message {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatal(err)
	}
	return &models.Message{
		ID:        "01J0TESTULID00000000000000",
		RoomID:    uuid.New(),
		Author:    "alice",
		Sequence:  12,
		Type:      mtype,
		Payload:   raw,
		CreatedAt: time.Now().UTC(),
	}
}

func TestFromMessageTypeMapping(t *testing.T) {
	cases := []struct {
		mtype   models.MessageType
		payload any
		want    EventType
	}{
		{models.MessageText, ChatMessage{Body: "hi"}, EvNewMessage},
		{models.MessageDocShare, DocumentShare{DocumentID: "d", Title: "t"}, EvDocumentShared},
		{models.MessageHighlight, HighlightCreate{DocumentID: "d", Start: 0, End: 4}, EvHighlightCreated},
		{models.MessageReaction, ReactionAdd{Target: 3, Emoji: "🔥"}, EvReactionAdded},
		{models.MessageSystem, SystemPayload{Kind: SystemJoin, Principal: "alice"}, EvUserJoined},
		{models.MessageSystem, SystemPayload{Kind: SystemLeave, Principal: "alice"}, EvUserLeft},
	}

	for _, tc := range cases {
		ev := FromMessage(testMessage(t, tc.mtype, tc.payload))
		if ev.Type != tc.want {
			t.Fatalf("%s: expected event %s, got %s", tc.mtype, tc.want, ev.Type)
		}
	}
}

func TestFromMessageCarriesSequence(t *testing.T) {
	msg := testMessage(t, models.MessageText, ChatMessage{Body: "hi"})
	ev := FromMessage(msg)

	if ev.Sequence != msg.Sequence {
		t.Fatalf("expected sequence %d, got %d", msg.Sequence, ev.Sequence)
	}
	if ev.RoomID != msg.RoomID {
		t.Fatalf("expected room %s, got %s", msg.RoomID, ev.RoomID)
	}

	var body MessagePayload
	if err := json.Unmarshal(ev.Payload, &body); err != nil {
		t.Fatal(err)
	}
	if body.ID != msg.ID || body.Author != "alice" || body.Kind != string(models.MessageText) {
		t.Fatalf("unexpected payload: %+v", body)
	}
}

func TestAdvisoryHasZeroSequence(t *testing.T) {
	ev := Advisory(uuid.New(), EvTypingStatus, TypingPayload{Principal: "alice", Typing: true})
	if ev.Sequence != 0 {
		t.Fatalf("advisory events must carry sequence 0, got %d", ev.Sequence)
	}
	if ev.Timestamp == 0 {
		t.Fatal("advisory event missing timestamp")
	}
}

func TestErrorEvent(t *testing.T) {
	ev := ErrorEvent(uuid.New(), "rate_limited", "slow down")
	if ev.Type != EvError || ev.Sequence != 0 {
		t.Fatalf("unexpected error event: %+v", ev)
	}
	var p ErrorPayload
	if err := json.Unmarshal(ev.Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.Code != "rate_limited" || p.Detail != "slow down" {
		t.Fatalf("unexpected payload: %+v", p)
	}
}

func TestEncodeRoundTrip(t *testing.T) {
	ev := FromMessage(testMessage(t, models.MessageText, ChatMessage{Body: "hi"}))
	var decoded Event
	if err := json.Unmarshal(ev.Encode(), &decoded); err != nil {
		t.Fatal(err)
	}
	if decoded.Sequence != ev.Sequence || decoded.Type != ev.Type {
		t.Fatalf("round trip mismatch: %+v vs %+v", decoded, ev)
	}
}
