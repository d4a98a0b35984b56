package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/infiniteloophole/soractic-final/internal/models"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(s.Close)
	return s
}

func seedRoom(t *testing.T, s *SQLiteStore) uuid.UUID {
	t.Helper()
	roomID := uuid.New()
	_, err := s.db.Exec(`
		INSERT INTO rooms (id, name, rule_kind, rule_asset, rule_min, capacity)
		VALUES (?, 'symposium', 'token_amount_min', 'SOPHIA', 100, 20)
	`, roomID.String())
	if err != nil {
		t.Fatal(err)
	}
	return roomID
}

func testMsg(roomID uuid.UUID, seq uint64) *models.Message {
	return &models.Message{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		Author:    "alice",
		Sequence:  seq,
		Type:      models.MessageText,
		Payload:   json.RawMessage(`{"body":"hi"}`),
		CreatedAt: time.Now().UTC(),
	}
}

func TestGetRoom(t *testing.T) {
	s := newTestStore(t)
	roomID := seedRoom(t, s)

	room, err := s.GetRoom(context.Background(), roomID)
	if err != nil {
		t.Fatal(err)
	}
	if room.Name != "symposium" || room.Rule.Kind != models.RuleTokenAmountMin || room.Rule.Minimum != 100 {
		t.Fatalf("unexpected room: %+v", room)
	}
	if !room.Active {
		t.Fatal("new rooms default to active")
	}
}

func TestGetRoomNotFound(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.GetRoom(context.Background(), uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestUpdateRoomRule(t *testing.T) {
	s := newTestStore(t)
	roomID := seedRoom(t, s)

	rule := models.GatingRule{Kind: models.RuleNFTCollection, Asset: "dialogues"}
	if err := s.UpdateRoomRule(context.Background(), roomID, rule); err != nil {
		t.Fatal(err)
	}

	room, err := s.GetRoom(context.Background(), roomID)
	if err != nil {
		t.Fatal(err)
	}
	if room.Rule.Kind != models.RuleNFTCollection || room.Rule.Asset != "dialogues" {
		t.Fatalf("rule not updated: %+v", room.Rule)
	}

	if err := s.UpdateRoomRule(context.Background(), uuid.New(), rule); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestParticipantLifecycle(t *testing.T) {
	s := newTestStore(t)
	roomID := seedRoom(t, s)
	ctx := context.Background()

	if _, err := s.GetParticipant(ctx, roomID, "alice"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	p := &models.Participant{RoomID: roomID, Principal: "alice", Role: models.RoleMember, JoinedAt: time.Now().UTC()}
	if err := s.UpsertParticipant(ctx, p); err != nil {
		t.Fatal(err)
	}
	// Rejoin is a no-op, not an error.
	if err := s.UpsertParticipant(ctx, p); err != nil {
		t.Fatal(err)
	}

	got, err := s.GetParticipant(ctx, roomID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if got.Banned {
		t.Fatal("fresh participant must not be banned")
	}

	if err := s.SetBanned(ctx, roomID, "alice", true); err != nil {
		t.Fatal(err)
	}
	got, _ = s.GetParticipant(ctx, roomID, "alice")
	if !got.Banned {
		t.Fatal("expected banned participant")
	}

	if err := s.SetBanned(ctx, roomID, "nobody", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestAppendMessageSequenceConflict(t *testing.T) {
	s := newTestStore(t)
	roomID := seedRoom(t, s)
	ctx := context.Background()

	if err := s.AppendMessage(ctx, testMsg(roomID, 1)); err != nil {
		t.Fatal(err)
	}
	if err := s.AppendMessage(ctx, testMsg(roomID, 1)); !errors.Is(err, ErrSequenceConflict) {
		t.Fatalf("expected ErrSequenceConflict, got %v", err)
	}
	// The same sequence in another room is fine.
	otherRoom := seedRoom(t, s)
	if err := s.AppendMessage(ctx, testMsg(otherRoom, 1)); err != nil {
		t.Fatal(err)
	}
}

func TestReadSinceOrdering(t *testing.T) {
	s := newTestStore(t)
	roomID := seedRoom(t, s)
	ctx := context.Background()

	// Insert out of order; reads must come back in sequence order.
	for _, seq := range []uint64{3, 1, 5, 2, 4} {
		if err := s.AppendMessage(ctx, testMsg(roomID, seq)); err != nil {
			t.Fatal(err)
		}
	}

	msgs, err := s.ReadSince(ctx, roomID, 2, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 3 {
		t.Fatalf("expected 3 messages after sequence 2, got %d", len(msgs))
	}
	for i, want := range []uint64{3, 4, 5} {
		if msgs[i].Sequence != want {
			t.Fatalf("position %d: expected sequence %d, got %d", i, want, msgs[i].Sequence)
		}
		if msgs[i].RoomID != roomID {
			t.Fatalf("wrong room on message %d", i)
		}
	}

	limited, err := s.ReadSince(ctx, roomID, 0, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(limited) != 2 || limited[1].Sequence != 2 {
		t.Fatalf("limit not honored: %+v", limited)
	}
}

func TestUnpublishedBacklog(t *testing.T) {
	s := newTestStore(t)
	roomID := seedRoom(t, s)
	ctx := context.Background()

	m1 := testMsg(roomID, 1)
	m1.CreatedAt = time.Now().Add(-time.Minute).UTC()
	m2 := testMsg(roomID, 2)
	m2.CreatedAt = time.Now().Add(-time.Minute).UTC()
	for _, m := range []*models.Message{m1, m2} {
		if err := s.AppendMessage(ctx, m); err != nil {
			t.Fatal(err)
		}
	}

	backlog, err := s.ListUnpublished(ctx, time.Now().Add(-15*time.Second), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(backlog) != 2 {
		t.Fatalf("expected 2 unpublished messages, got %d", len(backlog))
	}

	if err := s.MarkPublished(ctx, m1.ID, time.Now().UTC()); err != nil {
		t.Fatal(err)
	}
	backlog, err = s.ListUnpublished(ctx, time.Now().Add(-15*time.Second), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(backlog) != 1 || backlog[0].ID != m2.ID {
		t.Fatalf("expected only the unmarked message, got %+v", backlog)
	}

	// Messages younger than the cutoff stay untouched; a publish may
	// still be in flight.
	fresh := testMsg(roomID, 3)
	if err := s.AppendMessage(ctx, fresh); err != nil {
		t.Fatal(err)
	}
	backlog, _ = s.ListUnpublished(ctx, time.Now().Add(-15*time.Second), 10)
	if len(backlog) != 1 {
		t.Fatalf("fresh message must not enter the backlog, got %d", len(backlog))
	}
}
