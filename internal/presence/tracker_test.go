package presence

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/infiniteloophole/soractic-final/internal/wire"
)

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, string, wire.Event) error { return nil }

func newTestTracker(t *testing.T, typingTTL time.Duration) (*miniredis.Miniredis, *Tracker) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })
	return mr, NewTracker(rdb, nopPublisher{}, 30*time.Second, typingTTL, zerolog.Nop())
}

func TestIsExpired(t *testing.T) {
	now := time.Now()
	window := 30 * time.Second

	cases := []struct {
		name string
		last time.Time
		want bool
	}{
		{"fresh heartbeat", now.Add(-time.Second), false},
		{"exactly on the window", now.Add(-window), false},
		{"just past the window", now.Add(-window - time.Millisecond), true},
		{"long dead", now.Add(-time.Hour), true},
		{"clock skew into the future", now.Add(5 * time.Second), false},
	}
	for _, tc := range cases {
		if got := IsExpired(tc.last, now, window); got != tc.want {
			t.Errorf("%s: IsExpired = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestKeyNamespaces(t *testing.T) {
	roomID := uuid.New()
	pk := presenceKey(roomID)
	tk := typingKey(roomID)
	ck := departureClaimKey(roomID, "alice")
	if pk == tk || pk == ck || tk == ck {
		t.Fatalf("key namespaces collide: %s / %s / %s", pk, tk, ck)
	}
}

func TestTypingSnapshotTracksFlags(t *testing.T) {
	_, tr := newTestTracker(t, 5*time.Second)
	ctx := context.Background()
	roomID := uuid.New()

	if err := tr.SetTyping(ctx, roomID, "alice", true); err != nil {
		t.Fatal(err)
	}
	if err := tr.SetTyping(ctx, roomID, "bob", true); err != nil {
		t.Fatal(err)
	}
	if err := tr.SetTyping(ctx, roomID, "bob", false); err != nil {
		t.Fatal(err)
	}

	typers, err := tr.TypingSnapshot(ctx, roomID)
	if err != nil {
		t.Fatal(err)
	}
	if len(typers) != 1 || typers[0] != "alice" {
		t.Fatalf("expected [alice], got %v", typers)
	}
}

func TestTypingFlagLapses(t *testing.T) {
	_, tr := newTestTracker(t, 50*time.Millisecond)
	ctx := context.Background()
	roomID := uuid.New()

	if err := tr.SetTyping(ctx, roomID, "alice", true); err != nil {
		t.Fatal(err)
	}
	time.Sleep(60 * time.Millisecond)

	typers, err := tr.TypingSnapshot(ctx, roomID)
	if err != nil {
		t.Fatal(err)
	}
	if len(typers) != 0 {
		t.Fatalf("flag outlived its TTL: %v", typers)
	}
}

func TestRemoveClearsTypingAndClaimsDeparture(t *testing.T) {
	_, tr := newTestTracker(t, 5*time.Second)
	ctx := context.Background()
	roomID := uuid.New()

	if err := tr.Heartbeat(ctx, roomID, "alice"); err != nil {
		t.Fatal(err)
	}
	if err := tr.SetTyping(ctx, roomID, "alice", true); err != nil {
		t.Fatal(err)
	}

	claimed, err := tr.Remove(ctx, roomID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !claimed {
		t.Fatal("first remove must win the departure claim")
	}

	typers, err := tr.TypingSnapshot(ctx, roomID)
	if err != nil {
		t.Fatal(err)
	}
	if len(typers) != 0 {
		t.Fatalf("typing flag survived the remove: %v", typers)
	}

	// The claim is taken; a racing reaper must not announce again.
	again, err := tr.ClaimDeparture(ctx, roomID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if again {
		t.Fatal("departure claimed twice for one absence")
	}

	// A fresh heartbeat reopens the claim for the next death.
	if err := tr.Heartbeat(ctx, roomID, "alice"); err != nil {
		t.Fatal(err)
	}
	reopened, err := tr.ClaimDeparture(ctx, roomID, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !reopened {
		t.Fatal("heartbeat must reopen the departure claim")
	}
}

func TestReapAnnouncesSilentDeathOnce(t *testing.T) {
	mr, tr := newTestTracker(t, 5*time.Second)
	ctx := context.Background()
	roomID := uuid.New()

	var departed []string
	tr.OnDeparture = func(_ context.Context, _ uuid.UUID, principal string) {
		departed = append(departed, principal)
	}

	// Backdate the heartbeat past the window.
	stale := float64(time.Now().Add(-time.Minute).UnixMilli())
	if err := tr.client.ZAdd(ctx, presenceKey(roomID), redis.Z{Score: stale, Member: "ghost"}).Err(); err != nil {
		t.Fatal(err)
	}
	if err := tr.client.SAdd(ctx, roomsKey, roomID.String()).Err(); err != nil {
		t.Fatal(err)
	}

	tr.reap(ctx)
	tr.reap(ctx)

	if len(departed) != 1 || departed[0] != "ghost" {
		t.Fatalf("expected one departure for ghost, got %v", departed)
	}
	if mr.Exists(presenceKey(roomID)) {
		t.Fatal("reaped entry still present")
	}
}
