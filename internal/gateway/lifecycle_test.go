package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/infiniteloophole/soractic-final/internal/broker"
	"github.com/infiniteloophole/soractic-final/internal/models"
	"github.com/infiniteloophole/soractic-final/internal/presence"
	"github.com/infiniteloophole/soractic-final/internal/wire"
)

type lifecycleFixture struct {
	mr      *miniredis.Miniredis
	hub     *Hub
	tracker *presence.Tracker
	app     *fakeAppender
	room    *models.Room
}

func newLifecycleFixture(t *testing.T) *lifecycleFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	bus := broker.New(rdb, zerolog.Nop())
	tracker := presence.NewTracker(rdb, bus, time.Minute, 5*time.Second, zerolog.Nop())

	app := &fakeAppender{}
	pipeline := newTestPipeline(app, &fakeSeq{}, &fakePublisher{})

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	hub := NewHub(ctx, nil, nil, pipeline, bus, tracker, nil, nil, nil, 100, zerolog.Nop())

	return &lifecycleFixture{
		mr:      mr,
		hub:     hub,
		tracker: tracker,
		app:     app,
		room:    &models.Room{ID: uuid.New(), Name: "agora", Active: true},
	}
}

// dialConn builds a Conn over a real socket so close frames have
// somewhere to go.
func dialConn(t *testing.T, hub *Hub, principal string, room *models.Room) *Conn {
	t.Helper()
	serverSide := make(chan *websocket.Conn, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		up := websocket.Upgrader{}
		ws, err := up.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade failed: %v", err)
			return
		}
		serverSide <- ws
	}))
	t.Cleanup(srv.Close)

	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { client.Close() })

	return newConn(hub, <-serverSide, principal, room, zerolog.Nop())
}

func waitForState(t *testing.T, c *Conn, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.State() == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("connection stuck in %s waiting for %s", c.State(), want)
}

func waitForUnregistered(t *testing.T, h *Hub, roomID uuid.UUID, connID string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		h.mu.RLock()
		rs := h.rooms[roomID]
		gone := rs == nil
		if !gone {
			_, still := rs.conns[connID]
			gone = !still
		}
		h.mu.RUnlock()
		if gone {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("connection never left the registry")
}

// A handshake refused before admission ran no membership bookkeeping,
// so its teardown must not retract any: no departure claim, no
// persisted user_left.
func TestCloseBeforeJoinLeavesNoTrace(t *testing.T) {
	f := newLifecycleFixture(t)

	c := newConn(f.hub, nil, "denied-principal", f.room, zerolog.Nop())
	c.setState(StateAuthorizing)

	f.hub.onClosed(c)

	if len(f.app.appended) != 0 {
		t.Fatalf("refused handshake persisted %d messages", len(f.app.appended))
	}
	if f.mr.Exists("presence:left:" + f.room.ID.String() + ":denied-principal") {
		t.Fatal("refused handshake took a departure claim")
	}
}

func TestCloseAfterJoinAnnouncesDeparture(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()

	if err := f.tracker.Heartbeat(ctx, f.room.ID, "alice"); err != nil {
		t.Fatal(err)
	}
	c := newConn(f.hub, nil, "alice", f.room, zerolog.Nop())
	c.joined.Store(true)

	f.hub.onClosed(c)

	if len(f.app.appended) != 1 {
		t.Fatalf("expected one departure message, got %d", len(f.app.appended))
	}
	var p wire.SystemPayload
	if err := json.Unmarshal(f.app.appended[0].Payload, &p); err != nil {
		t.Fatal(err)
	}
	if p.Kind != wire.SystemLeave || p.Principal != "alice" {
		t.Fatalf("unexpected payload: %+v", p)
	}
	present, err := f.tracker.Snapshot(ctx, f.room.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(present) != 0 {
		t.Fatalf("presence entry survived the close: %v", present)
	}
}

// A second session for the same principal supersedes the first. The
// principal never left the room, so the handover must not announce a
// departure or drop their presence entry.
func TestReplacedSessionKeepsMembership(t *testing.T) {
	f := newLifecycleFixture(t)
	ctx := context.Background()

	if err := f.tracker.Heartbeat(ctx, f.room.ID, "alice"); err != nil {
		t.Fatal(err)
	}

	prev := dialConn(t, f.hub, "alice", f.room)
	prev.joined.Store(true)
	f.hub.register(prev)

	next := newConn(f.hub, nil, "alice", f.room, zerolog.Nop())
	next.joined.Store(true)
	f.hub.register(next)

	waitForState(t, prev, StateClosed)
	if code := int(prev.closeCode.Load()); code != CloseReplaced {
		t.Fatalf("expected close code %d, got %d", CloseReplaced, code)
	}
	waitForUnregistered(t, f.hub, f.room.ID, prev.ID)

	if f.mr.Exists("presence:left:" + f.room.ID.String() + ":alice") {
		t.Fatal("superseded session took a departure claim")
	}
	if len(f.app.appended) != 0 {
		t.Fatal("superseded session announced a departure")
	}
	present, err := f.tracker.Snapshot(ctx, f.room.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(present) != 1 || present[0] != "alice" {
		t.Fatalf("principal lost presence across the handover: %v", present)
	}

	f.hub.mu.RLock()
	_, stillThere := f.hub.rooms[f.room.ID].conns[next.ID]
	f.hub.mu.RUnlock()
	if !stillThere {
		t.Fatal("replacement session missing from the registry")
	}
}

// Registration and the notice loop run on different goroutines from
// the first accepted connection onward; the race detector owns the
// assertions here.
func TestRegisterConcurrentWithNoticeLoop(t *testing.T) {
	f := newLifecycleFixture(t)
	go f.hub.Run()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			c := newConn(f.hub, nil, fmt.Sprintf("p%d", n), f.room, zerolog.Nop())
			f.hub.register(c)
			f.hub.onClosed(c)
		}(i)
	}
	wg.Wait()
}
