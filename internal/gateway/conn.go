package gateway

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/infiniteloophole/soractic-final/internal/metrics"
	"github.com/infiniteloophole/soractic-final/internal/models"
	"github.com/infiniteloophole/soractic-final/internal/wire"
)

const (
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
	sendBuffer    = 256
	maxFrameBytes = 8192
)

// State is the connection lifecycle position. Transitions only move
// forward; Closed is terminal.
type State int32

const (
	StateConnecting State = iota
	StateAuthorizing
	StateJoined
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateAuthorizing:
		return "authorizing"
	case StateJoined:
		return "joined"
	case StateClosing:
		return "closing"
	default:
		return "closed"
	}
}

// Conn owns one client socket. It is gateway-local and never shared
// across instances: inbound frames are processed by its read loop,
// outbound events ordered and written by its write loop.
type Conn struct {
	ID        string
	Principal string
	Room      *models.Room

	hub    *Hub
	ws     *websocket.Conn
	send   chan wire.Event
	closed chan struct{}
	once   sync.Once
	state  atomic.Int32

	// joined flips once when the connection is admitted to its room.
	// Connections torn down before that point never ran membership
	// bookkeeping, so none may be undone for them.
	joined    atomic.Bool
	closeCode atomic.Int32

	// lastSeq is the highest sequence delivered to the socket. Owned
	// by the write loop; initialized before the loops start.
	lastSeq uint64

	logger zerolog.Logger
}

func newConn(hub *Hub, ws *websocket.Conn, principal string, room *models.Room, logger zerolog.Logger) *Conn {
	c := &Conn{
		ID:        uuid.NewString(),
		Principal: principal,
		Room:      room,
		hub:       hub,
		ws:        ws,
		send:      make(chan wire.Event, sendBuffer),
		closed:    make(chan struct{}),
	}
	c.logger = logger.With().
		Str("conn", c.ID).
		Str("principal", principal).
		Str("room", room.ID.String()).
		Logger()
	return c
}

// State returns the current lifecycle state.
func (c *Conn) State() State {
	return State(c.state.Load())
}

func (c *Conn) setState(s State) {
	c.state.Store(int32(s))
}

// Enqueue hands an event to the write loop. If the client cannot drain
// its buffer the connection closes to keep backpressure bounded.
func (c *Conn) Enqueue(ev wire.Event) {
	select {
	case <-c.closed:
	case c.send <- ev:
	default:
		c.CloseWithReason(CloseBufferExceeded, "send buffer full")
	}
}

// CloseWithReason terminates the connection exactly once. In-flight
// work observes the closed channel and discards its results.
func (c *Conn) CloseWithReason(code int, reason string) {
	c.once.Do(func() {
		c.setState(StateClosing)
		c.closeCode.Store(int32(code))
		close(c.closed)

		deadline := time.Now().Add(writeWait)
		_ = c.ws.SetWriteDeadline(deadline)
		_ = c.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
		_ = c.ws.Close()

		c.setState(StateClosed)
		metrics.ConnectionsClosed.WithLabelValues(reason).Inc()
		c.logger.Info().Int("code", code).Str("reason", reason).Msg("connection closed")

		// Departure bookkeeping touches Redis and the durable store;
		// keep it off the socket teardown path.
		go c.hub.onClosed(c)
	})
}

// start launches the read and write loops after a successful join.
func (c *Conn) start() {
	c.joined.Store(true)
	c.setState(StateJoined)
	metrics.ConnectionsActive.Inc()
	go c.readLoop()
	go c.writeLoop()
}

func (c *Conn) readLoop() {
	defer c.CloseWithReason(websocket.CloseNormalClosure, "read loop ended")

	c.ws.SetReadLimit(maxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			return
		}
		if c.State() != StateJoined {
			continue
		}

		var in wire.Inbound
		if err := json.Unmarshal(raw, &in); err != nil {
			c.Enqueue(wire.ErrorEvent(c.Room.ID, CodeMalformedMessage, "invalid frame"))
			continue
		}
		c.hub.handleInbound(c, &in)
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()
	defer metrics.ConnectionsActive.Dec()

	for {
		select {
		case <-c.closed:
			return
		case ev := <-c.send:
			if err := c.deliver(ev); err != nil {
				c.CloseWithReason(websocket.CloseAbnormalClosure, "write failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.CloseWithReason(websocket.CloseAbnormalClosure, "ping failed")
				return
			}
		}
	}
}

// deliver writes one event, enforcing per-room order on the sequenced
// stream: duplicates are dropped, gaps are backfilled from the durable
// store before the triggering event goes out.
func (c *Conn) deliver(ev wire.Event) error {
	if ev.Sequence == 0 {
		return c.write(ev)
	}

	switch classify(c.lastSeq, ev.Sequence) {
	case actDrop:
		metrics.EventsDeduplicated.Inc()
		return nil
	case actBackfill:
		c.backfill(ev.Sequence)
	}

	if err := c.write(ev); err != nil {
		return err
	}
	c.lastSeq = ev.Sequence
	return nil
}

func (c *Conn) write(ev wire.Event) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, ev.Encode()); err != nil {
		return err
	}
	metrics.EventsDelivered.WithLabelValues(string(ev.Type)).Inc()
	return nil
}

// backfill replays persisted messages in (lastSeq, upto) from the
// durable store. The broker does not replay history, so a sequence
// discontinuity always resolves here. Numbers with no stored row are
// checked against tombstones; anything else is counted as unexplained.
func (c *Conn) backfill(upto uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	metrics.BackfillsTotal.Inc()

	for c.lastSeq+1 < upto {
		msgs, err := c.hub.store.ReadSince(ctx, c.Room.ID, c.lastSeq, c.hub.backfillBatch)
		if err != nil {
			c.logger.Warn().Err(err).Msg("backfill read failed")
			break
		}

		// A row at or past the trigger means stored history is
		// exhausted for this gap; only tombstone accounting remains.
		caughtUp := false
		progressed := false
		for i := range msgs {
			m := &msgs[i]
			if m.Sequence >= upto {
				caughtUp = true
				break
			}
			if m.Sequence <= c.lastSeq {
				continue
			}
			if err := c.write(wire.FromMessage(m)); err != nil {
				c.CloseWithReason(websocket.CloseAbnormalClosure, "write failed")
				return
			}
			c.lastSeq = m.Sequence
			progressed = true
		}
		if caughtUp || !progressed || len(msgs) < c.hub.backfillBatch {
			break
		}
	}

	// Whatever remains of the gap has no stored rows: tombstoned
	// reservations or genuinely lost messages.
	if c.lastSeq+1 < upto {
		c.accountGap(ctx, c.lastSeq+1, upto-1)
		c.lastSeq = upto - 1
	}
}

func (c *Conn) accountGap(ctx context.Context, from, to uint64) {
	// Bound the check; a gap this large means a counter reset, and
	// per-number accounting stops being informative.
	const maxGapCheck = 1024
	if to-from >= maxGapCheck {
		metrics.SequenceGapsUnexplained.Add(float64(to - from + 1))
		c.logger.Error().Uint64("from", from).Uint64("to", to).Msg("oversized sequence gap")
		return
	}

	seqs := make([]uint64, 0, to-from+1)
	for n := from; n <= to; n++ {
		seqs = append(seqs, n)
	}
	tombs, err := c.hub.seqr.Tombstoned(ctx, c.Room.ID, seqs)
	if err != nil {
		c.logger.Warn().Err(err).Msg("tombstone lookup failed")
		return
	}
	for _, n := range seqs {
		if !tombs[n] {
			metrics.SequenceGapsUnexplained.Inc()
			c.logger.Warn().Uint64("sequence", n).Msg("sequence gap with no tombstone")
		}
	}
}
