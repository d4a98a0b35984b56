package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/infiniteloophole/soractic-final/internal/broker"
	"github.com/infiniteloophole/soractic-final/internal/clients"
	"github.com/infiniteloophole/soractic-final/internal/gate"
	"github.com/infiniteloophole/soractic-final/internal/models"
	"github.com/infiniteloophole/soractic-final/internal/presence"
	"github.com/infiniteloophole/soractic-final/internal/ratelimit"
	"github.com/infiniteloophole/soractic-final/internal/store"
	"github.com/infiniteloophole/soractic-final/internal/wire"
)

// errRoomFull is returned from join when a room is at capacity.
var errRoomFull = errors.New("room at capacity")

// Authorizer is the access-gate contract the hub re-checks posts
// against; join-time authorization does not imply ongoing posting
// rights.
type Authorizer interface {
	Authorize(ctx context.Context, principal string, room *models.Room, action gate.Action) (gate.Decision, error)
}

// Admission is the rate-limit contract inbound frames pass through.
type Admission interface {
	Allow(ctx context.Context, roomID uuid.UUID, principal string) (ratelimit.Verdict, error)
}

// SequenceReader is the read-side sequencer surface used by delivery.
type SequenceReader interface {
	Current(ctx context.Context, roomID uuid.UUID) (uint64, error)
	Tombstoned(ctx context.Context, roomID uuid.UUID, seqs []uint64) (map[uint64]bool, error)
}

// Hub is the per-instance connection manager: it owns the local
// room→connection registry, one broker subscription per room with
// local members, and the inbound processing pipeline.
type Hub struct {
	store    store.DataStore
	gate     Authorizer
	pipeline *Pipeline
	bus      *broker.Broker
	presence *presence.Tracker
	limiter  Admission
	ai       clients.AIQuery
	seqr     SequenceReader

	backfillBatch int
	logger        zerolog.Logger

	// ctx bounds the broker subscriptions and the notice loop. Fixed at
	// construction; never written afterwards.
	ctx context.Context

	mu    sync.RWMutex
	rooms map[uuid.UUID]*roomState
}

type roomState struct {
	conns map[string]*Conn
	sub   *broker.Subscription
}

// NewHub wires the connection manager. ctx is the gateway lifetime:
// it bounds every broker subscription the hub opens.
func NewHub(
	ctx context.Context,
	st store.DataStore,
	g Authorizer,
	pipeline *Pipeline,
	bus *broker.Broker,
	pres *presence.Tracker,
	limiter Admission,
	ai clients.AIQuery,
	seqr SequenceReader,
	backfillBatch int,
	logger zerolog.Logger,
) *Hub {
	return &Hub{
		store:         st,
		gate:          g,
		pipeline:      pipeline,
		bus:           bus,
		presence:      pres,
		limiter:       limiter,
		ai:            ai,
		seqr:          seqr,
		backfillBatch: backfillBatch,
		logger:        logger.With().Str("component", "hub").Logger(),
		ctx:           ctx,
		rooms:         make(map[uuid.UUID]*roomState),
	}
}

// Run processes cluster-wide notices until the hub's lifetime context
// is cancelled. It must be running before connections are accepted.
func (h *Hub) Run() {
	sub := h.bus.SubscribeNotices(h.ctx)
	defer sub.Close()

	for {
		select {
		case <-h.ctx.Done():
			h.closeAll()
			return
		case n, ok := <-sub.C:
			if !ok {
				return
			}
			h.handleNotice(n)
		}
	}
}

// join admits an authorized connection: capacity check, membership
// record, presence registration, ordering baseline, then the sequenced
// user_joined announcement every subscriber observes.
func (h *Hub) join(ctx context.Context, c *Conn) error {
	if c.Room.Capacity > 0 {
		present, err := h.presence.Snapshot(ctx, c.Room.ID)
		if err != nil {
			return err
		}
		rejoining := false
		for _, p := range present {
			if p == c.Principal {
				rejoining = true
				break
			}
		}
		if !rejoining && len(present) >= c.Room.Capacity {
			return errRoomFull
		}
	}

	if err := h.store.UpsertParticipant(ctx, &models.Participant{
		RoomID:    c.Room.ID,
		Principal: c.Principal,
		Role:      models.RoleMember,
		JoinedAt:  time.Now().UTC(),
	}); err != nil {
		return err
	}

	if err := h.presence.Heartbeat(ctx, c.Room.ID, c.Principal); err != nil {
		return err
	}

	// Ordering baseline precedes registration: anything sequenced
	// after this point reaches the socket either live or via backfill.
	cur, err := h.seqr.Current(ctx, c.Room.ID)
	if err != nil {
		return err
	}
	c.lastSeq = cur

	h.register(c)
	c.start()

	// Typing flags set before this socket existed are only visible in
	// Redis; replay them so the newcomer's roster starts correct.
	if typers, err := h.presence.TypingSnapshot(ctx, c.Room.ID); err == nil {
		for _, p := range typers {
			c.Enqueue(wire.Advisory(c.Room.ID, wire.EvTypingStatus, wire.TypingPayload{
				Principal: p,
				Typing:    true,
			}))
		}
	} else {
		c.logger.Warn().Err(err).Msg("typing snapshot failed")
	}

	h.announceMembership(ctx, c.Room.ID, c.Principal, wire.SystemJoin)

	c.logger.Info().Msg("joined room")
	return nil
}

// register adds the connection to its room's local registry. One live
// session per principal per room on this instance: an older session for
// the same principal is superseded and closed.
func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	rs := h.rooms[c.Room.ID]
	if rs == nil {
		rs = &roomState{
			conns: make(map[string]*Conn),
			sub: h.bus.Subscribe(h.ctx,
				broker.RoomEvents(c.Room.ID),
				broker.RoomPresence(c.Room.ID),
				broker.RoomDocs(c.Room.ID),
			),
		}
		h.rooms[c.Room.ID] = rs
		go h.pump(c.Room.ID, rs.sub)
	}
	var replaced []*Conn
	for id, prev := range rs.conns {
		if id != c.ID && prev.Principal == c.Principal {
			replaced = append(replaced, prev)
		}
	}
	rs.conns[c.ID] = c
	h.mu.Unlock()

	for _, prev := range replaced {
		prev.CloseWithReason(CloseReplaced, "session superseded")
	}
}

// pump fans one room's subscription out to its local connections. Each
// connection applies its own dedup and gap recovery, so the pump stays
// a dumb copy loop and one slow socket cannot stall the room.
func (h *Hub) pump(roomID uuid.UUID, sub *broker.Subscription) {
	for ev := range sub.C {
		h.mu.RLock()
		rs := h.rooms[roomID]
		if rs == nil {
			h.mu.RUnlock()
			return
		}
		for _, c := range rs.conns {
			c.Enqueue(ev)
		}
		h.mu.RUnlock()
	}
}

// onClosed runs once per connection after the socket is gone.
// Departure bookkeeping is undo: it runs only for sessions that
// actually joined. Handshakes refused before admission — denied,
// timed out, room full — left no membership state to retract, and a
// user_left for them would pollute the room's history. A superseded
// session skips it too: its principal is still present on the
// replacement socket.
func (h *Hub) onClosed(c *Conn) {
	h.mu.Lock()
	if rs := h.rooms[c.Room.ID]; rs != nil {
		delete(rs.conns, c.ID)
		if len(rs.conns) == 0 {
			_ = rs.sub.Close()
			delete(h.rooms, c.Room.ID)
		}
	}
	h.mu.Unlock()

	if !c.joined.Load() || c.closeCode.Load() == CloseReplaced {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	claimed, err := h.presence.Remove(ctx, c.Room.ID, c.Principal)
	if err != nil {
		h.logger.Warn().Err(err).Msg("presence remove failed")
		return
	}
	if claimed {
		h.announceMembership(ctx, c.Room.ID, c.Principal, wire.SystemLeave)
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	var conns []*Conn
	for _, rs := range h.rooms {
		for _, c := range rs.conns {
			conns = append(conns, c)
		}
		_ = rs.sub.Close()
	}
	h.rooms = make(map[uuid.UUID]*roomState)
	h.mu.Unlock()

	for _, c := range conns {
		c.CloseWithReason(CloseShutdown, "gateway shutdown")
	}
}

// announceMembership persists and publishes a sequenced membership
// event; join and leave take the same pipeline as chat so subscribers
// see them in one per-room order.
func (h *Hub) announceMembership(ctx context.Context, roomID uuid.UUID, principal string, kind wire.SystemKind) {
	_, err := h.pipeline.Post(ctx, roomID, principal, models.MessageSystem, wire.SystemPayload{
		Kind:      kind,
		Principal: principal,
	})
	if err != nil && !errors.Is(err, ErrBrokerUnavailable) {
		h.logger.Warn().Err(err).
			Str("room", roomID.String()).
			Str("principal", principal).
			Str("kind", string(kind)).
			Msg("membership announce failed")
	}
}

// handleNotice reacts to cluster-wide control messages.
func (h *Hub) handleNotice(n broker.Notice) {
	switch n.Kind {
	case broker.NoticeBan:
		h.evict(n.RoomID, n.Principal, CloseBanned, "banned from room")
	case broker.NoticeRuleChange:
		// Grants are already purged by the emitter; live connections
		// re-verify on their next post.
		h.logger.Info().Str("room", n.RoomID.String()).Msg("room rule changed")
	case broker.NoticeAchievement:
		h.fanoutLocal(n.RoomID, wire.Event{
			RoomID:    n.RoomID,
			Type:      wire.EvAchievementEarned,
			Payload:   n.Payload,
			Timestamp: time.Now().UnixMilli(),
		})
	}
}

func (h *Hub) evict(roomID uuid.UUID, principal string, code int, reason string) {
	h.mu.RLock()
	var targets []*Conn
	if rs := h.rooms[roomID]; rs != nil {
		for _, c := range rs.conns {
			if c.Principal == principal {
				targets = append(targets, c)
			}
		}
	}
	h.mu.RUnlock()

	for _, c := range targets {
		c.CloseWithReason(code, reason)
	}
}

func (h *Hub) fanoutLocal(roomID uuid.UUID, ev wire.Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if rs := h.rooms[roomID]; rs != nil {
		for _, c := range rs.conns {
			c.Enqueue(ev)
		}
	}
}

// handleInbound dispatches one decoded client frame. Only Joined
// connections reach this point.
func (h *Hub) handleInbound(c *Conn, in *wire.Inbound) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	decoded, err := in.Decode()
	if err != nil {
		c.Enqueue(wire.ErrorEvent(c.Room.ID, CodeMalformedMessage, err.Error()))
		return
	}

	switch p := decoded.(type) {
	case wire.ChatMessage:
		h.post(ctx, c, in, models.MessageText, p)
	case wire.DocumentShare:
		h.post(ctx, c, in, models.MessageDocShare, p)
	case wire.HighlightCreate:
		h.post(ctx, c, in, models.MessageHighlight, p)
	case wire.ReactionAdd:
		h.post(ctx, c, in, models.MessageReaction, p)
	case wire.SocraticQuery:
		h.socratic(ctx, c, in, p)
	case wire.Heartbeat:
		h.advisory(ctx, c, in)
	}
}

// advisory handles the non-sequenced frame kinds.
func (h *Hub) advisory(ctx context.Context, c *Conn, in *wire.Inbound) {
	var err error
	switch in.Type {
	case wire.InHeartbeat:
		err = h.presence.Heartbeat(ctx, c.Room.ID, c.Principal)
	case wire.InTypingStart:
		err = h.presence.SetTyping(ctx, c.Room.ID, c.Principal, true)
	case wire.InTypingStop:
		err = h.presence.SetTyping(ctx, c.Room.ID, c.Principal, false)
	case wire.InLeave:
		c.CloseWithReason(1000, "client left")
	}
	if err != nil {
		h.logger.Warn().Err(err).Str("type", string(in.Type)).Msg("presence update failed")
	}
}

// post runs the full inbound pipeline for sequenced messages:
// rate limit, access re-check, persist, sequence, publish, ack.
func (h *Hub) post(ctx context.Context, c *Conn, in *wire.Inbound, mtype models.MessageType, payload any) {
	verdict, err := h.limiter.Allow(ctx, c.Room.ID, c.Principal)
	if err != nil {
		// Admission control must not become an outage amplifier; an
		// unreachable limiter admits the frame.
		h.logger.Warn().Err(err).Msg("rate limiter unavailable")
	} else if !verdict.Allowed {
		if verdict.Abusive {
			c.CloseWithReason(CloseAbuse, "rate limit abuse")
			return
		}
		c.Enqueue(wire.Advisory(c.Room.ID, wire.EvError, wire.ErrorPayload{
			Code:       CodeRateLimited,
			Detail:     "slow down",
			RetryAfter: 1000,
		}))
		h.nack(c, in, CodeRateLimited)
		return
	}

	// Grants expire mid-session; posting rights are never implied by
	// the join-time check.
	decision, err := h.gate.Authorize(ctx, c.Principal, c.Room, gate.ActionPost)
	if err != nil {
		c.Enqueue(wire.ErrorEvent(c.Room.ID, CodeVerifierUnavailable, "verification unavailable, retry later"))
		h.nack(c, in, CodeVerifierUnavailable)
		return
	}
	if !decision.Allow {
		c.Enqueue(wire.ErrorEvent(c.Room.ID, CodeAccessDenied, decision.Reason))
		h.nack(c, in, CodeAccessDenied)
		return
	}

	msg, err := h.pipeline.Post(ctx, c.Room.ID, c.Principal, mtype, payload)
	switch {
	case errors.Is(err, ErrBrokerUnavailable):
		// Durable; the recovery sweep owns fan-out.
		h.ack(c, in, msg.Sequence)
	case err != nil:
		c.Enqueue(wire.ErrorEvent(c.Room.ID, CodePersistenceFailure, "message not saved"))
		h.nack(c, in, CodePersistenceFailure)
	default:
		h.ack(c, in, msg.Sequence)
	}
}

// socratic forwards an AI query off the chat path and relays the
// answer to the room as an independently ordered event.
func (h *Hub) socratic(ctx context.Context, c *Conn, in *wire.Inbound, q wire.SocraticQuery) {
	verdict, err := h.limiter.Allow(ctx, c.Room.ID, c.Principal)
	if err == nil && !verdict.Allowed {
		if verdict.Abusive {
			c.CloseWithReason(CloseAbuse, "rate limit abuse")
			return
		}
		h.nack(c, in, CodeRateLimited)
		return
	}

	h.ack(c, in, 0)

	go func() {
		askCtx, cancel := context.WithTimeout(context.Background(), 90*time.Second)
		defer cancel()

		answer, err := h.ai.Ask(askCtx, c.Room.ID, c.Principal, q.Query, q.Context)
		if err != nil {
			h.logger.Warn().Err(err).Str("room", c.Room.ID.String()).Msg("socratic query failed")
			c.Enqueue(wire.ErrorEvent(c.Room.ID, CodeBrokerUnavailable, "query failed, retry later"))
			return
		}

		ev := wire.Advisory(c.Room.ID, wire.EvSocraticResponse, wire.SocraticPayload{
			Principal: c.Principal,
			Query:     q.Query,
			Answer:    answer,
		})
		if err := h.bus.Publish(askCtx, broker.RoomDocs(c.Room.ID), ev); err != nil {
			h.logger.Warn().Err(err).Msg("socratic response publish failed")
		}
	}()
}

func (h *Hub) ack(c *Conn, in *wire.Inbound, seq uint64) {
	c.Enqueue(wire.Advisory(c.Room.ID, wire.EvAck, wire.AckPayload{
		Ref:       in.ClientRef,
		Delivered: true,
		Sequence:  seq,
	}))
}

func (h *Hub) nack(c *Conn, in *wire.Inbound, code string) {
	c.Enqueue(wire.Advisory(c.Room.ID, wire.EvAck, wire.AckPayload{
		Ref:   in.ClientRef,
		Error: code,
	}))
}

// AnnounceDeparture satisfies the presence tracker's reaper callback:
// a silent death gets the same sequenced user_left as an explicit
// disconnect.
func (h *Hub) AnnounceDeparture(ctx context.Context, roomID uuid.UUID, principal string) {
	h.announceMembership(ctx, roomID, principal, wire.SystemLeave)
}

// RelayAchievement publishes an achievement notice cluster-wide; every
// instance relays it to its local members of the room.
func (h *Hub) RelayAchievement(ctx context.Context, roomID uuid.UUID, payload json.RawMessage) error {
	return h.bus.PublishNotice(ctx, broker.Notice{
		Kind:    broker.NoticeAchievement,
		RoomID:  roomID,
		Payload: payload,
	})
}
