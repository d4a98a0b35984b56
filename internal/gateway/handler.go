package gateway

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/infiniteloophole/soractic-final/internal/clients"
	"github.com/infiniteloophole/soractic-final/internal/gate"
	"github.com/infiniteloophole/soractic-final/internal/store"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Browser clients connect from arbitrary origins; the session
	// token is the authentication boundary, not the Origin header.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler accepts WebSocket handshakes and drives a connection through
// Connecting → Authorizing → Joined.
type Handler struct {
	hub              *Hub
	auth             clients.AuthService
	store            store.DataStore
	authorizeTimeout time.Duration
	logger           zerolog.Logger
}

// NewHandler builds the handshake endpoint.
func NewHandler(hub *Hub, auth clients.AuthService, st store.DataStore, authorizeTimeout time.Duration, logger zerolog.Logger) *Handler {
	return &Handler{
		hub:              hub,
		auth:             auth,
		store:            st,
		authorizeTimeout: authorizeTimeout,
		logger:           logger.With().Str("component", "ws").Logger(),
	}
}

// ServeHTTP upgrades the socket for GET /ws/{roomID}?token=…
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	roomID, err := uuid.Parse(chi.URLParam(r, "roomID"))
	if err != nil {
		http.Error(w, `{"error":"invalid room id"}`, http.StatusBadRequest)
		return
	}

	token := r.URL.Query().Get("token")
	if token == "" {
		token = r.Header.Get("Authorization")
	}
	if token == "" {
		http.Error(w, `{"error":"missing session token"}`, http.StatusUnauthorized)
		return
	}

	// Token validation and room lookup happen before the upgrade so
	// plain HTTP status codes can reject bad handshakes.
	principal, err := h.auth.ValidateSessionToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, clients.ErrInvalidToken) {
			http.Error(w, `{"error":"invalid session token"}`, http.StatusUnauthorized)
			return
		}
		http.Error(w, `{"error":"authentication unavailable"}`, http.StatusServiceUnavailable)
		return
	}

	room, err := h.store.GetRoom(r.Context(), roomID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			http.Error(w, `{"error":"room not found"}`, http.StatusNotFound)
			return
		}
		http.Error(w, `{"error":"room lookup failed"}`, http.StatusInternalServerError)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return // Upgrade already wrote the response
	}

	c := newConn(h.hub, ws, principal, room, h.logger)
	c.setState(StateAuthorizing)

	// Authorization is bounded: a wedged verifier produces a typed
	// close, never a client hanging in Authorizing.
	ctx, cancel := context.WithTimeout(context.Background(), h.authorizeTimeout)
	defer cancel()

	decision, err := h.hub.gate.Authorize(ctx, principal, room, gate.ActionJoin)
	switch {
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		c.CloseWithReason(CloseAuthTimeout, "authorization timed out")
		return
	case err != nil:
		c.CloseWithReason(CloseAuthTimeout, "verification unavailable, retry with backoff")
		return
	case !decision.Allow:
		reason := decision.Reason
		if reason == "" {
			reason = "access denied"
		}
		c.CloseWithReason(CloseAccessDenied, reason)
		return
	}

	if err := h.hub.join(ctx, c); err != nil {
		if errors.Is(err, errRoomFull) {
			c.CloseWithReason(CloseRoomFull, "room at capacity")
			return
		}
		h.logger.Warn().Err(err).Str("principal", principal).Msg("join failed")
		c.CloseWithReason(websocket.CloseInternalServerErr, "join failed")
	}
}
