package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/infiniteloophole/soractic-final/internal/models"
	"github.com/infiniteloophole/soractic-final/internal/store"
	"github.com/infiniteloophole/soractic-final/internal/tasks"
)

// ListRooms handles GET /rooms.
func (h *Handler) ListRooms(w http.ResponseWriter, r *http.Request) {
	limit := 50
	offset := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 100 {
			limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	rooms, err := h.store.ListRooms(r.Context(), limit, offset)
	if err != nil {
		h.logger.Error().Err(err).Msg("list rooms failed")
		h.Error(w, http.StatusInternalServerError, "failed to list rooms")
		return
	}
	h.JSON(w, http.StatusOK, map[string]any{"rooms": rooms})
}

// GetRoom handles GET /rooms/{id}.
func (h *Handler) GetRoom(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid room id")
		return
	}

	room, err := h.store.GetRoom(r.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.Error(w, http.StatusNotFound, "room not found")
			return
		}
		h.Error(w, http.StatusInternalServerError, "room lookup failed")
		return
	}
	h.JSON(w, http.StatusOK, room)
}

type banRequest struct {
	Principal string `json:"principal"`
	Banned    bool   `json:"banned"`
}

// Ban handles POST /rooms/{id}/ban. Recording a ban purges the
// principal's grant and evicts their live connections on every
// instance before the TTL would have expired it.
func (h *Handler) Ban(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid room id")
		return
	}

	var req banRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Principal == "" {
		h.Error(w, http.StatusBadRequest, "principal is required")
		return
	}

	if err := h.store.SetBanned(r.Context(), id, req.Principal, req.Banned); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.Error(w, http.StatusNotFound, "participant not found")
			return
		}
		h.Error(w, http.StatusInternalServerError, "ban update failed")
		return
	}

	if req.Banned {
		if err := h.gate.InvalidateBan(r.Context(), id, req.Principal); err != nil {
			h.logger.Error().Err(err).
				Str("room", id.String()).
				Str("principal", req.Principal).
				Msg("ban invalidation failed")
			h.Error(w, http.StatusInternalServerError, "ban recorded but invalidation failed")
			return
		}
	}

	h.JSON(w, http.StatusOK, map[string]any{"principal": req.Principal, "banned": req.Banned})
}

// UpdateRule handles PUT /rooms/{id}/rule. A rule change purges every
// grant for the room; the heavy SCAN runs on the task queue.
func (h *Handler) UpdateRule(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid room id")
		return
	}

	var rule models.GatingRule
	if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
		h.Error(w, http.StatusBadRequest, "invalid rule")
		return
	}
	switch rule.Kind {
	case models.RuleOpen, models.RuleTokenAmountMin, models.RuleNFTCollection:
	default:
		h.Error(w, http.StatusBadRequest, "unknown rule kind")
		return
	}

	if err := h.store.UpdateRoomRule(r.Context(), id, rule); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			h.Error(w, http.StatusNotFound, "room not found")
			return
		}
		h.Error(w, http.StatusInternalServerError, "rule update failed")
		return
	}

	if err := h.gate.InvalidateRoomRule(r.Context(), id); err != nil {
		h.logger.Error().Err(err).Str("room", id.String()).Msg("rule invalidation failed")
	}
	if task, err := tasks.NewPurgeRoomTask(id); err == nil {
		if _, err := h.queue.EnqueueContext(r.Context(), task); err != nil {
			h.logger.Warn().Err(err).Msg("purge task enqueue failed")
		}
	}

	h.JSON(w, http.StatusOK, map[string]any{"room_id": id, "rule": rule})
}

type achievementRequest struct {
	Principal string          `json:"principal"`
	Payload   json.RawMessage `json:"payload"`
}

// Achievement handles POST /rooms/{id}/achievements: the achievement
// service pushes earned badges here and the gateway relays them to the
// room's members on every instance.
func (h *Handler) Achievement(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		h.Error(w, http.StatusBadRequest, "invalid room id")
		return
	}

	var req achievementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Payload) == 0 {
		h.Error(w, http.StatusBadRequest, "payload is required")
		return
	}

	if err := h.hub.RelayAchievement(r.Context(), id, req.Payload); err != nil {
		h.Error(w, http.StatusInternalServerError, "relay failed")
		return
	}
	h.JSON(w, http.StatusAccepted, map[string]string{"status": "relayed"})
}
