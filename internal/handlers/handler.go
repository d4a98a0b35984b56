package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/infiniteloophole/soractic-final/internal/gate"
	"github.com/infiniteloophole/soractic-final/internal/gateway"
	"github.com/infiniteloophole/soractic-final/internal/store"
)

// Handler contains shared dependencies for REST endpoints: the
// read-only room surface, health checks and the moderation actions
// that feed invalidation events into the gateway.
type Handler struct {
	store  store.DataStore
	redis  *redis.Client
	gate   *gate.Gate
	hub    *gateway.Hub
	queue  *asynq.Client
	logger zerolog.Logger
}

// NewHandler creates a new Handler.
func NewHandler(st store.DataStore, rdb *redis.Client, g *gate.Gate, hub *gateway.Hub, queue *asynq.Client, logger zerolog.Logger) *Handler {
	return &Handler{
		store:  st,
		redis:  rdb,
		gate:   g,
		hub:    hub,
		queue:  queue,
		logger: logger.With().Str("component", "handlers").Logger(),
	}
}

// JSON sends a JSON response with the given status code.
func (h *Handler) JSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Error sends a JSON error response with the given status code.
func (h *Handler) Error(w http.ResponseWriter, status int, message string) {
	h.JSON(w, status, map[string]string{"error": message})
}
