package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/infiniteloophole/soractic-final/internal/api/middleware"
	"github.com/infiniteloophole/soractic-final/internal/gateway"
	"github.com/infiniteloophole/soractic-final/internal/handlers"
)

// NewRouter creates and configures the HTTP router: the WebSocket
// handshake, the read-only room surface, the moderation endpoints and
// the operational endpoints.
func NewRouter(logger zerolog.Logger, h *handlers.Handler, ws *gateway.Handler, adminToken string) *chi.Mux {
	r := chi.NewRouter()

	// Metrics middleware (first to capture all requests)
	r.Use(middleware.Metrics)

	// Security middleware
	r.Use(middleware.SecurityHeaders)
	r.Use(middleware.MaxBodySize(16 * 1024))
	r.Use(middleware.ValidateRequest)

	// Standard middleware
	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(logger))
	r.Use(chimw.Recoverer)

	// CORS - browser clients connect from arbitrary origins
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	// Metrics endpoint (for Prometheus scraping)
	r.Handle("/metrics", promhttp.Handler())

	// Public routes
	r.Get("/health", h.Health)
	r.Get("/rooms", h.ListRooms)
	r.Get("/rooms/{id}", h.GetRoom)

	// WebSocket handshake (session token checked in the handler)
	r.Method(http.MethodGet, "/ws/{roomID}", ws)

	// Moderation and collaborator callbacks
	r.Group(func(r chi.Router) {
		r.Use(middleware.RequireAdmin(adminToken))

		r.Post("/rooms/{id}/ban", h.Ban)
		r.Put("/rooms/{id}/rule", h.UpdateRule)
		r.Post("/rooms/{id}/achievements", h.Achievement)
	})

	return r
}
