package config

import (
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the gateway.
type Config struct {
	Port        string
	Env         string
	DatabaseURL string
	SQLitePath  string
	RedisURL    string

	// Collaborator endpoints
	VerifierURL string
	AuthURL     string
	AIQueryURL  string

	// AdminToken guards the moderation endpoints.
	AdminToken string

	// Authorization policy
	GrantTTL         time.Duration // how long a verification verdict stays trusted
	AuthorizeTimeout time.Duration // hard bound on the join-time gate check

	// Presence policy
	PresenceWindow time.Duration // heartbeat sliding window
	TypingTTL      time.Duration // typing flag auto-expiry

	// Rate limiting (token bucket)
	PrincipalRate  float64 // messages per second per principal
	PrincipalBurst int
	RoomRate       float64 // messages per second per room
	RoomBurst      int
	AbuseThreshold int // soft rejections within a minute before disconnect

	// Delivery policy
	BackfillBatch int // messages fetched per gap-recovery read

	// Recovery sweep
	SweepInterval time.Duration // how often unpublished messages are rescanned
	SweepGrace    time.Duration // minimum message age before the sweep touches it
}

// Load reads configuration from environment variables.
// In development, it loads from .env file if present.
// In production, it panics on missing required variables.
func Load() *Config {
	// Load .env file if it exists (for development)
	_ = godotenv.Load()

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		Env:         getEnv("ENV", "development"),
		DatabaseURL: os.Getenv("DATABASE_URL"),
		SQLitePath:  os.Getenv("SQLITE_PATH"),
		RedisURL:    os.Getenv("REDIS_URL"),

		VerifierURL: os.Getenv("VERIFIER_URL"),
		AuthURL:     os.Getenv("AUTH_URL"),
		AIQueryURL:  os.Getenv("AI_QUERY_URL"),

		AdminToken: os.Getenv("ADMIN_TOKEN"),

		GrantTTL:         getDuration("GRANT_TTL", 60*time.Second),
		AuthorizeTimeout: getDuration("AUTHORIZE_TIMEOUT", 10*time.Second),

		PresenceWindow: getDuration("PRESENCE_WINDOW", 30*time.Second),
		TypingTTL:      getDuration("TYPING_TTL", 5*time.Second),

		PrincipalRate:  getFloat("RATE_PRINCIPAL_PER_SEC", 2),
		PrincipalBurst: getInt("RATE_PRINCIPAL_BURST", 10),
		RoomRate:       getFloat("RATE_ROOM_PER_SEC", 30),
		RoomBurst:      getInt("RATE_ROOM_BURST", 60),
		AbuseThreshold: getInt("RATE_ABUSE_THRESHOLD", 20),

		BackfillBatch: getInt("BACKFILL_BATCH", 100),

		SweepInterval: getDuration("SWEEP_INTERVAL", 30*time.Second),
		SweepGrace:    getDuration("SWEEP_GRACE", 15*time.Second),
	}

	// In production, require the shared backends and collaborators.
	if cfg.Env == "production" {
		if cfg.DatabaseURL == "" {
			panic("DATABASE_URL is required in production")
		}
		if cfg.RedisURL == "" {
			panic("REDIS_URL is required in production")
		}
		if cfg.VerifierURL == "" {
			panic("VERIFIER_URL is required in production")
		}
		if cfg.AuthURL == "" {
			panic("AUTH_URL is required in production")
		}
	}

	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func getFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
