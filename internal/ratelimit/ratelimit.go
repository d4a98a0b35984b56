// Package ratelimit implements token-bucket admission control on the
// shared Redis handle, keyed per principal and per room. A rejection is
// a soft signal first; only sustained abuse escalates to disconnect.
package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/infiniteloophole/soractic-final/internal/metrics"
)

// violationWindow bounds the abuse counter; sustained abuse means this
// many rejections inside the window.
const violationWindow = time.Minute

// Limit is a token-bucket shape.
type Limit struct {
	Rate  float64 // tokens per second
	Burst int     // bucket capacity
}

// Limiter checks buckets in Redis so limits hold across instances.
type Limiter struct {
	client         *redis.Client
	principal      Limit
	room           Limit
	abuseThreshold int
	logger         zerolog.Logger
}

// NewLimiter creates a limiter with per-principal and per-room shapes.
func NewLimiter(client *redis.Client, principal, room Limit, abuseThreshold int, logger zerolog.Logger) *Limiter {
	return &Limiter{
		client:         client,
		principal:      principal,
		room:           room,
		abuseThreshold: abuseThreshold,
		logger:         logger.With().Str("component", "ratelimit").Logger(),
	}
}

// takeToken refills the bucket by elapsed time, then takes one token if
// available. KEYS[1] = bucket; ARGV = rate, burst, now_ms. Returns 1 on
// allow, 0 on reject. State is {tokens, ts} in a hash so the
// read-refill-take cycle is atomic.
var takeToken = redis.NewScript(`
local rate = tonumber(ARGV[1])
local burst = tonumber(ARGV[2])
local now = tonumber(ARGV[3])

local state = redis.call('HMGET', KEYS[1], 'tokens', 'ts')
local tokens = tonumber(state[1])
local ts = tonumber(state[2])
if tokens == nil then
	tokens = burst
	ts = now
end

local elapsed = (now - ts) / 1000.0
if elapsed > 0 then
	tokens = math.min(burst, tokens + elapsed * rate)
end

local allowed = 0
if tokens >= 1 then
	tokens = tokens - 1
	allowed = 1
end

redis.call('HSET', KEYS[1], 'tokens', tokens, 'ts', now)
redis.call('PEXPIRE', KEYS[1], math.ceil(burst / rate * 2000))
return allowed
`)

func principalKey(roomID uuid.UUID, principal string) string {
	return fmt.Sprintf("bucket:principal:%s:%s", roomID, principal)
}

func roomKey(roomID uuid.UUID) string {
	return fmt.Sprintf("bucket:room:%s", roomID)
}

func violationsKey(roomID uuid.UUID, principal string) string {
	return fmt.Sprintf("violations:%s:%s", roomID, principal)
}

// Rejection scopes carried on a Verdict.
const (
	ScopePrincipal = "principal"
	ScopeRoom      = "room"
)

// Verdict is the outcome of an admission check.
type Verdict struct {
	Allowed bool
	Scope   string // ScopePrincipal or ScopeRoom when rejected
	Abusive bool   // sustained abuse; the connection should close
}

// Allow takes one token from both the principal's and the room's
// bucket. Rejections increment the abuse counter; crossing the
// threshold inside the window marks the verdict abusive.
func (l *Limiter) Allow(ctx context.Context, roomID uuid.UUID, principal string) (Verdict, error) {
	now := time.Now().UnixMilli()

	ok, err := l.take(ctx, principalKey(roomID, principal), l.principal, now)
	if err != nil {
		return Verdict{}, err
	}
	if !ok {
		return l.reject(ctx, roomID, principal, ScopePrincipal)
	}

	ok, err = l.take(ctx, roomKey(roomID), l.room, now)
	if err != nil {
		return Verdict{}, err
	}
	if !ok {
		return l.reject(ctx, roomID, principal, ScopeRoom)
	}

	return Verdict{Allowed: true}, nil
}

func (l *Limiter) take(ctx context.Context, key string, limit Limit, nowMS int64) (bool, error) {
	res, err := takeToken.Run(ctx, l.client, []string{key}, limit.Rate, limit.Burst, nowMS).Int()
	if err != nil {
		return false, fmt.Errorf("rate limit check: %w", err)
	}
	return res == 1, nil
}

func (l *Limiter) reject(ctx context.Context, roomID uuid.UUID, principal, scope string) (Verdict, error) {
	metrics.RateLimitRejections.WithLabelValues(scope).Inc()

	// A room-bucket rejection says the room is congested, not that this
	// principal is misbehaving; only principal-scope rejections count
	// toward the abuse threshold.
	if scope != ScopePrincipal {
		return Verdict{Scope: scope}, nil
	}

	key := violationsKey(roomID, principal)
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		return Verdict{Scope: scope}, nil
	}
	l.client.Expire(ctx, key, violationWindow)

	abusive := Sustained(int(count), l.abuseThreshold)
	if abusive {
		l.logger.Warn().
			Str("principal", principal).
			Str("room", roomID.String()).
			Int64("violations", count).
			Msg("sustained rate-limit abuse")
	}
	return Verdict{Scope: scope, Abusive: abusive}, nil
}

// Sustained reports whether a violation count constitutes sustained
// abuse for the given threshold.
func Sustained(violations, threshold int) bool {
	return threshold > 0 && violations >= threshold
}
