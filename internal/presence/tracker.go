// Package presence tracks per-room liveness and typing state in Redis.
// Everything here is advisory and eventually consistent: entries expire
// on their own, and a missed broadcast corrects itself on the next
// heartbeat cycle.
package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/infiniteloophole/soractic-final/internal/broker"
	"github.com/infiniteloophole/soractic-final/internal/metrics"
	"github.com/infiniteloophole/soractic-final/internal/wire"
)

const roomsKey = "presence:rooms"

// DepartureFunc announces a participant leaving a room. The tracker
// calls it at most once per silent death across all gateway instances.
type DepartureFunc func(ctx context.Context, roomID uuid.UUID, principal string)

// Tracker maintains heartbeat and typing state for all rooms this
// cluster serves.
type Tracker struct {
	client    *redis.Client
	events    broker.Publisher
	window    time.Duration
	typingTTL time.Duration
	logger    zerolog.Logger

	// OnDeparture is invoked for reaped participants. Set once during
	// wiring, before Run.
	OnDeparture DepartureFunc
}

// NewTracker creates a presence tracker. window is the heartbeat
// sliding window; typingTTL bounds typing flags independently.
func NewTracker(client *redis.Client, events broker.Publisher, window, typingTTL time.Duration, logger zerolog.Logger) *Tracker {
	return &Tracker{
		client:    client,
		events:    events,
		window:    window,
		typingTTL: typingTTL,
		logger:    logger.With().Str("component", "presence").Logger(),
	}
}

func presenceKey(roomID uuid.UUID) string {
	return fmt.Sprintf("presence:%s", roomID)
}

func typingKey(roomID uuid.UUID) string {
	return fmt.Sprintf("typing:%s", roomID)
}

func departureClaimKey(roomID uuid.UUID, principal string) string {
	return fmt.Sprintf("presence:left:%s:%s", roomID, principal)
}

// Heartbeat refreshes the principal's liveness window.
func (t *Tracker) Heartbeat(ctx context.Context, roomID uuid.UUID, principal string) error {
	now := float64(time.Now().UnixMilli())
	pipe := t.client.Pipeline()
	pipe.ZAdd(ctx, presenceKey(roomID), redis.Z{Score: now, Member: principal})
	pipe.SAdd(ctx, roomsKey, roomID.String())
	// A fresh heartbeat reopens the departure claim for later deaths.
	pipe.Del(ctx, departureClaimKey(roomID, principal))
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("presence heartbeat: %w", err)
	}
	return nil
}

// SetTyping flips the typing flag and broadcasts the new state on the
// room's presence channel. Flags live in a per-room ZSET scored by
// their expiry instant so they lapse after typingTTL regardless of
// heartbeats, and TypingSnapshot can read them back for late joiners.
func (t *Tracker) SetTyping(ctx context.Context, roomID uuid.UUID, principal string, typing bool) error {
	key := typingKey(roomID)
	var err error
	if typing {
		expiry := float64(time.Now().Add(t.typingTTL).UnixMilli())
		pipe := t.client.Pipeline()
		pipe.ZAdd(ctx, key, redis.Z{Score: expiry, Member: principal})
		pipe.Expire(ctx, key, 2*t.typingTTL)
		_, err = pipe.Exec(ctx)
	} else {
		err = t.client.ZRem(ctx, key, principal).Err()
	}
	if err != nil {
		return fmt.Errorf("presence typing: %w", err)
	}

	ev := wire.Advisory(roomID, wire.EvTypingStatus, wire.TypingPayload{
		Principal: principal,
		Typing:    typing,
	})
	return t.events.Publish(ctx, broker.RoomPresence(roomID), ev)
}

// TypingSnapshot returns the principals whose typing flag has not yet
// lapsed, pruning expired flags as a side effect.
func (t *Tracker) TypingSnapshot(ctx context.Context, roomID uuid.UUID) ([]string, error) {
	key := typingKey(roomID)
	now := time.Now().UnixMilli()
	t.client.ZRemRangeByScore(ctx, key, "-inf", "("+strconv.FormatInt(now, 10))
	members, err := t.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
		Min: strconv.FormatInt(now, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("typing snapshot: %w", err)
	}
	return members, nil
}

// Snapshot returns the principals with a heartbeat inside the window.
func (t *Tracker) Snapshot(ctx context.Context, roomID uuid.UUID) ([]string, error) {
	cutoff := time.Now().Add(-t.window).UnixMilli()
	members, err := t.client.ZRangeByScore(ctx, presenceKey(roomID), &redis.ZRangeBy{
		Min: strconv.FormatInt(cutoff, 10),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("presence snapshot: %w", err)
	}
	return members, nil
}

// Remove drops a principal's presence entry on explicit leave. The
// departure claim is taken so the reaper never double-announces.
func (t *Tracker) Remove(ctx context.Context, roomID uuid.UUID, principal string) (claimed bool, err error) {
	claimed, err = t.ClaimDeparture(ctx, roomID, principal)
	if err != nil {
		return false, err
	}
	pipe := t.client.Pipeline()
	pipe.ZRem(ctx, presenceKey(roomID), principal)
	pipe.ZRem(ctx, typingKey(roomID), principal)
	if _, err := pipe.Exec(ctx); err != nil {
		return claimed, fmt.Errorf("presence remove: %w", err)
	}
	return claimed, nil
}

// ClaimDeparture atomically claims the right to announce a departure.
// Exactly one caller across all instances wins per presence cycle.
func (t *Tracker) ClaimDeparture(ctx context.Context, roomID uuid.UUID, principal string) (bool, error) {
	ok, err := t.client.SetNX(ctx, departureClaimKey(roomID, principal), "1", t.window).Result()
	if err != nil {
		return false, fmt.Errorf("presence claim: %w", err)
	}
	return ok, nil
}

// Run reaps silently-dead participants until ctx is cancelled. Scan
// interval is half the window so a death is noticed within 1.5 windows
// in the worst case.
func (t *Tracker) Run(ctx context.Context) {
	ticker := time.NewTicker(t.window / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			t.reap(ctx)
		}
	}
}

func (t *Tracker) reap(ctx context.Context) {
	roomIDs, err := t.client.SMembers(ctx, roomsKey).Result()
	if err != nil {
		t.logger.Warn().Err(err).Msg("presence reap: room scan failed")
		return
	}

	cutoff := strconv.FormatInt(time.Now().Add(-t.window).UnixMilli(), 10)
	for _, raw := range roomIDs {
		roomID, err := uuid.Parse(raw)
		if err != nil {
			t.client.SRem(ctx, roomsKey, raw)
			continue
		}

		key := presenceKey(roomID)
		expired, err := t.client.ZRangeByScore(ctx, key, &redis.ZRangeBy{
			Min: "-inf",
			Max: "(" + cutoff,
		}).Result()
		if err != nil {
			t.logger.Warn().Err(err).Str("room", raw).Msg("presence reap: range failed")
			continue
		}

		for _, principal := range expired {
			claimed, err := t.ClaimDeparture(ctx, roomID, principal)
			if err != nil {
				t.logger.Warn().Err(err).Msg("presence reap: claim failed")
				continue
			}
			t.client.ZRem(ctx, key, principal)
			t.client.ZRem(ctx, typingKey(roomID), principal)
			if !claimed {
				continue // another instance announced this death
			}
			metrics.PresenceReaped.Inc()
			if t.OnDeparture != nil {
				t.OnDeparture(ctx, roomID, principal)
			}
		}

		// Drop empty rooms from the registry to keep the scan bounded.
		if n, err := t.client.ZCard(ctx, key).Result(); err == nil && n == 0 {
			t.client.SRem(ctx, roomsKey, raw)
		}
	}
}

// IsExpired reports whether a heartbeat timestamp falls outside the
// liveness window at the given instant.
func IsExpired(lastHeartbeat, now time.Time, window time.Duration) bool {
	return now.Sub(lastHeartbeat) > window
}
