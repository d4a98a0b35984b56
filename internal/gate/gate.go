// Package gate decides whether a principal may join or post in a room.
// Verdicts come from a shared, TTL-bound grant cache backed by the
// external chain verifier; verifier failure is always a deny, never an
// allow.
package gate

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/infiniteloophole/soractic-final/internal/broker"
	"github.com/infiniteloophole/soractic-final/internal/cache"
	"github.com/infiniteloophole/soractic-final/internal/clients"
	"github.com/infiniteloophole/soractic-final/internal/metrics"
	"github.com/infiniteloophole/soractic-final/internal/models"
	"github.com/infiniteloophole/soractic-final/internal/store"
)

// Action is the operation being authorized.
type Action string

const (
	ActionJoin Action = "join"
	ActionPost Action = "post"
)

// Decision is an authorization verdict. A deny carries the reason the
// client sees; errors are returned separately and mean "could not
// decide", which callers must treat as a deny.
type Decision struct {
	Allow  bool
	Reason string
}

// ParticipantReader is the slice of the durable store the gate needs.
type ParticipantReader interface {
	GetParticipant(ctx context.Context, roomID uuid.UUID, principal string) (*models.Participant, error)
}

// Gate implements gated authorization with cached grants.
type Gate struct {
	grants   cache.GrantStore
	verifier clients.ChainVerifier
	parts    ParticipantReader
	notices  broker.NoticePublisher
	ttl      time.Duration
	logger   zerolog.Logger
}

// New constructs a Gate. ttl bounds how long a verification verdict is
// trusted before the chain is consulted again.
func New(grants cache.GrantStore, verifier clients.ChainVerifier, parts ParticipantReader, notices broker.NoticePublisher, ttl time.Duration, logger zerolog.Logger) *Gate {
	return &Gate{
		grants:   grants,
		verifier: verifier,
		parts:    parts,
		notices:  notices,
		ttl:      ttl,
		logger:   logger.With().Str("component", "gate").Logger(),
	}
}

// Authorize decides whether principal may perform action in room.
// The error return is reserved for "could not decide" conditions
// (verifier outage, cache failure); it never accompanies an allow.
func (g *Gate) Authorize(ctx context.Context, principal string, room *models.Room, action Action) (Decision, error) {
	start := time.Now()
	defer func() {
		metrics.AuthorizeDuration.Observe(time.Since(start).Seconds())
	}()

	if !room.Active {
		return Decision{Reason: "room is closed"}, nil
	}

	// A ban overrides everything, including open rooms.
	part, err := g.parts.GetParticipant(ctx, room.ID, principal)
	switch {
	case err == nil:
		if part.Banned {
			return Decision{Reason: "banned from room"}, nil
		}
	case errors.Is(err, store.ErrNotFound):
		// Non-members can still pass the gate; membership is recorded
		// at join time.
	default:
		return Decision{}, fmt.Errorf("participant lookup: %w", err)
	}

	if room.Rule.Kind == models.RuleOpen {
		return Decision{Allow: true}, nil
	}

	grant, err := g.grants.Get(ctx, room.ID, principal)
	if err != nil {
		// A broken cache degrades to a verifier call rather than an
		// outage; log and fall through.
		g.logger.Warn().Err(err).Str("principal", principal).Msg("grant cache unavailable")
	}
	if grant != nil {
		metrics.GrantCacheLookups.WithLabelValues("hit").Inc()
		return decisionFromGrant(grant), nil
	}
	metrics.GrantCacheLookups.WithLabelValues("miss").Inc()

	holding, err := g.verifier.Verify(ctx, principal, room.Rule)
	if err != nil {
		g.logger.Warn().Err(err).
			Str("principal", principal).
			Str("room", room.ID.String()).
			Msg("chain verification failed")
		return Decision{}, err
	}

	now := time.Now()
	grant = &models.AccessGrant{
		RoomID:     room.ID,
		Principal:  principal,
		Holding:    holding,
		VerifiedAt: now,
		ExpiresAt:  now.Add(g.ttl),
	}
	grant.Allow, grant.Reason = evaluateRule(room.Rule, holding)

	if err := g.grants.Put(ctx, grant); err != nil {
		// The verdict is still valid for this request.
		g.logger.Warn().Err(err).Msg("grant cache write failed")
	}

	return decisionFromGrant(grant), nil
}

func decisionFromGrant(g *models.AccessGrant) Decision {
	return Decision{Allow: g.Allow, Reason: g.Reason}
}

// evaluateRule applies a gating rule to a holding snapshot.
func evaluateRule(rule models.GatingRule, h models.Holding) (allow bool, reason string) {
	switch rule.Kind {
	case models.RuleOpen:
		return true, ""
	case models.RuleTokenAmountMin:
		if h.Amount >= rule.Minimum {
			return true, ""
		}
		return false, fmt.Sprintf("requires %d of %s, holding %d", rule.Minimum, rule.Asset, h.Amount)
	case models.RuleNFTCollection:
		if h.OwnsCollection {
			return true, ""
		}
		return false, fmt.Sprintf("requires an item from collection %s", rule.Asset)
	default:
		return false, fmt.Sprintf("unknown gating rule %q", rule.Kind)
	}
}

// InvalidateBan purges the grant for a banned principal immediately and
// notifies every instance so live connections are evicted. A stale
// grant after a ban is a security hole, not a staleness nuisance.
func (g *Gate) InvalidateBan(ctx context.Context, roomID uuid.UUID, principal string) error {
	if err := g.grants.Purge(ctx, roomID, principal); err != nil {
		return fmt.Errorf("ban purge: %w", err)
	}
	metrics.GrantsPurged.WithLabelValues("ban").Inc()

	return g.notices.PublishNotice(ctx, broker.Notice{
		Kind:      broker.NoticeBan,
		RoomID:    roomID,
		Principal: principal,
	})
}

// InvalidateRoomRule purges every grant for a room whose gating rule
// changed. Existing connections keep their sockets; their next post
// re-verifies against the new rule.
func (g *Gate) InvalidateRoomRule(ctx context.Context, roomID uuid.UUID) error {
	purged, err := g.grants.PurgeRoom(ctx, roomID)
	if err != nil {
		return fmt.Errorf("rule purge: %w", err)
	}
	metrics.GrantsPurged.WithLabelValues("rule_change").Add(float64(purged))

	return g.notices.PublishNotice(ctx, broker.Notice{
		Kind:   broker.NoticeRuleChange,
		RoomID: roomID,
	})
}
