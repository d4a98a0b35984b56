package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/infiniteloophole/soractic-final/internal/broker"
	"github.com/infiniteloophole/soractic-final/internal/metrics"
	"github.com/infiniteloophole/soractic-final/internal/models"
	"github.com/infiniteloophole/soractic-final/internal/wire"
)

// MessageAppender is the slice of the durable store the publish
// pipeline writes through.
type MessageAppender interface {
	AppendMessage(ctx context.Context, msg *models.Message) error
	MarkPublished(ctx context.Context, id string, at time.Time) error
}

// SequenceSource reserves per-room sequence numbers and records
// tombstones for reservations whose write failed.
type SequenceSource interface {
	Next(ctx context.Context, roomID uuid.UUID) (uint64, error)
	Current(ctx context.Context, roomID uuid.UUID) (uint64, error)
	Tombstone(ctx context.Context, roomID uuid.UUID, seq uint64) error
}

// Pipeline is the persist-sequence-publish path every sequenced room
// event takes: reserve a number, write the row, fan out. Ordering
// within a room follows reservation order; a failed write tombstones
// its reservation and publishes nothing.
type Pipeline struct {
	store  MessageAppender
	seq    SequenceSource
	bus    broker.Publisher
	logger zerolog.Logger
}

// NewPipeline wires the publish path.
func NewPipeline(store MessageAppender, seq SequenceSource, bus broker.Publisher, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		store:  store,
		seq:    seq,
		bus:    bus,
		logger: logger.With().Str("component", "pipeline").Logger(),
	}
}

// Post persists and publishes one room event. The returned message has
// its assigned sequence even when the error is ErrBrokerUnavailable:
// the write succeeded, so the author is acknowledged and the recovery
// sweep owns the fan-out.
func (p *Pipeline) Post(ctx context.Context, roomID uuid.UUID, author string, mtype models.MessageType, payload any) (*models.Message, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("pipeline encode: %w", err)
	}

	seq, err := p.seq.Next(ctx, roomID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}

	msg := &models.Message{
		ID:        ulid.Make().String(),
		RoomID:    roomID,
		Author:    author,
		Sequence:  seq,
		Type:      mtype,
		Payload:   body,
		CreatedAt: time.Now().UTC(),
	}

	if err := p.store.AppendMessage(ctx, msg); err != nil {
		metrics.PersistenceFailures.Inc()
		if terr := p.seq.Tombstone(ctx, roomID, seq); terr != nil {
			p.logger.Error().Err(terr).
				Str("room", roomID.String()).
				Uint64("sequence", seq).
				Msg("tombstone write failed; gap will read as unexplained")
		} else {
			metrics.SequenceTombstones.Inc()
		}
		return nil, fmt.Errorf("%w: %v", ErrPersistence, err)
	}
	metrics.MessagesPersisted.WithLabelValues(string(mtype)).Inc()

	if err := p.bus.Publish(ctx, broker.RoomEvents(roomID), wire.FromMessage(msg)); err != nil {
		// Durable but not fanned out; the sweep republishes.
		p.logger.Warn().Err(err).
			Str("message", msg.ID).
			Uint64("sequence", seq).
			Msg("publish failed after persistence")
		return msg, errors.Join(ErrBrokerUnavailable, err)
	}

	if err := p.store.MarkPublished(ctx, msg.ID, time.Now().UTC()); err != nil {
		// Worst case the sweep republishes once more; subscribers
		// dedup by (room, sequence).
		p.logger.Warn().Err(err).Str("message", msg.ID).Msg("mark published failed")
	}
	now := time.Now().UTC()
	msg.PublishedAt = &now
	return msg, nil
}
