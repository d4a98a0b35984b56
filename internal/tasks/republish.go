// Package tasks holds the asynq background jobs: the recovery sweep
// that republishes persisted-but-unpublished messages, and room-wide
// grant purges after gating-rule changes.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"

	"github.com/infiniteloophole/soractic-final/internal/broker"
	"github.com/infiniteloophole/soractic-final/internal/cache"
	"github.com/infiniteloophole/soractic-final/internal/metrics"
	"github.com/infiniteloophole/soractic-final/internal/store"
	"github.com/infiniteloophole/soractic-final/internal/wire"
)

const (
	TypeRepublishSweep = "republish:sweep"
	TypePurgeRoom      = "grants:purge_room"

	sweepBatch = 200
)

// PurgeRoomPayload is the payload of a grants:purge_room task.
type PurgeRoomPayload struct {
	RoomID uuid.UUID `json:"room_id"`
}

// Worker handles the gateway's background jobs.
type Worker struct {
	store  store.DataStore
	bus    broker.Publisher
	grants cache.GrantStore
	grace  time.Duration
	logger zerolog.Logger
}

// NewWorker builds the job handlers. grace is the minimum age of an
// unpublished message before the sweep touches it, so the sweep never
// races a publish that is still in flight.
func NewWorker(st store.DataStore, bus broker.Publisher, grants cache.GrantStore, grace time.Duration, logger zerolog.Logger) *Worker {
	return &Worker{
		store:  st,
		bus:    bus,
		grants: grants,
		grace:  grace,
		logger: logger.With().Str("component", "tasks").Logger(),
	}
}

// Register attaches the handlers to an asynq mux.
func (w *Worker) Register(mux *asynq.ServeMux) {
	mux.HandleFunc(TypeRepublishSweep, w.HandleSweep)
	mux.HandleFunc(TypePurgeRoom, w.HandlePurgeRoom)
}

// HandleSweep republishes every message that persisted but never made
// it onto the bus. Subscribers dedup by (room, sequence), so a message
// republished twice is harmless.
func (w *Worker) HandleSweep(ctx context.Context, _ *asynq.Task) error {
	cutoff := time.Now().Add(-w.grace)
	msgs, err := w.store.ListUnpublished(ctx, cutoff, sweepBatch)
	if err != nil {
		return fmt.Errorf("sweep list: %w", err)
	}

	for i := range msgs {
		m := &msgs[i]
		if err := w.bus.Publish(ctx, broker.RoomEvents(m.RoomID), wire.FromMessage(m)); err != nil {
			// The bus is still down; the next sweep retries.
			return fmt.Errorf("sweep publish: %w", err)
		}
		if err := w.store.MarkPublished(ctx, m.ID, time.Now().UTC()); err != nil {
			w.logger.Warn().Err(err).Str("message", m.ID).Msg("sweep mark published failed")
			continue
		}
		metrics.SweepRepublished.Inc()
		w.logger.Info().
			Str("message", m.ID).
			Str("room", m.RoomID.String()).
			Uint64("sequence", m.Sequence).
			Msg("republished message")
	}
	return nil
}

// HandlePurgeRoom drops every cached grant for a room.
func (w *Worker) HandlePurgeRoom(ctx context.Context, t *asynq.Task) error {
	var p PurgeRoomPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("purge payload: %w", err)
	}
	purged, err := w.grants.PurgeRoom(ctx, p.RoomID)
	if err != nil {
		return fmt.Errorf("purge room %s: %w", p.RoomID, err)
	}
	w.logger.Info().Str("room", p.RoomID.String()).Int("purged", purged).Msg("room grants purged")
	return nil
}

// NewSweepTask builds the periodic sweep task. Unique TTL prevents
// pile-up when a sweep outlives the enqueue interval.
func NewSweepTask() (*asynq.Task, []asynq.Option) {
	return asynq.NewTask(TypeRepublishSweep, nil),
		[]asynq.Option{asynq.MaxRetry(3), asynq.Unique(time.Minute)}
}

// NewPurgeRoomTask builds a room grant purge task.
func NewPurgeRoomTask(roomID uuid.UUID) (*asynq.Task, error) {
	payload, err := json.Marshal(PurgeRoomPayload{RoomID: roomID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(TypePurgeRoom, payload), nil
}

// RunScheduler enqueues the sweep on a fixed interval until ctx is
// cancelled.
func RunScheduler(ctx context.Context, client *asynq.Client, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			task, opts := NewSweepTask()
			if _, err := client.EnqueueContext(ctx, task, opts...); err != nil {
				logger.Warn().Err(err).Msg("sweep enqueue failed")
			}
		}
	}
}
