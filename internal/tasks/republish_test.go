package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/infiniteloophole/soractic-final/internal/broker"
	"github.com/infiniteloophole/soractic-final/internal/models"
	"github.com/infiniteloophole/soractic-final/internal/store"
	"github.com/infiniteloophole/soractic-final/internal/wire"
)

type sweepStore struct {
	store.DataStore
	unpublished []models.Message
	listErr     error
	markErr     error
	marked      []string
}

func (s *sweepStore) ListUnpublished(_ context.Context, _ time.Time, _ int) ([]models.Message, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.unpublished, nil
}

func (s *sweepStore) MarkPublished(_ context.Context, id string, _ time.Time) error {
	if s.markErr != nil {
		return s.markErr
	}
	s.marked = append(s.marked, id)
	return nil
}

type recordingBus struct {
	err       error
	published []wire.Event
	channels  []string
}

func (b *recordingBus) Publish(_ context.Context, channel string, ev wire.Event) error {
	if b.err != nil {
		return b.err
	}
	b.published = append(b.published, ev)
	b.channels = append(b.channels, channel)
	return nil
}

type purgeGrants struct {
	rooms []uuid.UUID
}

func (g *purgeGrants) Get(context.Context, uuid.UUID, string) (*models.AccessGrant, error) {
	return nil, nil
}

func (g *purgeGrants) Put(context.Context, *models.AccessGrant) error { return nil }

func (g *purgeGrants) Purge(context.Context, uuid.UUID, string) error { return nil }

func (g *purgeGrants) PurgeRoom(_ context.Context, roomID uuid.UUID) (int, error) {
	g.rooms = append(g.rooms, roomID)
	return 3, nil
}

func unpublishedMessage(roomID uuid.UUID, seq uint64) models.Message {
	return models.Message{
		ID:        uuid.NewString(),
		RoomID:    roomID,
		Author:    "alice",
		Sequence:  seq,
		Type:      models.MessageText,
		Payload:   json.RawMessage(`{"body":"hi"}`),
		CreatedAt: time.Now().Add(-time.Minute).UTC(),
	}
}

func sweepTask() *asynq.Task {
	task, _ := NewSweepTask()
	return task
}

func TestHandleSweepRepublishes(t *testing.T) {
	roomID := uuid.New()
	st := &sweepStore{unpublished: []models.Message{
		unpublishedMessage(roomID, 4),
		unpublishedMessage(roomID, 7),
	}}
	bus := &recordingBus{}
	w := NewWorker(st, bus, &purgeGrants{}, 15*time.Second, zerolog.Nop())

	require.NoError(t, w.HandleSweep(context.Background(), sweepTask()))

	require.Len(t, bus.published, 2)
	require.Equal(t, uint64(4), bus.published[0].Sequence)
	require.Equal(t, uint64(7), bus.published[1].Sequence)
	require.Equal(t, broker.RoomEvents(roomID), bus.channels[0])
	require.Equal(t, []string{st.unpublished[0].ID, st.unpublished[1].ID}, st.marked)
}

func TestHandleSweepEmptyBacklog(t *testing.T) {
	bus := &recordingBus{}
	w := NewWorker(&sweepStore{}, bus, &purgeGrants{}, 15*time.Second, zerolog.Nop())

	require.NoError(t, w.HandleSweep(context.Background(), sweepTask()))
	require.Empty(t, bus.published)
}

func TestHandleSweepBusDownRetriesLater(t *testing.T) {
	st := &sweepStore{unpublished: []models.Message{unpublishedMessage(uuid.New(), 4)}}
	bus := &recordingBus{err: errors.New("pubsub down")}
	w := NewWorker(st, bus, &purgeGrants{}, 15*time.Second, zerolog.Nop())

	require.Error(t, w.HandleSweep(context.Background(), sweepTask()))
	require.Empty(t, st.marked, "a failed publish must leave the message for the next sweep")
}

func TestHandleSweepMarkFailureKeepsGoing(t *testing.T) {
	roomID := uuid.New()
	st := &sweepStore{
		unpublished: []models.Message{
			unpublishedMessage(roomID, 4),
			unpublishedMessage(roomID, 7),
		},
		markErr: errors.New("transient"),
	}
	bus := &recordingBus{}
	w := NewWorker(st, bus, &purgeGrants{}, 15*time.Second, zerolog.Nop())

	require.NoError(t, w.HandleSweep(context.Background(), sweepTask()))
	require.Len(t, bus.published, 2, "mark failures must not block the rest of the batch")
}

func TestHandlePurgeRoom(t *testing.T) {
	grants := &purgeGrants{}
	w := NewWorker(&sweepStore{}, &recordingBus{}, grants, 15*time.Second, zerolog.Nop())

	roomID := uuid.New()
	task, err := NewPurgeRoomTask(roomID)
	require.NoError(t, err)

	require.NoError(t, w.HandlePurgeRoom(context.Background(), task))
	require.Equal(t, []uuid.UUID{roomID}, grants.rooms)
}

func TestHandlePurgeRoomBadPayload(t *testing.T) {
	w := NewWorker(&sweepStore{}, &recordingBus{}, &purgeGrants{}, 15*time.Second, zerolog.Nop())
	task := asynq.NewTask(TypePurgeRoom, []byte("not json"))
	require.Error(t, w.HandlePurgeRoom(context.Background(), task))
}
