// Package store provides the durable-store contract the gateway
// depends on, with PostgreSQL and SQLite implementations. The durable
// store is the single source of truth for messages; everything else the
// gateway keeps (grants, presence, sequence counters) is reconstructible.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/infiniteloophole/soractic-final/internal/models"
)

var (
	// ErrNotFound is returned when a room or participant does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrSequenceConflict is returned when a message insert collides on
	// (room, sequence). The sequencer guarantees this never happens for
	// correctly reserved numbers; a conflict means an operator error or
	// a counter reset and must not be silently absorbed.
	ErrSequenceConflict = errors.New("store: sequence already assigned")
)

// DataStore defines the interface for persistent storage of rooms,
// participants and messages. Both PostgresStore and SQLiteStore
// implement this interface.
type DataStore interface {
	Close()
	Ping(ctx context.Context) error

	// Room operations (read surface plus moderation writes).
	GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error)
	ListRooms(ctx context.Context, limit, offset int) ([]models.Room, error)
	UpdateRoomRule(ctx context.Context, id uuid.UUID, rule models.GatingRule) error

	// Participant operations.
	GetParticipant(ctx context.Context, roomID uuid.UUID, principal string) (*models.Participant, error)
	UpsertParticipant(ctx context.Context, p *models.Participant) error
	SetBanned(ctx context.Context, roomID uuid.UUID, principal string, banned bool) error

	// Message operations. AppendMessage must be atomic per room: the
	// row either exists with its sequence number or not at all.
	AppendMessage(ctx context.Context, msg *models.Message) error
	ReadSince(ctx context.Context, roomID uuid.UUID, afterSeq uint64, limit int) ([]models.Message, error)
	MarkPublished(ctx context.Context, id string, at time.Time) error
	ListUnpublished(ctx context.Context, olderThan time.Time, limit int) ([]models.Message, error)
}
