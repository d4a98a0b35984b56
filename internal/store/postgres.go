package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/infiniteloophole/soractic-final/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// RunMigrations applies the schema. It is idempotent and safe to run at
// every startup.
func RunMigrations(ctx context.Context, databaseURL string) error {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()

	_, err = pool.Exec(ctx, schemaPostgres)
	return err
}

const schemaPostgres = `
CREATE TABLE IF NOT EXISTS rooms (
	id          UUID PRIMARY KEY,
	name        TEXT NOT NULL,
	rule_kind   TEXT NOT NULL DEFAULT 'open',
	rule_asset  TEXT NOT NULL DEFAULT '',
	rule_min    BIGINT NOT NULL DEFAULT 0,
	capacity    INT NOT NULL DEFAULT 0,
	active      BOOLEAN NOT NULL DEFAULT TRUE,
	created_by  TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS participants (
	room_id    UUID NOT NULL REFERENCES rooms(id),
	principal  TEXT NOT NULL,
	role       TEXT NOT NULL DEFAULT 'member',
	banned     BOOLEAN NOT NULL DEFAULT FALSE,
	joined_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (room_id, principal)
);

CREATE TABLE IF NOT EXISTS messages (
	id            TEXT PRIMARY KEY,
	room_id       UUID NOT NULL REFERENCES rooms(id),
	author        TEXT NOT NULL,
	sequence      BIGINT NOT NULL,
	type          TEXT NOT NULL,
	payload       JSONB NOT NULL,
	created_at    TIMESTAMPTZ NOT NULL DEFAULT now(),
	published_at  TIMESTAMPTZ,
	UNIQUE (room_id, sequence)
);

CREATE INDEX IF NOT EXISTS idx_messages_room_seq ON messages (room_id, sequence);
CREATE INDEX IF NOT EXISTS idx_messages_unpublished ON messages (created_at) WHERE published_at IS NULL;
`

// GetRoom retrieves a room by id.
func (s *PostgresStore) GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	room := &models.Room{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, rule_kind, rule_asset, rule_min, capacity, active, created_by, created_at, updated_at
		FROM rooms WHERE id = $1
	`, id).Scan(
		&room.ID,
		&room.Name,
		&room.Rule.Kind,
		&room.Rule.Asset,
		&room.Rule.Minimum,
		&room.Capacity,
		&room.Active,
		&room.CreatedBy,
		&room.CreatedAt,
		&room.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return room, nil
}

// ListRooms returns active rooms ordered by creation time.
func (s *PostgresStore) ListRooms(ctx context.Context, limit, offset int) ([]models.Room, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, rule_kind, rule_asset, rule_min, capacity, active, created_by, created_at, updated_at
		FROM rooms WHERE active = TRUE
		ORDER BY created_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []models.Room
	for rows.Next() {
		var r models.Room
		if err := rows.Scan(
			&r.ID, &r.Name, &r.Rule.Kind, &r.Rule.Asset, &r.Rule.Minimum,
			&r.Capacity, &r.Active, &r.CreatedBy, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

// UpdateRoomRule replaces a room's gating rule.
func (s *PostgresStore) UpdateRoomRule(ctx context.Context, id uuid.UUID, rule models.GatingRule) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE rooms SET rule_kind = $2, rule_asset = $3, rule_min = $4, updated_at = now()
		WHERE id = $1
	`, id, rule.Kind, rule.Asset, rule.Minimum)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// GetParticipant retrieves a (room, principal) membership record.
func (s *PostgresStore) GetParticipant(ctx context.Context, roomID uuid.UUID, principal string) (*models.Participant, error) {
	p := &models.Participant{}
	err := s.pool.QueryRow(ctx, `
		SELECT room_id, principal, role, banned, joined_at
		FROM participants WHERE room_id = $1 AND principal = $2
	`, roomID, principal).Scan(&p.RoomID, &p.Principal, &p.Role, &p.Banned, &p.JoinedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

// UpsertParticipant inserts a membership record, keeping the existing
// role and ban flag when the record already exists.
func (s *PostgresStore) UpsertParticipant(ctx context.Context, p *models.Participant) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO participants (room_id, principal, role, banned, joined_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (room_id, principal) DO NOTHING
	`, p.RoomID, p.Principal, p.Role, p.Banned, p.JoinedAt)
	return err
}

// SetBanned flips the ban flag for a participant.
func (s *PostgresStore) SetBanned(ctx context.Context, roomID uuid.UUID, principal string, banned bool) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE participants SET banned = $3 WHERE room_id = $1 AND principal = $2
	`, roomID, principal, banned)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage inserts a message row. The UNIQUE (room_id, sequence)
// constraint makes the write and its position reservation atomic: a
// clash surfaces as ErrSequenceConflict instead of a reorder.
func (s *PostgresStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, room_id, author, sequence, type, payload, created_at, published_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, msg.ID, msg.RoomID, msg.Author, msg.Sequence, msg.Type, msg.Payload, msg.CreatedAt, msg.PublishedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrSequenceConflict
		}
		return err
	}
	return nil
}

// ReadSince returns messages with sequence > afterSeq in sequence order.
// Used for gap backfill; tombstoned numbers simply have no row.
func (s *PostgresStore) ReadSince(ctx context.Context, roomID uuid.UUID, afterSeq uint64, limit int) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, room_id, author, sequence, type, payload, created_at, published_at
		FROM messages WHERE room_id = $1 AND sequence > $2
		ORDER BY sequence ASC
		LIMIT $3
	`, roomID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

// MarkPublished records the fan-out time of a persisted message.
func (s *PostgresStore) MarkPublished(ctx context.Context, id string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE messages SET published_at = $2 WHERE id = $1 AND published_at IS NULL
	`, id, at)
	return err
}

// ListUnpublished returns persisted messages that were never fanned
// out, oldest first. The recovery sweep republishes these.
func (s *PostgresStore) ListUnpublished(ctx context.Context, olderThan time.Time, limit int) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, room_id, author, sequence, type, payload, created_at, published_at
		FROM messages WHERE published_at IS NULL AND created_at < $1
		ORDER BY created_at ASC
		LIMIT $2
	`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows pgx.Rows) ([]models.Message, error) {
	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(
			&m.ID, &m.RoomID, &m.Author, &m.Sequence, &m.Type,
			&m.Payload, &m.CreatedAt, &m.PublishedAt,
		); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
