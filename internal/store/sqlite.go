package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/infiniteloophole/soractic-final/internal/models"
)

// SQLiteStore handles SQLite database operations. It exists for local
// development and tests; production runs PostgresStore.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/soractic.db".
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/soractic.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}

	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

func (s *SQLiteStore) initSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS rooms (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	rule_kind   TEXT NOT NULL DEFAULT 'open',
	rule_asset  TEXT NOT NULL DEFAULT '',
	rule_min    INTEGER NOT NULL DEFAULT 0,
	capacity    INTEGER NOT NULL DEFAULT 0,
	active      INTEGER NOT NULL DEFAULT 1,
	created_by  TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	updated_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS participants (
	room_id    TEXT NOT NULL REFERENCES rooms(id),
	principal  TEXT NOT NULL,
	role       TEXT NOT NULL DEFAULT 'member',
	banned     INTEGER NOT NULL DEFAULT 0,
	joined_at  TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (room_id, principal)
);

CREATE TABLE IF NOT EXISTS messages (
	id            TEXT PRIMARY KEY,
	room_id       TEXT NOT NULL REFERENCES rooms(id),
	author        TEXT NOT NULL,
	sequence      INTEGER NOT NULL,
	type          TEXT NOT NULL,
	payload       TEXT NOT NULL,
	created_at    TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP,
	published_at  TIMESTAMP,
	UNIQUE (room_id, sequence)
);
`)
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() {
	_ = s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// GetRoom retrieves a room by id.
func (s *SQLiteStore) GetRoom(ctx context.Context, id uuid.UUID) (*models.Room, error) {
	room := &models.Room{}
	var idStr string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, rule_kind, rule_asset, rule_min, capacity, active, created_by, created_at, updated_at
		FROM rooms WHERE id = ?
	`, id.String()).Scan(
		&idStr, &room.Name, &room.Rule.Kind, &room.Rule.Asset, &room.Rule.Minimum,
		&room.Capacity, &room.Active, &room.CreatedBy, &room.CreatedAt, &room.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	room.ID, err = uuid.Parse(idStr)
	if err != nil {
		return nil, err
	}
	return room, nil
}

// ListRooms returns active rooms ordered by creation time.
func (s *SQLiteStore) ListRooms(ctx context.Context, limit, offset int) ([]models.Room, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, rule_kind, rule_asset, rule_min, capacity, active, created_by, created_at, updated_at
		FROM rooms WHERE active = 1
		ORDER BY created_at DESC
		LIMIT ? OFFSET ?
	`, limit, offset)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rooms []models.Room
	for rows.Next() {
		var r models.Room
		var idStr string
		if err := rows.Scan(
			&idStr, &r.Name, &r.Rule.Kind, &r.Rule.Asset, &r.Rule.Minimum,
			&r.Capacity, &r.Active, &r.CreatedBy, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, err
		}
		if r.ID, err = uuid.Parse(idStr); err != nil {
			return nil, err
		}
		rooms = append(rooms, r)
	}
	return rooms, rows.Err()
}

// UpdateRoomRule replaces a room's gating rule.
func (s *SQLiteStore) UpdateRoomRule(ctx context.Context, id uuid.UUID, rule models.GatingRule) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE rooms SET rule_kind = ?, rule_asset = ?, rule_min = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`, rule.Kind, rule.Asset, rule.Minimum, id.String())
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// GetParticipant retrieves a (room, principal) membership record.
func (s *SQLiteStore) GetParticipant(ctx context.Context, roomID uuid.UUID, principal string) (*models.Participant, error) {
	p := &models.Participant{}
	var idStr string
	err := s.db.QueryRowContext(ctx, `
		SELECT room_id, principal, role, banned, joined_at
		FROM participants WHERE room_id = ? AND principal = ?
	`, roomID.String(), principal).Scan(&idStr, &p.Principal, &p.Role, &p.Banned, &p.JoinedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if p.RoomID, err = uuid.Parse(idStr); err != nil {
		return nil, err
	}
	return p, nil
}

// UpsertParticipant inserts a membership record if absent.
func (s *SQLiteStore) UpsertParticipant(ctx context.Context, p *models.Participant) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO participants (room_id, principal, role, banned, joined_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (room_id, principal) DO NOTHING
	`, p.RoomID.String(), p.Principal, p.Role, p.Banned, p.JoinedAt)
	return err
}

// SetBanned flips the ban flag for a participant.
func (s *SQLiteStore) SetBanned(ctx context.Context, roomID uuid.UUID, principal string, banned bool) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE participants SET banned = ? WHERE room_id = ? AND principal = ?
	`, banned, roomID.String(), principal)
	if err != nil {
		return err
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// AppendMessage inserts a message row, atomic on (room, sequence).
func (s *SQLiteStore) AppendMessage(ctx context.Context, msg *models.Message) error {
	var published any
	if msg.PublishedAt != nil {
		published = *msg.PublishedAt
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO messages (id, room_id, author, sequence, type, payload, created_at, published_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.RoomID.String(), msg.Author, msg.Sequence, msg.Type, string(msg.Payload), msg.CreatedAt, published)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrSequenceConflict
		}
		return err
	}
	return nil
}

// ReadSince returns messages with sequence > afterSeq in sequence order.
func (s *SQLiteStore) ReadSince(ctx context.Context, roomID uuid.UUID, afterSeq uint64, limit int) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, author, sequence, type, payload, created_at, published_at
		FROM messages WHERE room_id = ? AND sequence > ?
		ORDER BY sequence ASC
		LIMIT ?
	`, roomID.String(), afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSQLiteMessages(rows)
}

// MarkPublished records the fan-out time of a persisted message.
func (s *SQLiteStore) MarkPublished(ctx context.Context, id string, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE messages SET published_at = ? WHERE id = ? AND published_at IS NULL
	`, at, id)
	return err
}

// ListUnpublished returns persisted messages that were never fanned out.
func (s *SQLiteStore) ListUnpublished(ctx context.Context, olderThan time.Time, limit int) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, room_id, author, sequence, type, payload, created_at, published_at
		FROM messages WHERE published_at IS NULL AND created_at < ?
		ORDER BY created_at ASC
		LIMIT ?
	`, olderThan, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanSQLiteMessages(rows)
}

func scanSQLiteMessages(rows *sql.Rows) ([]models.Message, error) {
	var msgs []models.Message
	for rows.Next() {
		var m models.Message
		var idStr, payload string
		var published sql.NullTime
		if err := rows.Scan(
			&idStr, &m.RoomID, &m.Author, &m.Sequence, &m.Type,
			&payload, &m.CreatedAt, &published,
		); err != nil {
			return nil, err
		}
		// sqlite stores room_id as TEXT; uuid scans via the string form.
		m.ID = idStr
		m.Payload = json.RawMessage(payload)
		if published.Valid {
			t := published.Time
			m.PublishedAt = &t
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}
