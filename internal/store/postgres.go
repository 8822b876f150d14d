package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/classdesk/classchat/internal/metrics"
	"github.com/classdesk/classchat/internal/models"
)

// PostgresStore handles PostgreSQL database operations.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL store with a connection pool
// and bootstraps the schema.
func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, err
	}

	s := &PostgresStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// initSchema creates tables if they don't exist. The uniqueness constraint
// on rooms.name is what makes concurrent find-or-create safe.
func (s *PostgresStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		name TEXT UNIQUE NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		last_active_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		message_count BIGINT NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		room_id UUID NOT NULL REFERENCES rooms(id),
		sender_id TEXT NOT NULL,
		sender_name TEXT NOT NULL DEFAULT '',
		body TEXT NOT NULL DEFAULT '',
		attachments JSONB,
		created_at TIMESTAMPTZ NOT NULL
	);

	CREATE TABLE IF NOT EXISTS dead_letters (
		id BIGSERIAL PRIMARY KEY,
		payload JSONB NOT NULL,
		reason TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages(room_id, created_at);
	`
	_, err := s.pool.Exec(ctx, schema)
	return err
}

// Close closes the database connection pool.
func (s *PostgresStore) Close() {
	s.pool.Close()
}

// Ping checks the database connection.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// FindOrCreateRoom resolves a room by its stable key, creating it if
// necessary. Concurrent creation attempts are resolved by the uniqueness
// constraint: the losing insert is a no-op and the follow-up select sees
// the winner's row.
func (s *PostgresStore) FindOrCreateRoom(ctx context.Context, name string) (*models.Room, error) {
	start := time.Now()
	defer func() { metrics.StoreLatency.Observe(time.Since(start).Seconds()) }()

	_, err := s.pool.Exec(ctx, `
		INSERT INTO rooms (name) VALUES ($1)
		ON CONFLICT (name) DO NOTHING
	`, name)
	if err != nil {
		return nil, err
	}

	return s.GetRoomByName(ctx, name)
}

// GetRoomByName retrieves a room by its stable key. Returns nil, nil when
// the room does not exist.
func (s *PostgresStore) GetRoomByName(ctx context.Context, name string) (*models.Room, error) {
	room := &models.Room{}
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, created_at, last_active_at, message_count
		FROM rooms WHERE name = $1
	`, name).Scan(
		&room.ID,
		&room.Name,
		&room.CreatedAt,
		&room.LastActiveAt,
		&room.MessageCount,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return room, nil
}

// InsertMessage writes a message row and bumps the room's activity in one
// transaction. The insert is idempotent on message ID, so a retried job
// whose earlier attempt actually committed does not produce a duplicate.
func (s *PostgresStore) InsertMessage(ctx context.Context, msg *models.Message) error {
	start := time.Now()
	defer func() { metrics.StoreLatency.Observe(time.Since(start).Seconds()) }()

	var attachments []byte
	if len(msg.Attachments) > 0 {
		var err error
		attachments, err = json.Marshal(msg.Attachments)
		if err != nil {
			return err
		}
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, `
		INSERT INTO messages (id, room_id, sender_id, sender_name, body, attachments, created_at)
		VALUES ($1, (SELECT id FROM rooms WHERE name = $2), $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO NOTHING
	`, msg.ID, msg.RoomKey, msg.Sender.ID, msg.Sender.Name, msg.Body, attachments,
		time.UnixMilli(msg.Timestamp).UTC())
	if err != nil {
		return err
	}

	if tag.RowsAffected() == 1 {
		_, err = tx.Exec(ctx, `
			UPDATE rooms
			SET message_count = message_count + 1, last_active_at = NOW()
			WHERE name = $1
		`, msg.RoomKey)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

// ListRoomMessages retrieves the most recent messages in a room, newest
// first, ordered by creation time.
func (s *PostgresStore) ListRoomMessages(ctx context.Context, roomKey string, limit int) ([]models.Message, error) {
	start := time.Now()
	defer func() { metrics.StoreLatency.Observe(time.Since(start).Seconds()) }()

	rows, err := s.pool.Query(ctx, `
		SELECT m.id, r.name, m.sender_id, m.sender_name, m.body, m.attachments, m.created_at
		FROM messages m
		JOIN rooms r ON r.id = m.room_id
		WHERE r.name = $1
		ORDER BY m.created_at DESC
		LIMIT $2
	`, roomKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var (
			msg         models.Message
			attachments []byte
			createdAt   time.Time
		)
		err := rows.Scan(
			&msg.ID,
			&msg.RoomKey,
			&msg.Sender.ID,
			&msg.Sender.Name,
			&msg.Body,
			&attachments,
			&createdAt,
		)
		if err != nil {
			return nil, err
		}
		if len(attachments) > 0 {
			if err := json.Unmarshal(attachments, &msg.Attachments); err != nil {
				return nil, err
			}
		}
		msg.Timestamp = createdAt.UnixMilli()
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// InsertDeadLetter records a job that exhausted its retry budget.
func (s *PostgresStore) InsertDeadLetter(ctx context.Context, payload []byte, reason string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO dead_letters (payload, reason) VALUES ($1, $2)
	`, payload, reason)
	return err
}

// ListDeadLetters retrieves dead-lettered jobs for manual inspection,
// newest first.
func (s *PostgresStore) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetter, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, payload, reason, created_at
		FROM dead_letters
		ORDER BY created_at DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var letters []models.DeadLetter
	for rows.Next() {
		var dl models.DeadLetter
		if err := rows.Scan(&dl.ID, &dl.Payload, &dl.Reason, &dl.CreatedAt); err != nil {
			return nil, err
		}
		letters = append(letters, dl)
	}

	return letters, rows.Err()
}
