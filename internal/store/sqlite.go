package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/classdesk/classchat/internal/models"
)

// SQLiteStore handles SQLite database operations. It is the development
// fallback used when no DATABASE_URL is configured.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store.
// If dbPath is empty, defaults to "./data/classchat.db"
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		dbPath = "./data/classchat.db"
	}

	// Ensure directory exists
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		return nil, err
	}

	store := &SQLiteStore{db: db}

	// Initialize schema
	if err := store.initSchema(ctx); err != nil {
		return nil, err
	}

	return store, nil
}

// initSchema creates tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS rooms (
		id TEXT PRIMARY KEY,
		name TEXT UNIQUE NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		last_active_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		message_count INTEGER DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		room_id TEXT NOT NULL REFERENCES rooms(id),
		sender_id TEXT NOT NULL,
		sender_name TEXT DEFAULT '',
		body TEXT DEFAULT '',
		attachments TEXT,
		created_at DATETIME NOT NULL
	);

	CREATE TABLE IF NOT EXISTS dead_letters (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		payload TEXT NOT NULL,
		reason TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_messages_room_created ON messages(room_id, created_at);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() {
	s.db.Close()
}

// Ping checks the database connection.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// FindOrCreateRoom resolves a room by its stable key, creating it if
// necessary. INSERT OR IGNORE plus the name uniqueness constraint makes
// this safe under concurrent creation.
func (s *SQLiteStore) FindOrCreateRoom(ctx context.Context, name string) (*models.Room, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO rooms (id, name) VALUES (?, ?)
	`, uuid.New().String(), name)
	if err != nil {
		return nil, err
	}

	return s.GetRoomByName(ctx, name)
}

// GetRoomByName retrieves a room by its stable key. Returns nil, nil when
// the room does not exist.
func (s *SQLiteStore) GetRoomByName(ctx context.Context, name string) (*models.Room, error) {
	room := &models.Room{}
	var idStr string
	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, created_at, last_active_at, message_count
		FROM rooms WHERE name = ?
	`, name).Scan(
		&idStr,
		&room.Name,
		&room.CreatedAt,
		&room.LastActiveAt,
		&room.MessageCount,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	room.ID, err = uuid.Parse(idStr)
	if err != nil {
		return nil, err
	}
	return room, nil
}

// InsertMessage writes a message row and bumps the room's activity in one
// transaction. Idempotent on message ID.
func (s *SQLiteStore) InsertMessage(ctx context.Context, msg *models.Message) error {
	var attachments []byte
	if len(msg.Attachments) > 0 {
		var err error
		attachments, err = json.Marshal(msg.Attachments)
		if err != nil {
			return err
		}
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `
		INSERT OR IGNORE INTO messages (id, room_id, sender_id, sender_name, body, attachments, created_at)
		VALUES (?, (SELECT id FROM rooms WHERE name = ?), ?, ?, ?, ?, ?)
	`, msg.ID, msg.RoomKey, msg.Sender.ID, msg.Sender.Name, msg.Body, nullableText(attachments),
		time.UnixMilli(msg.Timestamp).UTC())
	if err != nil {
		return err
	}

	if n, _ := res.RowsAffected(); n == 1 {
		_, err = tx.ExecContext(ctx, `
			UPDATE rooms
			SET message_count = message_count + 1, last_active_at = CURRENT_TIMESTAMP
			WHERE name = ?
		`, msg.RoomKey)
		if err != nil {
			return err
		}
	}

	return tx.Commit()
}

// ListRoomMessages retrieves the most recent messages in a room, newest first.
func (s *SQLiteStore) ListRoomMessages(ctx context.Context, roomKey string, limit int) ([]models.Message, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.id, r.name, m.sender_id, m.sender_name, m.body, m.attachments, m.created_at
		FROM messages m
		JOIN rooms r ON r.id = m.room_id
		WHERE r.name = ?
		ORDER BY m.created_at DESC
		LIMIT ?
	`, roomKey, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []models.Message
	for rows.Next() {
		var (
			msg         models.Message
			attachments sql.NullString
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
		if attachments.Valid && attachments.String != "" {
			if err := json.Unmarshal([]byte(attachments.String), &msg.Attachments); err != nil {
				return nil, err
			}
		}
		msg.Timestamp = createdAt.UnixMilli()
		messages = append(messages, msg)
	}

	return messages, rows.Err()
}

// InsertDeadLetter records a job that exhausted its retry budget.
func (s *SQLiteStore) InsertDeadLetter(ctx context.Context, payload []byte, reason string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO dead_letters (payload, reason) VALUES (?, ?)
	`, string(payload), reason)
	return err
}

// ListDeadLetters retrieves dead-lettered jobs for manual inspection,
// newest first.
func (s *SQLiteStore) ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, payload, reason, created_at
		FROM dead_letters
		ORDER BY created_at DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var letters []models.DeadLetter
	for rows.Next() {
		var (
			dl      models.DeadLetter
			payload string
		)
		if err := rows.Scan(&dl.ID, &payload, &dl.Reason, &dl.CreatedAt); err != nil {
			return nil, err
		}
		dl.Payload = json.RawMessage(payload)
		letters = append(letters, dl)
	}

	return letters, rows.Err()
}

// nullableText stores empty byte slices as NULL.
func nullableText(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
