package store

import (
	"context"

	"github.com/classdesk/classchat/internal/models"
)

// DataStore defines the interface for durable storage of rooms, messages
// and dead-lettered jobs. Both PostgresStore and SQLiteStore implement it;
// tests substitute in-memory fakes.
type DataStore interface {
	// Connection management
	Close()
	Ping(ctx context.Context) error

	// Room operations
	FindOrCreateRoom(ctx context.Context, name string) (*models.Room, error)
	GetRoomByName(ctx context.Context, name string) (*models.Room, error)

	// Message operations
	InsertMessage(ctx context.Context, msg *models.Message) error
	ListRoomMessages(ctx context.Context, roomKey string, limit int) ([]models.Message, error)

	// Dead-letter operations
	InsertDeadLetter(ctx context.Context, payload []byte, reason string) error
	ListDeadLetters(ctx context.Context, limit int) ([]models.DeadLetter, error)
}
