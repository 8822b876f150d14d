package models

import (
	"time"

	"github.com/google/uuid"
)

// Room represents a chat channel scoped to one class or group.
// The name is the stable room key callers address messages by.
type Room struct {
	ID           uuid.UUID `json:"id"`
	Name         string    `json:"name"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	MessageCount int64     `json:"message_count"`
}
