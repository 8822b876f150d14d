package models

import (
	"encoding/json"
	"time"
)

// DeadLetter is a send job that exhausted its retry budget. It is retained
// for manual inspection and never retried automatically.
type DeadLetter struct {
	ID        int64           `json:"id"`
	Payload   json.RawMessage `json:"payload"`
	Reason    string          `json:"reason"`
	CreatedAt time.Time       `json:"created_at"`
}
