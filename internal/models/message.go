package models

// Attachment describes a file attached to a message. The file itself lives
// in external storage; only its descriptor travels with the message.
type Attachment struct {
	URL  string `json:"url"`
	Mime string `json:"mime"`
	Name string `json:"name"`
	Size int64  `json:"size,omitempty"`
}

// Sender identifies the authoring user of a message.
type Sender struct {
	ID   string `json:"id"`   // User UUID
	Name string `json:"name"` // Display name at send time
}

// Message represents a persisted chat message. It is created exactly once,
// after a successful datastore write, and is immutable thereafter.
type Message struct {
	ID          string       `json:"id"` // ULID
	RoomKey     string       `json:"room"`
	Sender      Sender       `json:"sender"`
	Body        string       `json:"body"`
	Attachments []Attachment `json:"attachments,omitempty"`
	Timestamp   int64        `json:"ts"` // Unix ms
}
