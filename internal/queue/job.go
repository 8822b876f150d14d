package queue

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/classdesk/classchat/internal/models"
)

// Retry policy for send jobs: exponential backoff from retryBase, at most
// MaxAttempts total attempts before the job is dead-lettered.
const (
	MaxAttempts = 3
	retryBase   = 2 * time.Second
)

// ErrMalformedJob marks a job missing its sender or room. Such jobs are
// rejected at enqueue time and never retried.
var ErrMalformedJob = errors.New("queue: malformed job")

// ErrUnavailable is returned when the queue cannot accept a job because
// the broker is down. Callers fall back to a direct synchronous send.
var ErrUnavailable = errors.New("queue: broker unavailable")

// Job is an outbound message awaiting delivery. The queue owns it from
// enqueue until acknowledgement; its ID doubles as the message ID so a
// retried persist stays idempotent.
type Job struct {
	ID          string              `json:"id"` // ULID
	RoomKey     string              `json:"room"`
	Sender      models.Sender       `json:"sender"`
	Body        string              `json:"body"`
	Attachments []models.Attachment `json:"attachments,omitempty"`
	CreatedAt   int64               `json:"created_at"` // Unix ms
	Attempts    int                 `json:"attempts"`   // completed delivery attempts
}

// NewJob builds a send job with a fresh ULID and creation timestamp.
func NewJob(roomKey string, sender models.Sender, body string, attachments []models.Attachment) *Job {
	return &Job{
		ID:          ulid.Make().String(),
		RoomKey:     roomKey,
		Sender:      sender,
		Body:        body,
		Attachments: attachments,
		CreatedAt:   time.Now().UnixMilli(),
	}
}

// Validate rejects jobs that can never be delivered.
func (j *Job) Validate() error {
	if j.RoomKey == "" || j.Sender.ID == "" {
		return ErrMalformedJob
	}
	if j.Body == "" && len(j.Attachments) == 0 {
		return ErrMalformedJob
	}
	return nil
}

// Message materializes the persisted form of the job.
func (j *Job) Message() *models.Message {
	return &models.Message{
		ID:          j.ID,
		RoomKey:     j.RoomKey,
		Sender:      j.Sender,
		Body:        j.Body,
		Attachments: j.Attachments,
		Timestamp:   j.CreatedAt,
	}
}

// Encode serializes the job for the wire.
func (j *Job) Encode() ([]byte, error) {
	return json.Marshal(j)
}

// DecodeJob deserializes a job payload.
func DecodeJob(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, err
	}
	return &j, nil
}

// RetryDelay returns the backoff before the next attempt, given the
// number of completed attempts: 2s after the first failure, 4s after the
// second.
func RetryDelay(attempts int) time.Duration {
	d := retryBase
	for i := 1; i < attempts; i++ {
		d *= 2
	}
	return d
}
