package chat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/classdesk/classchat/internal/metrics"
	"github.com/classdesk/classchat/internal/models"
	"github.com/classdesk/classchat/internal/queue"
	"github.com/classdesk/classchat/internal/store"
)

const (
	// persistTimeout bounds one persist attempt; a timeout counts as a
	// failure for retry purposes.
	persistTimeout = 5 * time.Second

	// historyLimit is how many recent messages the read path serves.
	historyLimit = 50
)

// SubmitState is the outcome of a message submission.
type SubmitState string

const (
	// StateQueued: the job is on the durable queue; a worker will
	// persist and broadcast it.
	StateQueued SubmitState = "queued"
	// StateAccepted: the queue was unavailable and the message was
	// persisted synchronously instead.
	StateAccepted SubmitState = "accepted"
	// StateRateLimited: the sender exceeded their window; try again
	// later. A normal outcome, not an error.
	StateRateLimited SubmitState = "rate_limited"
	// StateFailed: the message was rejected or could not be persisted.
	StateFailed SubmitState = "failed"
)

// SubmitResult reports what happened to a submission.
type SubmitResult struct {
	State     SubmitState `json:"state"`
	MessageID string      `json:"message_id,omitempty"`
}

// RateLimiter answers allowed/denied for a prospective send.
type RateLimiter interface {
	Allow(ctx context.Context, senderID string) bool
}

// History is the room history cache.
type History interface {
	Get(ctx context.Context, roomKey string) ([]models.Message, bool)
	Put(ctx context.Context, roomKey string, messages []models.Message)
	Invalidate(ctx context.Context, roomKey string)
}

// Presence refreshes activity leases.
type Presence interface {
	MarkOnline(ctx context.Context, userID, roomKey string)
}

// Enqueuer accepts jobs onto the durable send queue.
type Enqueuer interface {
	Enqueue(ctx context.Context, job *queue.Job) error
}

// Broadcaster pushes persisted messages to live subscribers.
type Broadcaster interface {
	Publish(ctx context.Context, roomKey string, msg *models.Message)
}

// StatusRecorder enqueues delivery/read transitions, fire-and-forget.
type StatusRecorder interface {
	Record(ctx context.Context, messageID, status string)
}

// Service is the chat delivery engine: the single entry point the
// UI-facing layer calls to send messages and read history.
type Service struct {
	store    store.DataStore
	queue    Enqueuer
	limiter  RateLimiter
	history  History
	presence Presence
	fanout   Broadcaster
	status   StatusRecorder
	logger   zerolog.Logger
}

// New creates the Service.
func New(ds store.DataStore, q Enqueuer, limiter RateLimiter, history History, presence Presence, fanout Broadcaster, status StatusRecorder, logger zerolog.Logger) *Service {
	return &Service{
		store:    ds,
		queue:    q,
		limiter:  limiter,
		history:  history,
		presence: presence,
		fanout:   fanout,
		status:   status,
		logger:   logger.With().Str("component", "chat").Logger(),
	}
}

// SubmitMessage validates, rate-limits and enqueues an outbound message.
// When the queue is down it persists synchronously instead: a message is
// never silently dropped because the broker is unavailable.
func (s *Service) SubmitMessage(ctx context.Context, roomKey string, sender models.Sender, body string, attachments []models.Attachment) (SubmitResult, error) {
	job := queue.NewJob(roomKey, sender, body, attachments)
	if err := job.Validate(); err != nil {
		metrics.MessagesSubmitted.WithLabelValues(string(StateFailed)).Inc()
		return SubmitResult{State: StateFailed}, err
	}

	if !s.limiter.Allow(ctx, sender.ID) {
		metrics.MessagesSubmitted.WithLabelValues(string(StateRateLimited)).Inc()
		return SubmitResult{State: StateRateLimited}, nil
	}

	// Sending is activity; refresh the sender's presence lease.
	s.presence.MarkOnline(ctx, sender.ID, roomKey)

	err := s.queue.Enqueue(ctx, job)
	if err == nil {
		metrics.MessagesSubmitted.WithLabelValues(string(StateQueued)).Inc()
		return SubmitResult{State: StateQueued, MessageID: job.ID}, nil
	}
	if !errors.Is(err, queue.ErrUnavailable) {
		metrics.MessagesSubmitted.WithLabelValues(string(StateFailed)).Inc()
		return SubmitResult{State: StateFailed}, err
	}

	// Queue is down: synchronous fallback, bypassing the queue.
	s.logger.Warn().Str("room", roomKey).Msg("queue unavailable, persisting directly")
	metrics.FallbackSends.Inc()

	if err := s.deliver(ctx, job); err != nil {
		metrics.MessagesSubmitted.WithLabelValues(string(StateFailed)).Inc()
		return SubmitResult{State: StateFailed}, err
	}
	metrics.MessagesSubmitted.WithLabelValues(string(StateAccepted)).Inc()
	return SubmitResult{State: StateAccepted, MessageID: job.ID}, nil
}

// ProcessJob is the worker-pool handler: one delivery attempt for a
// queued job.
func (s *Service) ProcessJob(ctx context.Context, job *queue.Job) error {
	return s.deliver(ctx, job)
}

// deliver persists the message and triggers the best-effort side effects.
// Only the persist can fail the attempt: a message that reached the
// durable store is delivered as far as the queue is concerned, even when
// the live push failed.
func (s *Service) deliver(ctx context.Context, job *queue.Job) error {
	persistCtx, cancel := context.WithTimeout(ctx, persistTimeout)
	defer cancel()

	room, err := s.store.FindOrCreateRoom(persistCtx, job.RoomKey)
	if err != nil {
		return fmt.Errorf("find or create room %q: %w", job.RoomKey, err)
	}
	if room == nil {
		return fmt.Errorf("room %q not resolvable", job.RoomKey)
	}

	msg := job.Message()
	if err := s.store.InsertMessage(persistCtx, msg); err != nil {
		return fmt.Errorf("persist message %s: %w", msg.ID, err)
	}
	metrics.MessagesPersisted.Inc()

	s.history.Invalidate(ctx, job.RoomKey)
	s.fanout.Publish(ctx, job.RoomKey, msg)
	s.status.Record(ctx, msg.ID, queue.StatusSent)
	return nil
}

// DeadLetter parks a job that exhausted its retries in durable storage
// for manual inspection.
func (s *Service) DeadLetter(ctx context.Context, payload []byte, reason string) error {
	return s.store.InsertDeadLetter(ctx, payload, reason)
}

// FetchHistory returns a room's recent messages, newest first, through
// the cache.
func (s *Service) FetchHistory(ctx context.Context, roomKey string) ([]models.Message, error) {
	if messages, ok := s.history.Get(ctx, roomKey); ok {
		return messages, nil
	}

	messages, err := s.store.ListRoomMessages(ctx, roomKey, historyLimit)
	if err != nil {
		return nil, err
	}
	s.history.Put(ctx, roomKey, messages)
	return messages, nil
}

// RecordStatus enqueues a delivery/read receipt. Fire-and-forget.
func (s *Service) RecordStatus(ctx context.Context, messageID, status string) {
	s.status.Record(ctx, messageID, status)
}
