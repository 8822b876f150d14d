package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/classdesk/classchat/internal/broker"
)

// Delivery status transitions recorded by the status pipeline.
const (
	StatusSent      = "sent"
	StatusDelivered = "delivered"
	StatusRead      = "read"
)

// statusTTL bounds how long a message's latest status is kept.
const statusTTL = 24 * time.Hour

// StatusUpdate is one delivery/read transition for a message.
type StatusUpdate struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	At        int64  `json:"at"` // Unix ms
}

// StatusSink stores the latest status per message.
type StatusSink interface {
	Record(ctx context.Context, upd StatusUpdate) error
}

// StatusRecorder is the producer side of the status pipeline. Recording
// is fire-and-forget: failures are logged and swallowed, never surfaced
// to the sender.
type StatusRecorder struct {
	store  Store
	avail  Availability
	logger zerolog.Logger
}

// NewStatusRecorder creates a StatusRecorder.
func NewStatusRecorder(store Store, avail Availability, logger zerolog.Logger) *StatusRecorder {
	return &StatusRecorder{
		store:  store,
		avail:  avail,
		logger: logger.With().Str("component", "status").Logger(),
	}
}

// Record enqueues a status transition.
func (r *StatusRecorder) Record(ctx context.Context, messageID, status string) {
	if !r.avail.Available() {
		return
	}

	payload, err := json.Marshal(StatusUpdate{
		MessageID: messageID,
		Status:    status,
		At:        time.Now().UnixMilli(),
	})
	if err != nil {
		return
	}
	if err := r.store.Push(ctx, payload); err != nil {
		r.logger.Warn().Err(err).Str("message", messageID).Msg("status enqueue failed")
	}
}

// StatusWorker drains the status queue into a sink. Lowest priority in
// the system: every failure is absorbed, nothing is ever retried.
type StatusWorker struct {
	store   Store
	avail   Availability
	sink    StatusSink
	workers int
	logger  zerolog.Logger

	recovered atomic.Bool
	cancel    context.CancelFunc
	wg        sync.WaitGroup
}

// NewStatusWorker creates a StatusWorker with the given concurrency.
func NewStatusWorker(store Store, avail Availability, sink StatusSink, workers int, logger zerolog.Logger) *StatusWorker {
	if workers <= 0 {
		workers = 1
	}
	return &StatusWorker{
		store:   store,
		avail:   avail,
		sink:    sink,
		workers: workers,
		logger:  logger.With().Str("component", "status").Logger(),
	}
}

// Start launches the drain loops.
func (w *StatusWorker) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel
	for i := 0; i < w.workers; i++ {
		w.wg.Add(1)
		go w.drain(ctx)
	}
}

// Stop halts the drain loop.
func (w *StatusWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.wg.Wait()
}

func (w *StatusWorker) drain(ctx context.Context) {
	defer w.wg.Done()

	for {
		if ctx.Err() != nil {
			return
		}
		if !w.avail.Available() {
			select {
			case <-ctx.Done():
				return
			case <-time.After(outageBackoff):
			}
			continue
		}

		// Requeue updates stranded by an earlier crash the first time
		// the broker is seen healthy.
		if !w.recovered.Load() {
			if _, err := w.store.Recover(ctx); err == nil {
				w.recovered.Store(true)
			}
		}

		payload, err := w.store.Reserve(ctx, reserveBlock)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}
		if payload == nil {
			continue
		}

		var upd StatusUpdate
		if err := json.Unmarshal(payload, &upd); err == nil {
			if err := w.sink.Record(ctx, upd); err != nil {
				w.logger.Warn().Err(err).Str("message", upd.MessageID).Msg("status write failed, dropped")
			}
		}

		// Acknowledge regardless of outcome; this pipeline never retries.
		if err := w.store.Ack(ctx, payload); err != nil {
			w.logger.Warn().Err(err).Msg("status ack failed")
		}
	}
}

// RedisStatusSink keeps the latest status per message in a TTL'd key.
type RedisStatusSink struct {
	mgr *broker.Manager
}

// NewRedisStatusSink creates a Redis-backed status sink.
func NewRedisStatusSink(mgr *broker.Manager) *RedisStatusSink {
	return &RedisStatusSink{mgr: mgr}
}

func statusKey(messageID string) string {
	return fmt.Sprintf("message:%s:status", messageID)
}

// Record overwrites the message's latest status.
func (s *RedisStatusSink) Record(ctx context.Context, upd StatusUpdate) error {
	data, err := json.Marshal(upd)
	if err != nil {
		return err
	}
	return s.mgr.Client().Set(ctx, statusKey(upd.MessageID), data, statusTTL).Err()
}
