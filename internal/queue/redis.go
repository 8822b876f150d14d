package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/classdesk/classchat/internal/broker"
	"github.com/classdesk/classchat/internal/metrics"
)

// Store is the durable queue storage. Jobs survive process restarts until
// acknowledged; a reserved job sits on a processing list, so it is
// delivered to exactly one worker per attempt and can be recovered if the
// process dies mid-flight.
type Store interface {
	Push(ctx context.Context, payload []byte) error
	// Reserve blocks up to the given duration and returns nil, nil when
	// no job became available.
	Reserve(ctx context.Context, block time.Duration) ([]byte, error)
	Ack(ctx context.Context, payload []byte) error
	// Retry replaces a reserved payload with its updated form, scheduled
	// to re-enter the queue at readyAt.
	Retry(ctx context.Context, payload, updated []byte, readyAt time.Time) error
	// PromoteDue moves scheduled retries whose time has come back onto
	// the queue, returning how many were promoted.
	PromoteDue(ctx context.Context, now time.Time) (int, error)
	// Recover requeues jobs stranded on the processing list by a
	// previous run that died before acknowledging them.
	Recover(ctx context.Context) (int, error)
	Depth(ctx context.Context) (int64, error)
}

// Availability reports whether the queue storage is reachable.
type Availability interface {
	Available() bool
}

// RedisStore implements Store with the Redis reliable-queue pattern:
// a pending list, a per-queue processing list populated by BLMOVE, and a
// sorted set of scheduled retries keyed by ready time.
type RedisStore struct {
	mgr    *broker.Manager
	prefix string
}

// NewRedisStore creates a Redis-backed queue under the given name
// (e.g. "send" or "status").
func NewRedisStore(mgr *broker.Manager, name string) *RedisStore {
	return &RedisStore{mgr: mgr, prefix: fmt.Sprintf("queue:%s", name)}
}

func (s *RedisStore) pendingKey() string    { return s.prefix + ":pending" }
func (s *RedisStore) processingKey() string { return s.prefix + ":processing" }
func (s *RedisStore) retryKey() string      { return s.prefix + ":retry" }

// Push appends a job to the pending list.
func (s *RedisStore) Push(ctx context.Context, payload []byte) error {
	start := time.Now()
	defer func() { metrics.RedisLatency.Observe(time.Since(start).Seconds()) }()

	return s.mgr.Client().LPush(ctx, s.pendingKey(), payload).Err()
}

// Reserve atomically moves the oldest pending job onto the processing
// list and returns it. The move is what guarantees single delivery per
// attempt: a payload lives on exactly one of the two lists at any time.
func (s *RedisStore) Reserve(ctx context.Context, block time.Duration) ([]byte, error) {
	data, err := s.mgr.Client().BLMove(ctx, s.pendingKey(), s.processingKey(), "RIGHT", "LEFT", block).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}
	return []byte(data), nil
}

// Ack removes a completed job from the processing list.
func (s *RedisStore) Ack(ctx context.Context, payload []byte) error {
	return s.mgr.Client().LRem(ctx, s.processingKey(), 1, payload).Err()
}

// Retry removes the reserved payload and schedules its updated form.
func (s *RedisStore) Retry(ctx context.Context, payload, updated []byte, readyAt time.Time) error {
	pipe := s.mgr.Client().TxPipeline()
	pipe.LRem(ctx, s.processingKey(), 1, payload)
	pipe.ZAdd(ctx, s.retryKey(), redis.Z{
		Score:  float64(readyAt.UnixMilli()),
		Member: string(updated),
	})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteDue moves due retries back onto the pending list.
func (s *RedisStore) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	due, err := s.mgr.Client().ZRangeByScore(ctx, s.retryKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", now.UnixMilli()),
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(due) == 0 {
		return 0, nil
	}

	pipe := s.mgr.Client().TxPipeline()
	for _, payload := range due {
		pipe.LPush(ctx, s.pendingKey(), payload)
		pipe.ZRem(ctx, s.retryKey(), payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(due), nil
}

// Recover moves every stranded processing entry back onto the pending
// list. Called once at worker-pool start, before any worker reserves, so
// it cannot race an in-flight attempt.
func (s *RedisStore) Recover(ctx context.Context) (int, error) {
	recovered := 0
	for {
		err := s.mgr.Client().LMove(ctx, s.processingKey(), s.pendingKey(), "RIGHT", "LEFT").Err()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				return recovered, nil
			}
			return recovered, err
		}
		recovered++
	}
}

// Depth returns the number of pending jobs.
func (s *RedisStore) Depth(ctx context.Context) (int64, error) {
	return s.mgr.Client().LLen(ctx, s.pendingKey()).Result()
}
