package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/classdesk/classchat/internal/broker"
	"github.com/classdesk/classchat/internal/metrics"
)

// TTL is the presence lease length. A user with no heartbeat for this
// long is implicitly offline; no explicit mark-offline exists.
const TTL = 5 * time.Minute

// Status is the answer to an online check. Unknown is reported when the
// tracker store is unreachable, never a false Offline.
type Status int

const (
	Offline Status = iota
	Online
	Unknown
)

func (s Status) String() string {
	switch s {
	case Online:
		return "online"
	case Offline:
		return "offline"
	default:
		return "unknown"
	}
}

// Store is the lease storage behind the tracker.
type Store interface {
	Heartbeat(ctx context.Context, userID, roomKey string, ttl time.Duration) error
	UserAlive(ctx context.Context, userID string) (bool, error)
	RoomRoster(ctx context.Context, roomKey string) ([]string, error)
}

// Availability reports whether the tracker store is reachable.
type Availability interface {
	Available() bool
}

// Tracker records short-lived "user is active in room" leases, refreshed
// on every heartbeat.
type Tracker struct {
	store  Store
	avail  Availability
	logger zerolog.Logger
}

// New creates a Tracker.
func New(store Store, avail Availability, logger zerolog.Logger) *Tracker {
	return &Tracker{
		store:  store,
		avail:  avail,
		logger: logger.With().Str("component", "presence").Logger(),
	}
}

// MarkOnline refreshes the user's lease in a room. Best-effort.
func (t *Tracker) MarkOnline(ctx context.Context, userID, roomKey string) {
	if !t.avail.Available() {
		return
	}
	if err := t.store.Heartbeat(ctx, userID, roomKey, TTL); err != nil {
		t.logger.Warn().Err(err).Str("user", userID).Msg("presence heartbeat failed")
	}
}

// IsOnline reports the user's presence. Unknown when the store is
// unreachable.
func (t *Tracker) IsOnline(ctx context.Context, userID string) Status {
	if !t.avail.Available() {
		return Unknown
	}
	alive, err := t.store.UserAlive(ctx, userID)
	if err != nil {
		t.logger.Warn().Err(err).Str("user", userID).Msg("presence lookup failed")
		return Unknown
	}
	if alive {
		return Online
	}
	return Offline
}

// OnlineInRoom lists users with a live lease in a room. Returns nil when
// the store is unreachable.
func (t *Tracker) OnlineInRoom(ctx context.Context, roomKey string) []string {
	if !t.avail.Available() {
		return nil
	}
	users, err := t.store.RoomRoster(ctx, roomKey)
	if err != nil {
		t.logger.Warn().Err(err).Str("room", roomKey).Msg("presence roster failed")
		return nil
	}
	return users
}

// RedisStore implements Store with a TTL'd key per user plus a per-room
// sorted set scored by lease deadline for roster reads.
type RedisStore struct {
	mgr *broker.Manager
}

// NewRedisStore creates a Redis-backed presence store.
func NewRedisStore(mgr *broker.Manager) *RedisStore {
	return &RedisStore{mgr: mgr}
}

func userKey(userID string) string {
	return fmt.Sprintf("presence:user:%s", userID)
}

func roomKey(room string) string {
	return fmt.Sprintf("presence:room:%s", room)
}

// Heartbeat refreshes the user key and the room roster entry in one
// pipeline.
func (s *RedisStore) Heartbeat(ctx context.Context, userID, room string, ttl time.Duration) error {
	start := time.Now()
	defer func() { metrics.RedisLatency.Observe(time.Since(start).Seconds()) }()

	deadline := time.Now().Add(ttl)

	pipe := s.mgr.Client().TxPipeline()
	pipe.Set(ctx, userKey(userID), "1", ttl)
	pipe.ZAdd(ctx, roomKey(room), redis.Z{
		Score:  float64(deadline.UnixMilli()),
		Member: userID,
	})
	pipe.Expire(ctx, roomKey(room), ttl)
	_, err := pipe.Exec(ctx)
	return err
}

// UserAlive reports whether the user's lease key exists.
func (s *RedisStore) UserAlive(ctx context.Context, userID string) (bool, error) {
	n, err := s.mgr.Client().Exists(ctx, userKey(userID)).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// RoomRoster prunes expired leases from the room set and returns the
// remaining members.
func (s *RedisStore) RoomRoster(ctx context.Context, room string) ([]string, error) {
	now := time.Now().UnixMilli()
	key := roomKey(room)

	pipe := s.mgr.Client().TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", fmt.Sprintf("%d", now))
	members := pipe.ZRange(ctx, key, 0, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return members.Val(), nil
}
