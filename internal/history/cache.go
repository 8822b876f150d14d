package history

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/classdesk/classchat/internal/broker"
	"github.com/classdesk/classchat/internal/metrics"
	"github.com/classdesk/classchat/internal/models"
)

// TTL is how long a room's cached history stays fresh.
const TTL = time.Hour

// Store is the storage behind the cache.
type Store interface {
	Get(ctx context.Context, roomKey string) ([]models.Message, bool, error)
	Put(ctx context.Context, roomKey string, messages []models.Message, ttl time.Duration) error
	Del(ctx context.Context, roomKey string) error
}

// Availability reports whether the cache store is reachable.
type Availability interface {
	Available() bool
}

// Cache is a read-through cache of a room's recent messages. Correctness
// never depends on it: when the store is unavailable every lookup is a
// miss and the caller falls through to the durable store.
type Cache struct {
	store  Store
	avail  Availability
	logger zerolog.Logger
}

// New creates a Cache.
func New(store Store, avail Availability, logger zerolog.Logger) *Cache {
	return &Cache{
		store:  store,
		avail:  avail,
		logger: logger.With().Str("component", "history").Logger(),
	}
}

// Get returns the cached history for a room, or ok=false on a miss.
func (c *Cache) Get(ctx context.Context, roomKey string) ([]models.Message, bool) {
	if !c.avail.Available() {
		metrics.HistoryCacheHits.WithLabelValues("miss").Inc()
		return nil, false
	}

	messages, ok, err := c.store.Get(ctx, roomKey)
	if err != nil {
		c.logger.Warn().Err(err).Str("room", roomKey).Msg("history cache read failed")
		metrics.HistoryCacheHits.WithLabelValues("miss").Inc()
		return nil, false
	}
	if !ok {
		metrics.HistoryCacheHits.WithLabelValues("miss").Inc()
		return nil, false
	}
	metrics.HistoryCacheHits.WithLabelValues("hit").Inc()
	return messages, true
}

// Put repopulates a room's cache entry. Best-effort. An empty history is
// never cached: rooms without messages read through to the durable store
// until their first message lands.
func (c *Cache) Put(ctx context.Context, roomKey string, messages []models.Message) {
	if !c.avail.Available() {
		return
	}
	if len(messages) == 0 {
		c.Invalidate(ctx, roomKey)
		return
	}
	if err := c.store.Put(ctx, roomKey, messages, TTL); err != nil {
		c.logger.Warn().Err(err).Str("room", roomKey).Msg("history cache write failed")
	}
}

// Invalidate drops a room's cache entry, typically after a new message is
// persisted. Best-effort.
func (c *Cache) Invalidate(ctx context.Context, roomKey string) {
	if !c.avail.Available() {
		return
	}
	if err := c.store.Del(ctx, roomKey); err != nil {
		c.logger.Warn().Err(err).Str("room", roomKey).Msg("history cache invalidation failed")
	}
}

// RedisStore implements Store on a per-room sorted set scored by message
// timestamp, with a TTL on the whole set.
type RedisStore struct {
	mgr *broker.Manager
}

// NewRedisStore creates a Redis-backed history store.
func NewRedisStore(mgr *broker.Manager) *RedisStore {
	return &RedisStore{mgr: mgr}
}

func historyKey(roomKey string) string {
	return fmt.Sprintf("room:%s:history", roomKey)
}

// Get reads the room's sorted set, newest first.
func (s *RedisStore) Get(ctx context.Context, roomKey string) ([]models.Message, bool, error) {
	start := time.Now()
	defer func() { metrics.RedisLatency.Observe(time.Since(start).Seconds()) }()

	results, err := s.mgr.Client().ZRevRange(ctx, historyKey(roomKey), 0, -1).Result()
	if err != nil {
		return nil, false, err
	}
	if len(results) == 0 {
		return nil, false, nil
	}

	messages := make([]models.Message, 0, len(results))
	for _, data := range results {
		var msg models.Message
		if err := json.Unmarshal([]byte(data), &msg); err != nil {
			continue
		}
		messages = append(messages, msg)
	}
	return messages, true, nil
}

// Put replaces the room's sorted set and arms its TTL in one pipeline.
func (s *RedisStore) Put(ctx context.Context, roomKey string, messages []models.Message, ttl time.Duration) error {
	start := time.Now()
	defer func() { metrics.RedisLatency.Observe(time.Since(start).Seconds()) }()

	members := make([]redis.Z, 0, len(messages))
	for _, msg := range messages {
		data, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		members = append(members, redis.Z{
			Score:  float64(msg.Timestamp),
			Member: string(data),
		})
	}

	key := historyKey(roomKey)
	pipe := s.mgr.Client().TxPipeline()
	pipe.Del(ctx, key)
	if len(members) > 0 {
		pipe.ZAdd(ctx, key, members...)
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Del drops the room's cache entry.
func (s *RedisStore) Del(ctx context.Context, roomKey string) error {
	return s.mgr.Client().Del(ctx, historyKey(roomKey)).Err()
}
