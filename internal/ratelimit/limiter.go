package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/classdesk/classchat/internal/broker"
	"github.com/classdesk/classchat/internal/metrics"
)

const (
	// Window is the fixed rate-limit window length.
	Window = time.Minute
	// DefaultCeiling is the accepted sends per sender per window.
	DefaultCeiling = 10
)

// Counter is the storage behind the limiter: an atomic increment of a
// per-sender key that expires after the window. The increment and the
// read of the new count are one operation, so concurrent sends from the
// same sender cannot race past the ceiling.
type Counter interface {
	Incr(ctx context.Context, senderID string, window time.Duration) (int64, error)
}

// Availability reports whether the counter store is reachable.
type Availability interface {
	Available() bool
}

// Limiter answers allowed/denied for a prospective send using a fixed
// window counter keyed by sender.
//
// Policy: when the counter store is unavailable the limiter FAILS OPEN
// and allows the send. Chat availability is prioritized over strict rate
// enforcement during outages; this asymmetry with the history cache
// (which fails closed to a miss) is deliberate.
type Limiter struct {
	counter Counter
	avail   Availability
	ceiling int64
	logger  zerolog.Logger
}

// New creates a Limiter. A ceiling <= 0 falls back to DefaultCeiling.
func New(counter Counter, avail Availability, ceiling int, logger zerolog.Logger) *Limiter {
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	return &Limiter{
		counter: counter,
		avail:   avail,
		ceiling: int64(ceiling),
		logger:  logger.With().Str("component", "ratelimit").Logger(),
	}
}

// Allow consumes one send from the sender's window and reports whether
// the send may proceed.
func (l *Limiter) Allow(ctx context.Context, senderID string) bool {
	if !l.avail.Available() {
		metrics.RateLimitFailOpen.Inc()
		return true
	}

	count, err := l.counter.Incr(ctx, senderID, Window)
	if err != nil {
		// Counter store reachable but the operation failed: same
		// fail-open policy as an outage.
		l.logger.Warn().Err(err).Str("sender", senderID).Msg("rate limit counter failed, allowing send")
		metrics.RateLimitFailOpen.Inc()
		return true
	}

	if count > l.ceiling {
		metrics.RateLimitDenials.Inc()
		return false
	}
	return true
}

// RedisCounter implements Counter on Redis with INCR + EXPIRE.
type RedisCounter struct {
	mgr *broker.Manager
}

// NewRedisCounter creates a Redis-backed counter.
func NewRedisCounter(mgr *broker.Manager) *RedisCounter {
	return &RedisCounter{mgr: mgr}
}

func counterKey(senderID string) string {
	return fmt.Sprintf("ratelimit:%s", senderID)
}

// Incr atomically increments the sender's window counter. The expiry is
// set only when the increment created the key, so the window does not
// slide on subsequent sends.
func (c *RedisCounter) Incr(ctx context.Context, senderID string, window time.Duration) (int64, error) {
	start := time.Now()
	defer func() { metrics.RedisLatency.Observe(time.Since(start).Seconds()) }()

	key := counterKey(senderID)

	pipe := c.mgr.Client().TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.ExpireNX(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return 0, err
	}
	return incr.Val(), nil
}
