package broker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	healthInterval = 5 * time.Second
	backoffBase    = 1 * time.Second
	backoffCap     = 30 * time.Second
)

// prober runs the health probe. *redis.Client satisfies it.
type prober interface {
	Ping(ctx context.Context) *redis.StatusCmd
}

// Manager owns the Redis connection and its health signal. Components that
// touch Redis consult Available before attempting a remote operation and
// substitute their documented degraded behavior when it reports false.
type Manager struct {
	client    *redis.Client
	probe     prober
	logger    zerolog.Logger
	base      time.Duration
	max       time.Duration
	available atomic.Bool

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Dial creates a Manager and attempts an initial connection. A failed
// initial ping does not fail construction: the manager starts unavailable
// and keeps reconnecting in the background.
func Dial(ctx context.Context, redisURL string, logger zerolog.Logger) (*Manager, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)
	m := &Manager{
		client: client,
		probe:  client,
		logger: logger.With().Str("component", "broker").Logger(),
		base:   backoffBase,
		max:    backoffCap,
	}

	if err := m.client.Ping(ctx).Err(); err != nil {
		m.logger.Warn().Err(err).Msg("initial redis connection failed, starting degraded")
	} else {
		m.available.Store(true)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	m.wg.Add(1)
	go m.run(runCtx)

	return m, nil
}

// Available reports the last known broker health. Non-blocking.
func (m *Manager) Available() bool {
	return m.available.Load()
}

// Client returns the underlying Redis client. Callers must check
// Available first; the client itself is always non-nil.
func (m *Manager) Client() *redis.Client {
	return m.client
}

// Close stops the health loop and releases the connection.
func (m *Manager) Close() error {
	m.cancel()
	m.wg.Wait()
	return m.client.Close()
}

// run pings the broker on a fixed interval while healthy.
func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.check(ctx)
		}
	}
}

// check runs one health probe. On failure it marks the broker
// unavailable and stays in the reconnect loop until the connection
// returns or the manager is closed.
func (m *Manager) check(ctx context.Context) {
	if m.ping(ctx) {
		return
	}
	m.available.Store(false)
	m.logger.Warn().Msg("redis connection lost, reconnecting")
	m.reconnect(ctx)
}

// reconnect retries the ping with exponential backoff until it succeeds
// or the manager is closed. Retries are unbounded.
func (m *Manager) reconnect(ctx context.Context) {
	for attempt := 0; ; attempt++ {
		delay := Backoff(attempt, m.base, m.max)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}

		if m.ping(ctx) {
			m.available.Store(true)
			m.logger.Info().Int("attempts", attempt+1).Msg("redis connection restored")
			return
		}
	}
}

func (m *Manager) ping(ctx context.Context) bool {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return m.probe.Ping(pingCtx).Err() == nil
}

// Backoff returns the delay before reconnect attempt n (zero-based):
// base, 2*base, 4*base, ... capped at max.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= max {
			return max
		}
	}
	if d > max {
		return max
	}
	return d
}
