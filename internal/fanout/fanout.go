package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/classdesk/classchat/internal/broker"
	"github.com/classdesk/classchat/internal/metrics"
	"github.com/classdesk/classchat/internal/models"
)

// Bus is the pub/sub surface the fanout runs on.
type Bus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (Feed, error)
}

// Feed is one live channel subscription. Messages stays open until the
// feed is closed or the underlying connection drops.
type Feed interface {
	Messages() <-chan []byte
	Close() error
}

// Availability reports whether the bus is reachable.
type Availability interface {
	Available() bool
}

// Fanout publishes persisted messages to per-room channels so live
// subscribers receive them without polling. Everything here is
// best-effort: a failed publish is logged and forgotten, never retried —
// the message is already durable and a reconnecting client fetches it
// from history.
type Fanout struct {
	bus    Bus
	avail  Availability
	logger zerolog.Logger
}

// New creates a Fanout over the given bus.
func New(bus Bus, avail Availability, logger zerolog.Logger) *Fanout {
	return &Fanout{
		bus:    bus,
		avail:  avail,
		logger: logger.With().Str("component", "fanout").Logger(),
	}
}

func channelKey(roomKey string) string {
	return fmt.Sprintf("room:%s:events", roomKey)
}

// Publish pushes a message to the room's channel. When the broker is
// unavailable the attempt is skipped entirely; freshness is sacrificed,
// not correctness.
func (f *Fanout) Publish(ctx context.Context, roomKey string, msg *models.Message) {
	if !f.avail.Available() {
		metrics.BroadcastFailures.Inc()
		return
	}

	data, err := json.Marshal(msg)
	if err != nil {
		f.logger.Warn().Err(err).Str("room", roomKey).Msg("broadcast encode failed")
		metrics.BroadcastFailures.Inc()
		return
	}

	if err := f.bus.Publish(ctx, channelKey(roomKey), data); err != nil {
		f.logger.Warn().Err(err).Str("room", roomKey).Msg("broadcast publish failed")
		metrics.BroadcastFailures.Inc()
		return
	}
	metrics.BroadcastsPublished.Inc()
}

// Subscription is a live feed of one room's messages. Close cancels it.
type Subscription struct {
	closeOnce sync.Once
	cancel    context.CancelFunc
	done      chan struct{}
}

// Close cancels the subscription and waits for its pump to exit.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
	})
}

// Subscribe attaches a callback to a room's channel. The callback runs on
// the subscription's own goroutine, one message at a time.
func (f *Fanout) Subscribe(ctx context.Context, roomKey string, fn func(models.Message)) (*Subscription, error) {
	if !f.avail.Available() {
		return nil, fmt.Errorf("fanout: broker unavailable")
	}

	feed, err := f.bus.Subscribe(ctx, channelKey(roomKey))
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(sub.done)
		defer feed.Close()

		for {
			select {
			case <-subCtx.Done():
				return
			case data, ok := <-feed.Messages():
				if !ok {
					return
				}
				var msg models.Message
				if err := json.Unmarshal(data, &msg); err != nil {
					f.logger.Warn().Err(err).Str("room", roomKey).Msg("dropping undecodable broadcast")
					continue
				}
				fn(msg)
			}
		}
	}()

	return sub, nil
}

// RedisBus implements Bus on the broker connection.
type RedisBus struct {
	mgr *broker.Manager
}

// NewRedisBus creates a Redis-backed bus.
func NewRedisBus(mgr *broker.Manager) *RedisBus {
	return &RedisBus{mgr: mgr}
}

// Publish sends one payload to a channel.
func (b *RedisBus) Publish(ctx context.Context, channel string, payload []byte) error {
	return b.mgr.Client().Publish(ctx, channel, payload).Err()
}

// Subscribe opens a pub/sub channel and confirms the subscription before
// returning.
func (b *RedisBus) Subscribe(ctx context.Context, channel string) (Feed, error) {
	pubsub := b.mgr.Client().Subscribe(ctx, channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, err
	}

	feed := &redisFeed{
		pubsub: pubsub,
		out:    make(chan []byte),
		stop:   make(chan struct{}),
	}
	go feed.pump()
	return feed, nil
}

type redisFeed struct {
	pubsub   *redis.PubSub
	out      chan []byte
	stop     chan struct{}
	stopOnce sync.Once
}

func (f *redisFeed) Messages() <-chan []byte { return f.out }

func (f *redisFeed) Close() error {
	f.stopOnce.Do(func() { close(f.stop) })
	return f.pubsub.Close()
}

func (f *redisFeed) pump() {
	defer close(f.out)

	ch := f.pubsub.Channel()
	for {
		select {
		case <-f.stop:
			return
		case m, ok := <-ch:
			if !ok {
				return
			}
			select {
			case f.out <- []byte(m.Payload):
			case <-f.stop:
				return
			}
		}
	}
}
