package multitab

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisChannel is a Channel over Redis PUBLISH/SUBSCRIBE on one channel name.
type RedisChannel struct {
	client redis.UniversalClient
	name   string
	log    *slog.Logger
}

func NewRedisChannel(client redis.UniversalClient, name string, logger *slog.Logger) *RedisChannel {
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisChannel{
		client: client,
		name:   name,
		log:    logger.With("component", "redis-channel", "channel", name),
	}
}

func (c *RedisChannel) Publish(ctx context.Context, msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	if err := c.client.Publish(ctx, c.name, data).Err(); err != nil {
		return fmt.Errorf("redis publish: %w", err)
	}
	return nil
}

func (c *RedisChannel) Subscribe(ctx context.Context) (Subscription, error) {
	pubsub := c.client.Subscribe(ctx, c.name)
	// Wait for the confirmation so nothing published afterwards is missed.
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("redis subscribe: %w", err)
	}

	sub := &redisSubscription{
		pubsub: pubsub,
		out:    make(chan Message),
		quit:   make(chan struct{}),
	}
	go sub.relay(c.log)
	return sub, nil
}

// Close is a no-op; the Redis client belongs to the caller.
func (c *RedisChannel) Close() error { return nil }

type redisSubscription struct {
	pubsub *redis.PubSub
	out    chan Message
	quit   chan struct{}
	once   sync.Once
}

func (s *redisSubscription) Messages() <-chan Message { return s.out }

func (s *redisSubscription) relay(log *slog.Logger) {
	defer close(s.out)
	for m := range s.pubsub.Channel(redis.WithChannelHealthCheckInterval(30 * time.Second)) {
		var msg Message
		if err := json.Unmarshal([]byte(m.Payload), &msg); err != nil {
			log.Warn("dropping undecodable message", "err", err)
			continue
		}
		select {
		case s.out <- msg:
		case <-s.quit:
			return
		}
	}
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.quit)
		err = s.pubsub.Close()
	})
	return err
}

// RedisMarker records in a Redis key that at least one tab is alive. The key
// expires unless refreshed.
type RedisMarker struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

func NewRedisMarker(client redis.UniversalClient, key string, ttl time.Duration) *RedisMarker {
	return &RedisMarker{client: client, key: key, ttl: ttl}
}

func (m *RedisMarker) Mark(ctx context.Context) error {
	return m.client.Set(ctx, m.key, "1", m.ttl).Err()
}

func (m *RedisMarker) Present(ctx context.Context) (bool, error) {
	n, err := m.client.Exists(ctx, m.key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (m *RedisMarker) Clear(ctx context.Context) error {
	return m.client.Del(ctx, m.key).Err()
}
