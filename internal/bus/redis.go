package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// RedisBus is the production Bus+Store implementation: go-redis/v9 PubSub
// for channels, plain string commands for the key-value store. Client
// construction mirrors the teacher cache adapter's timeouts and connection
// probe (internal/cache/redis.go in the codebase this was modeled on).
type RedisBus struct {
	client *redis.Client
	logger zerolog.Logger
}

// RedisConfig holds the Redis connection parameters.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisBus dials Redis and verifies connectivity with a bounded ping.
func NewRedisBus(cfg RedisConfig, logger zerolog.Logger) (*RedisBus, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	logger.Info().Str("addr", cfg.Addr).Int("db", cfg.DB).Msg("connected to redis bus")
	return &RedisBus{client: client, logger: logger}, nil
}

// Close releases the underlying connection pool.
func (r *RedisBus) Close() error {
	return r.client.Close()
}

// Publish encodes sig and publishes it on channel, returning the number of
// subscribers that received it.
func (r *RedisBus) Publish(ctx context.Context, channel string, sig Signal) (int, error) {
	data, err := Encode(sig)
	if err != nil {
		return 0, fmt.Errorf("encode signal: %w", err)
	}
	n, err := r.client.Publish(ctx, channel, data).Result()
	if err != nil {
		return 0, fmt.Errorf("redis publish: %w", err)
	}
	return int(n), nil
}

// Subscribe opens a Redis PubSub subscription to channel. The returned
// Subscription polls non-blockingly, matching the Python original's
// get_message()-based loop.
func (r *RedisBus) Subscribe(ctx context.Context, channel string) (Subscription, error) {
	ps := r.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %q: %w", channel, err)
	}
	return &redisSubscription{ps: ps, ch: ps.Channel(), logger: r.logger}, nil
}

type redisSubscription struct {
	ps     *redis.PubSub
	ch     <-chan *redis.Message
	logger zerolog.Logger
}

func (s *redisSubscription) Poll() (Signal, bool) {
	select {
	case msg, ok := <-s.ch:
		if !ok || msg == nil {
			return Signal{}, false
		}
		sig, err := Decode([]byte(msg.Payload))
		if err != nil {
			s.logger.Warn().Err(err).Str("channel", msg.Channel).Msg("dropping malformed bus signal")
			return Signal{}, false
		}
		return sig, true
	default:
		return Signal{}, false
	}
}

func (s *redisSubscription) Close() error {
	return s.ps.Close()
}

// Get returns a key's value, mirroring go-redis's (val, found) pattern.
func (r *RedisBus) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := r.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %q: %w", key, err)
	}
	return val, true, nil
}

// Set writes a key with no expiry; the cache layer owns all lifecycle
// decisions (replace-on-sync, delete-on-reconcile).
func (r *RedisBus) Set(ctx context.Context, key, value string) error {
	if err := r.client.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %q: %w", key, err)
	}
	return nil
}

// Delete removes zero or more keys; deleting zero keys is a no-op.
func (r *RedisBus) Delete(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}
	return nil
}

// Keys lists keys matching a glob pattern (e.g. "AUDIO_TRACK:*").
func (r *RedisBus) Keys(ctx context.Context, pattern string) ([]string, error) {
	keys, err := r.client.Keys(ctx, pattern).Result()
	if err != nil {
		return nil, fmt.Errorf("redis keys %q: %w", pattern, err)
	}
	return keys, nil
}

var (
	_ Bus   = (*RedisBus)(nil)
	_ Store = (*RedisBus)(nil)
)
