// Package redis is a kv driver for profiles shared between machines or
// containers. Values live under a per-profile key prefix and every
// mutation is announced on a per-profile pub/sub channel.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/aussiebroadwan/tabsession/internal/kv"
	"github.com/aussiebroadwan/tabsession/pkg/idx"
	"github.com/redis/go-redis/v9"
)

// swapScript sets or deletes a key and returns its previous value in one
// round trip, so the published old value is exactly what was replaced.
var swapScript = redis.NewScript(`
local old = redis.call('GET', KEYS[1])
if ARGV[1] == '1' then
	redis.call('SET', KEYS[1], ARGV[2])
else
	redis.call('DEL', KEYS[1])
end
return old
`)

type Store struct {
	client  *redis.Client
	prefix  string
	channel string
	origin  string
	logger  *slog.Logger
}

// NewStore connects to redisURL and scopes all keys to profile.
func NewStore(redisURL, profile string, logger *slog.Logger) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return NewStoreWithClient(client, profile, logger), nil
}

// NewStoreWithClient creates a store from an existing Redis client.
func NewStoreWithClient(client *redis.Client, profile string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		client:  client,
		prefix:  "profile:" + profile + ":kv:",
		channel: "profile:" + profile + ":changes",
		origin:  idx.New().String(),
		logger:  logger,
	}
}

// Origin returns the id stamped on this store's published changes.
func (s *Store) Origin() string { return s.origin }

// Close closes the Redis connection
func (s *Store) Close() error {
	return s.client.Close()
}

// Ping checks if Redis is reachable
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) key(k string) string { return s.prefix + k }

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.client.Get(ctx, s.key(key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %q: %w", key, err)
	}
	return v, true, nil
}

func (s *Store) Set(ctx context.Context, key, value string) error {
	return s.write(ctx, key, &value)
}

func (s *Store) Remove(ctx context.Context, key string) error {
	return s.write(ctx, key, nil)
}

func (s *Store) write(ctx context.Context, key string, value *string) error {
	args := []any{"0", ""}
	if value != nil {
		args = []any{"1", *value}
	}

	res, err := swapScript.Run(ctx, s.client, []string{s.key(key)}, args...).Result()

	var old *string
	switch {
	case errors.Is(err, redis.Nil):
	case err != nil:
		return fmt.Errorf("write %q: %w", key, err)
	default:
		str, ok := res.(string)
		if !ok {
			return fmt.Errorf("write %q: unexpected script result %T", key, res)
		}
		old = kv.StringPtr(str)
	}

	if sameValue(old, value) {
		return nil
	}

	payload, err := json.Marshal(kv.ChangeEvent{Key: key, OldValue: old, NewValue: value, Origin: s.origin})
	if err != nil {
		return fmt.Errorf("marshal change: %w", err)
	}

	// The value is already committed; a lost notification only delays
	// other tabs until their next read.
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		s.logger.Warn("kv_publish_failed", "key", key, "error", err)
	}
	return nil
}

// Watch subscribes to the profile channel and forwards foreign-origin
// changes. Malformed payloads are dropped.
func (s *Store) Watch(ctx context.Context) (<-chan kv.ChangeEvent, error) {
	sub := s.client.Subscribe(ctx, s.channel)

	// Wait for the subscription confirmation so no change published after
	// Watch returns can be missed.
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	out := make(chan kv.ChangeEvent, 64)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}

				var ev kv.ChangeEvent
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					s.logger.Warn("kv_change_unparseable", "error", err)
					continue
				}
				if ev.Origin == s.origin {
					continue
				}

				select {
				case out <- ev:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return out, nil
}

func sameValue(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
