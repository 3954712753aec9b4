// ABOUTME: Redis-backed presence tracker for multi-instance deployments
// ABOUTME: Heartbeats become keys with a TTL; expiry means offline

package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const presenceKeyPrefix = "relieflink:presence:"

// RedisTracker stores heartbeats as redis keys with a TTL, so presence is
// shared across server instances and expires without a sweeper.
type RedisTracker struct {
	client *redis.Client
	ttl    time.Duration
}

// RedisOptions holds connection settings for the redis tracker
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedisTracker connects to redis and verifies the connection
func NewRedisTracker(ctx context.Context, opts RedisOptions, ttl time.Duration) (*RedisTracker, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &RedisTracker{client: client, ttl: ttl}, nil
}

// Heartbeat marks the user as seen now
func (t *RedisTracker) Heartbeat(ctx context.Context, userID string) error {
	if err := t.client.Set(ctx, presenceKeyPrefix+userID, "1", t.ttl).Err(); err != nil {
		return fmt.Errorf("recording heartbeat: %w", err)
	}
	return nil
}

// Online reports whether the user's heartbeat key still exists
func (t *RedisTracker) Online(ctx context.Context, userID string) (bool, error) {
	n, err := t.client.Exists(ctx, presenceKeyPrefix+userID).Result()
	if err != nil {
		return false, fmt.Errorf("checking presence: %w", err)
	}
	return n > 0, nil
}

// Close closes the redis connection
func (t *RedisTracker) Close() error {
	return t.client.Close()
}

// Ensure both trackers implement Tracker
var (
	_ Tracker = (*MemoryTracker)(nil)
	_ Tracker = (*RedisTracker)(nil)
)
