package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const claimKeyPrefix = "christmas_claim:"

// ClaimCache remembers users known to have claimed. Only positive results are
// cached since a claim is permanent once recorded.
type ClaimCache interface {
	IsClaimed(ctx context.Context, userID string) (bool, error)
	MarkClaimed(ctx context.Context, userID string) error
}

// Connect parses a redis:// URL and pings the server.
func Connect(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

type redisClaimCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisClaimCache stores claim markers with the given expiry. A zero ttl keeps them forever.
func NewRedisClaimCache(client *redis.Client, ttl time.Duration) ClaimCache {
	return &redisClaimCache{client: client, ttl: ttl}
}

func (c *redisClaimCache) IsClaimed(ctx context.Context, userID string) (bool, error) {
	n, err := c.client.Exists(ctx, claimKeyPrefix+userID).Result()
	if err != nil {
		return false, fmt.Errorf("claim cache lookup for user %s: %w", userID, err)
	}
	return n > 0, nil
}

func (c *redisClaimCache) MarkClaimed(ctx context.Context, userID string) error {
	if err := c.client.Set(ctx, claimKeyPrefix+userID, "1", c.ttl).Err(); err != nil {
		return fmt.Errorf("claim cache store for user %s: %w", userID, err)
	}
	return nil
}

// NopClaimCache never hits.
type NopClaimCache struct{}

func (NopClaimCache) IsClaimed(context.Context, string) (bool, error) { return false, nil }
func (NopClaimCache) MarkClaimed(context.Context, string) error       { return nil }
