package cache

import (
	"context"
	"fmt"
	"time"

	"example.com/crm/services/analytics/config"

	"github.com/go-redis/redis/v8"
	"github.com/pkg/errors"
)

// processedKeyTTL bounds the fast-path cache. The database record is the
// authority; the cache only short-circuits the common duplicate window.
const processedKeyTTL = 24 * time.Hour

// RedisCache is a fast-path cache in front of the processed_events table.
type RedisCache struct {
	client  *redis.Client
	enabled bool
}

// NewRedisCache creates a new Redis cache
func NewRedisCache(cfg config.RedisConfig) (*RedisCache, error) {
	if !cfg.Enabled {
		return &RedisCache{enabled: false}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test the connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err := client.Ping(ctx).Result()
	if err != nil {
		return nil, errors.Wrap(err, "failed to connect to Redis")
	}

	return &RedisCache{
		client:  client,
		enabled: true,
	}, nil
}

// IsProcessed reports whether the event id is known-processed. A miss means
// "unknown", never "not processed" - the caller still checks the database.
func (c *RedisCache) IsProcessed(ctx context.Context, eventID string) bool {
	if !c.enabled {
		return false
	}

	n, err := c.client.Exists(ctx, ProcessedEventKey(eventID)).Result()
	if err != nil {
		return false
	}
	return n > 0
}

// MarkProcessed records the event id after the database commit.
func (c *RedisCache) MarkProcessed(ctx context.Context, eventID string) error {
	if !c.enabled {
		return nil
	}

	err := c.client.Set(ctx, ProcessedEventKey(eventID), 1, processedKeyTTL).Err()
	if err != nil {
		return errors.Wrap(err, "failed to mark event processed in Redis")
	}
	return nil
}

// ClearProcessed drops the event id so a replay is not short-circuited by a
// stale cache entry.
func (c *RedisCache) ClearProcessed(ctx context.Context, eventID string) error {
	if !c.enabled {
		return nil
	}

	err := c.client.Del(ctx, ProcessedEventKey(eventID)).Err()
	if err != nil {
		return errors.Wrap(err, "failed to clear processed event from Redis")
	}
	return nil
}

// ProcessedEventKey generates the cache key for a processed event id
func ProcessedEventKey(eventID string) string {
	return fmt.Sprintf("processed:%s", eventID)
}

// Close closes the Redis connection
func (c *RedisCache) Close() error {
	if !c.enabled || c.client == nil {
		return nil
	}

	return c.client.Close()
}
