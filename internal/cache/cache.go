// Package cache is a read-through Redis cache for user records on the
// hot message path. Every store mutation invalidates the cached entry,
// so a stale read can only last one round trip.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/chatgate/gatekeeper/pkg/models"
)

// Cache provides user-record caching backed by Redis.
type Cache struct {
	client *redis.Client
	ttl    time.Duration
}

// New creates a cache instance and verifies connectivity.
func New(host string, port int, password string, db int, ttl time.Duration) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", host, port),
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Cache{client: client, ttl: ttl}, nil
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

func userKey(id int64) string {
	return fmt.Sprintf("user:%d", id)
}

// SetUser caches a user record.
func (c *Cache) SetUser(ctx context.Context, rec *models.UserRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}
	return c.client.Set(ctx, userKey(rec.ID), data, c.ttl).Err()
}

// GetUser retrieves a user record from cache. A miss returns (nil, nil).
func (c *Cache) GetUser(ctx context.Context, id int64) (*models.UserRecord, error) {
	data, err := c.client.Get(ctx, userKey(id)).Bytes()
	if err != nil {
		if err == redis.Nil {
			return nil, nil // Cache miss
		}
		return nil, fmt.Errorf("failed to get user from cache: %w", err)
	}

	var rec models.UserRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return &rec, nil
}

// InvalidateUser removes a user record from cache. Called after every
// store mutation for that id.
func (c *Cache) InvalidateUser(ctx context.Context, id int64) error {
	return c.client.Del(ctx, userKey(id)).Err()
}

// Ping checks cache health.
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}
