// Package redis provides Redis caching and pub/sub functionality.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/aggiestack/aggiestack/internal/config"
	"github.com/aggiestack/aggiestack/internal/domain"
)

// ErrCacheMiss indicates the key was not found in cache.
var ErrCacheMiss = errors.New("cache miss")

// Ensure Cache implements domain.EventPublisher
var _ domain.EventPublisher = (*Cache)(nil)

// Cache wraps a Redis client for caching operations.
type Cache struct {
	client     *redis.Client
	logger     *zap.Logger
	catalogTTL time.Duration
}

// NewCache creates a new Redis cache connection.
func NewCache(cfg config.RedisConfig, logger *zap.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address(),
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	logger.Info("Connected to Redis", zap.String("addr", cfg.Address()))

	return NewCacheWithClient(client, cfg.CatalogTTL, logger), nil
}

// NewCacheWithClient wraps an existing client.
func NewCacheWithClient(client *redis.Client, catalogTTL time.Duration, logger *zap.Logger) *Cache {
	if catalogTTL <= 0 {
		catalogTTL = 5 * time.Minute
	}
	return &Cache{
		client:     client,
		logger:     logger.With(zap.String("component", "redis")),
		catalogTTL: catalogTTL,
	}
}

// Close closes the Redis connection.
func (c *Cache) Close() error {
	return c.client.Close()
}

// Health checks if Redis is reachable.
func (c *Cache) Health(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

// =============================================================================
// Generic Cache Operations
// =============================================================================

// Get retrieves a value from cache and unmarshals it into dest.
func (c *Cache) Get(ctx context.Context, key string, dest interface{}) error {
	val, err := c.client.Get(ctx, key).Result()
	if err == redis.Nil {
		return ErrCacheMiss
	}
	if err != nil {
		return fmt.Errorf("redis get error: %w", err)
	}

	return json.Unmarshal([]byte(val), dest)
}

// Set stores a value in cache with a TTL.
func (c *Cache) Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value: %w", err)
	}

	return c.client.Set(ctx, key, data, ttl).Err()
}

// Delete removes a key from cache.
func (c *Cache) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, key).Err()
}

// DeletePattern removes all keys matching a pattern.
func (c *Cache) DeletePattern(ctx context.Context, pattern string) error {
	iter := c.client.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		if err := c.client.Del(ctx, iter.Val()).Err(); err != nil {
			c.logger.Warn("Failed to delete key", zap.String("key", iter.Val()), zap.Error(err))
		}
	}
	return iter.Err()
}

// =============================================================================
// Catalog Cache Operations
// =============================================================================

// GetFlavor retrieves a flavor from cache.
func (c *Cache) GetFlavor(ctx context.Context, name string) (*domain.Flavor, error) {
	var f domain.Flavor
	if err := c.Get(ctx, flavorKey(name), &f); err != nil {
		return nil, err
	}
	return &f, nil
}

// SetFlavor stores a flavor in cache.
func (c *Cache) SetFlavor(ctx context.Context, f *domain.Flavor) error {
	return c.Set(ctx, flavorKey(f.Name), f, c.catalogTTL)
}

// GetImage retrieves an image from cache.
func (c *Cache) GetImage(ctx context.Context, name string) (*domain.Image, error) {
	var img domain.Image
	if err := c.Get(ctx, imageKey(name), &img); err != nil {
		return nil, err
	}
	return &img, nil
}

// SetImage stores an image in cache.
func (c *Cache) SetImage(ctx context.Context, img *domain.Image) error {
	return c.Set(ctx, imageKey(img.Name), img, c.catalogTTL)
}

// InvalidateCatalog drops every cached flavor and image.
func (c *Cache) InvalidateCatalog(ctx context.Context) error {
	if err := c.DeletePattern(ctx, "catalog:flavor:*"); err != nil {
		return err
	}
	return c.DeletePattern(ctx, "catalog:image:*")
}

func flavorKey(name string) string { return fmt.Sprintf("catalog:flavor:%s", name) }
func imageKey(name string) string  { return fmt.Sprintf("catalog:image:%s", name) }

// =============================================================================
// Pub/Sub Operations for Real-time Updates
// =============================================================================

// Publish publishes an event on its kind's channel.
func (c *Cache) Publish(ctx context.Context, event domain.Event) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	return c.client.Publish(ctx, event.Channel(), data).Err()
}

// Subscribe subscribes to channels and returns a message channel. The channel is
// closed when ctx is done.
func (c *Cache) Subscribe(ctx context.Context, channels ...string) <-chan domain.Event {
	pubsub := c.client.Subscribe(ctx, channels...)
	events := make(chan domain.Event, 100)

	go func() {
		defer close(events)
		defer pubsub.Close()

		msgs := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var event domain.Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					c.logger.Warn("Failed to unmarshal event", zap.Error(err))
					continue
				}
				select {
				case events <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()

	return events
}
