// Package redis provides a Redis implementation of the billing.Catalog interface.
// Product names are stored as plain string keys with a per-key TTL, so every
// process sharing the Redis instance shares one catalog.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/flippify/payments/pkg/billing"
)

// Catalog implements billing.Catalog using Redis
type Catalog struct {
	client redis.UniversalClient
	config Config
}

var _ billing.Catalog = (*Catalog)(nil)

// Config holds Redis catalog configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "payments:product:")
	KeyPrefix string

	// Timeout bounds each Redis call (default: 500ms)
	Timeout time.Duration
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "payments:product:",
		Timeout:   500 * time.Millisecond,
	}
}

// New creates a new Redis catalog
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func New(client redis.UniversalClient, config Config) (*Catalog, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}

	defaults := DefaultConfig()
	if config.KeyPrefix == "" {
		config.KeyPrefix = defaults.KeyPrefix
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}

	return &Catalog{client: client, config: config}, nil
}

// Get implements billing.Catalog
func (c *Catalog) Get(ctx context.Context, productID string) (string, bool, error) {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	name, err := c.client.Get(ctx, c.key(productID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get product %s: %w", productID, err)
	}
	return name, true, nil
}

// Set implements billing.Catalog
func (c *Catalog) Set(ctx context.Context, productID, name string, ttl time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, c.config.Timeout)
	defer cancel()

	if err := c.client.Set(ctx, c.key(productID), name, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set product %s: %w", productID, err)
	}
	return nil
}

// Ping checks Redis connectivity
func (c *Catalog) Ping(ctx context.Context) error {
	return c.client.Ping(ctx).Err()
}

func (c *Catalog) key(productID string) string {
	return c.config.KeyPrefix + productID
}
