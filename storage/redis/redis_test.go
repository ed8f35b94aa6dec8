package redis

import (
	"context"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestRedis creates a Redis client for testing
// Requires Redis running on localhost:6379
func setupTestRedis(t *testing.T) *redis.Client {
	t.Helper()

	client := redis.NewClient(&redis.Options{
		Addr: "localhost:6379",
		DB:   15, // Use DB 15 for testing
	})

	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}

	if err := client.FlushDB(ctx).Err(); err != nil {
		t.Fatalf("Failed to flush test database: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })

	return client
}

func TestNew(t *testing.T) {
	tests := []struct {
		name       string
		client     redis.UniversalClient
		config     Config
		wantErr    bool
		wantPrefix string
	}{
		{name: "nil client", client: nil, config: DefaultConfig(), wantErr: true},
		{
			name:       "defaults applied",
			client:     redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:     Config{},
			wantPrefix: "payments:product:",
		},
		{
			name:       "custom prefix",
			client:     redis.NewClient(&redis.Options{Addr: "localhost:6379"}),
			config:     Config{KeyPrefix: "test:"},
			wantPrefix: "test:",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			catalog, err := New(tt.client, tt.config)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantPrefix, catalog.config.KeyPrefix)
			assert.Equal(t, 500*time.Millisecond, catalog.config.Timeout)
		})
	}
}

func TestCatalog_GetSet(t *testing.T) {
	client := setupTestRedis(t)
	catalog, err := New(client, DefaultConfig())
	require.NoError(t, err)
	ctx := context.Background()

	_, ok, err := catalog.Get(ctx, "prod_a")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, catalog.Set(ctx, "prod_a", "Pro - member", time.Minute))
	name, ok, err := catalog.Get(ctx, "prod_a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Pro - member", name)

	ttl, err := client.TTL(ctx, "payments:product:prod_a").Result()
	require.NoError(t, err)
	assert.Greater(t, ttl, time.Duration(0))
}

func TestCatalog_Expiry(t *testing.T) {
	client := setupTestRedis(t)
	catalog, err := New(client, Config{KeyPrefix: "test:"})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, catalog.Set(ctx, "prod_a", "A", 100*time.Millisecond))
	time.Sleep(200 * time.Millisecond)

	_, ok, err := catalog.Get(ctx, "prod_a")
	require.NoError(t, err)
	assert.False(t, ok)
}
