package tiered

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flippify/payments/pkg/billing"
)

var errColdDown = errors.New("cold down")

// countingCatalog wraps a MemoryCatalog and counts calls.
type countingCatalog struct {
	*billing.MemoryCatalog
	mu     sync.Mutex
	gets   int
	sets   int
	getErr error
	setErr error
}

func newCounting() *countingCatalog {
	return &countingCatalog{MemoryCatalog: billing.NewMemoryCatalog(0)}
}

func (c *countingCatalog) Get(ctx context.Context, id string) (string, bool, error) {
	c.mu.Lock()
	c.gets++
	err := c.getErr
	c.mu.Unlock()
	if err != nil {
		return "", false, err
	}
	return c.MemoryCatalog.Get(ctx, id)
}

func (c *countingCatalog) Set(ctx context.Context, id, name string, ttl time.Duration) error {
	c.mu.Lock()
	c.sets++
	err := c.setErr
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.MemoryCatalog.Set(ctx, id, name, ttl)
}

func (c *countingCatalog) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.gets, c.sets
}

func TestNew(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		catalog, err := New(Config{Hot: newCounting(), Cold: newCounting()})
		require.NoError(t, err)
		assert.Equal(t, defaultHotTTL, catalog.conf.HotTTL)
		assert.NoError(t, catalog.Close())
	})

	t.Run("nil hot catalog", func(t *testing.T) {
		catalog, err := New(Config{Cold: newCounting()})
		assert.Nil(t, catalog)
		assert.ErrorContains(t, err, "hot and cold catalogs are required")
	})

	t.Run("nil cold catalog", func(t *testing.T) {
		catalog, err := New(Config{Hot: newCounting()})
		assert.Nil(t, catalog)
		assert.ErrorContains(t, err, "hot and cold catalogs are required")
	})

	t.Run("custom sync buffer size", func(t *testing.T) {
		catalog, err := New(Config{Hot: newCounting(), Cold: newCounting(), AsyncColdWrites: true, SyncBufferSize: 10})
		require.NoError(t, err)
		defer catalog.Close()
		assert.Equal(t, 10, cap(catalog.syncQueue))
	})
}

func TestCatalog_Get_ReadThrough(t *testing.T) {
	hot, cold := newCounting(), newCounting()
	catalog, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, cold.MemoryCatalog.Set(ctx, "prod_1", "Pro - member", time.Hour))

	name, ok, err := catalog.Get(ctx, "prod_1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Pro - member", name)

	// Populated Hot serves the second read.
	name, ok, err = catalog.Get(ctx, "prod_1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Pro - member", name)
	coldGets, _ := cold.counts()
	assert.Equal(t, 1, coldGets)
}

func TestCatalog_Get_Miss(t *testing.T) {
	catalog, err := New(Config{Hot: newCounting(), Cold: newCounting()})
	require.NoError(t, err)

	_, ok, err := catalog.Get(context.Background(), "prod_missing")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestCatalog_Get_ColdError(t *testing.T) {
	cold := newCounting()
	cold.getErr = errColdDown
	catalog, err := New(Config{Hot: newCounting(), Cold: cold})
	require.NoError(t, err)

	_, ok, err := catalog.Get(context.Background(), "prod_1")
	assert.ErrorIs(t, err, errColdDown)
	assert.False(t, ok)
}

func TestCatalog_Set_WriteThrough(t *testing.T) {
	hot, cold := newCounting(), newCounting()
	catalog, err := New(Config{Hot: hot, Cold: cold, HotTTL: time.Minute})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, catalog.Set(ctx, "prod_1", "Basic", time.Hour))

	name, ok, _ := hot.MemoryCatalog.Get(ctx, "prod_1")
	assert.True(t, ok)
	assert.Equal(t, "Basic", name)
	name, ok, _ = cold.MemoryCatalog.Get(ctx, "prod_1")
	assert.True(t, ok)
	assert.Equal(t, "Basic", name)
}

func TestCatalog_Set_ColdFailureSkipsHot(t *testing.T) {
	hot, cold := newCounting(), newCounting()
	cold.setErr = errColdDown
	catalog, err := New(Config{Hot: hot, Cold: cold})
	require.NoError(t, err)

	err = catalog.Set(context.Background(), "prod_1", "Basic", time.Hour)
	assert.ErrorIs(t, err, errColdDown)
	_, hotSets := hot.counts()
	assert.Zero(t, hotSets)
}

func TestCatalog_Set_Async(t *testing.T) {
	hot, cold := newCounting(), newCounting()
	var mu sync.Mutex
	var asyncErrs []error
	catalog, err := New(Config{
		Hot:             hot,
		Cold:            cold,
		AsyncColdWrites: true,
		AsyncErrorHandler: func(err error) {
			mu.Lock()
			asyncErrs = append(asyncErrs, err)
			mu.Unlock()
		},
	})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, catalog.Set(ctx, "prod_1", "Basic", time.Hour))
	name, ok, _ := hot.MemoryCatalog.Get(ctx, "prod_1")
	assert.True(t, ok)
	assert.Equal(t, "Basic", name)

	require.NoError(t, catalog.Close())
	require.NoError(t, catalog.Close())

	name, ok, _ = cold.MemoryCatalog.Get(ctx, "prod_1")
	assert.True(t, ok)
	assert.Equal(t, "Basic", name)
	mu.Lock()
	assert.Empty(t, asyncErrs)
	mu.Unlock()
}

func TestCatalog_Set_AsyncErrorReported(t *testing.T) {
	cold := newCounting()
	cold.setErr = errColdDown
	errCh := make(chan error, 1)
	catalog, err := New(Config{
		Hot:               newCounting(),
		Cold:              cold,
		AsyncColdWrites:   true,
		AsyncErrorHandler: func(err error) { errCh <- err },
	})
	require.NoError(t, err)

	require.NoError(t, catalog.Set(context.Background(), "prod_1", "Basic", time.Hour))
	require.NoError(t, catalog.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, errColdDown)
	default:
		t.Fatal("async error not reported")
	}
}
