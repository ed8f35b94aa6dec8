package billing

import (
	"context"
	"sync"
	"time"
)

// DefaultCatalogTTL is used when Config.CatalogTTL is zero.
const DefaultCatalogTTL = time.Hour

// Catalog caches product display names keyed by product id.
// Implementations must be safe for concurrent use.
type Catalog interface {
	// Get returns the cached name and true if present and not expired.
	Get(ctx context.Context, productID string) (string, bool, error)

	// Set stores a name with the given TTL.
	Set(ctx context.Context, productID, name string, ttl time.Duration) error
}

type catalogEntry struct {
	name       string
	expiration time.Time
}

// MemoryCatalog is an in-process Catalog bounded by maxEntries.
type MemoryCatalog struct {
	mu         sync.RWMutex
	entries    map[string]catalogEntry
	maxEntries int
	now        func() time.Time
}

// NewMemoryCatalog creates a MemoryCatalog holding at most maxEntries products.
func NewMemoryCatalog(maxEntries int) *MemoryCatalog {
	if maxEntries <= 0 {
		maxEntries = 1000 // default
	}
	return &MemoryCatalog{
		entries:    make(map[string]catalogEntry),
		maxEntries: maxEntries,
		now:        time.Now,
	}
}

func (c *MemoryCatalog) Get(_ context.Context, productID string) (string, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[productID]
	if !ok || c.now().After(entry.expiration) {
		return "", false, nil
	}
	return entry.name, true, nil
}

func (c *MemoryCatalog) Set(_ context.Context, productID, name string, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	if _, exists := c.entries[productID]; !exists && len(c.entries) >= c.maxEntries {
		c.evictLocked(now)
	}
	c.entries[productID] = catalogEntry{name: name, expiration: now.Add(ttl)}
	return nil
}

// evictLocked drops expired entries, or the entry closest to expiry when none have expired.
func (c *MemoryCatalog) evictLocked(now time.Time) {
	var (
		oldestKey string
		oldest    time.Time
	)
	for key, entry := range c.entries {
		if now.After(entry.expiration) {
			delete(c.entries, key)
			continue
		}
		if oldestKey == "" || entry.expiration.Before(oldest) {
			oldestKey, oldest = key, entry.expiration
		}
	}
	if len(c.entries) >= c.maxEntries && oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Len returns the number of cached entries, including expired ones not yet evicted.
func (c *MemoryCatalog) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
