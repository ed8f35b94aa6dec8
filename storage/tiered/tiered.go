// Package tiered provides a Hot/Cold product catalog that keeps a small
// in-process cache (Hot) in front of a shared cache such as Redis (Cold).
package tiered

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/flippify/payments/pkg/billing"
)

const (
	defaultHotTTL         = 5 * time.Minute
	defaultSyncBufferSize = 1000
)

// Config configures the tiered catalog behavior
type Config struct {
	// Hot is the L1 cache (usually billing.MemoryCatalog)
	Hot billing.Catalog

	// Cold is the L2 shared cache (usually Redis)
	Cold billing.Catalog

	// HotTTL bounds entries copied into Hot on a Cold hit, since the
	// remaining Cold TTL is unknown (default: 5m)
	HotTTL time.Duration

	// AsyncColdWrites makes Set return after writing Hot and push the Cold
	// write to a background worker. If false, writes are synchronous.
	AsyncColdWrites bool

	// SyncBufferSize is the size of the buffered channel for async writes.
	// Default: 1000
	SyncBufferSize int

	// AsyncErrorHandler is called when an async Cold write fails.
	AsyncErrorHandler func(error)
}

// Catalog implements billing.Catalog across two tiers:
// - Read-Through: Get (Hot → Cold → populate Hot)
// - Write-Through: Set (Cold → Hot), or Hot first with an async Cold write
type Catalog struct {
	hot  billing.Catalog
	cold billing.Catalog
	conf Config

	syncQueue chan func() error
	shutdown  chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ billing.Catalog = (*Catalog)(nil)

// New creates a new tiered catalog.
func New(config Config) (*Catalog, error) {
	if config.Hot == nil || config.Cold == nil {
		return nil, errors.New("tiered catalog: both hot and cold catalogs are required")
	}
	if config.HotTTL <= 0 {
		config.HotTTL = defaultHotTTL
	}
	if config.SyncBufferSize <= 0 {
		config.SyncBufferSize = defaultSyncBufferSize
	}

	c := &Catalog{
		hot:       config.Hot,
		cold:      config.Cold,
		conf:      config,
		syncQueue: make(chan func() error, config.SyncBufferSize),
		shutdown:  make(chan struct{}),
	}
	if config.AsyncColdWrites {
		c.startWorker()
	}
	return c, nil
}

// Close drains pending Cold writes and stops the worker (if enabled).
func (c *Catalog) Close() error {
	if c.conf.AsyncColdWrites {
		c.closeOnce.Do(func() {
			close(c.shutdown)
			c.wg.Wait()
		})
	}
	return nil
}

// startWorker runs the background Cold write loop.
func (c *Catalog) startWorker() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		for {
			select {
			case job := <-c.syncQueue:
				c.run(job)
			case <-c.shutdown:
				for {
					select {
					case job := <-c.syncQueue:
						c.run(job)
					default:
						return
					}
				}
			}
		}
	}()
}

func (c *Catalog) run(job func() error) {
	if err := job(); err != nil && c.conf.AsyncErrorHandler != nil {
		c.conf.AsyncErrorHandler(fmt.Errorf("tiered catalog sync failed: %w", err))
	}
}

// Get implements billing.Catalog with read-through. A Hot failure falls
// through to Cold; a Cold failure is returned.
func (c *Catalog) Get(ctx context.Context, productID string) (string, bool, error) {
	if name, ok, err := c.hot.Get(ctx, productID); err == nil && ok {
		return name, true, nil
	}

	name, ok, err := c.cold.Get(ctx, productID)
	if err != nil || !ok {
		return "", false, err
	}

	// Cache fill; Cold stays the source of the value
	_ = c.hot.Set(ctx, productID, name, c.conf.HotTTL) //nolint:errcheck // best effort
	return name, true, nil
}

// Set implements billing.Catalog.
func (c *Catalog) Set(ctx context.Context, productID, name string, ttl time.Duration) error {
	hotTTL := ttl
	if hotTTL > c.conf.HotTTL {
		hotTTL = c.conf.HotTTL
	}

	if c.conf.AsyncColdWrites {
		_ = c.hot.Set(ctx, productID, name, hotTTL) //nolint:errcheck // best effort
		job := func() error {
			return c.cold.Set(context.WithoutCancel(ctx), productID, name, ttl)
		}
		select {
		case c.syncQueue <- job:
		default:
			// Queue full: write synchronously rather than drop
			return job()
		}
		return nil
	}

	if err := c.cold.Set(ctx, productID, name, ttl); err != nil {
		return err
	}
	_ = c.hot.Set(ctx, productID, name, hotTTL) //nolint:errcheck // best effort
	return nil
}
