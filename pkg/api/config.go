package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/flippify/payments/pkg/subsync"
)

const (
	defaultName           = "Flippify Payments API"
	defaultVersion        = "1.0.0"
	defaultRequestTimeout = 30 * time.Second
)

// Sweep is the full-sync sweep as seen by the HTTP surface.
// *subsync.Sweeper implements it.
type Sweep interface {
	Run(ctx context.Context) (*subsync.SweepReport, error)
	Running() bool
}

// Config holds configuration for the payments HTTP surface
type Config struct {
	// CheckoutWebhook serves POST /checkout-complete (required)
	CheckoutWebhook http.Handler

	// SubscriptionWebhook serves POST /subscription-update (required)
	SubscriptionWebhook http.Handler

	// Sweeper runs the background sweep behind POST /run-initial-role-check (required)
	Sweeper Sweep

	// SweepContext is the parent context of background sweeps. Sweeps started
	// over HTTP outlive the request. Defaults to context.Background().
	SweepContext context.Context

	// MetricsHandler is mounted on GET /metrics when set
	MetricsHandler http.Handler

	// Name and Version are reported by GET /
	Name    string
	Version string

	// RequestTimeout bounds each request (default: 30s)
	RequestTimeout time.Duration

	// OnError handles errors (conflict, internal, etc.)
	// If nil, uses default error handling
	OnError func(http.ResponseWriter, *http.Request, error)

	// Logger is used for structured logging (default: NoopLogger)
	Logger subsync.Logger
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.CheckoutWebhook == nil {
		return fmt.Errorf("checkout webhook handler is required")
	}
	if c.SubscriptionWebhook == nil {
		return fmt.Errorf("subscription webhook handler is required")
	}
	if c.Sweeper == nil {
		return fmt.Errorf("sweeper is required")
	}
	return nil
}

// NewHandler creates the HTTP surface with the given configuration
func NewHandler(config Config) (*Handler, error) {
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if config.SweepContext == nil {
		config.SweepContext = context.Background()
	}
	if config.Name == "" {
		config.Name = defaultName
	}
	if config.Version == "" {
		config.Version = defaultVersion
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = defaultRequestTimeout
	}
	if config.Logger == nil {
		config.Logger = &subsync.NoopLogger{}
	}
	return &Handler{
		config: config,
	}, nil
}
