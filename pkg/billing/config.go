package billing

import (
	"net/http"
	"time"
)

// Config defines the configuration shared by billing providers.
type Config struct {
	// APIKey is used for outbound API calls to the billing provider.
	APIKey string

	// HTTPClient is an optional HTTP client for API calls.
	// If nil, a default client with 10s timeout will be used.
	HTTPClient *http.Client

	// Metrics is an optional metrics collector for tracking billing provider operations.
	// If nil, metrics will be silently ignored (no-op).
	// Use billing/metrics/prometheus.DefaultMetrics(namespace) for Prometheus metrics.
	Metrics Metrics

	// Catalog caches product id to display name lookups.
	// If nil, an in-memory catalog is used.
	Catalog Catalog

	// CatalogTTL is how long a resolved product name is cached (default: 1h).
	CatalogTTL time.Duration
}
