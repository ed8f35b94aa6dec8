package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"

	"github.com/flippify/payments/pkg/billing"
	"github.com/flippify/payments/pkg/subsync"
)

const (
	providerName       = "stripe"
	defaultHTTPTimeout = 10 * time.Second

	endpointListSubscriptions    = "/subscriptions/list"
	endpointRetrieveSubscription = "/subscriptions/retrieve"
	endpointRetrieveProduct      = "/products/retrieve"
)

// Config extends billing.Config with Stripe-specific options
type Config struct {
	billing.Config

	// BackendURL overrides the Stripe API base URL (stripe-mock, tests).
	BackendURL string

	// MaxNetworkRetries is passed to the Stripe backend (default: 2, negative: none).
	MaxNetworkRetries int64
}

// Provider implements subsync.Provider against the Stripe API.
type Provider struct {
	client     *stripe.Client
	catalog    billing.Catalog
	catalogTTL time.Duration
	metrics    billing.Metrics
}

var _ subsync.Provider = (*Provider)(nil)

// NewProvider creates a new Stripe billing provider
func NewProvider(config Config) (*Provider, error) {
	apiKey := strings.TrimSpace(config.APIKey)
	if apiKey == "" {
		return nil, billing.ErrProviderNotConfigured
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{
			Timeout: defaultHTTPTimeout,
		}
	}

	retries := config.MaxNetworkRetries
	switch {
	case retries == 0:
		retries = 2
	case retries < 0:
		retries = 0
	}
	backendConfig := &stripe.BackendConfig{
		HTTPClient:        httpClient,
		MaxNetworkRetries: stripe.Int64(retries),
	}
	if config.BackendURL != "" {
		backendConfig.URL = stripe.String(config.BackendURL)
	}
	client := stripe.NewClient(apiKey, stripe.WithBackends(stripe.NewBackendsWithConfig(backendConfig)))

	catalog := config.Catalog
	if catalog == nil {
		catalog = billing.NewMemoryCatalog(0)
	}
	ttl := config.CatalogTTL
	if ttl <= 0 {
		ttl = billing.DefaultCatalogTTL
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}

	return &Provider{
		client:     client,
		catalog:    catalog,
		catalogTTL: ttl,
		metrics:    metrics,
	}, nil
}

// Name returns the provider name
func (p *Provider) Name() string {
	return providerName
}

// ActiveSubscriptions lists the customer's entitled subscriptions, one entry
// per product, with product names resolved through the catalog. The list is
// Stripe's default (every status but canceled), narrowed by entitled.
func (p *Provider) ActiveSubscriptions(ctx context.Context, customerID string) ([]subsync.ProviderSubscription, error) {
	params := &stripe.SubscriptionListParams{}
	params.Customer = stripe.String(customerID)

	start := time.Now()
	var productIDs []string
	for sub, err := range p.client.V1Subscriptions.List(ctx, params) {
		if err != nil {
			return nil, p.apiError(endpointListSubscriptions, start, err)
		}
		if !entitled(sub.Status) {
			continue
		}
		productIDs = append(productIDs, subscriptionProducts(sub)...)
	}
	p.recordAPICall(endpointListSubscriptions, start, "ok")

	out := make([]subsync.ProviderSubscription, 0, len(productIDs))
	for _, productID := range productIDs {
		name, err := p.ProductName(ctx, productID)
		if err != nil {
			return nil, err
		}
		out = append(out, subsync.ProviderSubscription{
			ProductID:   productID,
			DisplayName: name,
			Active:      true,
		})
	}
	return out, nil
}

// Subscription resolves a subscription id to its first product.
func (p *Provider) Subscription(ctx context.Context, subscriptionID string) (subsync.ProviderSubscription, error) {
	start := time.Now()
	sub, err := p.client.V1Subscriptions.Retrieve(ctx, subscriptionID, nil)
	if err != nil {
		return subsync.ProviderSubscription{}, p.apiError(endpointRetrieveSubscription, start, err)
	}
	p.recordAPICall(endpointRetrieveSubscription, start, "ok")

	products := subscriptionProducts(sub)
	if len(products) == 0 {
		return subsync.ProviderSubscription{}, fmt.Errorf("%w: subscription %s has no product",
			billing.ErrProviderAPIError, subscriptionID)
	}

	name, err := p.ProductName(ctx, products[0])
	if err != nil {
		return subsync.ProviderSubscription{}, err
	}
	return subsync.ProviderSubscription{
		ProductID:   products[0],
		DisplayName: name,
		Active:      entitled(sub.Status),
	}, nil
}

// ProductName resolves a product id to its display name, consulting the
// catalog first. Catalog failures fall through to the API.
func (p *Provider) ProductName(ctx context.Context, productID string) (string, error) {
	if name, ok, err := p.catalog.Get(ctx, productID); err == nil && ok {
		p.metrics.RecordCatalogLookup(providerName, "hit")
		return name, nil
	}
	p.metrics.RecordCatalogLookup(providerName, "miss")

	start := time.Now()
	product, err := p.client.V1Products.Retrieve(ctx, productID, nil)
	if err != nil {
		return "", p.apiError(endpointRetrieveProduct, start, err)
	}
	p.recordAPICall(endpointRetrieveProduct, start, "ok")

	//nolint:errcheck // a failed cache write only costs a later API call
	_ = p.catalog.Set(ctx, productID, product.Name, p.catalogTTL)
	return product.Name, nil
}

func (p *Provider) recordAPICall(endpoint string, start time.Time, status string) {
	p.metrics.RecordAPICall(providerName, endpoint, status)
	p.metrics.RecordAPICallDuration(providerName, endpoint, time.Since(start))
}

// apiError classifies a Stripe error. Invalid-request errors mean the id is
// unknown to this key's environment (live vs test).
func (p *Provider) apiError(endpoint string, start time.Time, err error) error {
	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeInvalidRequest {
		p.recordAPICall(endpoint, start, "invalid_request")
		return fmt.Errorf("%w: stripe %s: %w", subsync.ErrEnvironmentMismatch, endpoint, err)
	}
	p.recordAPICall(endpoint, start, "error")
	return fmt.Errorf("%w: stripe %s: %w", subsync.ErrUpstreamUnavailable, endpoint, err)
}

// entitled reports whether a subscription in this status keeps its products.
// Trials and failed renewals still in dunning count; incomplete, unpaid,
// paused and ended subscriptions do not.
func entitled(status stripe.SubscriptionStatus) bool {
	switch status {
	case stripe.SubscriptionStatusActive,
		stripe.SubscriptionStatusTrialing,
		stripe.SubscriptionStatusPastDue:
		return true
	}
	return false
}

// subscriptionProducts returns the distinct product ids of a subscription's items in order.
func subscriptionProducts(sub *stripe.Subscription) []string {
	if sub == nil || sub.Items == nil {
		return nil
	}
	var out []string
	seen := make(map[string]bool)
	for _, item := range sub.Items.Data {
		if item == nil || item.Price == nil || item.Price.Product == nil {
			continue
		}
		id := item.Price.Product.ID
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
