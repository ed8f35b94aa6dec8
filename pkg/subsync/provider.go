package subsync

import "context"

// Provider is the billing provider as seen by the reconciliation core.
type Provider interface {
	// ActiveSubscriptions lists the customer's currently active subscriptions.
	// Returns ErrEnvironmentMismatch when the customer id belongs to the other
	// live/test environment.
	ActiveSubscriptions(ctx context.Context, customerID string) ([]ProviderSubscription, error)

	// Subscription resolves a provider subscription id to its product.
	Subscription(ctx context.Context, subscriptionID string) (ProviderSubscription, error)

	// ProductName resolves a product id to its display name.
	ProductName(ctx context.Context, productID string) (string, error)
}
