package billing

import "errors"

var (
	// ErrProviderNotConfigured is returned when a provider or webhook endpoint is
	// missing its key, dispatcher or event kinds.
	ErrProviderNotConfigured = errors.New("billing provider not configured")

	// ErrInvalidWebhookSignature wraps Stripe-Signature header failures: missing,
	// malformed, stale or signed with another secret.
	ErrInvalidWebhookSignature = errors.New("invalid webhook signature")

	// ErrInvalidWebhookPayload wraps verified bodies that are not a decodable event.
	ErrInvalidWebhookPayload = errors.New("invalid webhook payload")

	// ErrProviderAPIError is returned when the provider answers with data the
	// service cannot use, such as a subscription without a product.
	ErrProviderAPIError = errors.New("billing provider API error")
)
