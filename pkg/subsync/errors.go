package subsync

import "errors"

var (
	// ErrUserNotFound is returned when no user document matches a lookup
	ErrUserNotFound = errors.New("user not found")

	// ErrSubscriptionNotFound is returned when the user has no matching subscription
	ErrSubscriptionNotFound = errors.New("subscription not found")

	// ErrUpstreamUnavailable wraps transport failures from the store or provider
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrEnvironmentMismatch is returned when the provider rejects a customer id
	// that belongs to the other live/test environment
	ErrEnvironmentMismatch = errors.New("customer belongs to another provider environment")

	// ErrInvalidEvent is returned for malformed event payloads
	ErrInvalidEvent = errors.New("invalid event")

	// ErrSweepInProgress is returned when a sweep is requested while one is running
	ErrSweepInProgress = errors.New("sweep already in progress")

	// ErrInvalidConfig is returned when a component is constructed without its dependencies
	ErrInvalidConfig = errors.New("invalid configuration")
)

// isDomainError reports whether err is a definitive answer rather than a
// transport failure worth retrying.
func isDomainError(err error) bool {
	return errors.Is(err, ErrUserNotFound) ||
		errors.Is(err, ErrSubscriptionNotFound) ||
		errors.Is(err, ErrInvalidEvent) ||
		errors.Is(err, ErrEnvironmentMismatch) ||
		errors.Is(err, ErrCircuitOpen)
}
