package subsync

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// CircuitBreakerStore wraps a Store with circuit breaker protection and
// records per-operation latency.
type CircuitBreakerStore struct {
	store   Store
	cb      CircuitBreaker
	metrics Metrics
}

// NewCircuitBreakerStore creates a new store wrapper with circuit breaker.
func NewCircuitBreakerStore(store Store, cb CircuitBreaker, metrics Metrics) *CircuitBreakerStore {
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &CircuitBreakerStore{
		store:   store,
		cb:      cb,
		metrics: metrics,
	}
}

func (s *CircuitBreakerStore) run(ctx context.Context, op string, fn func() error) error {
	start := time.Now()
	err := s.cb.Execute(ctx, fn)
	s.metrics.RecordStoreOperation(op, time.Since(start), err)
	return openAsUnavailable(op, err)
}

// openAsUnavailable classifies a rejected call as an upstream outage so callers
// treat it like any other store failure.
func openAsUnavailable(op string, err error) error {
	if errors.Is(err, ErrCircuitOpen) {
		return fmt.Errorf("%w: %s: %w", ErrUpstreamUnavailable, op, err)
	}
	return err
}

func (s *CircuitBreakerStore) FindUsersByField(ctx context.Context, field LookupField, value string,
	limit int) ([]*User, error) {
	var users []*User
	err := s.run(ctx, "find_users", func() error {
		var e error
		users, e = s.store.FindUsersByField(ctx, field, value, limit)
		return e
	})
	return users, err
}

func (s *CircuitBreakerStore) GetUser(ctx context.Context, userID string) (*User, error) {
	var user *User
	err := s.run(ctx, "get_user", func() error {
		var e error
		user, e = s.store.GetUser(ctx, userID)
		return e
	})
	return user, err
}

func (s *CircuitBreakerStore) ApplySubscriptionDelta(ctx context.Context, userID string, delta Delta) error {
	return s.run(ctx, "apply_delta", func() error {
		return s.store.ApplySubscriptionDelta(ctx, userID, delta)
	})
}

func (s *CircuitBreakerStore) AddValidReferral(ctx context.Context, referrerID, referredID string) error {
	return s.run(ctx, "add_valid_referral", func() error {
		return s.store.AddValidReferral(ctx, referrerID, referredID)
	})
}

// ForEachUser guards starting the iteration only; a sweep is long-lived and
// per-user calls made from fn go through the wrapped methods.
func (s *CircuitBreakerStore) ForEachUser(ctx context.Context, fn func(*User) error) error {
	if s.cb.State() == StateOpen {
		return openAsUnavailable("for_each_user", ErrCircuitOpen)
	}
	start := time.Now()
	err := s.store.ForEachUser(ctx, fn)
	s.metrics.RecordStoreOperation("for_each_user", time.Since(start), err)
	return err
}
