package subsync_test

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/flippify/payments/pkg/subsync"
	"github.com/flippify/payments/storage/memory"
)

var testNow = time.Date(2024, 11, 1, 17, 12, 26, 0, time.UTC)

type fixedClock struct{ now time.Time }

func (c fixedClock) Now() time.Time { return c.now }

// fakeProvider serves canned provider state keyed by customer, subscription
// and product id.
type fakeProvider struct {
	mu            sync.Mutex
	active        map[string][]subsync.ProviderSubscription
	activeErr     map[string]error
	subscriptions map[string]subsync.ProviderSubscription
	products      map[string]string

	calls atomic.Int32

	// block, when set, holds ActiveSubscriptions until closed; entered is
	// signaled on each blocked call.
	block   chan struct{}
	entered chan struct{}
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{
		active:        make(map[string][]subsync.ProviderSubscription),
		activeErr:     make(map[string]error),
		subscriptions: make(map[string]subsync.ProviderSubscription),
		products:      make(map[string]string),
	}
}

func (p *fakeProvider) ActiveSubscriptions(ctx context.Context, customerID string) ([]subsync.ProviderSubscription, error) {
	p.calls.Add(1)
	if p.block != nil {
		select {
		case p.entered <- struct{}{}:
		default:
		}
		select {
		case <-p.block:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if err := p.activeErr[customerID]; err != nil {
		return nil, err
	}
	return p.active[customerID], nil
}

func (p *fakeProvider) Subscription(_ context.Context, subscriptionID string) (subsync.ProviderSubscription, error) {
	p.calls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	ps, ok := p.subscriptions[subscriptionID]
	if !ok {
		return subsync.ProviderSubscription{}, fmt.Errorf("%w: no such subscription", subsync.ErrEnvironmentMismatch)
	}
	return ps, nil
}

func (p *fakeProvider) ProductName(_ context.Context, productID string) (string, error) {
	p.calls.Add(1)
	p.mu.Lock()
	defer p.mu.Unlock()
	name, ok := p.products[productID]
	if !ok {
		return "", fmt.Errorf("%w: no such product", subsync.ErrEnvironmentMismatch)
	}
	return name, nil
}

// flakyStore fails the first n ApplySubscriptionDelta calls with a transport error.
type flakyStore struct {
	*memory.Storage
	failures atomic.Int32
	applies  atomic.Int32
}

func (s *flakyStore) ApplySubscriptionDelta(ctx context.Context, userID string, delta subsync.Delta) error {
	s.applies.Add(1)
	if s.failures.Load() > 0 {
		s.failures.Add(-1)
		return fmt.Errorf("%w: deadline exceeded", subsync.ErrUpstreamUnavailable)
	}
	return s.Storage.ApplySubscriptionDelta(ctx, userID, delta)
}

func sub(id, name string, override bool) subsync.Subscription {
	return subsync.Subscription{ProductID: id, DisplayName: name, Override: override, CreatedAt: testNow.Add(-24 * time.Hour)}
}

func productIDs(subs []subsync.Subscription) []string {
	out := make([]string, 0, len(subs))
	for _, s := range subs {
		out = append(out, s.ProductID)
	}
	return out
}
