package subsync

import (
	"context"
	"errors"
	"fmt"
)

// Result describes what an event handler did. It is returned for every
// handled event, including no-ops.
type Result struct {
	Message    string
	CustomerID string
	ProductID  string

	// Applied is true when the user record was modified.
	Applied bool
}

// Config holds the dependencies of a Service.
type Config struct {
	Store    Store
	Provider Provider

	// Logger is used for structured logging (default: NoopLogger)
	Logger Logger

	// Metrics records handler outcomes (default: NoopMetrics)
	Metrics Metrics

	// TimeSource stamps new subscriptions (default: SystemTimeSource)
	TimeSource TimeSource
}

func (c *Config) applyDefaults() error {
	if c.Store == nil || c.Provider == nil {
		return fmt.Errorf("%w: store and provider are required", ErrInvalidConfig)
	}
	if c.Logger == nil {
		c.Logger = &NoopLogger{}
	}
	if c.Metrics == nil {
		c.Metrics = &NoopMetrics{}
	}
	if c.TimeSource == nil {
		c.TimeSource = SystemTimeSource{}
	}
	return nil
}

// Service translates single provider events into user record updates.
// Each call is independent; the only shared state is the store.
type Service struct {
	store    Store
	provider Provider
	granter  *ReferralGranter
	logger   Logger
	metrics  Metrics
	clock    TimeSource
}

// NewService creates a Service from config.
func NewService(config Config) (*Service, error) {
	if err := config.applyDefaults(); err != nil {
		return nil, err
	}
	return &Service{
		store:    config.Store,
		provider: config.Provider,
		granter:  NewReferralGranter(config.Store, config.Logger, config.Metrics),
		logger:   config.Logger,
		metrics:  config.Metrics,
		clock:    config.TimeSource,
	}, nil
}

// Dispatch validates ev and routes it to its handler.
func (s *Service) Dispatch(ctx context.Context, ev *Event) (*Result, error) {
	if ev == nil {
		return nil, fmt.Errorf("%w: nil event", ErrInvalidEvent)
	}
	if err := ev.Validate(); err != nil {
		s.metrics.RecordEvent(ev.Kind, "invalid")
		return nil, err
	}

	var (
		res *Result
		err error
	)
	switch ev.Kind {
	case KindCheckoutCompleted:
		res, err = s.HandleCheckoutCompleted(ctx, *ev.CheckoutCompleted)
	case KindSubscriptionUpdated:
		res, err = s.HandleSubscriptionUpdated(ctx, *ev.SubscriptionUpdated)
	case KindSubscriptionDeleted:
		res, err = s.HandleSubscriptionDeleted(ctx, *ev.SubscriptionDeleted)
	}
	outcome := eventOutcome(res, err)
	s.metrics.RecordEvent(ev.Kind, outcome)
	if err != nil {
		log := s.logger.Error
		if outcome == "not_found" {
			log = s.logger.Warn
		}
		log("event handling failed",
			F("event_id", ev.ID),
			F("kind", string(ev.Kind)),
			F("customer_id", ev.CustomerID()),
			F("error", err.Error()))
	}
	return res, err
}

// HandleCheckoutCompleted adds the purchased product to the customer's user
// and grants referral credit.
func (s *Service) HandleCheckoutCompleted(ctx context.Context, ev CheckoutCompleted) (*Result, error) {
	user, err := s.findCustomer(ctx, ev.CustomerID)
	if err != nil {
		return nil, err
	}

	ps, err := s.provider.Subscription(ctx, ev.SubscriptionID)
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve subscription %s: %w", ev.SubscriptionID, err)
	}
	if !ps.Active {
		return &Result{
			Message:    fmt.Sprintf("Subscription %s is not active, nothing to add", ev.SubscriptionID),
			CustomerID: ev.CustomerID,
			ProductID:  ps.ProductID,
		}, nil
	}

	sub := NewSubscription(ps.ProductID, ps.DisplayName, s.clock.Now())
	if err := s.addSubscription(ctx, user, sub); err != nil {
		return nil, err
	}

	s.logger.Info("checkout complete",
		F("user_id", user.ID), F("customer_id", ev.CustomerID), F("product_id", sub.ProductID))
	return &Result{
		Message:    "Checkout complete",
		CustomerID: ev.CustomerID,
		ProductID:  sub.ProductID,
		Applied:    true,
	}, nil
}

// HandleSubscriptionUpdated reacts to a product change. When the user's
// membership subscription is overridden the new product is added; otherwise
// the previous product is removed.
func (s *Service) HandleSubscriptionUpdated(ctx context.Context, ev SubscriptionUpdated) (*Result, error) {
	if !ev.ProductChanged() {
		return &Result{
			Message:    "Subscription updated, product unchanged",
			CustomerID: ev.CustomerID,
			ProductID:  ev.ProductID,
		}, nil
	}

	user, err := s.findCustomer(ctx, ev.CustomerID)
	if err != nil {
		return nil, err
	}

	member, ok := user.MemberSubscription()
	if !ok {
		return nil, fmt.Errorf("%w: no member subscription for customer %s",
			ErrSubscriptionNotFound, ev.CustomerID)
	}

	if !member.Override {
		old, held := user.FindSubscription(ev.PreviousProductID)
		if !held {
			s.logger.Info("subscription changed, previous product not held",
				F("user_id", user.ID), F("product_id", ev.PreviousProductID))
			return &Result{
				Message:    fmt.Sprintf("Subscription updated, %s not held by user", ev.PreviousProductID),
				CustomerID: ev.CustomerID,
				ProductID:  ev.PreviousProductID,
			}, nil
		}
		if err := s.removeSubscription(ctx, user, old); err != nil {
			return nil, err
		}
		s.logger.Info("subscription changed, removed previous product",
			F("user_id", user.ID), F("product_id", ev.PreviousProductID))
		return &Result{
			Message:    fmt.Sprintf("Subscription inactive, removed %s from user", ev.PreviousProductID),
			CustomerID: ev.CustomerID,
			ProductID:  ev.PreviousProductID,
			Applied:    true,
		}, nil
	}

	name, err := s.provider.ProductName(ctx, ev.ProductID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve product %s: %w", ev.ProductID, err)
	}
	sub := NewSubscription(ev.ProductID, name, s.clock.Now())
	if err := s.addSubscription(ctx, user, sub); err != nil {
		return nil, err
	}

	s.logger.Info("subscription changed on overridden membership, added new product",
		F("user_id", user.ID), F("product_id", ev.ProductID))
	return &Result{
		Message:    fmt.Sprintf("Subscription updated, added %s to user", ev.ProductID),
		CustomerID: ev.CustomerID,
		ProductID:  ev.ProductID,
		Applied:    true,
	}, nil
}

// HandleSubscriptionDeleted removes the ended product from the user unless
// the stored subscription is overridden.
func (s *Service) HandleSubscriptionDeleted(ctx context.Context, ev SubscriptionDeleted) (*Result, error) {
	user, err := s.findCustomer(ctx, ev.CustomerID)
	if err != nil {
		return nil, err
	}

	sub, ok := user.FindSubscription(ev.ProductID)
	if !ok {
		return nil, fmt.Errorf("%w: product %s for customer %s",
			ErrSubscriptionNotFound, ev.ProductID, ev.CustomerID)
	}

	if sub.Override {
		s.logger.Info("subscription not removed because of override",
			F("user_id", user.ID), F("product_id", ev.ProductID))
		return &Result{
			Message:    "User subscription not removed because of override set to true",
			CustomerID: ev.CustomerID,
			ProductID:  ev.ProductID,
		}, nil
	}

	if err := s.removeSubscription(ctx, user, sub); err != nil {
		return nil, err
	}
	s.logger.Info("subscription inactive, removed from user",
		F("user_id", user.ID), F("product_id", ev.ProductID))
	return &Result{
		Message:    fmt.Sprintf("Subscription inactive, removed %s from user", ev.ProductID),
		CustomerID: ev.CustomerID,
		ProductID:  ev.ProductID,
		Applied:    true,
	}, nil
}

func (s *Service) findCustomer(ctx context.Context, customerID string) (*User, error) {
	var user *User
	err := retryOnce(func() error {
		var e error
		user, e = FindUserByField(ctx, s.store, s.logger, FieldCustomerID, customerID)
		return e
	})
	if err != nil {
		return nil, err
	}
	return user, nil
}

func (s *Service) addSubscription(ctx context.Context, user *User, sub Subscription) error {
	add := []Subscription{sub}
	delta := Delta{
		Add:  add,
		Tier: DeriveTier(add, user.Subscriptions),
	}
	delta.SetTier = delta.Tier != user.MembershipTier

	if err := retryOnce(func() error {
		return s.store.ApplySubscriptionDelta(ctx, user.ID, delta)
	}); err != nil {
		return fmt.Errorf("failed to add subscription %s: %w", sub.ProductID, err)
	}

	if _, err := s.granter.Grant(ctx, user); err != nil {
		return fmt.Errorf("subscription %s added but referral credit failed: %w", sub.ProductID, err)
	}
	return nil
}

func (s *Service) removeSubscription(ctx context.Context, user *User, sub Subscription) error {
	remove := []Subscription{sub}
	delta := Delta{
		Remove: remove,
		Tier:   DeriveTier(Remaining(user.Subscriptions, remove)),
	}
	delta.SetTier = delta.Tier != user.MembershipTier

	if err := retryOnce(func() error {
		return s.store.ApplySubscriptionDelta(ctx, user.ID, delta)
	}); err != nil {
		return fmt.Errorf("failed to remove subscription %s: %w", sub.ProductID, err)
	}
	return nil
}

// retryOnce runs fn and, on a transport failure, runs it once more without backoff.
func retryOnce(fn func() error) error {
	err := fn()
	if err == nil || isDomainError(err) {
		return err
	}
	return fn()
}

func eventOutcome(res *Result, err error) string {
	switch {
	case err == nil && res != nil && res.Applied:
		return "applied"
	case err == nil:
		return "noop"
	case errors.Is(err, ErrUserNotFound), errors.Is(err, ErrSubscriptionNotFound):
		return "not_found"
	case errors.Is(err, ErrInvalidEvent):
		return "invalid"
	default:
		return "error"
	}
}
