package subsync

import (
	"context"
	"errors"
	"fmt"
)

// ReferralGranter credits the referrer of a user whose subscription was added.
type ReferralGranter struct {
	store   Store
	logger  Logger
	metrics Metrics
}

// NewReferralGranter creates a granter over store. Nil logger and metrics
// default to no-ops.
func NewReferralGranter(store Store, logger Logger, metrics Metrics) *ReferralGranter {
	if logger == nil {
		logger = &NoopLogger{}
	}
	if metrics == nil {
		metrics = &NoopMetrics{}
	}
	return &ReferralGranter{store: store, logger: logger, metrics: metrics}
}

// Grant adds user.ID to the valid referrals of the user whose referral code
// equals user's referred-by code. It reports whether a new credit was
// written. A missing or stale referred-by code is a no-op, not an error.
// Granting is idempotent per (referrer, referred) pair.
func (g *ReferralGranter) Grant(ctx context.Context, user *User) (bool, error) {
	if user == nil || user.ID == "" {
		return false, nil
	}
	code := user.ReferredBy()
	if code == "" {
		return false, nil
	}

	referrer, err := FindUserByField(ctx, g.store, g.logger, FieldReferralCode, code)
	if errors.Is(err, ErrUserNotFound) {
		g.logger.Debug("referral code matches no user",
			F("user_id", user.ID), F("referred_by", code))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to find referrer: %w", err)
	}

	if referrer.ID == user.ID {
		g.logger.Warn("user referred by own code, skipping credit", F("user_id", user.ID))
		return false, nil
	}
	if referrer.HasValidReferral(user.ID) {
		return false, nil
	}

	if err := g.store.AddValidReferral(ctx, referrer.ID, user.ID); err != nil {
		return false, fmt.Errorf("failed to add valid referral: %w", err)
	}

	g.metrics.RecordReferralGranted()
	g.logger.Info("referral credit granted",
		F("referrer_id", referrer.ID), F("user_id", user.ID))
	return true, nil
}
