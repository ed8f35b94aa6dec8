package subsync

import (
	"context"
	"fmt"
)

// Store defines the user-record operations the reconciliation core needs.
// Implementations must apply ApplySubscriptionDelta relative to the record's
// current state (not a snapshot read earlier by the caller) so that
// concurrent deltas touching different product ids commute.
type Store interface {
	// FindUsersByField returns up to limit users whose field equals value.
	// An empty result is not an error.
	FindUsersByField(ctx context.Context, field LookupField, value string, limit int) ([]*User, error)

	// GetUser returns the user with the given id or ErrUserNotFound.
	GetUser(ctx context.Context, userID string) (*User, error)

	// ApplySubscriptionDelta atomically removes (by product id) and adds
	// subscriptions and optionally writes the membership tier.
	// Returns ErrUserNotFound if the user does not exist.
	ApplySubscriptionDelta(ctx context.Context, userID string, delta Delta) error

	// AddValidReferral adds referredID to the referrer's valid referrals with
	// set-union semantics.
	AddValidReferral(ctx context.Context, referrerID, referredID string) error

	// ForEachUser streams every user to fn. Iteration stops at the first
	// error returned by fn or by the underlying store.
	ForEachUser(ctx context.Context, fn func(*User) error) error
}

// ambiguityLimit is how many matches are fetched to detect duplicates.
const ambiguityLimit = 2

// FindUserByField returns the first user whose field equals value. When
// several documents match, the first returned by the store wins and the
// ambiguity is logged. Returns ErrUserNotFound when nothing matches.
func FindUserByField(ctx context.Context, store Store, logger Logger, field LookupField, value string) (*User, error) {
	users, err := store.FindUsersByField(ctx, field, value, ambiguityLimit)
	if err != nil {
		return nil, err
	}
	if len(users) == 0 {
		return nil, fmt.Errorf("%w: %s=%s", ErrUserNotFound, field, value)
	}
	if len(users) > 1 && logger != nil {
		logger.Warn("multiple users match lookup, using first",
			F("field", string(field)),
			F("value", value),
			F("user_id", users[0].ID),
			F("other_user_id", users[1].ID))
	}
	return users[0], nil
}
