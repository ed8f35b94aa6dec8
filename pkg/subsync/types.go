// Package subsync reconciles a billing provider's subscription state with a
// user-record store. It owns the add/remove decision logic, referral credit,
// webhook event handling and the periodic full-sync sweep. Storage and the
// provider are reached only through the Store and Provider interfaces.
package subsync

import (
	"strings"
	"time"
)

const (
	// AdminSubscriptionName marks a subscription that reconciliation never removes.
	// Its presence also suppresses every removal for that user in a sweep pass.
	AdminSubscriptionName = "admin"

	// memberMarker identifies membership products by display name.
	memberMarker = "member"

	// memberSuffix is stripped from a membership product name to form the tier label.
	memberSuffix = " - member"
)

// LookupField names an indexed user field that can be queried by equality.
type LookupField string

const (
	// FieldCustomerID is the provider customer id ("stripeCustomerId").
	FieldCustomerID LookupField = "stripeCustomerId"

	// FieldReferralCode is the user's own referral code.
	FieldReferralCode LookupField = "referral.referralCode"
)

// User is a user record as seen by the reconciliation core.
// Users are created elsewhere; this package only mutates subscriptions,
// referral credit and the membership tier.
type User struct {
	ID             string
	CustomerID     string
	Subscriptions  []Subscription
	Referral       *Referral
	MembershipTier string
}

// Referral holds a user's referral bookkeeping.
type Referral struct {
	ReferralCode   string
	ReferredBy     string
	ValidReferrals []string
}

// Subscription is a product a user is subscribed to. ProductID is unique
// within a user's set.
type Subscription struct {
	ProductID   string
	DisplayName string
	Override    bool
	CreatedAt   time.Time
}

// IsAdmin reports whether the subscription is the administrative sentinel.
func (s Subscription) IsAdmin() bool {
	return s.DisplayName == AdminSubscriptionName
}

// IsMember reports whether the subscription is a tiered membership product.
func (s Subscription) IsMember() bool {
	return strings.Contains(s.DisplayName, memberMarker)
}

// NewSubscription creates a non-overridden subscription stamped at now.
// The timestamp is truncated to whole seconds, matching the stored format.
func NewSubscription(productID, displayName string, now time.Time) Subscription {
	return Subscription{
		ProductID:   productID,
		DisplayName: displayName,
		Override:    false,
		CreatedAt:   now.UTC().Truncate(time.Second),
	}
}

// ProviderSubscription is one active subscription reported by the provider.
type ProviderSubscription struct {
	ProductID   string
	DisplayName string
	Active      bool
}

// Delta is a relative update to a user's subscription set. Removals are
// matched by ProductID. Adds whose ProductID is already present are ignored.
// The tier is only written when SetTier is true; an empty Tier clears it.
type Delta struct {
	Add     []Subscription
	Remove  []Subscription
	Tier    string
	SetTier bool
}

// IsEmpty reports whether applying the delta would change nothing.
func (d Delta) IsEmpty() bool {
	return len(d.Add) == 0 && len(d.Remove) == 0 && !d.SetTier
}

// FindSubscription returns the subscription with the given product id.
func (u *User) FindSubscription(productID string) (Subscription, bool) {
	for _, sub := range u.Subscriptions {
		if sub.ProductID == productID {
			return sub, true
		}
	}
	return Subscription{}, false
}

// MemberSubscription returns the first membership subscription, if any.
func (u *User) MemberSubscription() (Subscription, bool) {
	for _, sub := range u.Subscriptions {
		if sub.IsMember() {
			return sub, true
		}
	}
	return Subscription{}, false
}

// ReferredBy returns the referral code that brought this user in, or "".
func (u *User) ReferredBy() string {
	if u.Referral == nil {
		return ""
	}
	return u.Referral.ReferredBy
}

// HasValidReferral reports whether referredID was already credited to u.
func (u *User) HasValidReferral(referredID string) bool {
	if u.Referral == nil {
		return false
	}
	for _, id := range u.Referral.ValidReferrals {
		if id == referredID {
			return true
		}
	}
	return false
}

// ApplyDelta returns the subscription set that results from applying d to subs.
// Stores use it to apply a delta against the current document state.
func ApplyDelta(subs []Subscription, d Delta) []Subscription {
	removed := make(map[string]bool, len(d.Remove))
	for _, sub := range d.Remove {
		removed[sub.ProductID] = true
	}

	out := make([]Subscription, 0, len(subs)+len(d.Add))
	present := make(map[string]bool, len(subs)+len(d.Add))
	for _, sub := range subs {
		if removed[sub.ProductID] || present[sub.ProductID] {
			continue
		}
		present[sub.ProductID] = true
		out = append(out, sub)
	}
	for _, sub := range d.Add {
		if present[sub.ProductID] {
			continue
		}
		present[sub.ProductID] = true
		out = append(out, sub)
	}
	return out
}
