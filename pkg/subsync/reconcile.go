package subsync

import (
	"strings"
	"time"
)

// Plan is the outcome of a reconciliation pass: the subscriptions to add,
// the subscriptions to remove, and the membership tier the user should hold
// afterwards. An empty Tier means the stored tier is cleared.
type Plan struct {
	Add    []Subscription
	Remove []Subscription
	Tier   string
}

// IsEmpty reports whether the plan adds or removes nothing.
func (p Plan) IsEmpty() bool {
	return len(p.Add) == 0 && len(p.Remove) == 0
}

// Delta converts the plan into a store delta. The tier is only written when
// it differs from currentTier.
func (p Plan) Delta(currentTier string) Delta {
	return Delta{
		Add:     p.Add,
		Remove:  p.Remove,
		Tier:    p.Tier,
		SetTier: p.Tier != currentTier,
	}
}

// Reconcile diffs a user's stored subscriptions against the provider's
// active list.
//
// Every provider product missing from current is added with Override=false
// and CreatedAt=now. A stored subscription is removed when it is not
// overridden and neither its product id nor its display name appears in the
// provider list. If any stored subscription is the admin sentinel, nothing is
// removed for the user in this pass.
//
// Duplicate provider product ids are collapsed, the last display name wins.
// Reconcile has no side effects and is idempotent: reconciling the result
// against the same provider list yields an empty plan.
func Reconcile(current []Subscription, active []ProviderSubscription, now time.Time) Plan {
	active = dedupeProviderSubscriptions(active)

	have := make(map[string]bool, len(current))
	for _, sub := range current {
		have[sub.ProductID] = true
	}

	var plan Plan
	activeIDs := make(map[string]bool, len(active))
	activeNames := make(map[string]bool, len(active))
	for _, ps := range active {
		activeIDs[ps.ProductID] = true
		activeNames[ps.DisplayName] = true
		if !have[ps.ProductID] {
			plan.Add = append(plan.Add, NewSubscription(ps.ProductID, ps.DisplayName, now))
		}
	}

	for _, sub := range current {
		if sub.IsAdmin() {
			plan.Remove = nil
			break
		}
		if sub.Override || activeIDs[sub.ProductID] || activeNames[sub.DisplayName] {
			continue
		}
		plan.Remove = append(plan.Remove, sub)
	}

	plan.Tier = DeriveTier(plan.Add, Remaining(current, plan.Remove))
	return plan
}

// Remaining returns subs without the entries whose product id is in remove.
func Remaining(subs, remove []Subscription) []Subscription {
	if len(remove) == 0 {
		return subs
	}
	return ApplyDelta(subs, Delta{Remove: remove})
}

// DeriveTier returns the membership tier label of the first membership
// subscription found across the given sets, scanned in order. The trailing
// " - member" qualifier is stripped and the rest lower-cased. It returns ""
// when no membership subscription is present.
func DeriveTier(sets ...[]Subscription) string {
	for _, set := range sets {
		for _, sub := range set {
			if !sub.IsMember() {
				continue
			}
			name := strings.TrimSuffix(sub.DisplayName, memberSuffix)
			return strings.ToLower(strings.TrimSpace(name))
		}
	}
	return ""
}

func dedupeProviderSubscriptions(active []ProviderSubscription) []ProviderSubscription {
	if len(active) < 2 {
		return active
	}
	index := make(map[string]int, len(active))
	out := make([]ProviderSubscription, 0, len(active))
	for _, ps := range active {
		if i, ok := index[ps.ProductID]; ok {
			out[i].DisplayName = ps.DisplayName
			continue
		}
		index[ps.ProductID] = len(out)
		out = append(out, ps)
	}
	return out
}
