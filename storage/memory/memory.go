// Package memory provides an in-memory implementation of the subsync.Store interface.
// This implementation is primarily intended for testing and development.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/flippify/payments/pkg/subsync"
)

// Storage implements subsync.Store using an in-memory map keyed by user id
type Storage struct {
	mu    sync.RWMutex
	users map[string]*subsync.User
}

// New creates a new in-memory storage adapter
func New() *Storage {
	return &Storage{
		users: make(map[string]*subsync.User),
	}
}

// PutUser creates or replaces a user record. User creation happens outside
// the reconciliation core; this exists for seeding.
func (s *Storage) PutUser(user *subsync.User) error {
	if user == nil || user.ID == "" {
		return fmt.Errorf("invalid user")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.users[user.ID] = cloneUser(user)
	return nil
}

// FindUsersByField implements subsync.Store. Matches are returned in user id order.
func (s *Storage) FindUsersByField(_ context.Context, field subsync.LookupField, value string,
	limit int) ([]*subsync.User, error) {
	if value == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*subsync.User
	for _, id := range s.sortedIDs() {
		u := s.users[id]
		if fieldValue(u, field) != value {
			continue
		}
		out = append(out, cloneUser(u))
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// GetUser implements subsync.Store
func (s *Storage) GetUser(_ context.Context, userID string) (*subsync.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[userID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", subsync.ErrUserNotFound, userID)
	}
	return cloneUser(u), nil
}

// ApplySubscriptionDelta implements subsync.Store. The delta is applied to
// the stored record under the write lock.
func (s *Storage) ApplySubscriptionDelta(_ context.Context, userID string, delta subsync.Delta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		return fmt.Errorf("%w: %s", subsync.ErrUserNotFound, userID)
	}

	u.Subscriptions = subsync.ApplyDelta(u.Subscriptions, delta)
	if delta.SetTier {
		u.MembershipTier = delta.Tier
	}
	return nil
}

// AddValidReferral implements subsync.Store
func (s *Storage) AddValidReferral(_ context.Context, referrerID, referredID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[referrerID]
	if !ok {
		return fmt.Errorf("%w: %s", subsync.ErrUserNotFound, referrerID)
	}
	if u.Referral == nil {
		u.Referral = &subsync.Referral{}
	}
	if u.HasValidReferral(referredID) {
		return nil
	}
	u.Referral.ValidReferrals = append(u.Referral.ValidReferrals, referredID)
	return nil
}

// ForEachUser implements subsync.Store. It iterates over a snapshot so fn may
// call back into the storage.
func (s *Storage) ForEachUser(ctx context.Context, fn func(*subsync.User) error) error {
	s.mu.RLock()
	snapshot := make([]*subsync.User, 0, len(s.users))
	for _, id := range s.sortedIDs() {
		snapshot = append(snapshot, cloneUser(s.users[id]))
	}
	s.mu.RUnlock()

	for _, u := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(u); err != nil {
			return err
		}
	}
	return nil
}

func (s *Storage) sortedIDs() []string {
	ids := make([]string, 0, len(s.users))
	for id := range s.users {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func fieldValue(u *subsync.User, field subsync.LookupField) string {
	switch field {
	case subsync.FieldCustomerID:
		return u.CustomerID
	case subsync.FieldReferralCode:
		if u.Referral != nil {
			return u.Referral.ReferralCode
		}
	}
	return ""
}

func cloneUser(u *subsync.User) *subsync.User {
	c := *u
	c.Subscriptions = append([]subsync.Subscription(nil), u.Subscriptions...)
	if u.Referral != nil {
		ref := *u.Referral
		ref.ValidReferrals = append([]string(nil), u.Referral.ValidReferrals...)
		c.Referral = &ref
	}
	return &c
}
