// Package firestore provides a Firestore implementation of the subsync.Store interface.
// Users live in a single collection keyed by user id; subscriptions are an
// array of maps on the user document.
package firestore

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/api/iterator"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/flippify/payments/pkg/subsync"
)

// Document field names
const (
	fieldCustomerID     = "stripeCustomerId"
	fieldSubscriptions  = "subscriptions"
	fieldMembershipTier = "membershipTier"
	fieldReferral       = "referral"
	fieldValidReferrals = "referral.validReferrals"

	subFieldID        = "id"
	subFieldName      = "name"
	subFieldOverride  = "override"
	subFieldCreatedAt = "createdAt"

	refFieldCode       = "referralCode"
	refFieldReferredBy = "referredBy"
	refFieldValid      = "validReferrals"
)

// Storage implements subsync.Store using Google Cloud Firestore
type Storage struct {
	client          *firestore.Client
	usersCollection string
}

// Config holds Firestore storage configuration
type Config struct {
	// UsersCollection is the Firestore collection holding user documents
	// Default: "users"
	UsersCollection string
}

// New creates a new Firestore storage adapter
func New(client *firestore.Client, config Config) (*Storage, error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client is required")
	}

	if config.UsersCollection == "" {
		config.UsersCollection = "users"
	}

	return &Storage{
		client:          client,
		usersCollection: config.UsersCollection,
	}, nil
}

func (s *Storage) users() *firestore.CollectionRef {
	return s.client.Collection(s.usersCollection)
}

// FindUsersByField implements subsync.Store. Firestore returns matches in
// document id order, so the first match is stable across calls.
func (s *Storage) FindUsersByField(ctx context.Context, field subsync.LookupField, value string,
	limit int) ([]*subsync.User, error) {
	if value == "" {
		return nil, nil
	}

	q := s.users().Where(string(field), "==", value)
	if limit > 0 {
		q = q.Limit(limit)
	}

	iter := q.Documents(ctx)
	defer iter.Stop()

	var out []*subsync.User
	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			break
		}
		if err != nil {
			return nil, upstream("query users", err)
		}
		out = append(out, decodeUser(snap))
	}
	return out, nil
}

// GetUser implements subsync.Store
func (s *Storage) GetUser(ctx context.Context, userID string) (*subsync.User, error) {
	snap, err := s.users().Doc(userID).Get(ctx)
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return nil, fmt.Errorf("%w: %s", subsync.ErrUserNotFound, userID)
		}
		return nil, upstream("get user", err)
	}
	if !snap.Exists() {
		return nil, fmt.Errorf("%w: %s", subsync.ErrUserNotFound, userID)
	}
	return decodeUser(snap), nil
}

// ApplySubscriptionDelta implements subsync.Store. The delta is applied inside
// a transaction against the document as read by that transaction; Firestore
// reruns the function on contention, so concurrent deltas are never applied
// to a stale array. Unknown keys on kept subscription maps are preserved.
func (s *Storage) ApplySubscriptionDelta(ctx context.Context, userID string, delta subsync.Delta) error {
	ref := s.users().Doc(userID)

	err := s.client.RunTransaction(ctx, func(_ context.Context, tx *firestore.Transaction) error {
		snap, err := tx.Get(ref)
		if err != nil {
			if status.Code(err) == codes.NotFound {
				return fmt.Errorf("%w: %s", subsync.ErrUserNotFound, userID)
			}
			return err
		}
		if delta.IsEmpty() {
			return nil
		}

		raw, _ := snap.Data()[fieldSubscriptions].([]interface{})
		updates := []firestore.Update{
			{Path: fieldSubscriptions, Value: mergeSubscriptions(raw, delta)},
		}
		if delta.SetTier {
			var tier interface{} = delta.Tier
			if delta.Tier == "" {
				tier = firestore.Delete
			}
			updates = append(updates, firestore.Update{Path: fieldMembershipTier, Value: tier})
		}
		return tx.Update(ref, updates)
	})
	if err != nil {
		if errors.Is(err, subsync.ErrUserNotFound) {
			return err
		}
		return upstream("apply subscription delta", err)
	}
	return nil
}

// AddValidReferral implements subsync.Store using an atomic array union.
func (s *Storage) AddValidReferral(ctx context.Context, referrerID, referredID string) error {
	_, err := s.users().Doc(referrerID).Update(ctx, []firestore.Update{
		{Path: fieldValidReferrals, Value: firestore.ArrayUnion(referredID)},
	})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("%w: %s", subsync.ErrUserNotFound, referrerID)
		}
		return upstream("add valid referral", err)
	}
	return nil
}

// ForEachUser implements subsync.Store by streaming the whole collection.
func (s *Storage) ForEachUser(ctx context.Context, fn func(*subsync.User) error) error {
	iter := s.users().Documents(ctx)
	defer iter.Stop()

	for {
		snap, err := iter.Next()
		if errors.Is(err, iterator.Done) {
			return nil
		}
		if err != nil {
			return upstream("stream users", err)
		}
		if err := fn(decodeUser(snap)); err != nil {
			return err
		}
	}
}

// mergeSubscriptions removes entries by product id and appends adds whose
// product id is not already present. Kept entries are copied as-is.
func mergeSubscriptions(raw []interface{}, delta subsync.Delta) []interface{} {
	removed := make(map[string]bool, len(delta.Remove))
	for _, sub := range delta.Remove {
		removed[sub.ProductID] = true
	}

	out := make([]interface{}, 0, len(raw)+len(delta.Add))
	present := make(map[string]bool, len(raw)+len(delta.Add))
	for _, entry := range raw {
		m, ok := entry.(map[string]interface{})
		if !ok {
			continue
		}
		id := getString(m, subFieldID)
		if removed[id] || present[id] {
			continue
		}
		present[id] = true
		out = append(out, m)
	}
	for _, sub := range delta.Add {
		if present[sub.ProductID] {
			continue
		}
		present[sub.ProductID] = true
		out = append(out, encodeSubscription(sub))
	}
	return out
}

func encodeSubscription(sub subsync.Subscription) map[string]interface{} {
	return map[string]interface{}{
		subFieldID:        sub.ProductID,
		subFieldName:      sub.DisplayName,
		subFieldOverride:  sub.Override,
		subFieldCreatedAt: subsync.FormatTimestamp(sub.CreatedAt),
	}
}

func decodeUser(snap *firestore.DocumentSnapshot) *subsync.User {
	data := snap.Data()
	u := &subsync.User{
		ID:             snap.Ref.ID,
		CustomerID:     getString(data, fieldCustomerID),
		MembershipTier: getString(data, fieldMembershipTier),
	}

	if raw, ok := data[fieldSubscriptions].([]interface{}); ok {
		for _, entry := range raw {
			if m, ok := entry.(map[string]interface{}); ok {
				u.Subscriptions = append(u.Subscriptions, decodeSubscription(m))
			}
		}
	}

	if ref, ok := data[fieldReferral].(map[string]interface{}); ok {
		u.Referral = &subsync.Referral{
			ReferralCode: getString(ref, refFieldCode),
			ReferredBy:   getString(ref, refFieldReferredBy),
		}
		if ids, ok := ref[refFieldValid].([]interface{}); ok {
			for _, id := range ids {
				if s, ok := id.(string); ok {
					u.Referral.ValidReferrals = append(u.Referral.ValidReferrals, s)
				}
			}
		}
	}
	return u
}

func decodeSubscription(m map[string]interface{}) subsync.Subscription {
	sub := subsync.Subscription{
		ProductID:   getString(m, subFieldID),
		DisplayName: getString(m, subFieldName),
	}
	if override, ok := m[subFieldOverride].(bool); ok {
		sub.Override = override
	}
	switch v := m[subFieldCreatedAt].(type) {
	case string:
		if t, err := subsync.ParseTimestamp(v); err == nil {
			sub.CreatedAt = t
		}
	case time.Time:
		sub.CreatedAt = v.UTC()
	}
	return sub
}

// Helper functions

func getString(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func upstream(op string, err error) error {
	return fmt.Errorf("%w: firestore %s: %w", subsync.ErrUpstreamUnavailable, op, err)
}
