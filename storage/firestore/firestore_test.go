package firestore

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"cloud.google.com/go/firestore"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flippify/payments/pkg/subsync"
)

const testProjectID = "test-project"

var testNow = time.Date(2024, 11, 1, 17, 12, 26, 0, time.UTC)

func setupFirestoreClient(t *testing.T) *firestore.Client {
	t.Helper()

	if os.Getenv("FIRESTORE_EMULATOR_HOST") == "" {
		t.Skip("FIRESTORE_EMULATOR_HOST not set, skipping Firestore emulator test")
	}

	client, err := firestore.NewClient(context.Background(), testProjectID)
	if err != nil {
		t.Fatalf("Failed to create Firestore client: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

// getTestCollection returns a unique collection name for each test run
func getTestCollection(testName string) string {
	return fmt.Sprintf("test_users_%s_%d", testName, time.Now().UnixNano())
}

func cleanupFirestore(t *testing.T, client *firestore.Client, collection string) {
	t.Helper()
	ctx := context.Background()

	docs, err := client.Collection(collection).Documents(ctx).GetAll()
	if err != nil {
		return
	}
	bw := client.BulkWriter(ctx)
	for _, doc := range docs {
		_, _ = bw.Delete(doc.Ref)
	}
	bw.End()
}

func seedUser(t *testing.T, client *firestore.Client, collection, id string, data map[string]interface{}) {
	t.Helper()
	_, err := client.Collection(collection).Doc(id).Set(context.Background(), data)
	require.NoError(t, err)
}

func newTestStorage(t *testing.T, name string) (*Storage, *firestore.Client, string) {
	t.Helper()
	client := setupFirestoreClient(t)
	coll := getTestCollection(name)
	storage, err := New(client, Config{UsersCollection: coll})
	require.NoError(t, err)
	t.Cleanup(func() { cleanupFirestore(t, client, coll) })
	return storage, client, coll
}

func TestNew_RequiresClient(t *testing.T) {
	_, err := New(nil, Config{})
	assert.Error(t, err)
}

func TestMergeSubscriptions(t *testing.T) {
	raw := []interface{}{
		map[string]interface{}{"id": "prod_a", "name": "A", "override": false, "server_subscription": true},
		map[string]interface{}{"id": "prod_b", "name": "B", "override": true},
		"garbage",
	}
	delta := subsync.Delta{
		Add: []subsync.Subscription{
			subsync.NewSubscription("prod_c", "Pro - member", testNow),
			subsync.NewSubscription("prod_a", "A renamed", testNow),
		},
		Remove: []subsync.Subscription{{ProductID: "prod_b"}},
	}

	out := mergeSubscriptions(raw, delta)
	require.Len(t, out, 2)

	first := out[0].(map[string]interface{})
	assert.Equal(t, "prod_a", first["id"])
	assert.Equal(t, "A", first["name"], "present product is not replaced")
	assert.Equal(t, true, first["server_subscription"], "unknown keys preserved")

	second := out[1].(map[string]interface{})
	assert.Equal(t, "prod_c", second["id"])
	assert.Equal(t, false, second["override"])
	assert.Equal(t, "2024-11-01T17:12:26.000Z", second["createdAt"])
}

func TestDecodeSubscription(t *testing.T) {
	sub := decodeSubscription(map[string]interface{}{
		"id":        "prod_a",
		"name":      "Pro - member",
		"override":  true,
		"createdAt": "2024-11-01T17:12:26.000Z",
	})
	assert.Equal(t, "prod_a", sub.ProductID)
	assert.Equal(t, "Pro - member", sub.DisplayName)
	assert.True(t, sub.Override)
	assert.Equal(t, testNow, sub.CreatedAt)

	sub = decodeSubscription(map[string]interface{}{"id": "prod_b", "createdAt": testNow})
	assert.False(t, sub.Override)
	assert.Equal(t, testNow, sub.CreatedAt)
}

func TestFirestore_GetUser(t *testing.T) {
	storage, client, coll := newTestStorage(t, "get_user")
	ctx := context.Background()

	_, err := storage.GetUser(ctx, "missing")
	assert.ErrorIs(t, err, subsync.ErrUserNotFound)

	seedUser(t, client, coll, "u1", map[string]interface{}{
		"stripeCustomerId": "cus_1",
		"subscriptions": []interface{}{
			map[string]interface{}{"id": "prod_a", "name": "Pro - member", "override": false,
				"createdAt": "2024-11-01T17:12:26.000Z"},
		},
		"referral": map[string]interface{}{
			"referralCode":   "ME",
			"referredBy":     "YOU",
			"validReferrals": []interface{}{"u9"},
		},
	})

	u, err := storage.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "u1", u.ID)
	assert.Equal(t, "cus_1", u.CustomerID)
	require.Len(t, u.Subscriptions, 1)
	assert.Equal(t, "prod_a", u.Subscriptions[0].ProductID)
	require.NotNil(t, u.Referral)
	assert.Equal(t, "YOU", u.Referral.ReferredBy)
	assert.Equal(t, []string{"u9"}, u.Referral.ValidReferrals)
}

func TestFirestore_FindUsersByField(t *testing.T) {
	storage, client, coll := newTestStorage(t, "find_users")
	ctx := context.Background()

	seedUser(t, client, coll, "a", map[string]interface{}{"stripeCustomerId": "cus_dup"})
	seedUser(t, client, coll, "b", map[string]interface{}{"stripeCustomerId": "cus_dup"})
	seedUser(t, client, coll, "c", map[string]interface{}{
		"referral": map[string]interface{}{"referralCode": "REF1"},
	})

	users, err := storage.FindUsersByField(ctx, subsync.FieldCustomerID, "cus_dup", 2)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "a", users[0].ID)

	users, err = storage.FindUsersByField(ctx, subsync.FieldReferralCode, "REF1", 2)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "c", users[0].ID)

	users, err = storage.FindUsersByField(ctx, subsync.FieldCustomerID, "cus_none", 2)
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestFirestore_ApplySubscriptionDelta(t *testing.T) {
	storage, client, coll := newTestStorage(t, "apply_delta")
	ctx := context.Background()

	seedUser(t, client, coll, "u1", map[string]interface{}{
		"stripeCustomerId": "cus_1",
		"membershipTier":   "basic",
		"subscriptions": []interface{}{
			map[string]interface{}{"id": "prod_a", "name": "Basic - member", "override": false},
		},
	})

	err := storage.ApplySubscriptionDelta(ctx, "u1", subsync.Delta{
		Add:     []subsync.Subscription{subsync.NewSubscription("prod_b", "Pro - member", testNow)},
		Remove:  []subsync.Subscription{{ProductID: "prod_a"}},
		Tier:    "pro",
		SetTier: true,
	})
	require.NoError(t, err)

	u, err := storage.GetUser(ctx, "u1")
	require.NoError(t, err)
	require.Len(t, u.Subscriptions, 1)
	assert.Equal(t, "prod_b", u.Subscriptions[0].ProductID)
	assert.Equal(t, "pro", u.MembershipTier)

	require.NoError(t, storage.ApplySubscriptionDelta(ctx, "u1", subsync.Delta{SetTier: true}))
	u, err = storage.GetUser(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, u.MembershipTier)

	err = storage.ApplySubscriptionDelta(ctx, "missing", subsync.Delta{})
	assert.ErrorIs(t, err, subsync.ErrUserNotFound)
}

func TestFirestore_ConcurrentDisjointDeltasCommute(t *testing.T) {
	storage, client, coll := newTestStorage(t, "concurrent")
	ctx := context.Background()

	seedUser(t, client, coll, "u1", map[string]interface{}{
		"subscriptions": []interface{}{
			map[string]interface{}{"id": "keep", "name": "Keep"},
			map[string]interface{}{"id": "y", "name": "Y"},
		},
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		assert.NoError(t, storage.ApplySubscriptionDelta(ctx, "u1", subsync.Delta{
			Add: []subsync.Subscription{subsync.NewSubscription("x", "X", testNow)},
		}))
	}()
	go func() {
		defer wg.Done()
		assert.NoError(t, storage.ApplySubscriptionDelta(ctx, "u1", subsync.Delta{
			Remove: []subsync.Subscription{{ProductID: "y"}},
		}))
	}()
	wg.Wait()

	u, err := storage.GetUser(ctx, "u1")
	require.NoError(t, err)
	ids := make([]string, 0, len(u.Subscriptions))
	for _, s := range u.Subscriptions {
		ids = append(ids, s.ProductID)
	}
	assert.ElementsMatch(t, []string{"keep", "x"}, ids)
}

func TestFirestore_AddValidReferral(t *testing.T) {
	storage, client, coll := newTestStorage(t, "valid_referral")
	ctx := context.Background()

	seedUser(t, client, coll, "referrer", map[string]interface{}{
		"referral": map[string]interface{}{"referralCode": "REF1"},
	})

	require.NoError(t, storage.AddValidReferral(ctx, "referrer", "u1"))
	require.NoError(t, storage.AddValidReferral(ctx, "referrer", "u1"))

	u, err := storage.GetUser(ctx, "referrer")
	require.NoError(t, err)
	require.NotNil(t, u.Referral)
	assert.Equal(t, []string{"u1"}, u.Referral.ValidReferrals)
	assert.Equal(t, "REF1", u.Referral.ReferralCode)

	assert.ErrorIs(t, storage.AddValidReferral(ctx, "missing", "u1"), subsync.ErrUserNotFound)
}

func TestFirestore_ForEachUser(t *testing.T) {
	storage, client, coll := newTestStorage(t, "for_each")
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		seedUser(t, client, coll, fmt.Sprintf("u%d", i), map[string]interface{}{"stripeCustomerId": "cus"})
	}

	var seen []string
	require.NoError(t, storage.ForEachUser(ctx, func(u *subsync.User) error {
		seen = append(seen, u.ID)
		return nil
	}))
	assert.ElementsMatch(t, []string{"u0", "u1", "u2"}, seen)
}
