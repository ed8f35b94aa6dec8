package stripe

import (
	"encoding/json"
	"fmt"

	"github.com/stripe/stripe-go/v83"

	"github.com/flippify/payments/pkg/billing"
	"github.com/flippify/payments/pkg/subsync"
)

// legacyPlan reads the top-level plan of subscriptions created under older API
// versions; stripe.Subscription no longer carries that field.
type legacyPlan struct {
	Plan *stripe.Plan `json:"plan"`
}

// decodeEvent converts a verified Stripe event into a validated subsync.Event.
func decodeEvent(kind subsync.EventKind, event *stripe.Event) (*subsync.Event, error) {
	if event.Data == nil {
		return nil, payloadError("event has no data", nil)
	}
	ev := &subsync.Event{ID: event.ID, Kind: kind}

	switch kind {
	case subsync.KindCheckoutCompleted:
		var session stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
			return nil, payloadError("failed to unmarshal checkout session", err)
		}
		ev.CheckoutCompleted = &subsync.CheckoutCompleted{SessionID: session.ID}
		if session.Customer != nil {
			ev.CheckoutCompleted.CustomerID = session.Customer.ID
		}
		if session.Subscription != nil {
			ev.CheckoutCompleted.SubscriptionID = session.Subscription.ID
		}

	case subsync.KindSubscriptionUpdated:
		sub, productID, err := decodeSubscription(event.Data.Raw)
		if err != nil {
			return nil, err
		}
		var previousID string
		if len(event.Data.PreviousAttributes) > 0 {
			raw, err := json.Marshal(event.Data.PreviousAttributes)
			if err != nil {
				return nil, payloadError("failed to encode previous attributes", err)
			}
			if _, previousID, err = decodeSubscription(raw); err != nil {
				return nil, err
			}
		}
		ev.SubscriptionUpdated = &subsync.SubscriptionUpdated{
			SubscriptionID:    sub.ID,
			CustomerID:        customerID(sub),
			ProductID:         productID,
			PreviousProductID: previousID,
		}

	case subsync.KindSubscriptionDeleted:
		sub, productID, err := decodeSubscription(event.Data.Raw)
		if err != nil {
			return nil, err
		}
		ev.SubscriptionDeleted = &subsync.SubscriptionDeleted{
			SubscriptionID: sub.ID,
			CustomerID:     customerID(sub),
			ProductID:      productID,
		}

	default:
		return nil, fmt.Errorf("%w: unsupported kind %q", subsync.ErrInvalidEvent, kind)
	}

	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return ev, nil
}

// decodeSubscription unmarshals a subscription object and resolves its product:
// the legacy top-level plan first, then the first item's price or plan.
func decodeSubscription(raw json.RawMessage) (*stripe.Subscription, string, error) {
	var sub stripe.Subscription
	if err := json.Unmarshal(raw, &sub); err != nil {
		return nil, "", payloadError("failed to unmarshal subscription", err)
	}
	var legacy legacyPlan
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return nil, "", payloadError("failed to unmarshal subscription plan", err)
	}
	if legacy.Plan != nil && legacy.Plan.Product != nil && legacy.Plan.Product.ID != "" {
		return &sub, legacy.Plan.Product.ID, nil
	}
	return &sub, itemProductID(&sub), nil
}

func itemProductID(sub *stripe.Subscription) string {
	if sub.Items == nil {
		return ""
	}
	for _, item := range sub.Items.Data {
		if item == nil {
			continue
		}
		if item.Price != nil && item.Price.Product != nil && item.Price.Product.ID != "" {
			return item.Price.Product.ID
		}
		if item.Plan != nil && item.Plan.Product != nil && item.Plan.Product.ID != "" {
			return item.Plan.Product.ID
		}
	}
	return ""
}

func customerID(sub *stripe.Subscription) string {
	if sub.Customer == nil {
		return ""
	}
	return sub.Customer.ID
}

func payloadError(msg string, err error) error {
	if err == nil {
		return fmt.Errorf("%w: %w: %s", billing.ErrInvalidWebhookPayload, subsync.ErrInvalidEvent, msg)
	}
	return fmt.Errorf("%w: %w: %s: %v", billing.ErrInvalidWebhookPayload, subsync.ErrInvalidEvent, msg, err)
}
