package subsync

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"
)

// EventKind identifies the provider event an Event carries.
type EventKind string

const (
	KindCheckoutCompleted   EventKind = "checkout.session.completed"
	KindSubscriptionUpdated EventKind = "customer.subscription.updated"
	KindSubscriptionDeleted EventKind = "customer.subscription.deleted"
)

// Event is a provider event decoded into plain structured data. Exactly one
// of the payload pointers is set, matching Kind.
type Event struct {
	ID   string
	Kind EventKind

	CheckoutCompleted   *CheckoutCompleted
	SubscriptionUpdated *SubscriptionUpdated
	SubscriptionDeleted *SubscriptionDeleted
}

// CheckoutCompleted is a finished checkout session for a subscription.
type CheckoutCompleted struct {
	SessionID      string
	CustomerID     string `validate:"required,max=255"`
	SubscriptionID string `validate:"required,max=255"`
}

// SubscriptionUpdated is a change to an existing subscription. PreviousProductID
// is set only when the product itself changed.
type SubscriptionUpdated struct {
	SubscriptionID    string
	CustomerID        string `validate:"required,max=255"`
	ProductID         string `validate:"required,max=255"`
	PreviousProductID string `validate:"max=255"`
}

// ProductChanged reports whether the update moved the customer to another product.
func (e SubscriptionUpdated) ProductChanged() bool {
	return e.PreviousProductID != "" && e.PreviousProductID != e.ProductID
}

// SubscriptionDeleted is a subscription that ended at the provider.
type SubscriptionDeleted struct {
	SubscriptionID string
	CustomerID     string `validate:"required,max=255"`
	ProductID      string `validate:"required,max=255"`
}

var (
	validateOnce sync.Once
	validate     *validator.Validate
)

func eventValidator() *validator.Validate {
	validateOnce.Do(func() {
		validate = validator.New()
	})
	return validate
}

// Validate checks that the payload matching Kind is present and well formed.
// Failures wrap ErrInvalidEvent.
func (e *Event) Validate() error {
	var payload interface{}
	switch e.Kind {
	case KindCheckoutCompleted:
		if e.CheckoutCompleted != nil {
			payload = e.CheckoutCompleted
		}
	case KindSubscriptionUpdated:
		if e.SubscriptionUpdated != nil {
			payload = e.SubscriptionUpdated
		}
	case KindSubscriptionDeleted:
		if e.SubscriptionDeleted != nil {
			payload = e.SubscriptionDeleted
		}
	default:
		return fmt.Errorf("%w: unsupported kind %q", ErrInvalidEvent, e.Kind)
	}
	if payload == nil {
		return fmt.Errorf("%w: missing %s payload", ErrInvalidEvent, e.Kind)
	}

	if err := eventValidator().Struct(payload); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			fields := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				fields = append(fields, fe.Field()+":"+fe.Tag())
			}
			return fmt.Errorf("%w: %s", ErrInvalidEvent, strings.Join(fields, ", "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidEvent, err)
	}
	return nil
}

// CustomerID returns the provider customer the event concerns.
func (e *Event) CustomerID() string {
	switch {
	case e.CheckoutCompleted != nil:
		return e.CheckoutCompleted.CustomerID
	case e.SubscriptionUpdated != nil:
		return e.SubscriptionUpdated.CustomerID
	case e.SubscriptionDeleted != nil:
		return e.SubscriptionDeleted.CustomerID
	}
	return ""
}
