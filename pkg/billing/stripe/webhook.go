package stripe

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v83"
	"github.com/stripe/stripe-go/v83/webhook"

	"github.com/flippify/payments/pkg/billing"
	"github.com/flippify/payments/pkg/billing/internal"
	"github.com/flippify/payments/pkg/subsync"
)

const (
	webhookBodyLimit         = 256 * 1024
	defaultRateLimitWindow   = time.Minute
	defaultRateLimitRequests = 100
)

// Dispatcher handles decoded events. *subsync.Service implements it.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev *subsync.Event) (*subsync.Result, error)
}

// WebhookConfig configures one signed webhook endpoint.
type WebhookConfig struct {
	// Secret is the endpoint's signing secret (whsec_...).
	Secret string

	// Kinds are the event types this endpoint handles. Other verified events
	// are acknowledged without processing.
	Kinds []subsync.EventKind

	Dispatcher Dispatcher

	// FailureMessage is returned with 500 responses (default: "Failed to process webhook").
	FailureMessage string

	// RateLimitRequests per RateLimitWindow per client IP (default: 100 per minute).
	// Negative disables limiting.
	RateLimitRequests int
	RateLimitWindow   time.Duration

	Metrics billing.Metrics
	Logger  subsync.Logger
}

// WebhookHandler verifies Stripe signatures, decodes the event into a
// subsync.Event and dispatches it.
type WebhookHandler struct {
	secret         string
	kinds          map[subsync.EventKind]bool
	dispatcher     Dispatcher
	failureMessage string
	rateLimiter    *internal.RateLimiter
	metrics        billing.Metrics
	logger         subsync.Logger
}

type webhookResponse struct {
	Message  string `json:"message"`
	Customer string `json:"customer,omitempty"`
	Error    string `json:"error,omitempty"`
}

// NewWebhookHandler creates a webhook handler for one endpoint.
func NewWebhookHandler(config WebhookConfig) (*WebhookHandler, error) {
	if config.Dispatcher == nil {
		return nil, billing.ErrProviderNotConfigured
	}
	if len(config.Kinds) == 0 {
		return nil, fmt.Errorf("%w: no event kinds", billing.ErrProviderNotConfigured)
	}

	kinds := make(map[subsync.EventKind]bool, len(config.Kinds))
	for _, k := range config.Kinds {
		kinds[k] = true
	}

	failure := config.FailureMessage
	if failure == "" {
		failure = "Failed to process webhook"
	}

	var limiter *internal.RateLimiter
	if config.RateLimitRequests >= 0 {
		requests := config.RateLimitRequests
		if requests == 0 {
			requests = defaultRateLimitRequests
		}
		window := config.RateLimitWindow
		if window <= 0 {
			window = defaultRateLimitWindow
		}
		limiter = internal.NewRateLimiter(requests, window)
	}

	metrics := config.Metrics
	if metrics == nil {
		metrics = &billing.NoopMetrics{}
	}
	logger := config.Logger
	if logger == nil {
		logger = &subsync.NoopLogger{}
	}

	return &WebhookHandler{
		secret:         strings.TrimSpace(config.Secret),
		kinds:          kinds,
		dispatcher:     config.Dispatcher,
		failureMessage: failure,
		rateLimiter:    limiter,
		metrics:        metrics,
		logger:         logger,
	}, nil
}

// Handler returns the webhook handler wrapped with per-IP rate limiting.
func (h *WebhookHandler) Handler() http.Handler {
	if h.rateLimiter == nil {
		return h
	}
	return h.rateLimiter.Middleware(h)
}

// ServeHTTP implements http.Handler.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventType := "unknown"
	status := http.StatusOK
	defer func() {
		h.metrics.RecordWebhookEvent(providerName, eventType, strconv.Itoa(status))
		h.metrics.RecordWebhookProcessingDuration(providerName, eventType, time.Since(start))
	}()

	reject := func(code int, errorType, message string) {
		status = code
		h.metrics.RecordWebhookError(providerName, errorType)
		//nolint:errcheck // response already committed
		_ = internal.WriteJSON(w, code, webhookResponse{Message: message})
	}

	if r.Method != http.MethodPost {
		reject(http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}
	if h.secret == "" {
		reject(http.StatusServiceUnavailable, "not_configured", "webhook secret not configured")
		return
	}

	payload, err := internal.ReadBodyStrict(w, r, webhookBodyLimit)
	if err != nil {
		if errors.Is(err, internal.ErrPayloadTooLarge) {
			reject(http.StatusRequestEntityTooLarge, "payload_too_large", "payload too large")
		} else {
			reject(http.StatusBadRequest, "invalid_payload", "invalid payload")
		}
		return
	}

	sig := r.Header.Get("Stripe-Signature")
	if strings.TrimSpace(sig) == "" {
		reject(http.StatusBadRequest, "auth_failed", "missing Stripe signature")
		return
	}
	event, err := h.verify(payload, sig)
	if err != nil {
		h.logger.Warn("stripe webhook rejected", subsync.F("error", err.Error()))
		if errors.Is(err, billing.ErrInvalidWebhookSignature) {
			reject(http.StatusBadRequest, "auth_failed", "invalid Stripe signature")
		} else {
			reject(http.StatusBadRequest, "invalid_payload", "invalid payload")
		}
		return
	}
	eventType = string(event.Type)

	kind := subsync.EventKind(event.Type)
	if !h.kinds[kind] {
		h.logger.Info("stripe webhook ignored (unhandled type)",
			subsync.F("event_id", event.ID), subsync.F("type", eventType))
		h.write(w, &status, http.StatusOK, webhookResponse{
			Message: fmt.Sprintf("Unhandled event type %s", eventType),
		})
		return
	}

	ev, err := decodeEvent(kind, &event)
	if err != nil {
		h.write(w, &status, http.StatusBadRequest, webhookResponse{Message: "Invalid event payload", Error: err.Error()})
		return
	}

	res, err := h.dispatcher.Dispatch(r.Context(), ev)
	if err != nil {
		code, body := h.errorResponse(ev, err)
		h.write(w, &status, code, body)
		return
	}
	h.write(w, &status, http.StatusOK, webhookResponse{Message: res.Message, Customer: res.CustomerID})
}

// verify checks the signature and parses the event. Signature failures wrap
// billing.ErrInvalidWebhookSignature, anything else billing.ErrInvalidWebhookPayload.
func (h *WebhookHandler) verify(payload []byte, sig string) (stripe.Event, error) {
	event, err := webhook.ConstructEventWithOptions(payload, sig, h.secret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err == nil {
		return event, nil
	}
	switch {
	case errors.Is(err, webhook.ErrNotSigned),
		errors.Is(err, webhook.ErrNoValidSignature),
		errors.Is(err, webhook.ErrTooOld),
		errors.Is(err, webhook.ErrInvalidHeader):
		return event, fmt.Errorf("%w: %w", billing.ErrInvalidWebhookSignature, err)
	default:
		return event, fmt.Errorf("%w: %w", billing.ErrInvalidWebhookPayload, err)
	}
}

func (h *WebhookHandler) write(w http.ResponseWriter, status *int, code int, body webhookResponse) {
	*status = code
	//nolint:errcheck // response already committed
	_ = internal.WriteJSON(w, code, body)
}

func (h *WebhookHandler) errorResponse(ev *subsync.Event, err error) (int, webhookResponse) {
	customer := ev.CustomerID()
	switch {
	case errors.Is(err, subsync.ErrUserNotFound):
		return http.StatusNotFound, webhookResponse{
			Message:  fmt.Sprintf("User not found. Customer ID: %s", customer),
			Customer: customer,
		}
	case errors.Is(err, subsync.ErrSubscriptionNotFound):
		return http.StatusNotFound, webhookResponse{
			Message:  fmt.Sprintf("Subscription not found. Product ID: %s", eventProductID(ev)),
			Customer: customer,
		}
	case errors.Is(err, subsync.ErrInvalidEvent), errors.Is(err, subsync.ErrEnvironmentMismatch):
		return http.StatusBadRequest, webhookResponse{
			Message:  "Invalid event payload",
			Customer: customer,
			Error:    err.Error(),
		}
	default:
		return http.StatusInternalServerError, webhookResponse{
			Message:  h.failureMessage,
			Customer: customer,
			Error:    err.Error(),
		}
	}
}

func eventProductID(ev *subsync.Event) string {
	switch {
	case ev.SubscriptionDeleted != nil:
		return ev.SubscriptionDeleted.ProductID
	case ev.SubscriptionUpdated != nil:
		return ev.SubscriptionUpdated.ProductID
	}
	return ""
}
