package webhook

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/stripe/stripe-go/v82"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"ms-checkout/internal/kafka"
	"ms-checkout/internal/logger"
	"ms-checkout/internal/models"
	"ms-checkout/internal/order"
)

// maxBodyBytes caps the webhook payload, matching Stripe's own limit.
const maxBodyBytes = int64(65536)

type CheckoutProcessor interface {
	ProcessCheckoutSession(ctx context.Context, session models.CheckoutSession) (*models.Order, []models.Ticket, error)
}

type KafkaPublisher interface {
	Publish(topic string, key string, value []byte) error
}

type ReplayCache interface {
	MarkWebhookEvent(ctx context.Context, eventID string) (bool, error)
}

type Handler struct {
	Processor     CheckoutProcessor
	Producer      KafkaPublisher
	Replay        ReplayCache
	Logger        *logger.Logger
	WebhookSecret string
}

func NewHandler(processor CheckoutProcessor, producer KafkaPublisher, replay ReplayCache, log *logger.Logger, secret string) *Handler {
	return &Handler{
		Processor:     processor,
		Producer:      producer,
		Replay:        replay,
		Logger:        log,
		WebhookSecret: secret,
	}
}

// HandleStripeWebhook terminates Stripe's signed callback. Signature failures
// are the only hard rejection (400). After the signature passes we always
// acknowledge with 200: a non-200 would make Stripe retry forever, and our
// storage constraints already make replays harmless. Business failures are
// routed to Kafka instead of being retried by the provider — transient ones
// to the retry topic for the reconciler, validation ones to the alert topic.
func (h *Handler) HandleStripeWebhook(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)

	// The signature is computed over the exact bytes, so the body must be
	// read before any parsing.
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		h.Logger.Error("WEBHOOK", fmt.Sprintf("Failed to read webhook payload: %v", err))
		http.Error(w, "Invalid webhook payload", http.StatusBadRequest)
		return
	}

	opts := stripewebhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	}
	event, err := stripewebhook.ConstructEventWithOptions(payload, r.Header.Get("Stripe-Signature"), h.WebhookSecret, opts)
	if err != nil {
		h.Logger.Error("WEBHOOK", fmt.Sprintf("Webhook signature verification failed: %v", err))
		http.Error(w, "Webhook signature verification failed", http.StatusBadRequest)
		return
	}

	if h.Replay != nil {
		seen, err := h.Replay.MarkWebhookEvent(r.Context(), event.ID)
		if err != nil {
			h.Logger.Warn("WEBHOOK", fmt.Sprintf("Replay cache unavailable for event %s: %v", event.ID, err))
		} else if seen {
			h.Logger.Info("WEBHOOK", fmt.Sprintf("Skipping already-processed event %s", event.ID))
			h.acknowledge(w)
			return
		}
	}

	switch event.Type {
	case "checkout.session.completed":
		var cs stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &cs); err != nil {
			h.Logger.Error("WEBHOOK", fmt.Sprintf("Failed to unmarshal checkout session from event %s: %v", event.ID, err))
			h.routeFailure(event.ID, models.CheckoutSession{}, err, true)
			break
		}

		session := models.SessionFromStripe(&cs)
		h.Logger.Info("WEBHOOK", fmt.Sprintf("Processing checkout.session.completed for session %s", session.SessionID))

		if _, _, err := h.Processor.ProcessCheckoutSession(r.Context(), session); err != nil {
			h.Logger.Error("WEBHOOK", fmt.Sprintf("Failed to process session %s: %v", session.SessionID, err))
			h.routeFailure(event.ID, session, err, order.IsValidation(err))
		}

	default:
		// Unhandled types are acknowledged so Stripe stops redelivering them.
		h.Logger.Info("WEBHOOK", fmt.Sprintf("Ignoring event type %s", event.Type))
	}

	h.acknowledge(w)
}

func (h *Handler) acknowledge(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]bool{"received": true})
}

// routeFailure publishes the failure for recovery: permanent integration bugs
// go to the ops alert topic, anything else is queued for the reconciler. The
// provider event ID always rides along; for unparseable payloads it is the
// only handle an operator has on the failed checkout.
func (h *Handler) routeFailure(providerEventID string, session models.CheckoutSession, cause error, permanent bool) {
	if h.Producer == nil {
		return
	}

	event := models.IssuanceEvent{
		ProviderEventID: providerEventID,
		SessionID:       session.SessionID,
		Error:           cause.Error(),
		Timestamp:       time.Now().UTC(),
	}
	topic := kafka.TopicIssuanceRetry
	event.Type = models.IssuanceEventRetry
	if permanent {
		topic = kafka.TopicOpsAlerts
		event.Type = models.IssuanceEventAlert
	} else {
		event.Session = &session
	}

	key := session.SessionID
	if key == "" {
		key = providerEventID
	}

	value, _ := json.Marshal(event)
	if err := h.Producer.Publish(topic, key, value); err != nil {
		h.Logger.Error("KAFKA", fmt.Sprintf("Failed to publish %s for event %s: %v", event.Type, providerEventID, err))
	}
}
