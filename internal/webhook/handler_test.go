package webhook_test

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"

	"ms-checkout/internal/logger"
	"ms-checkout/internal/models"
	"ms-checkout/internal/order"
	"ms-checkout/internal/webhook"
)

const testSecret = "whsec_test_secret"

type MockProcessor struct {
	mock.Mock
}

func (m *MockProcessor) ProcessCheckoutSession(ctx context.Context, session models.CheckoutSession) (*models.Order, []models.Ticket, error) {
	args := m.Called(session)
	var o *models.Order
	if args.Get(0) != nil {
		o = args.Get(0).(*models.Order)
	}
	var tickets []models.Ticket
	if args.Get(1) != nil {
		tickets = args.Get(1).([]models.Ticket)
	}
	return o, tickets, args.Error(2)
}

type MockProducer struct {
	mock.Mock
}

func (m *MockProducer) Publish(topic string, key string, value []byte) error {
	args := m.Called(topic, key, value)
	return args.Error(0)
}

type fakeReplayCache struct {
	seen map[string]bool
}

func (f *fakeReplayCache) MarkWebhookEvent(ctx context.Context, eventID string) (bool, error) {
	if f.seen[eventID] {
		return true, nil
	}
	if f.seen == nil {
		f.seen = map[string]bool{}
	}
	f.seen[eventID] = true
	return false, nil
}

func checkoutCompletedEvent(eventID, sessionID string) []byte {
	return []byte(fmt.Sprintf(`{
		"id": %q,
		"object": "event",
		"type": "checkout.session.completed",
		"data": {
			"object": {
				"id": %q,
				"object": "checkout.session",
				"customer_email": "a@example.com",
				"amount_total": 1500,
				"currency": "usd",
				"metadata": {"event_id": "evt_1", "tier": "regular", "quantity": "2"}
			}
		}
	}`, eventID, sessionID))
}

func signedRequest(t *testing.T, payload []byte) *http.Request {
	now := time.Now()
	signature := stripewebhook.ComputeSignature(now, payload, testSecret)
	header := fmt.Sprintf("t=%d,v1=%s", now.Unix(), hex.EncodeToString(signature))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", strings.NewReader(string(payload)))
	req.Header.Set("Stripe-Signature", header)
	return req
}

func newHandler(processor *MockProcessor, producer *MockProducer, replay webhook.ReplayCache) *webhook.Handler {
	var pub webhook.KafkaPublisher
	if producer != nil {
		pub = producer
	}
	return webhook.NewHandler(processor, pub, replay, logger.NewTestLogger(), testSecret)
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	processor := new(MockProcessor)
	h := newHandler(processor, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", strings.NewReader(`{}`))
	req.Header.Set("Stripe-Signature", "t=1,v1=deadbeef")
	rec := httptest.NewRecorder()

	h.HandleStripeWebhook(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	processor.AssertNotCalled(t, "ProcessCheckoutSession", mock.Anything)
}

func TestWebhookAcknowledgesUnknownEventType(t *testing.T) {
	processor := new(MockProcessor)
	h := newHandler(processor, nil, nil)

	payload := []byte(`{"id": "evt_x", "object": "event", "type": "invoice.paid", "data": {"object": {}}}`)
	rec := httptest.NewRecorder()
	h.HandleStripeWebhook(rec, signedRequest(t, payload))

	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]bool
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.True(t, body["received"])
	processor.AssertNotCalled(t, "ProcessCheckoutSession", mock.Anything)
}

func TestWebhookProcessesCheckoutCompleted(t *testing.T) {
	processor := new(MockProcessor)
	h := newHandler(processor, nil, nil)

	expected := models.CheckoutSession{
		SessionID:     "cs_test_1",
		CustomerEmail: "a@example.com",
		AmountTotal:   1500,
		Currency:      "usd",
		EventID:       "evt_1",
		Tier:          "regular",
		Quantity:      2,
	}
	processor.On("ProcessCheckoutSession", expected).
		Return(&models.Order{OrderID: "order-1"}, []models.Ticket{{}, {}}, nil).Once()

	rec := httptest.NewRecorder()
	h.HandleStripeWebhook(rec, signedRequest(t, checkoutCompletedEvent("evt_1", "cs_test_1")))

	assert.Equal(t, http.StatusOK, rec.Code)
	processor.AssertExpectations(t)
}

func TestWebhookRoutesValidationFailureToAlerts(t *testing.T) {
	processor := new(MockProcessor)
	producer := new(MockProducer)
	h := newHandler(processor, producer, nil)

	processor.On("ProcessCheckoutSession", mock.Anything).
		Return(nil, nil, &order.ValidationError{Field: "customer_email", Reason: "is required"}).Once()
	producer.On("Publish", "ticketly.ops.alerts", "cs_test_1", mock.Anything).Return(nil).Once()

	rec := httptest.NewRecorder()
	h.HandleStripeWebhook(rec, signedRequest(t, checkoutCompletedEvent("evt_2", "cs_test_1")))

	// Still acknowledged so the provider stops retrying.
	assert.Equal(t, http.StatusOK, rec.Code)
	producer.AssertExpectations(t)
}

func TestWebhookRoutesTransientFailureToRetry(t *testing.T) {
	processor := new(MockProcessor)
	producer := new(MockProducer)
	h := newHandler(processor, producer, nil)

	processor.On("ProcessCheckoutSession", mock.Anything).
		Return(nil, nil, fmt.Errorf("database unavailable")).Once()
	producer.On("Publish", "ticketly.orders.issuance_retry", "cs_test_1", mock.MatchedBy(func(value []byte) bool {
		var event models.IssuanceEvent
		if err := json.Unmarshal(value, &event); err != nil {
			return false
		}
		// The retry event must carry the session so the reconciler can replay it.
		return event.Type == models.IssuanceEventRetry && event.Session != nil && event.Session.SessionID == "cs_test_1"
	})).Return(nil).Once()

	rec := httptest.NewRecorder()
	h.HandleStripeWebhook(rec, signedRequest(t, checkoutCompletedEvent("evt_3", "cs_test_1")))

	assert.Equal(t, http.StatusOK, rec.Code)
	producer.AssertExpectations(t)
}

func TestWebhookAlertsOnMalformedSessionPayload(t *testing.T) {
	processor := new(MockProcessor)
	producer := new(MockProducer)
	h := newHandler(processor, producer, nil)

	// The session object cannot be unmarshalled, so there is no session ID;
	// the alert must carry the provider event ID so operators can find the
	// checkout, and it doubles as the partition key.
	payload := []byte(`{
		"id": "evt_malformed",
		"object": "event",
		"type": "checkout.session.completed",
		"data": {"object": {"id": 42}}
	}`)
	producer.On("Publish", "ticketly.ops.alerts", "evt_malformed", mock.MatchedBy(func(value []byte) bool {
		var event models.IssuanceEvent
		if err := json.Unmarshal(value, &event); err != nil {
			return false
		}
		return event.Type == models.IssuanceEventAlert && event.ProviderEventID == "evt_malformed"
	})).Return(nil).Once()

	rec := httptest.NewRecorder()
	h.HandleStripeWebhook(rec, signedRequest(t, payload))

	assert.Equal(t, http.StatusOK, rec.Code)
	producer.AssertExpectations(t)
	processor.AssertNotCalled(t, "ProcessCheckoutSession", mock.Anything)
}

func TestWebhookSkipsReplayedEvent(t *testing.T) {
	processor := new(MockProcessor)
	replay := &fakeReplayCache{}
	h := newHandler(processor, nil, replay)

	processor.On("ProcessCheckoutSession", mock.Anything).
		Return(&models.Order{OrderID: "order-1"}, []models.Ticket{}, nil).Once()

	first := httptest.NewRecorder()
	h.HandleStripeWebhook(first, signedRequest(t, checkoutCompletedEvent("evt_4", "cs_test_1")))
	assert.Equal(t, http.StatusOK, first.Code)

	// Identical redelivery is acknowledged without reprocessing.
	second := httptest.NewRecorder()
	h.HandleStripeWebhook(second, signedRequest(t, checkoutCompletedEvent("evt_4", "cs_test_1")))
	assert.Equal(t, http.StatusOK, second.Code)

	processor.AssertNumberOfCalls(t, "ProcessCheckoutSession", 1)
}
