package api_test

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	stripewebhook "github.com/stripe/stripe-go/v82/webhook"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	_ "github.com/uptrace/bun/driver/sqliteshim"

	"ms-checkout/internal/api"
	"ms-checkout/internal/auth"
	"ms-checkout/internal/logger"
	"ms-checkout/internal/models"
	"ms-checkout/internal/order"
	"ms-checkout/internal/order/db"
	"ms-checkout/internal/tickets"
	"ms-checkout/internal/tickets/token"
	"ms-checkout/internal/webhook"
)

const testWebhookSecret = "whsec_test_secret"

// testApp wires real services over an in-memory SQLite store, the same shape
// main assembles in production.
type testApp struct {
	router *chi.Mux
	store  *db.DB
	bunDB  *bun.DB
}

func newTestApp(t *testing.T) *testApp {
	sqldb, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)

	bunDB := bun.NewDB(sqldb, sqlitedialect.New())
	require.NoError(t, db.Bootstrap(context.Background(), bunDB))
	t.Cleanup(func() { bunDB.Close() })

	log := logger.NewTestLogger()
	store := &db.DB{Bun: bunDB}
	signer := token.NewSigner("test-secret", 72*time.Hour)
	ticketService := tickets.NewTicketService(store, signer, log)
	orderService := order.NewOrderService(store, ticketService, nil, log)

	webhookHandler := webhook.NewHandler(orderService, nil, nil, log, testWebhookSecret)
	apiHandler := api.NewHandler(orderService, ticketService, orderService, log)

	router := chi.NewRouter()
	router.Post("/api/v1/webhooks/stripe", webhookHandler.HandleStripeWebhook)
	router.Get("/api/v1/orders/by-session", apiHandler.GetOrderBySession)
	router.Post("/api/v1/tickets/redeem", apiHandler.RedeemTicket)
	router.Post("/api/v1/admin/orders/{sessionID}/reprocess", apiHandler.ReprocessOrder)

	return &testApp{router: router, store: store, bunDB: bunDB}
}

func (a *testApp) deliverWebhook(t *testing.T, sessionID, eventID string) *httptest.ResponseRecorder {
	payload := []byte(fmt.Sprintf(`{
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

	now := time.Now()
	signature := stripewebhook.ComputeSignature(now, payload, testWebhookSecret)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhooks/stripe", strings.NewReader(string(payload)))
	req.Header.Set("Stripe-Signature", fmt.Sprintf("t=%d,v1=%s", now.Unix(), hex.EncodeToString(signature)))

	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func TestReadBackMissingParam(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/by-session", nil)
	rec := httptest.NewRecorder()
	app.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body struct {
		OK   bool   `json:"ok"`
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.OK)
	assert.Equal(t, "MISSING_PARAM", body.Code)
}

func TestReadBackUnknownSession(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/by-session?session_id=cs_nonexistent", nil)
	rec := httptest.NewRecorder()
	app.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNotFound, rec.Code)

	var body struct {
		OK   bool   `json:"ok"`
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.False(t, body.OK)
	assert.Equal(t, "ORDER_NOT_FOUND", body.Code)
}

func TestCheckoutFlowEndToEnd(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	// First delivery materializes the order and issues the tickets.
	rec := app.deliverWebhook(t, "cs_test_1", "evt_1")
	assert.Equal(t, http.StatusOK, rec.Code)

	// A redelivery changes nothing.
	rec = app.deliverWebhook(t, "cs_test_1", "evt_1_retry")
	assert.Equal(t, http.StatusOK, rec.Code)

	orderCount, err := app.bunDB.NewSelect().Model((*models.Order)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, orderCount)

	ticketCount, err := app.bunDB.NewSelect().Model((*models.Ticket)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, ticketCount)

	// The confirmation page finds the order with both tickets.
	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders/by-session?session_id=cs_test_1", nil)
	readback := httptest.NewRecorder()
	app.router.ServeHTTP(readback, req)
	require.Equal(t, http.StatusOK, readback.Code)

	var body struct {
		OK      bool            `json:"ok"`
		Order   models.Order    `json:"order"`
		Tickets []models.Ticket `json:"tickets"`
	}
	require.NoError(t, json.Unmarshal(readback.Body.Bytes(), &body))
	assert.True(t, body.OK)
	assert.Equal(t, models.OrderStatusPaid, body.Order.Status)
	assert.Equal(t, int64(1500), body.Order.AmountTotal)
	require.Len(t, body.Tickets, 2)
	for _, ticket := range body.Tickets {
		assert.Equal(t, models.TicketStatusUnused, ticket.Status)
		assert.NotEmpty(t, ticket.RedemptionToken)
	}

	// One of the redemption payloads scans successfully.
	redeemBody, _ := json.Marshal(map[string]string{
		"token":       body.Tickets[0].RedemptionToken,
		"redeemed_by": "scanner-1",
	})
	redeemReq := httptest.NewRequest(http.MethodPost, "/api/v1/tickets/redeem", bytes.NewReader(redeemBody))
	redeemRec := httptest.NewRecorder()
	app.router.ServeHTTP(redeemRec, redeemReq)
	assert.Equal(t, http.StatusOK, redeemRec.Code)

	// And the same payload is rejected on the second scan.
	redeemReq = httptest.NewRequest(http.MethodPost, "/api/v1/tickets/redeem", bytes.NewReader(redeemBody))
	redeemRec = httptest.NewRecorder()
	app.router.ServeHTTP(redeemRec, redeemReq)
	assert.Equal(t, http.StatusConflict, redeemRec.Code)
}

func TestRedeemMissingToken(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tickets/redeem", strings.NewReader(`{}`))
	rec := httptest.NewRecorder()
	app.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRedeemInvalidToken(t *testing.T) {
	app := newTestApp(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/tickets/redeem", strings.NewReader(`{"token":"not-a-jwt"}`))
	rec := httptest.NewRecorder()
	app.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)

	var body struct {
		Code string `json:"code"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "INVALID_TOKEN", body.Code)
}

func TestRedeemStampsAuthenticatedSubject(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	rec := app.deliverWebhook(t, "cs_auth_redeem", "evt_auth")
	require.Equal(t, http.StatusOK, rec.Code)

	result, err := app.store.GetOrderWithTickets(ctx, "cs_auth_redeem")
	require.NoError(t, err)
	require.NotEmpty(t, result.Tickets)

	// The verified OIDC subject on the request context wins over whatever
	// name the client sent in the body.
	body, _ := json.Marshal(map[string]string{
		"token":       result.Tickets[0].RedemptionToken,
		"redeemed_by": "spoofed-name",
	})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/tickets/redeem", bytes.NewReader(body))
	req = req.WithContext(auth.WithUserID(req.Context(), "gate-operator-7"))
	redeemRec := httptest.NewRecorder()
	app.router.ServeHTTP(redeemRec, req)
	require.Equal(t, http.StatusOK, redeemRec.Code)

	got, err := app.store.GetTicketByID(ctx, result.Tickets[0].TicketID)
	require.NoError(t, err)
	assert.Equal(t, "gate-operator-7", got.RedeemedBy)
}

func TestReprocessIssuesMissingTickets(t *testing.T) {
	app := newTestApp(t)
	ctx := context.Background()

	// An order exists but issuance never ran — the swallowed-failure case.
	o := models.Order{
		OrderID:       "order-stranded",
		SessionID:     "cs_stranded",
		EventID:       "evt_1",
		CustomerEmail: "a@example.com",
		AmountTotal:   1500,
		Currency:      "usd",
		Quantity:      2,
		Status:        models.OrderStatusPaid,
		CreatedAt:     time.Now().UTC(),
	}
	require.NoError(t, app.store.CreateOrder(ctx, o))

	req := httptest.NewRequest(http.MethodPost, "/api/v1/admin/orders/cs_stranded/reprocess", nil)
	rec := httptest.NewRecorder()
	app.router.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)

	ticketCount, err := app.bunDB.NewSelect().Model((*models.Ticket)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, ticketCount)

	// Running it again stays at two tickets.
	rec = httptest.NewRecorder()
	app.router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/v1/admin/orders/cs_stranded/reprocess", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	ticketCount, err = app.bunDB.NewSelect().Model((*models.Ticket)(nil)).Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, ticketCount)
}
