package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"

	"ms-checkout/internal/auth"
	"ms-checkout/internal/logger"
	"ms-checkout/internal/models"
	"ms-checkout/internal/tickets"
	"ms-checkout/internal/utils"
)

type OrderReader interface {
	GetOrderWithTickets(ctx context.Context, sessionID string) (*models.OrderWithTickets, error)
}

type TicketRedeemer interface {
	Redeem(ctx context.Context, token, redeemedBy string) (*models.Ticket, error)
}

type Reprocessor interface {
	Reprocess(ctx context.Context, sessionID string) (*models.Order, []models.Ticket, error)
}

type Handler struct {
	Orders      OrderReader
	Tickets     TicketRedeemer
	Reprocessor Reprocessor
	Logger      *logger.Logger
}

func NewHandler(orders OrderReader, redeemer TicketRedeemer, reprocessor Reprocessor, log *logger.Logger) *Handler {
	return &Handler{Orders: orders, Tickets: redeemer, Reprocessor: reprocessor, Logger: log}
}

type orderResponse struct {
	OK      bool            `json:"ok"`
	Order   models.Order    `json:"order"`
	Tickets []models.Ticket `json:"tickets"`
}

// GetOrderBySession serves the confirmation page's poll. "Not found" is the
// normal outcome while the webhook is still in flight, so it gets a clean 404
// with a structured code rather than an error log.
func (h *Handler) GetOrderBySession(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("session_id")
	if sessionID == "" {
		utils.WriteError(w, http.StatusBadRequest, utils.CodeMissingParam, "session_id query parameter is required")
		return
	}

	result, err := h.Orders.GetOrderWithTickets(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			utils.WriteError(w, http.StatusNotFound, utils.CodeOrderNotFound, fmt.Sprintf("no order for session %s", sessionID))
			return
		}
		h.Logger.Error("API", fmt.Sprintf("GetOrderBySession: lookup failed for session %s: %v", sessionID, err))
		utils.WriteError(w, http.StatusInternalServerError, utils.CodeInternalError, "failed to load order")
		return
	}

	utils.WriteJSON(w, http.StatusOK, orderResponse{OK: true, Order: result.Order, Tickets: result.Tickets})
}

type redeemRequest struct {
	Token      string `json:"token"`
	RedeemedBy string `json:"redeemed_by"`
}

type redeemResponse struct {
	OK     bool          `json:"ok"`
	Ticket models.Ticket `json:"ticket"`
}

// RedeemTicket validates the signed payload, then flips the ticket to used.
func (h *Handler) RedeemTicket(w http.ResponseWriter, r *http.Request) {
	var req redeemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.WriteError(w, http.StatusBadRequest, utils.CodeMissingParam, "invalid request body: "+err.Error())
		return
	}
	if req.Token == "" {
		utils.WriteError(w, http.StatusBadRequest, utils.CodeMissingParam, "token is required")
		return
	}

	// The verified OIDC subject, when present, beats whatever the client put
	// in the body.
	redeemedBy := req.RedeemedBy
	if sub := auth.UserID(r.Context()); sub != "" {
		redeemedBy = sub
	}

	ticket, err := h.Tickets.Redeem(r.Context(), req.Token, redeemedBy)
	if err != nil {
		var redeemed *tickets.AlreadyRedeemedError
		switch {
		case errors.As(err, &redeemed):
			utils.WriteError(w, http.StatusConflict, utils.CodeAlreadyUsed, redeemed.Error())
		case errors.Is(err, sql.ErrNoRows):
			utils.WriteError(w, http.StatusNotFound, utils.CodeTicketNotFound, "ticket not found")
		default:
			h.Logger.Warn("API", fmt.Sprintf("RedeemTicket: rejected token: %v", err))
			utils.WriteError(w, http.StatusBadRequest, utils.CodeInvalidToken, "redemption token is invalid or expired")
		}
		return
	}

	utils.WriteJSON(w, http.StatusOK, redeemResponse{OK: true, Ticket: *ticket})
}

type reprocessResponse struct {
	OK          bool         `json:"ok"`
	Order       models.Order `json:"order"`
	TicketCount int          `json:"ticket_count"`
}

// ReprocessOrder is the manual recovery path for swallowed webhook failures.
// Issuance is idempotent, so operators can run it blind.
func (h *Handler) ReprocessOrder(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")
	if sessionID == "" {
		utils.WriteError(w, http.StatusBadRequest, utils.CodeMissingParam, "sessionID path parameter is required")
		return
	}

	o, issued, err := h.Reprocessor.Reprocess(r.Context(), sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			utils.WriteError(w, http.StatusNotFound, utils.CodeOrderNotFound, fmt.Sprintf("no order for session %s", sessionID))
			return
		}
		h.Logger.Error("API", fmt.Sprintf("ReprocessOrder: failed for session %s: %v", sessionID, err))
		utils.WriteError(w, http.StatusInternalServerError, utils.CodeInternalError, err.Error())
		return
	}

	h.Logger.Info("API", fmt.Sprintf("ReprocessOrder: session %s reprocessed, %d tickets", sessionID, len(issued)))
	utils.WriteJSON(w, http.StatusOK, reprocessResponse{OK: true, Order: *o, TicketCount: len(issued)})
}
