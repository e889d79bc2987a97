package order

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ms-checkout/internal/kafka"
	"ms-checkout/internal/logger"
	"ms-checkout/internal/models"
	"ms-checkout/internal/order/db"
)

type DBLayer interface {
	GetOrderBySession(ctx context.Context, sessionID string) (*models.Order, error)
	CreateOrder(ctx context.Context, order models.Order) error
	GetOrderWithTickets(ctx context.Context, sessionID string) (*models.OrderWithTickets, error)
}

type TicketIssuer interface {
	IssueTickets(ctx context.Context, o models.Order) ([]models.Ticket, error)
}

type KafkaPublisher interface {
	Publish(topic string, key string, value []byte) error
}

type OrderService struct {
	DB      DBLayer
	Tickets TicketIssuer
	Kafka   KafkaPublisher
	Logger  *logger.Logger
}

func NewOrderService(dbLayer DBLayer, issuer TicketIssuer, producer KafkaPublisher, log *logger.Logger) *OrderService {
	return &OrderService{DB: dbLayer, Tickets: issuer, Kafka: producer, Logger: log}
}

// MaterializeOrder looks up or creates exactly one order for a checkout
// session. Webhook deliveries are at-least-once, so the session ID is the
// deduplication key: a second delivery returns the first order unchanged, and
// a lost insert race falls back to re-fetching the winner's row.
func (s *OrderService) MaterializeOrder(ctx context.Context, session models.CheckoutSession) (*models.Order, error) {
	if err := validateSession(session); err != nil {
		return nil, err
	}

	existing, err := s.DB.GetOrderBySession(ctx, session.SessionID)
	if err == nil {
		if existing.Quantity != session.Quantity {
			s.Logger.Warn("ORDER", fmt.Sprintf(
				"session %s re-delivered with quantity %d, order %s keeps original quantity %d",
				session.SessionID, session.Quantity, existing.OrderID, existing.Quantity))
		}
		return existing, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		// A transient read failure is not "not found"; surface it so the
		// caller retries instead of attempting an insert.
		return nil, fmt.Errorf("failed to look up order for session %s: %w", session.SessionID, err)
	}

	newOrder := models.Order{
		OrderID:       uuid.NewString(),
		SessionID:     session.SessionID,
		EventID:       session.EventID,
		CustomerEmail: session.CustomerEmail,
		AmountTotal:   session.AmountTotal,
		Currency:      session.Currency,
		Tier:          session.Tier,
		Quantity:      session.Quantity,
		Status:        models.OrderStatusPaid,
		CreatedAt:     time.Now().UTC(),
	}

	if err := s.DB.CreateOrder(ctx, newOrder); err != nil {
		if err == db.ErrDuplicate {
			// Concurrent delivery won the insert; its row is the order.
			return s.DB.GetOrderBySession(ctx, session.SessionID)
		}
		return nil, fmt.Errorf("failed to create order for session %s: %w", session.SessionID, err)
	}

	s.Logger.Info("ORDER", fmt.Sprintf("Materialized order %s for session %s (%d %s, qty %d)",
		newOrder.OrderID, newOrder.SessionID, newOrder.AmountTotal, newOrder.Currency, newOrder.Quantity))
	return &newOrder, nil
}

// ProcessCheckoutSession is the full webhook business path: materialize the
// order, issue its tickets, announce completion on Kafka. Both steps are
// idempotent, so the whole path can be replayed safely.
func (s *OrderService) ProcessCheckoutSession(ctx context.Context, session models.CheckoutSession) (*models.Order, []models.Ticket, error) {
	o, err := s.MaterializeOrder(ctx, session)
	if err != nil {
		return nil, nil, err
	}

	tickets, err := s.Tickets.IssueTickets(ctx, *o)
	if err != nil {
		return o, nil, fmt.Errorf("failed to issue tickets for order %s: %w", o.OrderID, err)
	}

	s.publishIssued(o, len(tickets))
	return o, tickets, nil
}

// Reprocess re-runs issuance for an already-materialized order. Used by the
// admin recovery endpoint and the reconciliation worker.
func (s *OrderService) Reprocess(ctx context.Context, sessionID string) (*models.Order, []models.Ticket, error) {
	o, err := s.DB.GetOrderBySession(ctx, sessionID)
	if err != nil {
		return nil, nil, fmt.Errorf("order for session %s not found: %w", sessionID, err)
	}
	if o.Status != models.OrderStatusPaid {
		return nil, nil, fmt.Errorf("order %s has status %s, only paid orders can be reprocessed", o.OrderID, o.Status)
	}

	tickets, err := s.Tickets.IssueTickets(ctx, *o)
	if err != nil {
		return o, nil, fmt.Errorf("failed to issue tickets for order %s: %w", o.OrderID, err)
	}

	s.publishIssued(o, len(tickets))
	return o, tickets, nil
}

func (s *OrderService) GetOrderWithTickets(ctx context.Context, sessionID string) (*models.OrderWithTickets, error) {
	return s.DB.GetOrderWithTickets(ctx, sessionID)
}

func (s *OrderService) publishIssued(o *models.Order, count int) {
	if s.Kafka == nil {
		return
	}

	event := models.IssuanceEvent{
		Type:        models.IssuanceEventIssued,
		SessionID:   o.SessionID,
		OrderID:     o.OrderID,
		TicketCount: count,
		Timestamp:   time.Now().UTC(),
	}
	value, _ := json.Marshal(event)
	if err := s.Kafka.Publish(kafka.TopicOrderIssued, o.OrderID, value); err != nil {
		s.Logger.Error("KAFKA", fmt.Sprintf("Failed to publish issuance event for order %s: %v", o.OrderID, err))
	}
}

func validateSession(session models.CheckoutSession) error {
	switch {
	case session.SessionID == "":
		return &ValidationError{Field: "session_id", Reason: "is required"}
	case session.CustomerEmail == "":
		return &ValidationError{Field: "customer_email", Reason: "is required"}
	case session.AmountTotal <= 0:
		return &ValidationError{Field: "amount_total", Reason: "must be a positive amount in minor units"}
	case session.Currency == "":
		return &ValidationError{Field: "currency", Reason: "is required"}
	case session.EventID == "":
		return &ValidationError{Field: "event_id", Reason: "is required in session metadata"}
	case session.Quantity < 1:
		return &ValidationError{Field: "quantity", Reason: "must be at least 1"}
	}
	return nil
}
