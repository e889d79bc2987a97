package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"ms-checkout/internal/kafka"
	"ms-checkout/internal/logger"
	"ms-checkout/internal/models"
	"ms-checkout/internal/order"
)

// maxAttempts bounds retries per event before it escalates to the alert
// topic for manual attention.
const maxAttempts = 5

type SessionProcessor interface {
	ProcessCheckoutSession(ctx context.Context, session models.CheckoutSession) (*models.Order, []models.Ticket, error)
	Reprocess(ctx context.Context, sessionID string) (*models.Order, []models.Ticket, error)
}

type OrderScanner interface {
	ListPaidOrdersWithoutTickets(ctx context.Context, limit int) ([]models.Order, error)
}

type KafkaPublisher interface {
	Publish(topic string, key string, value []byte) error
}

// ClaimLock serializes reconciliation per checkout session. Both the retry
// consumer and the sweep lock on the session ID, so the two paths never work
// the same order concurrently.
type ClaimLock interface {
	LockReconcile(ctx context.Context, sessionID string) (bool, error)
	UnlockReconcile(ctx context.Context, sessionID string) error
}

// Reconciler recovers issuance that the webhook path acknowledged but could
// not complete. It consumes the retry topic and additionally sweeps storage
// for paid orders with no tickets, so a dropped Kafka message is not a
// permanent loss either.
type Reconciler struct {
	Processor SessionProcessor
	Scanner   OrderScanner
	Producer  KafkaPublisher
	Locks     ClaimLock
	Logger    *logger.Logger

	SweepInterval time.Duration
}

func NewReconciler(processor SessionProcessor, scanner OrderScanner, producer KafkaPublisher, locks ClaimLock, log *logger.Logger) *Reconciler {
	return &Reconciler{
		Processor:     processor,
		Scanner:       scanner,
		Producer:      producer,
		Locks:         locks,
		Logger:        log,
		SweepInterval: 5 * time.Minute,
	}
}

// HandleRetryEvent processes one event from the retry topic.
func (r *Reconciler) HandleRetryEvent(ctx context.Context, event models.IssuanceEvent) {
	if event.Session == nil {
		r.Logger.Warn("RECONCILE", fmt.Sprintf("Retry event for session %s carries no session payload, skipping", event.SessionID))
		return
	}

	session := *event.Session
	if r.Locks != nil {
		locked, err := r.Locks.LockReconcile(ctx, session.SessionID)
		if err != nil {
			r.Logger.Warn("RECONCILE", fmt.Sprintf("Lock unavailable for session %s: %v", session.SessionID, err))
		} else if !locked {
			r.Logger.Info("RECONCILE", fmt.Sprintf("Session %s already being reconciled elsewhere", session.SessionID))
			return
		} else {
			defer r.Locks.UnlockReconcile(ctx, session.SessionID)
		}
	}

	_, issued, err := r.Processor.ProcessCheckoutSession(ctx, session)
	if err != nil {
		r.requeueOrAlert(session, event.Attempts+1, err)
		return
	}

	r.Logger.Info("RECONCILE", fmt.Sprintf("Recovered session %s, %d tickets issued", session.SessionID, len(issued)))
}

// Sweep re-runs issuance for paid orders that have no tickets. Catches
// failures whose retry event itself was lost.
func (r *Reconciler) Sweep(ctx context.Context) {
	orders, err := r.Scanner.ListPaidOrdersWithoutTickets(ctx, 50)
	if err != nil {
		r.Logger.Error("RECONCILE", fmt.Sprintf("Sweep query failed: %v", err))
		return
	}

	for _, o := range orders {
		if r.Locks != nil {
			locked, err := r.Locks.LockReconcile(ctx, o.SessionID)
			if err != nil || !locked {
				continue
			}
		}

		if _, issued, err := r.Processor.Reprocess(ctx, o.SessionID); err != nil {
			r.Logger.Error("RECONCILE", fmt.Sprintf("Sweep failed for order %s: %v", o.OrderID, err))
		} else {
			r.Logger.Info("RECONCILE", fmt.Sprintf("Sweep issued %d tickets for order %s", len(issued), o.OrderID))
		}

		if r.Locks != nil {
			r.Locks.UnlockReconcile(ctx, o.SessionID)
		}
	}
}

// RunSweeper runs Sweep on a ticker until the context is cancelled.
func (r *Reconciler) RunSweeper(ctx context.Context) {
	ticker := time.NewTicker(r.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx)
		}
	}
}

func (r *Reconciler) requeueOrAlert(session models.CheckoutSession, attempts int, cause error) {
	event := models.IssuanceEvent{
		SessionID: session.SessionID,
		Error:     cause.Error(),
		Attempts:  attempts,
		Timestamp: time.Now().UTC(),
	}

	topic := kafka.TopicIssuanceRetry
	event.Type = models.IssuanceEventRetry
	event.Session = &session

	// Validation failures and exhausted retries both need a human.
	if order.IsValidation(cause) || attempts >= maxAttempts {
		topic = kafka.TopicOpsAlerts
		event.Type = models.IssuanceEventAlert
		event.Session = nil
	}

	value, _ := json.Marshal(event)
	if err := r.Producer.Publish(topic, session.SessionID, value); err != nil {
		r.Logger.Error("KAFKA", fmt.Sprintf("Failed to publish %s for session %s: %v", event.Type, session.SessionID, err))
	}
}
