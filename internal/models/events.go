package models

import "time"

// IssuanceEvent is published to Kafka when ticket issuance succeeds, fails
// transiently (retry topic) or fails permanently (alert topic).
// ProviderEventID is the Stripe event that triggered a failure, kept so
// operators can locate the checkout even when the session payload could not
// be parsed.
type IssuanceEvent struct {
	Type            string           `json:"type"`
	ProviderEventID string           `json:"provider_event_id,omitempty"`
	SessionID       string           `json:"session_id"`
	OrderID         string           `json:"order_id,omitempty"`
	TicketCount     int              `json:"ticket_count,omitempty"`
	Error           string           `json:"error,omitempty"`
	Attempts        int              `json:"attempts,omitempty"`
	Session         *CheckoutSession `json:"session,omitempty"`
	Timestamp       time.Time        `json:"timestamp"`
}

const (
	IssuanceEventIssued = "issuance.completed"
	IssuanceEventRetry  = "issuance.retry"
	IssuanceEventAlert  = "issuance.alert"
)
