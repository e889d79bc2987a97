package models

import (
	"strconv"

	"github.com/stripe/stripe-go/v82"
)

// CheckoutSession is the provider-neutral descriptor of one completed
// checkout. It carries everything order materialization and ticket issuance
// need, so the services never touch Stripe types directly.
type CheckoutSession struct {
	SessionID     string `json:"session_id"`
	CustomerEmail string `json:"customer_email"`
	AmountTotal   int64  `json:"amount_total"`
	Currency      string `json:"currency"`
	EventID       string `json:"event_id"`
	Tier          string `json:"tier"`
	Quantity      int    `json:"quantity"`
}

// SessionFromStripe maps a Stripe checkout session onto our descriptor.
// Quantity arrives as a string in session metadata and defaults to 1 when
// absent or unparseable.
func SessionFromStripe(cs *stripe.CheckoutSession) CheckoutSession {
	session := CheckoutSession{
		SessionID:   cs.ID,
		AmountTotal: cs.AmountTotal,
		Currency:    string(cs.Currency),
		Quantity:    1,
	}

	session.CustomerEmail = cs.CustomerEmail
	if session.CustomerEmail == "" && cs.CustomerDetails != nil {
		session.CustomerEmail = cs.CustomerDetails.Email
	}

	if cs.Metadata != nil {
		session.EventID = cs.Metadata["event_id"]
		session.Tier = cs.Metadata["tier"]
		if qty, err := strconv.Atoi(cs.Metadata["quantity"]); err == nil && qty > 0 {
			session.Quantity = qty
		}
	}

	return session
}
