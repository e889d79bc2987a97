package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Ticket statuses. used/cancelled/refunded are terminal and never revert.
const (
	TicketStatusUnused    = "unused"
	TicketStatusUsed      = "used"
	TicketStatusCancelled = "cancelled"
	TicketStatusRefunded  = "refunded"
)

type Ticket struct {
	bun.BaseModel `bun:"table:tickets"`

	TicketID        string    `bun:"ticket_id,pk" json:"ticket_id"`
	Code            string    `bun:"code,unique,notnull" json:"code"`
	OrderID         string    `bun:"order_id,notnull" json:"order_id"`
	EventID         string    `bun:"event_id,notnull" json:"event_id"`
	Tier            string    `bun:"tier" json:"tier"`
	HolderEmail     string    `bun:"holder_email,notnull" json:"holder_email"`
	Status          string    `bun:"status,notnull" json:"status"`
	RedemptionToken string    `bun:"redemption_token,notnull" json:"redemption_token"`
	QRCode          []byte    `bun:"qr_code" json:"qr_code,omitempty"`
	IssuedAt        time.Time `bun:"issued_at,notnull" json:"issued_at"`
	RedeemedAt      time.Time `bun:"redeemed_at,nullzero" json:"redeemed_at,omitempty"`
	RedeemedBy      string    `bun:"redeemed_by,nullzero" json:"redeemed_by,omitempty"`
}

// Terminal reports whether the ticket is in a state that cannot revert.
func (t *Ticket) Terminal() bool {
	switch t.Status {
	case TicketStatusUsed, TicketStatusCancelled, TicketStatusRefunded:
		return true
	}
	return false
}
