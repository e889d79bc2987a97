package models

import (
	"time"

	"github.com/uptrace/bun"
)

// Order statuses. SessionID is the Stripe checkout-session ID and is the
// natural deduplication key: the unique constraint on it resolves races
// between concurrent webhook deliveries.
const (
	OrderStatusPending   = "pending"
	OrderStatusPaid      = "paid"
	OrderStatusCancelled = "cancelled"
	OrderStatusFailed    = "failed"
	OrderStatusRefunded  = "refunded"
)

type Order struct {
	bun.BaseModel `bun:"table:orders"`

	OrderID       string    `bun:"order_id,pk" json:"order_id"`
	SessionID     string    `bun:"session_id,unique,notnull" json:"session_id"`
	EventID       string    `bun:"event_id,notnull" json:"event_id"`
	CustomerEmail string    `bun:"customer_email,notnull" json:"customer_email"`
	AmountTotal   int64     `bun:"amount_total,notnull" json:"amount_total"`
	Currency      string    `bun:"currency,notnull" json:"currency"`
	Tier          string    `bun:"tier" json:"tier"`
	Quantity      int       `bun:"quantity,notnull" json:"quantity"`
	Status        string    `bun:"status,notnull" json:"status"`
	CreatedAt     time.Time `bun:"created_at,notnull" json:"created_at"`
}

// TicketBatch marks that issuance has run for an order. Inserting the row is
// the atomic claim on issuance: a second issuer hits the primary-key conflict
// and re-reads the tickets instead of creating duplicates.
type TicketBatch struct {
	bun.BaseModel `bun:"table:ticket_batches"`

	OrderID   string    `bun:"order_id,pk" json:"order_id"`
	Quantity  int       `bun:"quantity,notnull" json:"quantity"`
	CreatedAt time.Time `bun:"created_at,notnull" json:"created_at"`
}

type OrderWithTickets struct {
	Order   Order    `json:"order"`
	Tickets []Ticket `json:"tickets"`
}
