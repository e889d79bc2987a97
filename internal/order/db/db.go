package db

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/uptrace/bun"

	"ms-checkout/internal/models"
)

// ErrDuplicate is returned when an insert loses a race on a unique
// constraint. Callers treat it as "someone else already created it" and
// re-fetch instead of failing.
var ErrDuplicate = errors.New("duplicate row")

type DB struct {
	Bun *bun.DB
}

// ---------------- ORDERS ----------------

func (d *DB) GetOrderBySession(ctx context.Context, sessionID string) (*models.Order, error) {
	var order models.Order
	err := d.Bun.NewSelect().
		Model(&order).
		Where("session_id = ?", sessionID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &order, nil
}

// CreateOrder inserts a new order. A unique violation on session_id maps to
// ErrDuplicate so the materializer can fall back to re-fetching.
func (d *DB) CreateOrder(ctx context.Context, order models.Order) error {
	_, err := d.Bun.NewInsert().Model(&order).Exec(ctx)
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// ListPaidOrdersWithoutTickets returns paid orders that have no ticket rows,
// whether or not an issuance claim exists. Used by the reconciliation sweep;
// keying on actual tickets means an interrupted issuance that left only a
// claim behind still gets swept.
func (d *DB) ListPaidOrdersWithoutTickets(ctx context.Context, limit int) ([]models.Order, error) {
	var orders []models.Order
	err := d.Bun.NewSelect().
		Model(&orders).
		Where("status = ?", models.OrderStatusPaid).
		Where("order_id NOT IN (SELECT order_id FROM tickets)").
		Order("created_at ASC").
		Limit(limit).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return orders, nil
}

// ---------------- TICKETS ----------------

func (d *DB) GetTicketsByOrder(ctx context.Context, orderID string) ([]models.Ticket, error) {
	var tickets []models.Ticket
	err := d.Bun.NewSelect().
		Model(&tickets).
		Where("order_id = ?", orderID).
		Order("issued_at ASC", "code ASC").
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return tickets, nil
}

func (d *DB) GetTicketByID(ctx context.Context, ticketID string) (*models.Ticket, error) {
	var ticket models.Ticket
	err := d.Bun.NewSelect().
		Model(&ticket).
		Where("ticket_id = ?", ticketID).
		Limit(1).
		Scan(ctx)
	if err != nil {
		return nil, err
	}
	return &ticket, nil
}

func (d *DB) TicketCodeExists(ctx context.Context, code string) (bool, error) {
	return d.Bun.NewSelect().
		Model((*models.Ticket)(nil)).
		Where("code = ?", code).
		Exists(ctx)
}

// MarkTicketUsed transitions unused -> used exactly once. The status guard in
// the WHERE clause makes concurrent redemption scans race-safe: only one
// update reports an affected row.
func (d *DB) MarkTicketUsed(ctx context.Context, ticketID, redeemedBy string) (bool, error) {
	res, err := d.Bun.NewUpdate().
		Model((*models.Ticket)(nil)).
		Set("status = ?", models.TicketStatusUsed).
		Set("redeemed_at = ?", time.Now().UTC()).
		Set("redeemed_by = ?", redeemedBy).
		Where("ticket_id = ?", ticketID).
		Where("status = ?", models.TicketStatusUnused).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ---------------- ISSUANCE BATCHES ----------------

// CreateTicketBatch inserts the issuance claim and its tickets in one
// transaction. The batch primary key is the atomic claim on issuance;
// ErrDuplicate means another issuer already committed (or holds a stale
// claim) and the caller should re-read the tickets. Because both inserts
// commit together, a failed issuance leaves no claim behind.
func (d *DB) CreateTicketBatch(ctx context.Context, batch models.TicketBatch, tickets []models.Ticket) error {
	err := d.Bun.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := tx.NewInsert().Model(&batch).Exec(ctx); err != nil {
			return err
		}
		if len(tickets) == 0 {
			return nil
		}
		_, err := tx.NewInsert().Model(&tickets).Exec(ctx)
		return err
	})
	if isUniqueViolation(err) {
		return ErrDuplicate
	}
	return err
}

// ReleaseStaleIssuance deletes an issuance claim that has no tickets. Claims
// and tickets commit in one transaction, so a committed claim without tickets
// can only come from an interrupted issuance; the NOT EXISTS guard keeps a
// completed batch untouchable.
func (d *DB) ReleaseStaleIssuance(ctx context.Context, orderID string) error {
	_, err := d.Bun.NewDelete().
		Model((*models.TicketBatch)(nil)).
		Where("order_id = ?", orderID).
		Where("NOT EXISTS (SELECT 1 FROM tickets WHERE order_id = ?)", orderID).
		Exec(ctx)
	return err
}

// ---------------- RELATION QUERIES ----------------

// GetOrderWithTickets reassembles an order and its tickets by session ID for
// the read-back endpoint.
func (d *DB) GetOrderWithTickets(ctx context.Context, sessionID string) (*models.OrderWithTickets, error) {
	order, err := d.GetOrderBySession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	tickets, err := d.GetTicketsByOrder(ctx, order.OrderID)
	if err != nil {
		return nil, err
	}
	if tickets == nil {
		tickets = []models.Ticket{}
	}

	return &models.OrderWithTickets{Order: *order, Tickets: tickets}, nil
}

// isUniqueViolation matches unique-constraint errors from both Postgres and
// the SQLite driver used in tests.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key value") ||
		strings.Contains(msg, "UNIQUE constraint failed") ||
		strings.Contains(msg, "SQLSTATE 23505")
}
