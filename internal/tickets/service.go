package tickets

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"ms-checkout/internal/logger"
	"ms-checkout/internal/models"
	"ms-checkout/internal/order/db"
	qr "ms-checkout/internal/tickets/qr_generator"
	"ms-checkout/internal/tickets/token"
	"ms-checkout/internal/utils"
)

// codeRetries bounds collision retries when generating short codes.
const codeRetries = 5

type TicketDBLayer interface {
	GetTicketsByOrder(ctx context.Context, orderID string) ([]models.Ticket, error)
	GetTicketByID(ctx context.Context, ticketID string) (*models.Ticket, error)
	TicketCodeExists(ctx context.Context, code string) (bool, error)
	CreateTicketBatch(ctx context.Context, batch models.TicketBatch, tickets []models.Ticket) error
	ReleaseStaleIssuance(ctx context.Context, orderID string) error
	MarkTicketUsed(ctx context.Context, ticketID, redeemedBy string) (bool, error)
}

type TicketService struct {
	DB     TicketDBLayer
	Signer *token.Signer
	Logger *logger.Logger
}

func NewTicketService(dbLayer TicketDBLayer, signer *token.Signer, log *logger.Logger) *TicketService {
	return &TicketService{DB: dbLayer, Signer: signer, Logger: log}
}

// IssueTickets creates the order's tickets at most once. The issuance-batch
// marker is the claim, and it commits in the same transaction as the tickets:
// whichever caller inserts the batch first owns the issuance, every other
// caller (concurrent retry, later replay) re-reads and returns the same set.
// A failed issuance rolls back the claim too, so a retry starts clean instead
// of finding the order permanently claimed with no tickets.
func (s *TicketService) IssueTickets(ctx context.Context, o models.Order) ([]models.Ticket, error) {
	existing, err := s.DB.GetTicketsByOrder(ctx, o.OrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to check existing tickets for order %s: %w", o.OrderID, err)
	}
	if len(existing) > 0 {
		return existing, nil
	}

	quantity := o.Quantity
	if quantity < 1 {
		quantity = 1
	}

	issued := make([]models.Ticket, 0, quantity)
	issuedAt := time.Now().UTC()
	for i := 0; i < quantity; i++ {
		ticket, err := s.buildTicket(ctx, o, issuedAt)
		if err != nil {
			return nil, err
		}
		issued = append(issued, *ticket)
	}

	batch := models.TicketBatch{
		OrderID:   o.OrderID,
		Quantity:  quantity,
		CreatedAt: issuedAt,
	}
	if err := s.DB.CreateTicketBatch(ctx, batch, issued); err != nil {
		if err != db.ErrDuplicate {
			return nil, fmt.Errorf("failed to persist tickets for order %s: %w", o.OrderID, err)
		}

		// Another issuer holds the claim. Its tickets committed with the
		// claim, so normally they are already readable.
		tickets, waitErr := s.waitForTickets(ctx, o.OrderID)
		if waitErr == nil {
			return tickets, nil
		}

		// A claim with no tickets behind it is the residue of an interrupted
		// issuance. Release it (the delete is guarded against completed
		// batches) and take over.
		s.Logger.Warn("TICKETS", fmt.Sprintf("Releasing stale issuance claim for order %s", o.OrderID))
		if err := s.DB.ReleaseStaleIssuance(ctx, o.OrderID); err != nil {
			return nil, fmt.Errorf("failed to release stale issuance claim for order %s: %w", o.OrderID, err)
		}
		if err := s.DB.CreateTicketBatch(ctx, batch, issued); err != nil {
			return nil, fmt.Errorf("failed to persist tickets for order %s: %w", o.OrderID, err)
		}
	}

	s.Logger.Info("TICKETS", fmt.Sprintf("Issued %d tickets for order %s", len(issued), o.OrderID))
	return issued, nil
}

func (s *TicketService) buildTicket(ctx context.Context, o models.Order, issuedAt time.Time) (*models.Ticket, error) {
	ticketID := uuid.NewString()

	code, err := s.uniqueCode(ctx)
	if err != nil {
		return nil, err
	}

	signed, err := s.Signer.Sign(ticketID, o.OrderID, o.EventID, code, issuedAt)
	if err != nil {
		return nil, err
	}

	qrPNG, err := qr.Encode(signed)
	if err != nil {
		return nil, fmt.Errorf("failed to render QR for ticket %s: %w", ticketID, err)
	}

	return &models.Ticket{
		TicketID:        ticketID,
		Code:            code,
		OrderID:         o.OrderID,
		EventID:         o.EventID,
		Tier:            o.Tier,
		HolderEmail:     o.CustomerEmail,
		Status:          models.TicketStatusUnused,
		RedemptionToken: signed,
		QRCode:          qrPNG,
		IssuedAt:        issuedAt,
	}, nil
}

func (s *TicketService) uniqueCode(ctx context.Context) (string, error) {
	for attempt := 0; attempt < codeRetries; attempt++ {
		code := utils.GenerateTicketCode()
		exists, err := s.DB.TicketCodeExists(ctx, code)
		if err != nil {
			return "", fmt.Errorf("failed to check ticket code: %w", err)
		}
		if !exists {
			return code, nil
		}
		s.Logger.Warn("TICKETS", fmt.Sprintf("Ticket code collision on %s, regenerating", code))
	}
	return "", fmt.Errorf("could not generate a unique ticket code after %d attempts", codeRetries)
}

// waitForTickets re-reads tickets after losing the issuance claim. The
// winner's tickets commit together with its claim, so the poll only covers
// visibility lag; an empty result after the full wait means the claim is
// stale.
func (s *TicketService) waitForTickets(ctx context.Context, orderID string) ([]models.Ticket, error) {
	for attempt := 0; attempt < 10; attempt++ {
		tickets, err := s.DB.GetTicketsByOrder(ctx, orderID)
		if err != nil {
			return nil, err
		}
		if len(tickets) > 0 {
			return tickets, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(100 * time.Millisecond):
		}
	}
	return nil, fmt.Errorf("issuance for order %s claimed elsewhere but tickets never appeared", orderID)
}

// Redeem checks the signed payload first (no storage involved), then flips
// the ticket unused -> used against the database. Terminal states reject.
func (s *TicketService) Redeem(ctx context.Context, tokenString, redeemedBy string) (*models.Ticket, error) {
	claims, err := s.Signer.Verify(tokenString)
	if err != nil {
		return nil, err
	}

	ticket, err := s.DB.GetTicketByID(ctx, claims.TicketID)
	if err != nil {
		return nil, fmt.Errorf("ticket %s not found: %w", claims.TicketID, err)
	}

	if ticket.Terminal() {
		return ticket, &AlreadyRedeemedError{TicketID: ticket.TicketID, Status: ticket.Status}
	}

	updated, err := s.DB.MarkTicketUsed(ctx, ticket.TicketID, redeemedBy)
	if err != nil {
		return nil, fmt.Errorf("failed to redeem ticket %s: %w", ticket.TicketID, err)
	}
	if !updated {
		// Lost a concurrent scan race; re-read for the terminal status.
		ticket, readErr := s.DB.GetTicketByID(ctx, claims.TicketID)
		if readErr != nil {
			return nil, readErr
		}
		return ticket, &AlreadyRedeemedError{TicketID: ticket.TicketID, Status: ticket.Status}
	}

	s.Logger.Info("TICKETS", fmt.Sprintf("Ticket %s redeemed by %s", ticket.TicketID, redeemedBy))
	return s.DB.GetTicketByID(ctx, ticket.TicketID)
}

// AlreadyRedeemedError reports a redemption attempt on a terminal ticket.
type AlreadyRedeemedError struct {
	TicketID string
	Status   string
}

func (e *AlreadyRedeemedError) Error() string {
	return fmt.Sprintf("ticket %s is already %s", e.TicketID, e.Status)
}
