package db

import (
	"context"

	"github.com/uptrace/bun"

	"ms-checkout/internal/models"
)

// Bootstrap creates the schema from the bun models. Production deployments
// run the SQL migrations instead; this path serves tests and local SQLite.
func Bootstrap(ctx context.Context, bunDB *bun.DB) error {
	tables := []any{
		(*models.Order)(nil),
		(*models.Ticket)(nil),
		(*models.TicketBatch)(nil),
	}

	for _, model := range tables {
		_, err := bunDB.NewCreateTable().Model(model).IfNotExists().Exec(ctx)
		if err != nil {
			return err
		}
	}
	return nil
}
