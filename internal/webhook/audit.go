package webhook

import (
	"context"

	"github.com/ariefcatur/bookstore-checkout/internal/orders"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PGAudit struct {
	DB *pgxpool.Pool
}

var _ Auditor = (*PGAudit)(nil)

func (a *PGAudit) Record(ctx context.Context, ev orders.WebhookEvent) error {
	_, err := a.DB.Exec(ctx, `
		INSERT INTO webhook_events(id, payment_ref, status, raw_body, received_at)
		VALUES ($1, $2, $3, $4, $5)`,
		ev.ID, ev.PaymentRef, ev.Status, ev.RawBody, ev.ReceivedAt)
	return err
}
