package orders

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Repo struct{ DB *pgxpool.Pool }

var _ Store = (*Repo)(nil)

const orderColumns = `id, customer, status, payment_method, payment_ref, paid, paid_at,
	reserve_expires_at, total_cents, shipping_cents, provider_payload, created_at, updated_at`

func (r *Repo) Create(ctx context.Context, o *Order) error {
	tx, err := r.DB.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO orders(id, customer, status, payment_method, payment_ref, paid,
		                   total_cents, shipping_cents, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, false, $6, $7, $8, $8)`,
		o.ID, o.Customer, o.Status, o.PaymentMethod, nullIfEmpty(o.PaymentRef),
		ToCents(o.Total), ToCents(o.Shipping), o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}

	for i, it := range o.Items {
		_, err = tx.Exec(ctx, `
			INSERT INTO order_items(order_id, position, book_id, qty, unit_price_cents, title, image_ref)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			o.ID, i, it.BookID, it.Quantity, ToCents(it.UnitPrice), it.Title, it.ImageRef,
		)
		if err != nil {
			return fmt.Errorf("insert order item %s: %w", it.BookID, err)
		}
	}
	return tx.Commit(ctx)
}

func (r *Repo) Get(ctx context.Context, id string) (*Order, error) {
	return r.getOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE id=$1`, id)
}

func (r *Repo) GetByPaymentRef(ctx context.Context, ref string) (*Order, error) {
	return r.getOne(ctx, `SELECT `+orderColumns+` FROM orders WHERE payment_ref=$1`, ref)
}

func (r *Repo) getOne(ctx context.Context, query string, arg string) (*Order, error) {
	o, err := scanOrder(r.DB.QueryRow(ctx, query, arg))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if o.Items, err = r.items(ctx, o.ID); err != nil {
		return nil, err
	}
	return o, nil
}

func (r *Repo) items(ctx context.Context, orderID string) ([]OrderItem, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT book_id, qty, unit_price_cents, title, image_ref
		FROM order_items WHERE order_id=$1 ORDER BY position`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrderItem
	for rows.Next() {
		var it OrderItem
		var cents int64
		if err := rows.Scan(&it.BookID, &it.Quantity, &cents, &it.Title, &it.ImageRef); err != nil {
			return nil, err
		}
		it.UnitPrice = FromCents(cents)
		out = append(out, it)
	}
	return out, rows.Err()
}

func (r *Repo) AssignPaymentRef(ctx context.Context, id, ref string) (bool, error) {
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET payment_ref=$2, updated_at=now()
		WHERE id=$1 AND payment_ref IS NULL`, id, ref)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r *Repo) SetProviderPayload(ctx context.Context, id, payload string) error {
	ct, err := r.DB.Exec(ctx, `UPDATE orders SET provider_payload=$2, updated_at=now() WHERE id=$1`, id, payload)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *Repo) MarkReserved(ctx context.Context, id string, expiresAt time.Time) (bool, error) {
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET status=$2, reserve_expires_at=$3, updated_at=now()
		WHERE id=$1 AND status=$4`, id, StatusReserved, expiresAt, StatusCreated)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r *Repo) MarkPaid(ctx context.Context, id string, paidAt time.Time) (bool, error) {
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders
		SET paid=true, paid_at=$2, status=$3, reserve_expires_at=NULL, updated_at=now()
		WHERE id=$1 AND paid=false AND status=$4`, id, paidAt, StatusConfirmed, StatusReserved)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r *Repo) Terminate(ctx context.Context, id string, to Status) (bool, error) {
	if !CanTransition(StatusReserved, to) || to == StatusConfirmed {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, StatusReserved, to)
	}
	ct, err := r.DB.Exec(ctx, `
		UPDATE orders SET status=$2, reserve_expires_at=NULL, updated_at=now()
		WHERE id=$1 AND paid=false AND status=$3`, id, to, StatusReserved)
	if err != nil {
		return false, err
	}
	return ct.RowsAffected() == 1, nil
}

func (r *Repo) ListExpired(ctx context.Context, now time.Time, limit int) ([]*Order, error) {
	rows, err := r.DB.Query(ctx, `
		SELECT `+orderColumns+` FROM orders
		WHERE status=$1 AND paid=false AND reserve_expires_at < $2
		ORDER BY reserve_expires_at
		LIMIT $3`, StatusReserved, now, limit)
	if err != nil {
		return nil, err
	}
	var out []*Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		out = append(out, o)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, o := range out {
		if o.Items, err = r.items(ctx, o.ID); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func (r *Repo) ListBooks(ctx context.Context) ([]Book, error) {
	rows, err := r.DB.Query(ctx, `SELECT id, title, author, image_url, stock, price_cents FROM books ORDER BY title`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Book
	for rows.Next() {
		var b Book
		if err := rows.Scan(&b.ID, &b.Title, &b.Author, &b.ImageURL, &b.Stock, &b.PriceCents); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func scanOrder(row pgx.Row) (*Order, error) {
	var (
		o                     Order
		ref, payload          *string
		totalCents, shipCents int64
	)
	err := row.Scan(&o.ID, &o.Customer, &o.Status, &o.PaymentMethod, &ref, &o.Paid, &o.PaidAt,
		&o.ReserveExpiresAt, &totalCents, &shipCents, &payload, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if ref != nil {
		o.PaymentRef = *ref
	}
	if payload != nil {
		o.ProviderPayload = *payload
	}
	o.Total = FromCents(totalCents)
	o.Shipping = FromCents(shipCents)
	return &o, nil
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
