package inventory

import (
	"context"
	"errors"

	"github.com/ariefcatur/bookstore-checkout/internal/orders"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type PGLedger struct{ DB *pgxpool.Pool }

var _ Ledger = (*PGLedger)(nil)

func (l *PGLedger) Book(ctx context.Context, id string) (orders.Book, error) {
	var b orders.Book
	err := l.DB.QueryRow(ctx, `
		SELECT id, title, author, image_url, stock, price_cents FROM books WHERE id=$1`, id).
		Scan(&b.ID, &b.Title, &b.Author, &b.ImageURL, &b.Stock, &b.PriceCents)
	if errors.Is(err, pgx.ErrNoRows) {
		return b, ErrBookNotFound
	}
	return b, err
}

// Reserve decrements in one conditional statement; a concurrent reservation
// that would push stock below zero affects no row.
func (l *PGLedger) Reserve(ctx context.Context, bookID string, qty int) error {
	ct, err := l.DB.Exec(ctx, `UPDATE books SET stock = stock - $2 WHERE id=$1 AND stock >= $2`, bookID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 1 {
		return nil
	}
	b, err := l.Book(ctx, bookID)
	if err != nil {
		return err
	}
	return &StockError{BookID: bookID, Title: b.Title, Requested: qty, Available: b.Stock}
}

func (l *PGLedger) Release(ctx context.Context, bookID string, qty int) error {
	ct, err := l.DB.Exec(ctx, `UPDATE books SET stock = stock + $2 WHERE id=$1`, bookID, qty)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return ErrBookNotFound
	}
	return nil
}
