package inventory

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/bookstore-checkout/internal/orders"
)

var (
	ErrInsufficientStock = errors.New("insufficient stock")
	ErrBookNotFound      = errors.New("book not found")
)

// StockError describes a reservation rejected for lack of stock.
type StockError struct {
	BookID    string
	Title     string
	Requested int
	Available int
}

func (e *StockError) Error() string {
	name := e.BookID
	if e.Title != "" {
		name = e.Title
	}
	return fmt.Sprintf("insufficient stock for %q: requested %d, available %d", name, e.Requested, e.Available)
}

func (e *StockError) Unwrap() error { return ErrInsufficientStock }

// Ledger is the per-book stock counter. Reserve is a single compare-and-decrement;
// Release trusts the caller to hand back only what it reserved.
type Ledger interface {
	Book(ctx context.Context, id string) (orders.Book, error)
	Reserve(ctx context.Context, bookID string, qty int) error
	Release(ctx context.Context, bookID string, qty int) error
}

// ReserveAll reserves every item or none: when one reservation fails, the
// ones that already succeeded are released before the error is returned.
func ReserveAll(ctx context.Context, l Ledger, items []orders.OrderItem) error {
	done := make([]orders.OrderItem, 0, len(items))
	for _, it := range items {
		if err := l.Reserve(ctx, it.BookID, it.Quantity); err != nil {
			if rerr := ReleaseAll(context.WithoutCancel(ctx), l, done); rerr != nil {
				return errors.Join(err, fmt.Errorf("rollback reservation: %w", rerr))
			}
			return err
		}
		done = append(done, it)
	}
	return nil
}

// ReleaseAll hands back every item, continuing past individual failures.
func ReleaseAll(ctx context.Context, l Ledger, items []orders.OrderItem) error {
	var errs []error
	for _, it := range items {
		if err := l.Release(ctx, it.BookID, it.Quantity); err != nil {
			errs = append(errs, fmt.Errorf("release %s x%d: %w", it.BookID, it.Quantity, err))
		}
	}
	return errors.Join(errs...)
}

// Units sums the quantities of items.
func Units(items []orders.OrderItem) int {
	n := 0
	for _, it := range items {
		n += it.Quantity
	}
	return n
}
