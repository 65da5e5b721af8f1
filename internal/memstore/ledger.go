package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/ariefcatur/bookstore-checkout/internal/inventory"
	"github.com/ariefcatur/bookstore-checkout/internal/orders"
)

type Ledger struct {
	mu    sync.Mutex
	books map[string]orders.Book
}

var _ inventory.Ledger = (*Ledger)(nil)

func NewLedger(books ...orders.Book) *Ledger {
	l := &Ledger{books: make(map[string]orders.Book, len(books))}
	for _, b := range books {
		l.books[b.ID] = b
	}
	return l
}

func (l *Ledger) Book(_ context.Context, id string) (orders.Book, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.books[id]
	if !ok {
		return orders.Book{}, inventory.ErrBookNotFound
	}
	return b, nil
}

func (l *Ledger) Reserve(_ context.Context, bookID string, qty int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.books[bookID]
	if !ok {
		return inventory.ErrBookNotFound
	}
	if b.Stock < qty {
		return &inventory.StockError{BookID: bookID, Title: b.Title, Requested: qty, Available: b.Stock}
	}
	b.Stock -= qty
	l.books[bookID] = b
	return nil
}

func (l *Ledger) Release(_ context.Context, bookID string, qty int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	b, ok := l.books[bookID]
	if !ok {
		return inventory.ErrBookNotFound
	}
	b.Stock += qty
	l.books[bookID] = b
	return nil
}

func (l *Ledger) Stock(bookID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.books[bookID].Stock
}

func (l *Ledger) ListBooks(_ context.Context) ([]orders.Book, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]orders.Book, 0, len(l.books))
	for _, b := range l.books {
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Title < out[j].Title })
	return out, nil
}
