package inventory_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/ariefcatur/bookstore-checkout/internal/inventory"
	"github.com/ariefcatur/bookstore-checkout/internal/memstore"
	"github.com/ariefcatur/bookstore-checkout/internal/orders"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReserveAll_RollsBackOnFailure(t *testing.T) {
	l := memstore.NewLedger(
		orders.Book{ID: "b1", Title: "Iracema", Stock: 5},
		orders.Book{ID: "b2", Title: "Memorias Postumas", Stock: 1},
	)
	items := []orders.OrderItem{
		{BookID: "b1", Quantity: 3},
		{BookID: "b2", Quantity: 2},
	}

	err := inventory.ReserveAll(context.Background(), l, items)
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)

	var se *inventory.StockError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, "b2", se.BookID)
	assert.Contains(t, se.Error(), "Memorias Postumas")

	assert.Equal(t, 5, l.Stock("b1"))
	assert.Equal(t, 1, l.Stock("b2"))
}

func TestReserveAll_ThenReleaseAll(t *testing.T) {
	l := memstore.NewLedger(orders.Book{ID: "b1", Stock: 5}, orders.Book{ID: "b2", Stock: 4})
	items := []orders.OrderItem{{BookID: "b1", Quantity: 3}, {BookID: "b2", Quantity: 4}}

	require.NoError(t, inventory.ReserveAll(context.Background(), l, items))
	assert.Equal(t, 2, l.Stock("b1"))
	assert.Equal(t, 0, l.Stock("b2"))
	assert.Equal(t, 7, inventory.Units(items))

	require.NoError(t, inventory.ReleaseAll(context.Background(), l, items))
	assert.Equal(t, 5, l.Stock("b1"))
	assert.Equal(t, 4, l.Stock("b2"))
}

func TestReleaseAll_ContinuesPastFailures(t *testing.T) {
	l := memstore.NewLedger(orders.Book{ID: "b1", Stock: 0})
	err := inventory.ReleaseAll(context.Background(), l, []orders.OrderItem{
		{BookID: "gone", Quantity: 1},
		{BookID: "b1", Quantity: 2},
	})
	require.ErrorIs(t, err, inventory.ErrBookNotFound)
	assert.Equal(t, 2, l.Stock("b1"))
}

func TestReserve_NoOversellUnderContention(t *testing.T) {
	l := memstore.NewLedger(orders.Book{ID: "b1", Stock: 10})
	var ok atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 40; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if l.Reserve(context.Background(), "b1", 1) == nil {
				ok.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(10), ok.Load())
	assert.Equal(t, 0, l.Stock("b1"))
}
