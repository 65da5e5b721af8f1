package payment

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ariefcatur/bookstore-checkout/internal/gateway"
	"github.com/ariefcatur/bookstore-checkout/internal/inventory"
	"github.com/ariefcatur/bookstore-checkout/internal/memstore"
	"github.com/ariefcatur/bookstore-checkout/internal/notify"
	"github.com/ariefcatur/bookstore-checkout/internal/orders"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type mailMock struct{ mock.Mock }

func (m *mailMock) SendPaidConfirmation(ctx context.Context, o *orders.Order) error {
	return m.Called(ctx, o).Error(0)
}

func (m *mailMock) SendDeclined(ctx context.Context, o *orders.Order) error {
	return m.Called(ctx, o).Error(0)
}

type fixture struct {
	store  *memstore.Orders
	ledger *memstore.Ledger
	broker *notify.Broker
	mail   *mailMock
	rec    *Reconciler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		store:  memstore.NewOrders(),
		ledger: memstore.NewLedger(orders.Book{ID: "b1", Title: "Dom Casmurro", Stock: 10, PriceCents: 3000}),
		broker: notify.NewBroker(),
		mail:   &mailMock{},
	}
	f.rec = NewReconciler(f.store, f.ledger, f.broker, f.mail, zap.NewNop())
	return f
}

// reserve creates a RESERVED order for qty units of b1 under ref.
func (f *fixture) reserve(t *testing.T, id, ref string, qty int, expiresAt time.Time) {
	t.Helper()
	ctx := context.Background()
	items := []orders.OrderItem{{BookID: "b1", Quantity: qty, UnitPrice: decimal.RequireFromString("30.00"), Title: "Dom Casmurro"}}
	require.NoError(t, f.store.Create(ctx, &orders.Order{
		ID:            id,
		Status:        orders.StatusCreated,
		PaymentMethod: orders.MethodPix,
		PaymentRef:    ref,
		Items:         items,
		Customer:      orders.Customer{Email: "buyer@example.com"},
		CreatedAt:     time.Now(),
	}))
	require.NoError(t, inventory.ReserveAll(ctx, f.ledger, items))
	ok, err := f.store.MarkReserved(ctx, id, expiresAt)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestMarkPaidIfNeeded_ConcurrentCallsApplyOnce(t *testing.T) {
	f := newFixture(t)
	f.reserve(t, "o1", "txid123", 2, time.Now().Add(time.Hour))
	f.mail.On("SendPaidConfirmation", mock.Anything, mock.Anything).Return(nil)

	sub := f.broker.Subscribe("o1", time.Minute)
	defer sub.Close()

	const n = 50
	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := f.rec.MarkPaidIfNeeded(context.Background(), "txid123", gateway.StatusPaid)
			assert.NoError(t, err)
			if ok {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load())
	f.mail.AssertNumberOfCalls(t, "SendPaidConfirmation", 1)

	o, err := f.store.Get(context.Background(), "o1")
	require.NoError(t, err)
	assert.True(t, o.Paid)
	assert.Equal(t, orders.StatusConfirmed, o.Status)
	assert.NotNil(t, o.PaidAt)
	assert.Nil(t, o.ReserveExpiresAt)
	assert.Equal(t, 8, f.ledger.Stock("b1"))

	select {
	case ev, ok := <-sub.C:
		require.True(t, ok)
		assert.Equal(t, notify.EventPaid, ev.Kind)
		assert.Equal(t, "o1", ev.OrderID)
	case <-time.After(time.Second):
		t.Fatal("subscriber was not notified")
	}
}

func TestMarkPaidIfNeeded_WebhookAfterWatcher(t *testing.T) {
	f := newFixture(t)
	f.reserve(t, "o1", "txid123", 1, time.Now().Add(time.Hour))
	f.mail.On("SendPaidConfirmation", mock.Anything, mock.Anything).Return(nil)

	ok, err := f.rec.MarkPaidIfNeeded(context.Background(), "txid123", gateway.ParseStatus("CONCLUIDA"))
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.rec.MarkPaidIfNeeded(context.Background(), "txid123", gateway.ParseStatus("CONCLUIDA"))
	require.NoError(t, err)
	assert.False(t, ok)
	f.mail.AssertNumberOfCalls(t, "SendPaidConfirmation", 1)
}

func TestMarkPaidIfNeeded_NoOps(t *testing.T) {
	tests := []struct {
		name   string
		ref    string
		status gateway.Status
	}{
		{name: "unknown ref", ref: "nope", status: gateway.StatusPaid},
		{name: "pending status", ref: "txid123", status: gateway.StatusPending},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			f.reserve(t, "o1", "txid123", 1, time.Now().Add(time.Hour))

			ok, err := f.rec.MarkPaidIfNeeded(context.Background(), tt.ref, tt.status)
			require.NoError(t, err)
			assert.False(t, ok)

			o, err := f.store.Get(context.Background(), "o1")
			require.NoError(t, err)
			assert.Equal(t, orders.StatusReserved, o.Status)
			assert.False(t, o.Paid)
			f.mail.AssertNotCalled(t, "SendPaidConfirmation", mock.Anything, mock.Anything)
		})
	}
}

func TestMarkPaidIfNeeded_DeclinedReleasesStockOnce(t *testing.T) {
	f := newFixture(t)
	f.reserve(t, "o1", "txid123", 3, time.Now().Add(time.Hour))
	f.mail.On("SendDeclined", mock.Anything, mock.Anything).Return(nil)
	require.Equal(t, 7, f.ledger.Stock("b1"))

	for i := 0; i < 3; i++ {
		ok, err := f.rec.MarkPaidIfNeeded(context.Background(), "txid123", gateway.StatusDeclined)
		require.NoError(t, err)
		assert.False(t, ok)
	}

	o, err := f.store.Get(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusDeclined, o.Status)
	assert.Nil(t, o.ReserveExpiresAt)
	assert.Equal(t, 10, f.ledger.Stock("b1"))
	f.mail.AssertNumberOfCalls(t, "SendDeclined", 1)
}

func TestMarkPaidIfNeeded_PaidAfterExpiryIsIgnored(t *testing.T) {
	f := newFixture(t)
	f.reserve(t, "o1", "txid123", 1, time.Now().Add(-time.Second))
	ok, err := f.store.Terminate(context.Background(), "o1", orders.StatusExpired)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = f.rec.MarkPaidIfNeeded(context.Background(), "txid123", gateway.StatusPaid)
	require.NoError(t, err)
	assert.False(t, ok)

	o, err := f.store.Get(context.Background(), "o1")
	require.NoError(t, err)
	assert.Equal(t, orders.StatusExpired, o.Status)
	assert.False(t, o.Paid)
}

func TestMarkPaidIfNeeded_SideEffectFailureKeepsTransition(t *testing.T) {
	f := newFixture(t)
	f.reserve(t, "o1", "txid123", 1, time.Now().Add(time.Hour))
	f.mail.On("SendPaidConfirmation", mock.Anything, mock.Anything).Return(errors.New("smtp down"))

	ok, err := f.rec.MarkPaidIfNeeded(context.Background(), "txid123", gateway.StatusPaid)
	require.NoError(t, err)
	assert.True(t, ok)

	o, err := f.store.Get(context.Background(), "o1")
	require.NoError(t, err)
	assert.True(t, o.Paid)
	assert.Equal(t, orders.StatusConfirmed, o.Status)
}

type panicBroadcaster struct{}

func (panicBroadcaster) PublishPaid(string) int { panic("broken stream") }

func TestMarkPaidIfNeeded_PublishPanicIsContained(t *testing.T) {
	f := newFixture(t)
	f.reserve(t, "o1", "txid123", 1, time.Now().Add(time.Hour))
	f.mail.On("SendPaidConfirmation", mock.Anything, mock.Anything).Return(nil)
	f.rec.events = panicBroadcaster{}

	ok, err := f.rec.MarkPaidIfNeeded(context.Background(), "txid123", gateway.StatusPaid)
	require.NoError(t, err)
	assert.True(t, ok)
	f.mail.AssertNumberOfCalls(t, "SendPaidConfirmation", 1)
}
