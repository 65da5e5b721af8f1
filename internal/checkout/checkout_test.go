package checkout

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ariefcatur/bookstore-checkout/internal/gateway"
	"github.com/ariefcatur/bookstore-checkout/internal/gateway/sandbox"
	"github.com/ariefcatur/bookstore-checkout/internal/inventory"
	"github.com/ariefcatur/bookstore-checkout/internal/memstore"
	"github.com/ariefcatur/bookstore-checkout/internal/metrics"
	"github.com/ariefcatur/bookstore-checkout/internal/notify"
	"github.com/ariefcatur/bookstore-checkout/internal/orders"
	"github.com/ariefcatur/bookstore-checkout/internal/payment"
	"github.com/prometheus/client_golang/prometheus/testutil"
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

type gatewayMock struct{ mock.Mock }

func (m *gatewayMock) CreateCharge(ctx context.Context, req gateway.ChargeRequest) (gateway.ChargeResult, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(gateway.ChargeResult), args.Error(1)
}

func (m *gatewayMock) Status(ctx context.Context, method orders.PaymentMethod, ref string) (gateway.Status, error) {
	args := m.Called(ctx, method, ref)
	return args.Get(0).(gateway.Status), args.Error(1)
}

func (m *gatewayMock) Cancel(ctx context.Context, method orders.PaymentMethod, ref string) (bool, error) {
	args := m.Called(ctx, method, ref)
	return args.Bool(0), args.Error(1)
}

type watchRecorder struct {
	mu      sync.Mutex
	refs    []string
	expires []time.Time
}

func (w *watchRecorder) Watch(_ orders.PaymentMethod, ref string, expiresAt time.Time) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.refs = append(w.refs, ref)
	w.expires = append(w.expires, expiresAt)
	return true
}

func (w *watchRecorder) Refs() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.refs...)
}

type fixture struct {
	store    *memstore.Orders
	ledger   *memstore.Ledger
	mail     *mailMock
	watchers *watchRecorder
	now      time.Time
}

func newFixture(stock int) *fixture {
	f := &fixture{
		store:    memstore.NewOrders(),
		ledger:   memstore.NewLedger(orders.Book{ID: "b1", Title: "Dom Casmurro", ImageURL: "b1.jpg", Stock: stock, PriceCents: 2500}),
		mail:     &mailMock{},
		watchers: &watchRecorder{},
		now:      time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	f.mail.On("SendPaidConfirmation", mock.Anything, mock.Anything).Return(nil).Maybe()
	f.mail.On("SendDeclined", mock.Anything, mock.Anything).Return(nil).Maybe()
	return f
}

func (f *fixture) orchestrator(gw gateway.Gateway) *Orchestrator {
	rec := payment.NewReconciler(f.store, f.ledger, notify.NewBroker(), f.mail, zap.NewNop())
	s := NewOrchestrator(f.store, f.ledger, gw, rec, f.watchers, 0, zap.NewNop())
	s.now = func() time.Time { return f.now }
	return s
}

func sandboxGateway() *gateway.Router {
	r := gateway.NewRouter()
	r.Register(orders.MethodPix, sandbox.NewPix(0))
	r.Register(orders.MethodCard, sandbox.NewCard())
	return r
}

func cart(qty int) []Item {
	return []Item{{BookID: "b1", Quantity: qty, Price: decimal.RequireFromString("30.00")}}
}

func TestCheckout_PixReservesAndWatches(t *testing.T) {
	f := newFixture(5)
	s := f.orchestrator(sandboxGateway())

	res, err := s.Checkout(context.Background(), Request{
		Method:   orders.MethodPix,
		Items:    cart(2),
		Shipping: decimal.RequireFromString("10.00"),
	})
	require.NoError(t, err)

	assert.Equal(t, "70.00", res.Total.StringFixed(2))
	assert.Equal(t, orders.StatusReserved, res.Status)
	assert.Equal(t, OutcomeWaitingPayment, res.Outcome)
	assert.Len(t, res.PaymentRef, 32)
	assert.NotEmpty(t, res.ProviderPayload)
	require.NotNil(t, res.ReserveExpiresAt)
	assert.Equal(t, f.now.Add(900*time.Second), *res.ReserveExpiresAt)
	assert.Equal(t, 3, f.ledger.Stock("b1"))
	assert.Equal(t, []string{res.PaymentRef}, f.watchers.Refs())

	o, err := f.store.Get(context.Background(), res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusReserved, o.Status)
	assert.Equal(t, res.PaymentRef, o.PaymentRef)
	assert.Equal(t, res.ProviderPayload, o.ProviderPayload)
	assert.Equal(t, int64(7000), orders.ToCents(o.Total))
	require.Len(t, o.Items, 1)
	assert.Equal(t, "Dom Casmurro", o.Items[0].Title)
	assert.Equal(t, "b1.jpg", o.Items[0].ImageRef)
}

func TestCheckout_CatalogPriceWhenMissing(t *testing.T) {
	f := newFixture(5)
	s := f.orchestrator(sandboxGateway())

	res, err := s.Checkout(context.Background(), Request{
		Method: orders.MethodPix,
		Items:  []Item{{BookID: "b1", Quantity: 2}},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5000), orders.ToCents(res.Total))
}

func TestCheckout_CardOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		token      string
		wantErr    error
		wantStatus orders.Status
		wantStock  int
		wantWatch  int
		wantMail   string
	}{
		{name: "approved", token: "tok_visa", wantStatus: orders.StatusConfirmed, wantStock: 3, wantMail: "SendPaidConfirmation"},
		{name: "declined", token: sandbox.TokenDeclined, wantErr: ErrPaymentDeclined, wantStatus: orders.StatusDeclined, wantStock: 5, wantMail: "SendDeclined"},
		{name: "pending", token: sandbox.TokenPending, wantStatus: orders.StatusReserved, wantStock: 3, wantWatch: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(5)
			s := f.orchestrator(sandboxGateway())

			res, err := s.Checkout(context.Background(), Request{
				Method:    orders.MethodCard,
				Items:     cart(2),
				CardToken: tt.token,
			})
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
			} else {
				require.NoError(t, err)
				assert.Equal(t, tt.wantStatus, res.Status)
			}

			all := f.store.All()
			require.Len(t, all, 1)
			assert.Equal(t, tt.wantStatus, all[0].Status)
			assert.NotEmpty(t, all[0].PaymentRef)
			assert.Equal(t, tt.wantStock, f.ledger.Stock("b1"))
			assert.Len(t, f.watchers.Refs(), tt.wantWatch)
			if tt.wantMail != "" {
				f.mail.AssertNumberOfCalls(t, tt.wantMail, 1)
			}
		})
	}
}

type failingReconciler struct{ calls atomic.Int32 }

func (r *failingReconciler) MarkPaidIfNeeded(context.Context, string, gateway.Status) (bool, error) {
	r.calls.Add(1)
	return false, errors.New("db blip")
}

func TestCheckout_ApprovedCardConfirmFailureKeepsWatching(t *testing.T) {
	f := newFixture(5)
	rec := &failingReconciler{}
	s := NewOrchestrator(f.store, f.ledger, sandboxGateway(), rec, f.watchers, 0, zap.NewNop())
	s.now = func() time.Time { return f.now }

	res, err := s.Checkout(context.Background(), Request{
		Method:    orders.MethodCard,
		Items:     cart(2),
		CardToken: "tok_visa",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeProcessing, res.Outcome)
	assert.Equal(t, orders.StatusReserved, res.Status)
	require.NotNil(t, res.ReserveExpiresAt)
	assert.Equal(t, int32(1), rec.calls.Load())
	assert.Equal(t, []string{res.PaymentRef}, f.watchers.Refs())

	o, err := f.store.Get(context.Background(), res.OrderID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusReserved, o.Status)
	assert.Equal(t, 3, f.ledger.Stock("b1"), "stock stays held for the captured charge")
}

func TestCheckout_GatewayFailureRollsBack(t *testing.T) {
	for _, method := range []orders.PaymentMethod{orders.MethodPix, orders.MethodCard} {
		t.Run(string(method), func(t *testing.T) {
			f := newFixture(5)
			gw := &gatewayMock{}
			gw.On("CreateCharge", mock.Anything, mock.Anything).
				Return(gateway.ChargeResult{}, errors.New("connection refused"))
			s := f.orchestrator(gw)

			_, err := s.Checkout(context.Background(), Request{Method: method, Items: cart(2), CardToken: "tok"})
			require.ErrorIs(t, err, ErrGateway)

			assert.Equal(t, 5, f.ledger.Stock("b1"))
			all := f.store.All()
			require.Len(t, all, 1)
			assert.Equal(t, orders.StatusExpired, all[0].Status)
			assert.Nil(t, all[0].ReserveExpiresAt)
			assert.Empty(t, f.watchers.Refs())
		})
	}
}

func TestCheckout_InsufficientStock(t *testing.T) {
	f := newFixture(1)
	s := f.orchestrator(sandboxGateway())

	_, err := s.Checkout(context.Background(), Request{Method: orders.MethodPix, Items: cart(2)})
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)

	var se *inventory.StockError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, 2, se.Requested)
	assert.Equal(t, 1, se.Available)
	assert.Empty(t, f.store.All())
	assert.Equal(t, 1, f.ledger.Stock("b1"))
}

// racedLedger reports enough stock on read but loses every reservation.
type racedLedger struct{ *memstore.Ledger }

func (racedLedger) Reserve(_ context.Context, bookID string, qty int) error {
	return &inventory.StockError{BookID: bookID, Requested: qty}
}

func TestCheckout_LostReservationLeavesOrderCreated(t *testing.T) {
	f := newFixture(5)
	ledger := racedLedger{f.ledger}
	s := NewOrchestrator(f.store, ledger, sandboxGateway(), &failingReconciler{}, f.watchers, 0, zap.NewNop())
	abandoned := metrics.OrdersAbandonedTotal.WithLabelValues("reservation_failed")
	before := testutil.ToFloat64(abandoned)

	_, err := s.Checkout(context.Background(), Request{Method: orders.MethodPix, Items: cart(2)})
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)

	all := f.store.All()
	require.Len(t, all, 1)
	assert.Equal(t, orders.StatusCreated, all[0].Status)
	assert.Nil(t, all[0].ReserveExpiresAt)
	assert.Equal(t, 5, f.ledger.Stock("b1"))
	assert.Empty(t, f.watchers.Refs())
	assert.Equal(t, before+1, testutil.ToFloat64(abandoned))
}

func TestCheckout_PrecheckCountsRepeatedBooks(t *testing.T) {
	f := newFixture(3)
	s := f.orchestrator(sandboxGateway())

	_, err := s.Checkout(context.Background(), Request{
		Method: orders.MethodPix,
		Items:  append(cart(2), cart(2)...),
	})
	require.ErrorIs(t, err, inventory.ErrInsufficientStock)
	assert.Equal(t, 3, f.ledger.Stock("b1"))
}

func TestCheckout_Validation(t *testing.T) {
	tests := []struct {
		name string
		req  Request
		want error
	}{
		{name: "unknown method", req: Request{Method: "BOLETO", Items: cart(1)}, want: ErrInvalidPaymentMethod},
		{name: "empty cart", req: Request{Method: orders.MethodPix}, want: ErrEmptyCart},
		{name: "zero quantity", req: Request{Method: orders.MethodPix, Items: cart(0)}, want: ErrInvalidQuantity},
		{name: "negative shipping", req: Request{Method: orders.MethodPix, Items: cart(1), Shipping: decimal.NewFromInt(-1)}, want: ErrInvalidAmount},
		{name: "card without token", req: Request{Method: orders.MethodCard, Items: cart(1)}, want: ErrMissingCardToken},
		{name: "unknown book", req: Request{Method: orders.MethodPix, Items: []Item{{BookID: "zz", Quantity: 1}}}, want: inventory.ErrBookNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(5)
			s := f.orchestrator(sandboxGateway())

			_, err := s.Checkout(context.Background(), tt.req)
			require.ErrorIs(t, err, tt.want)
			assert.True(t, IsValidation(err))
			assert.Empty(t, f.store.All())
			assert.Equal(t, 5, f.ledger.Stock("b1"))
		})
	}
}

func TestCheckout_ConcurrentBuyersNeverOversell(t *testing.T) {
	f := newFixture(5)
	s := f.orchestrator(sandboxGateway())

	var ok, short atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.Checkout(context.Background(), Request{Method: orders.MethodPix, Items: cart(1)})
			switch {
			case err == nil:
				ok.Add(1)
			case errors.Is(err, inventory.ErrInsufficientStock):
				short.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(5), ok.Load())
	assert.Equal(t, int32(15), short.Load())
	assert.Equal(t, 0, f.ledger.Stock("b1"))
}
