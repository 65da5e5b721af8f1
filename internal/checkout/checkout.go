// Package checkout turns a cart into a reserved order and starts its payment.
package checkout

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ariefcatur/bookstore-checkout/internal/gateway"
	"github.com/ariefcatur/bookstore-checkout/internal/inventory"
	"github.com/ariefcatur/bookstore-checkout/internal/metrics"
	"github.com/ariefcatur/bookstore-checkout/internal/orders"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrInvalidPaymentMethod = errors.New("invalid payment method")
	ErrEmptyCart            = errors.New("cart is empty")
	ErrInvalidQuantity      = errors.New("invalid quantity")
	ErrInvalidAmount        = errors.New("invalid amount")
	ErrMissingCardToken     = errors.New("card token is required")
	ErrPaymentDeclined      = errors.New("payment declined")
	ErrGateway              = errors.New("payment gateway error")
)

const DefaultReservationTTL = 900 * time.Second

// Outcome is the payment state reported back to the buyer.
type Outcome string

const (
	OutcomeWaitingPayment Outcome = "WAITING_PAYMENT"
	OutcomeApproved       Outcome = "APPROVED"
	OutcomeProcessing     Outcome = "PROCESSING"
)

type Item struct {
	BookID   string
	Quantity int
	// Price is the unit price shown to the buyer. Zero means the catalog price.
	Price decimal.Decimal
}

type Request struct {
	Customer     orders.Customer
	Method       orders.PaymentMethod
	Items        []Item
	Shipping     decimal.Decimal
	CardToken    string
	Installments int
}

type Result struct {
	OrderID          string
	PaymentRef       string
	Status           orders.Status
	Outcome          Outcome
	Total            decimal.Decimal
	ProviderPayload  string
	ReserveExpiresAt *time.Time
	TTL              time.Duration
	Message          string
}

// Watcher is satisfied by watcher.Registry.
type Watcher interface {
	Watch(method orders.PaymentMethod, ref string, expiresAt time.Time) bool
}

// Reconciler is satisfied by payment.Reconciler.
type Reconciler interface {
	MarkPaidIfNeeded(ctx context.Context, ref string, status gateway.Status) (bool, error)
}

type Orchestrator struct {
	store      orders.Store
	ledger     inventory.Ledger
	gw         gateway.Gateway
	reconciler Reconciler
	watchers   Watcher
	ttl        time.Duration
	log        *zap.Logger

	now   func() time.Time
	newID func() string
}

func NewOrchestrator(store orders.Store, ledger inventory.Ledger, gw gateway.Gateway, reconciler Reconciler,
	watchers Watcher, ttl time.Duration, log *zap.Logger) *Orchestrator {
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	return &Orchestrator{
		store:      store,
		ledger:     ledger,
		gw:         gw,
		reconciler: reconciler,
		watchers:   watchers,
		ttl:        ttl,
		log:        log,
		now:        time.Now,
		newID:      uuid.NewString,
	}
}

// Checkout validates the cart, persists the order, reserves stock for every
// item and starts the payment. Any failure before the charge is accepted
// leaves no stock reserved.
func (s *Orchestrator) Checkout(ctx context.Context, req Request) (*Result, error) {
	res, err := s.checkout(ctx, req)
	metrics.CheckoutsTotal.WithLabelValues(string(req.Method), resultLabel(res, err)).Inc()
	return res, err
}

func (s *Orchestrator) checkout(ctx context.Context, req Request) (*Result, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	items, err := s.priceItems(ctx, req.Items)
	if err != nil {
		return nil, err
	}

	total := req.Shipping
	for _, it := range items {
		total = total.Add(it.UnitPrice.Mul(decimal.NewFromInt(int64(it.Quantity))))
	}

	now := s.now()
	o := &orders.Order{
		ID:            s.newID(),
		Customer:      req.Customer,
		Status:        orders.StatusCreated,
		PaymentMethod: req.Method,
		Items:         items,
		Total:         total,
		Shipping:      req.Shipping,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if req.Method == orders.MethodPix {
		o.PaymentRef = newTxID()
	}
	if err := s.store.Create(ctx, o); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	// A failed reservation holds no stock, so the order is left in CREATED and
	// never swept; it only stays as a record of the attempt.
	if err := inventory.ReserveAll(ctx, s.ledger, items); err != nil {
		metrics.OrdersAbandonedTotal.WithLabelValues("reservation_failed").Inc()
		s.log.Info("checkout: reservation failed", zap.String("order_id", o.ID), zap.Error(err))
		return nil, err
	}

	expiresAt := now.Add(s.ttl)
	ok, err := s.store.MarkReserved(ctx, o.ID, expiresAt)
	if err == nil && !ok {
		err = fmt.Errorf("%w: order %s is no longer %s", orders.ErrInvalidTransition, o.ID, orders.StatusCreated)
	}
	if err != nil {
		s.releaseItems(ctx, o, "rollback")
		return nil, fmt.Errorf("reserve order %s: %w", o.ID, err)
	}
	o.Status = orders.StatusReserved
	o.ReserveExpiresAt = &expiresAt
	s.log.Info("order reserved", zap.String("order_id", o.ID),
		zap.String("method", string(o.PaymentMethod)), zap.Time("expires_at", expiresAt))

	if req.Method == orders.MethodPix {
		return s.pix(ctx, o)
	}
	return s.card(ctx, o, req)
}

func (s *Orchestrator) pix(ctx context.Context, o *orders.Order) (*Result, error) {
	charge, err := s.gw.CreateCharge(ctx, gateway.ChargeRequest{Order: o, Ref: o.PaymentRef})
	if err != nil {
		s.rollback(ctx, o)
		return nil, fmt.Errorf("%w: create pix charge: %w", ErrGateway, err)
	}

	if charge.ProviderPayload != "" {
		if err := s.store.SetProviderPayload(ctx, o.ID, charge.ProviderPayload); err != nil {
			s.log.Warn("checkout: store provider payload failed", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
	s.watchers.Watch(o.PaymentMethod, o.PaymentRef, *o.ReserveExpiresAt)

	return &Result{
		OrderID:          o.ID,
		PaymentRef:       o.PaymentRef,
		Status:           o.Status,
		Outcome:          OutcomeWaitingPayment,
		Total:            o.Total,
		ProviderPayload:  charge.ProviderPayload,
		ReserveExpiresAt: o.ReserveExpiresAt,
		TTL:              s.ttl,
		Message:          "Scan the QR code to pay before the reservation expires",
	}, nil
}

func (s *Orchestrator) card(ctx context.Context, o *orders.Order, req Request) (*Result, error) {
	charge, err := s.gw.CreateCharge(ctx, gateway.ChargeRequest{
		Order:        o,
		CardToken:    req.CardToken,
		Installments: req.Installments,
	})
	if err != nil {
		s.rollback(ctx, o)
		return nil, fmt.Errorf("%w: create card charge: %w", ErrGateway, err)
	}
	if charge.Ref == "" {
		s.rollback(ctx, o)
		return nil, fmt.Errorf("%w: card charge without id", ErrGateway)
	}

	if _, err := s.store.AssignPaymentRef(ctx, o.ID, charge.Ref); err != nil {
		s.rollback(ctx, o)
		return nil, fmt.Errorf("assign charge %s: %w", charge.Ref, err)
	}
	o.PaymentRef = charge.Ref

	res := &Result{
		OrderID:    o.ID,
		PaymentRef: charge.Ref,
		Total:      o.Total,
		TTL:        s.ttl,
	}

	switch charge.Status {
	case gateway.StatusPaid:
		if _, err := s.reconciler.MarkPaidIfNeeded(ctx, charge.Ref, gateway.StatusPaid); err != nil {
			// The provider captured the charge; a watcher retries the confirmation.
			s.log.Warn("checkout: confirm approved card charge failed, watching",
				zap.String("order_id", o.ID), zap.String("payment_ref", charge.Ref), zap.Error(err))
			return s.processing(o, res), nil
		}
		res.Status = orders.StatusConfirmed
		res.Outcome = OutcomeApproved
		res.Message = "Payment approved"
		return res, nil

	case gateway.StatusDeclined:
		if _, err := s.reconciler.MarkPaidIfNeeded(ctx, charge.Ref, gateway.StatusDeclined); err != nil {
			s.log.Error("checkout: decline card order failed", zap.String("order_id", o.ID), zap.Error(err))
		}
		return nil, fmt.Errorf("%w: charge %s (%s)", ErrPaymentDeclined, charge.Ref, charge.RawStatus)

	default:
		return s.processing(o, res), nil
	}
}

func (s *Orchestrator) processing(o *orders.Order, res *Result) *Result {
	s.watchers.Watch(o.PaymentMethod, o.PaymentRef, *o.ReserveExpiresAt)
	res.Status = orders.StatusReserved
	res.Outcome = OutcomeProcessing
	res.ReserveExpiresAt = o.ReserveExpiresAt
	res.Message = "Payment is being processed"
	return res
}

// rollback expires an order whose charge could not be created and returns
// its stock. The release only happens if this call won the transition.
func (s *Orchestrator) rollback(ctx context.Context, o *orders.Order) {
	ctx = context.WithoutCancel(ctx)
	won, err := s.store.Terminate(ctx, o.ID, orders.StatusExpired)
	if err != nil {
		s.log.Error("checkout: expire order after gateway failure", zap.String("order_id", o.ID), zap.Error(err))
		return
	}
	if won {
		s.releaseItems(ctx, o, "gateway_error")
	}
}

func (s *Orchestrator) releaseItems(ctx context.Context, o *orders.Order, reason string) {
	if err := inventory.ReleaseAll(context.WithoutCancel(ctx), s.ledger, o.Items); err != nil {
		s.log.Error("checkout: release stock failed", zap.String("order_id", o.ID), zap.Error(err))
		return
	}
	metrics.UnitsReleasedTotal.WithLabelValues(reason).Add(float64(inventory.Units(o.Items)))
}

// priceItems pre-checks stock and resolves titles and prices from the
// catalog. The reservation itself is the authoritative stock check.
func (s *Orchestrator) priceItems(ctx context.Context, in []Item) ([]orders.OrderItem, error) {
	wanted := make(map[string]int, len(in))
	out := make([]orders.OrderItem, 0, len(in))
	for _, it := range in {
		b, err := s.ledger.Book(ctx, it.BookID)
		if err != nil {
			return nil, fmt.Errorf("book %s: %w", it.BookID, err)
		}
		wanted[it.BookID] += it.Quantity
		if b.Stock < wanted[it.BookID] {
			return nil, &inventory.StockError{BookID: b.ID, Title: b.Title, Requested: wanted[it.BookID], Available: b.Stock}
		}
		price := it.Price
		if price.IsZero() {
			price = orders.FromCents(b.PriceCents)
		}
		out = append(out, orders.OrderItem{
			BookID:    b.ID,
			Quantity:  it.Quantity,
			UnitPrice: price,
			Title:     b.Title,
			ImageRef:  b.ImageURL,
		})
	}
	return out, nil
}

func validate(req Request) error {
	switch req.Method {
	case orders.MethodPix:
	case orders.MethodCard:
		if req.CardToken == "" {
			return ErrMissingCardToken
		}
	default:
		return fmt.Errorf("%w: %q", ErrInvalidPaymentMethod, req.Method)
	}
	if len(req.Items) == 0 {
		return ErrEmptyCart
	}
	for _, it := range req.Items {
		if it.BookID == "" || it.Quantity <= 0 {
			return fmt.Errorf("%w: book %q quantity %d", ErrInvalidQuantity, it.BookID, it.Quantity)
		}
		if it.Price.IsNegative() {
			return fmt.Errorf("%w: price %s", ErrInvalidAmount, it.Price)
		}
	}
	if req.Shipping.IsNegative() {
		return fmt.Errorf("%w: shipping %s", ErrInvalidAmount, req.Shipping)
	}
	return nil
}

// newTxID returns a Pix txid: 32 lowercase hex characters.
func newTxID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

func resultLabel(res *Result, err error) string {
	switch {
	case err == nil && res != nil:
		return strings.ToLower(string(res.Outcome))
	case errors.Is(err, ErrPaymentDeclined):
		return "declined"
	case errors.Is(err, inventory.ErrInsufficientStock):
		return "insufficient_stock"
	case errors.Is(err, ErrGateway):
		return "gateway_error"
	case IsValidation(err):
		return "invalid"
	default:
		return "error"
	}
}

// IsValidation reports whether err is a caller mistake rather than a
// system failure.
func IsValidation(err error) bool {
	return errors.Is(err, ErrInvalidPaymentMethod) ||
		errors.Is(err, ErrEmptyCart) ||
		errors.Is(err, ErrInvalidQuantity) ||
		errors.Is(err, ErrInvalidAmount) ||
		errors.Is(err, ErrMissingCardToken) ||
		errors.Is(err, inventory.ErrBookNotFound)
}
