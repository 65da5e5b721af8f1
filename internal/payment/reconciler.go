// Package payment applies payment outcomes to orders. Every channel that
// learns about a payment (webhook, status watcher, synchronous card capture)
// goes through Reconciler, which guarantees the paid transition happens once.
package payment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ariefcatur/bookstore-checkout/internal/gateway"
	"github.com/ariefcatur/bookstore-checkout/internal/inventory"
	"github.com/ariefcatur/bookstore-checkout/internal/mailer"
	"github.com/ariefcatur/bookstore-checkout/internal/metrics"
	"github.com/ariefcatur/bookstore-checkout/internal/orders"
	"go.uber.org/zap"
)

// Broadcaster is satisfied by notify.Broker.
type Broadcaster interface {
	PublishPaid(orderID string) int
}

type Reconciler struct {
	store  orders.Store
	ledger inventory.Ledger
	events Broadcaster
	mail   mailer.Notifier
	log    *zap.Logger
	now    func() time.Time
}

func NewReconciler(store orders.Store, ledger inventory.Ledger, events Broadcaster, mail mailer.Notifier, log *zap.Logger) *Reconciler {
	return &Reconciler{
		store:  store,
		ledger: ledger,
		events: events,
		mail:   mail,
		log:    log,
		now:    time.Now,
	}
}

// MarkPaidIfNeeded applies status to the order owning ref and reports whether
// this call performed the paid transition. Unknown refs, already-paid orders
// and pending statuses are no-ops. A declined status moves a still-reserved
// order to DECLINED and returns its stock to the ledger.
func (r *Reconciler) MarkPaidIfNeeded(ctx context.Context, ref string, status gateway.Status) (bool, error) {
	o, err := r.store.GetByPaymentRef(ctx, ref)
	if errors.Is(err, orders.ErrNotFound) {
		r.log.Info("reconcile: unknown payment ref", zap.String("payment_ref", ref), zap.Stringer("status", status))
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("load order by ref %s: %w", ref, err)
	}
	if o.Paid {
		r.count(status, false)
		return false, nil
	}

	switch status {
	case gateway.StatusPaid:
		return r.markPaid(ctx, o)
	case gateway.StatusDeclined:
		_, err := r.decline(ctx, o)
		return false, err
	default:
		r.count(status, false)
		return false, nil
	}
}

func (r *Reconciler) markPaid(ctx context.Context, o *orders.Order) (bool, error) {
	now := r.now()
	won, err := r.store.MarkPaid(ctx, o.ID, now)
	if err != nil {
		return false, fmt.Errorf("mark order %s paid: %w", o.ID, err)
	}
	r.count(gateway.StatusPaid, won)
	if !won {
		if o.Status != orders.StatusReserved {
			r.log.Warn("reconcile: payment for order no longer reserved",
				zap.String("order_id", o.ID), zap.String("payment_ref", o.PaymentRef),
				zap.String("order_status", string(o.Status)))
		}
		return false, nil
	}

	o.Paid = true
	o.PaidAt = &now
	o.Status = orders.StatusConfirmed
	o.ReserveExpiresAt = nil
	r.log.Info("order confirmed", zap.String("order_id", o.ID), zap.String("payment_ref", o.PaymentRef))

	r.bestEffort("notify", o.ID, func() error {
		r.events.PublishPaid(o.ID)
		return nil
	})
	r.bestEffort("email_paid", o.ID, func() error {
		return r.mail.SendPaidConfirmation(context.WithoutCancel(ctx), o)
	})
	return true, nil
}

// decline reports whether this call moved the order to DECLINED.
func (r *Reconciler) decline(ctx context.Context, o *orders.Order) (bool, error) {
	won, err := r.store.Terminate(ctx, o.ID, orders.StatusDeclined)
	if err != nil {
		return false, fmt.Errorf("decline order %s: %w", o.ID, err)
	}
	r.count(gateway.StatusDeclined, won)
	if !won {
		return false, nil
	}

	if err := inventory.ReleaseAll(context.WithoutCancel(ctx), r.ledger, o.Items); err != nil {
		r.log.Error("decline: release stock failed", zap.String("order_id", o.ID), zap.Error(err))
	} else {
		metrics.UnitsReleasedTotal.WithLabelValues("declined").Add(float64(inventory.Units(o.Items)))
	}
	o.Status = orders.StatusDeclined
	o.ReserveExpiresAt = nil
	r.log.Info("order declined", zap.String("order_id", o.ID), zap.String("payment_ref", o.PaymentRef))

	r.bestEffort("email_declined", o.ID, func() error {
		return r.mail.SendDeclined(context.WithoutCancel(ctx), o)
	})
	return true, nil
}

// bestEffort runs a side effect whose failure must not undo the transition
// that triggered it.
func (r *Reconciler) bestEffort(kind, orderID string, fn func() error) {
	defer func() {
		if p := recover(); p != nil {
			metrics.SideEffectFailuresTotal.WithLabelValues(kind).Inc()
			r.log.Warn("side effect panicked", zap.String("kind", kind),
				zap.String("order_id", orderID), zap.Any("panic", p))
		}
	}()
	if err := fn(); err != nil {
		metrics.SideEffectFailuresTotal.WithLabelValues(kind).Inc()
		r.log.Warn("side effect failed", zap.String("kind", kind),
			zap.String("order_id", orderID), zap.Error(err))
	}
}

func (r *Reconciler) count(status gateway.Status, applied bool) {
	metrics.ReconcileTotal.WithLabelValues(status.String(), strconv.FormatBool(applied)).Inc()
}
