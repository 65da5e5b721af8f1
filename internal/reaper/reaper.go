// Package reaper expires reservations whose payment never arrived and hands
// their stock back to the ledger.
package reaper

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ariefcatur/bookstore-checkout/internal/inventory"
	"github.com/ariefcatur/bookstore-checkout/internal/metrics"
	"github.com/ariefcatur/bookstore-checkout/internal/orders"
	"go.uber.org/zap"
)

const defaultBatch = 100

// Canceller is satisfied by gateway.Gateway.
type Canceller interface {
	Cancel(ctx context.Context, method orders.PaymentMethod, ref string) (bool, error)
}

type Reaper struct {
	store    orders.Store
	ledger   inventory.Ledger
	gw       Canceller
	interval time.Duration
	batch    int
	log      *zap.Logger
	now      func() time.Time
}

func New(store orders.Store, ledger inventory.Ledger, gw Canceller, interval time.Duration, log *zap.Logger) *Reaper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reaper{
		store:    store,
		ledger:   ledger,
		gw:       gw,
		interval: interval,
		batch:    defaultBatch,
		log:      log,
		now:      time.Now,
	}
}

// SweepResult summarises one sweep.
type SweepResult struct {
	Expired int
	Units   int
}

// Run sweeps with a fixed delay between the end of one sweep and the start of
// the next until ctx is done. A sweep in progress always completes.
func (r *Reaper) Run(ctx context.Context) error {
	r.log.Info("reaper started", zap.Duration("interval", r.interval))
	timer := time.NewTimer(r.interval)
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			r.log.Info("reaper stopped")
			return nil
		case <-timer.C:
		}
		if _, err := r.Sweep(context.WithoutCancel(ctx)); err != nil {
			r.log.Error("reaper sweep failed", zap.Error(err))
		}
		timer.Reset(r.interval)
	}
}

// Sweep expires every reserved, unpaid order whose expiry is in the past.
func (r *Reaper) Sweep(ctx context.Context) (SweepResult, error) {
	start := time.Now()
	defer func() { metrics.ReaperSweepDuration.Observe(time.Since(start).Seconds()) }()

	var res SweepResult
	now := r.now()
	for {
		expired, err := r.store.ListExpired(ctx, now, r.batch)
		if err != nil {
			return res, fmt.Errorf("list expired reservations: %w", err)
		}
		progressed := false
		for _, o := range expired {
			won, err := r.expire(ctx, o, "expired")
			if err != nil {
				r.log.Error("reaper: expire order failed", zap.String("order_id", o.ID), zap.Error(err))
				continue
			}
			if won {
				progressed = true
				res.Expired++
				res.Units += inventory.Units(o.Items)
			}
		}
		// A full page where nothing moved would be listed again; stop instead.
		if len(expired) < r.batch || !progressed {
			break
		}
	}
	if res.Expired > 0 {
		r.log.Info("reaper sweep", zap.Int("expired", res.Expired), zap.Int("units", res.Units))
	}
	return res, nil
}

// ExpireOrder forces a reserved order to EXPIRED regardless of its expiry.
// It returns orders.ErrInvalidTransition when the order is not reserved.
func (r *Reaper) ExpireOrder(ctx context.Context, id string) (*orders.Order, error) {
	o, err := r.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	won, err := r.expire(ctx, o, "admin")
	if err != nil {
		return nil, err
	}
	if !won {
		cur, gerr := r.store.Get(ctx, id)
		if gerr != nil {
			return nil, gerr
		}
		return cur, fmt.Errorf("%w: order %s is %s", orders.ErrInvalidTransition, id, cur.Status)
	}
	return r.store.Get(ctx, id)
}

// expire wins the RESERVED -> EXPIRED transition before touching stock, so a
// concurrent payment either lands first and this is a no-op, or finds the
// order expired.
func (r *Reaper) expire(ctx context.Context, o *orders.Order, reason string) (bool, error) {
	won, err := r.store.Terminate(ctx, o.ID, orders.StatusExpired)
	if err != nil {
		return false, err
	}
	if !won {
		return false, nil
	}
	metrics.ReservationsExpiredTotal.Inc()

	if err := inventory.ReleaseAll(ctx, r.ledger, o.Items); err != nil {
		r.log.Error("reaper: release stock failed", zap.String("order_id", o.ID), zap.Error(err))
	} else {
		metrics.UnitsReleasedTotal.WithLabelValues(reason).Add(float64(inventory.Units(o.Items)))
	}
	r.log.Info("order expired", zap.String("order_id", o.ID),
		zap.String("payment_ref", o.PaymentRef), zap.String("reason", reason))

	r.cancel(ctx, o)
	return true, nil
}

func (r *Reaper) cancel(ctx context.Context, o *orders.Order) {
	if o.PaymentRef == "" || r.gw == nil {
		return
	}
	ok, err := r.gw.Cancel(ctx, o.PaymentMethod, o.PaymentRef)
	switch {
	case err != nil:
		metrics.SideEffectFailuresTotal.WithLabelValues("gateway_cancel").Inc()
		r.log.Warn("reaper: cancel charge failed", zap.String("order_id", o.ID),
			zap.String("payment_ref", o.PaymentRef), zap.Error(err))
	case !ok:
		r.log.Debug("reaper: charge not cancelled", zap.String("payment_ref", o.PaymentRef))
	}
}

// IsNotReserved reports whether err came from expiring an order that had
// already left RESERVED.
func IsNotReserved(err error) bool {
	return errors.Is(err, orders.ErrInvalidTransition)
}
