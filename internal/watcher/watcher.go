// Package watcher polls the payment gateway for charges whose outcome was not
// known at checkout time.
package watcher

import (
	"context"
	"sync"
	"time"

	"github.com/ariefcatur/bookstore-checkout/internal/gateway"
	"github.com/ariefcatur/bookstore-checkout/internal/metrics"
	"github.com/ariefcatur/bookstore-checkout/internal/orders"
	"go.uber.org/zap"
)

type StatusSource interface {
	Status(ctx context.Context, method orders.PaymentMethod, ref string) (gateway.Status, error)
}

// Applier is satisfied by payment.Reconciler.
type Applier interface {
	MarkPaidIfNeeded(ctx context.Context, ref string, status gateway.Status) (bool, error)
}

// Registry owns one polling goroutine per payment ref. A watcher stops on its
// own once the gateway reports a terminal outcome or the reservation expiry
// passes; stock release on expiry is left to the reaper.
type Registry struct {
	source   StatusSource
	applier  Applier
	interval time.Duration
	log      *zap.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	active map[string]struct{}
	closed bool
}

func NewRegistry(source StatusSource, applier Applier, interval time.Duration, log *zap.Logger) *Registry {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Registry{
		source:   source,
		applier:  applier,
		interval: interval,
		log:      log,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		active:   make(map[string]struct{}),
	}
}

// Watch starts polling ref until expiresAt. It returns false when ref is
// already being watched or the registry is closed.
func (r *Registry) Watch(method orders.PaymentMethod, ref string, expiresAt time.Time) bool {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return false
	}
	if _, ok := r.active[ref]; ok {
		r.mu.Unlock()
		return false
	}
	r.active[ref] = struct{}{}
	r.wg.Add(1)
	r.mu.Unlock()

	metrics.WatchersActive.Inc()
	r.log.Info("watcher started", zap.String("payment_ref", ref),
		zap.String("method", string(method)), zap.Time("expires_at", expiresAt))
	go r.run(method, ref, expiresAt)
	return true
}

func (r *Registry) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.active)
}

// Close stops every watcher and waits for them to exit.
func (r *Registry) Close() {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	r.cancel()
	r.wg.Wait()
}

func (r *Registry) run(method orders.PaymentMethod, ref string, expiresAt time.Time) {
	defer func() {
		r.mu.Lock()
		delete(r.active, ref)
		r.mu.Unlock()
		metrics.WatchersActive.Dec()
		r.wg.Done()
	}()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		if r.poll(method, ref, expiresAt) {
			return
		}
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// poll runs one iteration and reports whether the watcher is finished. A
// failing or panicking iteration is logged and the next tick still fires.
func (r *Registry) poll(method orders.PaymentMethod, ref string, expiresAt time.Time) (done bool) {
	defer func() {
		if p := recover(); p != nil {
			metrics.WatcherPollErrorsTotal.Inc()
			r.log.Error("watcher poll panicked", zap.String("payment_ref", ref), zap.Any("panic", p))
			done = r.expired(ref, expiresAt)
		}
	}()

	ctx, cancel := context.WithTimeout(r.ctx, r.interval)
	defer cancel()

	status, err := r.source.Status(ctx, method, ref)
	if err != nil {
		metrics.WatcherPollErrorsTotal.Inc()
		r.log.Warn("watcher poll failed", zap.String("payment_ref", ref), zap.Error(err))
		return r.expired(ref, expiresAt)
	}
	r.log.Debug("watcher poll", zap.String("payment_ref", ref), zap.Stringer("status", status))

	if status.Terminal() {
		applied, err := r.applier.MarkPaidIfNeeded(ctx, ref, status)
		if err != nil {
			metrics.WatcherPollErrorsTotal.Inc()
			r.log.Warn("watcher apply failed", zap.String("payment_ref", ref), zap.Error(err))
			return r.expired(ref, expiresAt)
		}
		r.log.Info("watcher finished", zap.String("payment_ref", ref),
			zap.Stringer("status", status), zap.Bool("applied", applied))
		return true
	}
	return r.expired(ref, expiresAt)
}

func (r *Registry) expired(ref string, expiresAt time.Time) bool {
	if r.now().After(expiresAt) {
		r.log.Info("watcher expired", zap.String("payment_ref", ref), zap.Time("expires_at", expiresAt))
		return true
	}
	return false
}
