package memstore

import (
	"context"
	"sync"

	"github.com/ariefcatur/bookstore-checkout/internal/orders"
)

type Audit struct {
	mu     sync.Mutex
	events []orders.WebhookEvent
}

func NewAudit() *Audit { return &Audit{} }

func (a *Audit) Record(_ context.Context, ev orders.WebhookEvent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	ev.RawBody = append([]byte(nil), ev.RawBody...)
	a.events = append(a.events, ev)
	return nil
}

func (a *Audit) Events() []orders.WebhookEvent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]orders.WebhookEvent(nil), a.events...)
}
