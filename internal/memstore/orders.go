// Package memstore keeps orders, stock and webhook audit rows in process
// memory. It honours the same conditional-update guards as the Postgres
// stores and backs tests and STORE=memory runs.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ariefcatur/bookstore-checkout/internal/orders"
)

type Orders struct {
	mu    sync.Mutex
	byID  map[string]*orders.Order
	byRef map[string]string
}

var _ orders.Store = (*Orders)(nil)

func NewOrders() *Orders {
	return &Orders{
		byID:  make(map[string]*orders.Order),
		byRef: make(map[string]string),
	}
}

func (s *Orders) Create(_ context.Context, o *orders.Order) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.byID[o.ID]; ok {
		return fmt.Errorf("order %s already exists", o.ID)
	}
	if o.PaymentRef != "" {
		if _, ok := s.byRef[o.PaymentRef]; ok {
			return fmt.Errorf("payment ref %s already assigned", o.PaymentRef)
		}
		s.byRef[o.PaymentRef] = o.ID
	}
	c := clone(o)
	c.UpdatedAt = c.CreatedAt
	s.byID[o.ID] = c
	return nil
}

func (s *Orders) Get(_ context.Context, id string) (*orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.byID[id]
	if !ok {
		return nil, orders.ErrNotFound
	}
	return clone(o), nil
}

func (s *Orders) GetByPaymentRef(_ context.Context, ref string) (*orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.byRef[ref]
	if !ok {
		return nil, orders.ErrNotFound
	}
	return clone(s.byID[id]), nil
}

func (s *Orders) AssignPaymentRef(_ context.Context, id, ref string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.byID[id]
	if !ok || o.PaymentRef != "" {
		return false, nil
	}
	if _, taken := s.byRef[ref]; taken {
		return false, fmt.Errorf("payment ref %s already assigned", ref)
	}
	o.PaymentRef = ref
	o.UpdatedAt = time.Now()
	s.byRef[ref] = id
	return true, nil
}

func (s *Orders) SetProviderPayload(_ context.Context, id, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.byID[id]
	if !ok {
		return orders.ErrNotFound
	}
	o.ProviderPayload = payload
	o.UpdatedAt = time.Now()
	return nil
}

func (s *Orders) MarkReserved(_ context.Context, id string, expiresAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.byID[id]
	if !ok || o.Status != orders.StatusCreated {
		return false, nil
	}
	o.Status = orders.StatusReserved
	o.ReserveExpiresAt = &expiresAt
	o.UpdatedAt = time.Now()
	return true, nil
}

func (s *Orders) MarkPaid(_ context.Context, id string, paidAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.byID[id]
	if !ok || o.Paid || o.Status != orders.StatusReserved {
		return false, nil
	}
	o.Paid = true
	o.PaidAt = &paidAt
	o.Status = orders.StatusConfirmed
	o.ReserveExpiresAt = nil
	o.UpdatedAt = time.Now()
	return true, nil
}

func (s *Orders) Terminate(_ context.Context, id string, to orders.Status) (bool, error) {
	if !orders.CanTransition(orders.StatusReserved, to) || to == orders.StatusConfirmed {
		return false, fmt.Errorf("%w: %s -> %s", orders.ErrInvalidTransition, orders.StatusReserved, to)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.byID[id]
	if !ok || o.Paid || o.Status != orders.StatusReserved {
		return false, nil
	}
	o.Status = to
	o.ReserveExpiresAt = nil
	o.UpdatedAt = time.Now()
	return true, nil
}

func (s *Orders) ListExpired(_ context.Context, now time.Time, limit int) ([]*orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*orders.Order
	for _, o := range s.byID {
		if o.Status == orders.StatusReserved && !o.Paid &&
			o.ReserveExpiresAt != nil && o.ReserveExpiresAt.Before(now) {
			out = append(out, clone(o))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ReserveExpiresAt.Before(*out[j].ReserveExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// All returns a snapshot of every order, for assertions.
func (s *Orders) All() []*orders.Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*orders.Order, 0, len(s.byID))
	for _, o := range s.byID {
		out = append(out, clone(o))
	}
	return out
}

func clone(o *orders.Order) *orders.Order {
	c := *o
	c.Items = append([]orders.OrderItem(nil), o.Items...)
	if o.PaidAt != nil {
		t := *o.PaidAt
		c.PaidAt = &t
	}
	if o.ReserveExpiresAt != nil {
		t := *o.ReserveExpiresAt
		c.ReserveExpiresAt = &t
	}
	return &c
}
