// Package notify is an in-process publish/subscribe broker that lets a client
// connection wait for an order to be marked paid.
package notify

import (
	"sync"
	"time"
)

const EventPaid = "paid"

type Event struct {
	OrderID string    `json:"orderId"`
	Kind    string    `json:"kind"`
	At      time.Time `json:"at"`
}

// Subscription delivers at most one event on C; C is closed after delivery,
// after the subscription times out, or after Close.
type Subscription struct {
	C <-chan Event

	b       *Broker
	orderID string
	ch      chan Event
	timer   *time.Timer
	once    sync.Once
}

// Close detaches the subscription; it is safe to call more than once.
func (s *Subscription) Close() {
	s.b.remove(s)
}

type Broker struct {
	mu   sync.Mutex
	subs map[string]map[*Subscription]struct{}
	now  func() time.Time
}

func NewBroker() *Broker {
	return &Broker{subs: make(map[string]map[*Subscription]struct{}), now: time.Now}
}

// Subscribe registers interest in orderID. A timeout <= 0 never expires.
func (b *Broker) Subscribe(orderID string, timeout time.Duration) *Subscription {
	ch := make(chan Event, 1)
	s := &Subscription{C: ch, b: b, orderID: orderID, ch: ch}

	b.mu.Lock()
	set, ok := b.subs[orderID]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[orderID] = set
	}
	set[s] = struct{}{}
	if timeout > 0 {
		s.timer = time.AfterFunc(timeout, s.Close)
	}
	b.mu.Unlock()
	return s
}

// PublishPaid completes every current subscription for orderID and returns
// how many received the event.
func (b *Broker) PublishPaid(orderID string) int {
	b.mu.Lock()
	set := b.subs[orderID]
	delete(b.subs, orderID)
	b.mu.Unlock()

	ev := Event{OrderID: orderID, Kind: EventPaid, At: b.now()}
	n := 0
	for s := range set {
		s.once.Do(func() {
			if s.timer != nil {
				s.timer.Stop()
			}
			s.ch <- ev
			close(s.ch)
			n++
		})
	}
	return n
}

// Subscribers returns the number of live subscriptions for orderID.
func (b *Broker) Subscribers(orderID string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs[orderID])
}

func (b *Broker) remove(s *Subscription) {
	b.mu.Lock()
	if set, ok := b.subs[s.orderID]; ok {
		delete(set, s)
		if len(set) == 0 {
			delete(b.subs, s.orderID)
		}
	}
	b.mu.Unlock()

	s.once.Do(func() {
		if s.timer != nil {
			s.timer.Stop()
		}
		close(s.ch)
	})
}
