package orders

import (
	"context"
	"errors"
	"time"
)

var (
	ErrNotFound          = errors.New("order not found")
	ErrInvalidTransition = errors.New("invalid order transition")
)

// Store persists orders. Every state-changing method is a single conditional
// update: it reports false, with no mutation, when the guard does not hold.
type Store interface {
	Create(ctx context.Context, o *Order) error
	Get(ctx context.Context, id string) (*Order, error)
	GetByPaymentRef(ctx context.Context, ref string) (*Order, error)

	// AssignPaymentRef sets the ref only while it is still empty.
	AssignPaymentRef(ctx context.Context, id, ref string) (bool, error)
	SetProviderPayload(ctx context.Context, id, payload string) error

	// MarkReserved moves CREATED -> RESERVED and sets the expiry.
	MarkReserved(ctx context.Context, id string, expiresAt time.Time) (bool, error)
	// MarkPaid moves RESERVED -> CONFIRMED where paid = false.
	MarkPaid(ctx context.Context, id string, paidAt time.Time) (bool, error)
	// Terminate moves RESERVED -> to (EXPIRED or DECLINED) where paid = false,
	// clearing the expiry.
	Terminate(ctx context.Context, id string, to Status) (bool, error)

	// ListExpired returns RESERVED, unpaid orders whose expiry is before now.
	ListExpired(ctx context.Context, now time.Time, limit int) ([]*Order, error)
}
