// Package gateway is the boundary to the payment provider. Providers speak
// their own status vocabulary; Router translates it into Status so nothing
// past this package handles raw provider strings.
package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/bookstore-checkout/internal/orders"
)

var ErrUnsupportedMethod = errors.New("unsupported payment method")

type ChargeRequest struct {
	Order        *orders.Order
	Ref          string // txid proposed by the caller; Pix charges are keyed by it
	CardToken    string
	Installments int
}

type ChargeResult struct {
	Ref             string
	Status          Status
	RawStatus       string
	ProviderPayload string
}

// Gateway is what the checkout core consumes.
type Gateway interface {
	CreateCharge(ctx context.Context, req ChargeRequest) (ChargeResult, error)
	Status(ctx context.Context, method orders.PaymentMethod, ref string) (Status, error)
	Cancel(ctx context.Context, method orders.PaymentMethod, ref string) (bool, error)
}

// RawCharge is a provider answer before status translation.
type RawCharge struct {
	Ref             string
	Status          string
	ProviderPayload string
}

// Provider is one payment method's client.
type Provider interface {
	CreateCharge(ctx context.Context, req ChargeRequest) (RawCharge, error)
	Status(ctx context.Context, ref string) (string, error)
	Cancel(ctx context.Context, ref string) (bool, error)
}

type Router struct {
	providers map[orders.PaymentMethod]Provider
}

var _ Gateway = (*Router)(nil)

func NewRouter() *Router {
	return &Router{providers: make(map[orders.PaymentMethod]Provider)}
}

// Register binds a provider to a method. Call before serving traffic.
func (r *Router) Register(method orders.PaymentMethod, p Provider) {
	r.providers[method] = p
}

func (r *Router) provider(method orders.PaymentMethod) (Provider, error) {
	p, ok := r.providers[method]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedMethod, method)
	}
	return p, nil
}

func (r *Router) CreateCharge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	p, err := r.provider(req.Order.PaymentMethod)
	if err != nil {
		return ChargeResult{}, err
	}
	raw, err := p.CreateCharge(ctx, req)
	if err != nil {
		return ChargeResult{}, err
	}
	ref := raw.Ref
	if ref == "" {
		ref = req.Ref
	}
	return ChargeResult{
		Ref:             ref,
		Status:          ParseStatus(raw.Status),
		RawStatus:       raw.Status,
		ProviderPayload: raw.ProviderPayload,
	}, nil
}

func (r *Router) Status(ctx context.Context, method orders.PaymentMethod, ref string) (Status, error) {
	p, err := r.provider(method)
	if err != nil {
		return StatusPending, err
	}
	raw, err := p.Status(ctx, ref)
	if err != nil {
		return StatusPending, err
	}
	return ParseStatus(raw), nil
}

func (r *Router) Cancel(ctx context.Context, method orders.PaymentMethod, ref string) (bool, error) {
	p, err := r.provider(method)
	if err != nil {
		return false, err
	}
	return p.Cancel(ctx, ref)
}
