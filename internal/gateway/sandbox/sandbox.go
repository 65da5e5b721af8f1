// Package sandbox simulates the payment provider for local runs.
//
// Pix charges stay ATIVA until Settle is called or, when AutoPayAfter is set,
// until they have been polled that many times. Card charges follow the token:
// "tok_declined" is refused, "tok_pending" stays in processing, anything else
// is approved immediately.
package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/ariefcatur/bookstore-checkout/internal/gateway"
	"github.com/google/uuid"
)

const (
	TokenDeclined = "tok_declined"
	TokenPending  = "tok_pending"
)

type charge struct {
	status string
	polls  int
}

type Provider struct {
	kind         string
	AutoPayAfter int

	mu      sync.Mutex
	charges map[string]*charge
}

var _ gateway.Provider = (*Provider)(nil)

func NewPix(autoPayAfter int) *Provider {
	return &Provider{kind: "pix", AutoPayAfter: autoPayAfter, charges: make(map[string]*charge)}
}

func NewCard() *Provider {
	return &Provider{kind: "card", charges: make(map[string]*charge)}
}

func (p *Provider) CreateCharge(_ context.Context, req gateway.ChargeRequest) (gateway.RawCharge, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.kind == "pix" {
		p.charges[req.Ref] = &charge{status: "ATIVA"}
		payload, _ := json.Marshal(map[string]string{
			"qrCode": fmt.Sprintf("00020126sandbox%s", req.Ref),
		})
		return gateway.RawCharge{Ref: req.Ref, Status: "ATIVA", ProviderPayload: string(payload)}, nil
	}

	ref := "ch_" + uuid.NewString()
	status := "approved"
	switch req.CardToken {
	case TokenDeclined:
		status = "unpaid"
	case TokenPending:
		status = "waiting"
	}
	p.charges[ref] = &charge{status: status}
	return gateway.RawCharge{Ref: ref, Status: status}, nil
}

func (p *Provider) Status(_ context.Context, ref string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.charges[ref]
	if !ok {
		return "", fmt.Errorf("sandbox: unknown charge %s", ref)
	}
	c.polls++
	if p.AutoPayAfter > 0 && c.polls >= p.AutoPayAfter && gateway.ParseStatus(c.status) == gateway.StatusPending {
		c.status = "CONCLUIDA"
	}
	return c.status, nil
}

func (p *Provider) Cancel(_ context.Context, ref string) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.charges[ref]
	if !ok {
		return false, nil
	}
	if gateway.ParseStatus(c.status) == gateway.StatusPaid {
		return false, nil
	}
	c.status = "REMOVIDA_PELO_USUARIO_RECEBEDOR"
	return true, nil
}

// Settle forces a charge into a provider status, as a webhook would report.
func (p *Provider) Settle(ref, status string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.charges[ref]; ok {
		c.status = status
	}
}
