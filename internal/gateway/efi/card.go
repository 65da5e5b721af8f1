package efi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/ariefcatur/bookstore-checkout/internal/gateway"
	"github.com/ariefcatur/bookstore-checkout/internal/orders"
)

type CardClient struct {
	client
}

var _ gateway.Provider = (*CardClient)(nil)

func NewCardClient(hc *http.Client, baseURL string) *CardClient {
	return &CardClient{client: newClient(hc, baseURL)}
}

// chargeResponse is the {"code": ..., "data": {...}} envelope of the
// charges API. charge_id is numeric on the wire.
type chargeResponse struct {
	Data struct {
		ChargeID json.Number `json:"charge_id"`
		Status   string      `json:"status"`
	} `json:"data"`
}

// CreateCharge creates and tries to capture the charge in one call.
func (c *CardClient) CreateCharge(ctx context.Context, req gateway.ChargeRequest) (gateway.RawCharge, error) {
	if req.CardToken == "" {
		return gateway.RawCharge{}, fmt.Errorf("card token missing")
	}
	o := req.Order
	items := make([]map[string]any, 0, len(o.Items))
	for _, it := range o.Items {
		items = append(items, map[string]any{
			"name":   it.Title,
			"value":  orders.ToCents(it.UnitPrice),
			"amount": it.Quantity,
		})
	}
	installments := req.Installments
	if installments < 1 {
		installments = 1
	}
	body := map[string]any{
		"items": items,
		"payment": map[string]any{
			"credit_card": map[string]any{
				"payment_token": req.CardToken,
				"installments":  installments,
				"customer": map[string]any{
					"name":         o.Customer.FirstName + " " + o.Customer.LastName,
					"email":        o.Customer.Email,
					"cpf":          nonDigits.ReplaceAllString(o.Customer.CPF, ""),
					"phone_number": nonDigits.ReplaceAllString(o.Customer.Phone, ""),
				},
			},
		},
		"shippings": []map[string]any{{"name": "Frete", "value": orders.ToCents(o.Shipping)}},
		"metadata":  map[string]any{"custom_id": o.ID},
	}

	var resp chargeResponse
	if err := c.do(ctx, http.MethodPost, "/v1/charge/one-step", body, &resp); err != nil {
		return gateway.RawCharge{}, fmt.Errorf("create card charge: %w", err)
	}
	if resp.Data.ChargeID == "" {
		return gateway.RawCharge{}, fmt.Errorf("create card charge: empty charge_id (status=%s)", resp.Data.Status)
	}
	return gateway.RawCharge{Ref: resp.Data.ChargeID.String(), Status: resp.Data.Status}, nil
}

func (c *CardClient) Status(ctx context.Context, chargeID string) (string, error) {
	var resp chargeResponse
	if err := c.do(ctx, http.MethodGet, "/v1/charge/"+url.PathEscape(chargeID), nil, &resp); err != nil {
		return "", err
	}
	return resp.Data.Status, nil
}

func (c *CardClient) Cancel(ctx context.Context, chargeID string) (bool, error) {
	if err := c.do(ctx, http.MethodPut, "/v1/charge/"+url.PathEscape(chargeID)+"/cancel", map[string]any{}, nil); err != nil {
		return false, err
	}
	return true, nil
}
