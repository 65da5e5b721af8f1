package efi

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"time"

	"github.com/ariefcatur/bookstore-checkout/internal/gateway"
)

type PixClient struct {
	client
	key        string
	expiration time.Duration
}

var _ gateway.Provider = (*PixClient)(nil)

// NewPixClient builds a client whose charges expire together with the
// stock reservation.
func NewPixClient(hc *http.Client, baseURL, pixKey string, expiration time.Duration) *PixClient {
	return &PixClient{client: newClient(hc, baseURL), key: pixKey, expiration: expiration}
}

type cobResponse struct {
	TxID   string `json:"txid"`
	Status string `json:"status"`
	Loc    struct {
		ID int64 `json:"id"`
	} `json:"loc"`
}

type qrResponse struct {
	QRCode      string `json:"qrcode"`
	ImageQRCode string `json:"imagemQrcode"`
}

// QRPayload is stored on the order for display.
type QRPayload struct {
	QRCode       string `json:"qrCode"`
	QRCodeBase64 string `json:"qrCodeBase64"`
}

var nonDigits = regexp.MustCompile(`\D`)

func (p *PixClient) CreateCharge(ctx context.Context, req gateway.ChargeRequest) (gateway.RawCharge, error) {
	o := req.Order
	body := map[string]any{
		"calendario":         map[string]any{"expiracao": int(p.expiration.Seconds())},
		"valor":              map[string]any{"original": o.Total.StringFixed(2)},
		"chave":              p.key,
		"solicitacaoPagador": "Pedido " + req.Ref,
	}
	if cpf := nonDigits.ReplaceAllString(o.Customer.CPF, ""); cpf != "" {
		body["devedor"] = map[string]any{
			"nome": o.Customer.FirstName + " " + o.Customer.LastName,
			"cpf":  cpf,
		}
	}

	var cob cobResponse
	if err := p.do(ctx, http.MethodPut, "/v2/cob/"+url.PathEscape(req.Ref), body, &cob); err != nil {
		return gateway.RawCharge{}, fmt.Errorf("create pix charge: %w", err)
	}

	var qr qrResponse
	if err := p.do(ctx, http.MethodGet, fmt.Sprintf("/v2/loc/%d/qrcode", cob.Loc.ID), nil, &qr); err != nil {
		return gateway.RawCharge{}, fmt.Errorf("fetch pix qrcode: %w", err)
	}
	payload, err := json.Marshal(QRPayload{QRCode: qr.QRCode, QRCodeBase64: qr.ImageQRCode})
	if err != nil {
		return gateway.RawCharge{}, err
	}

	ref := cob.TxID
	if ref == "" {
		ref = req.Ref
	}
	return gateway.RawCharge{Ref: ref, Status: cob.Status, ProviderPayload: string(payload)}, nil
}

func (p *PixClient) Status(ctx context.Context, txid string) (string, error) {
	var cob cobResponse
	if err := p.do(ctx, http.MethodGet, "/v2/cob/"+url.PathEscape(txid), nil, &cob); err != nil {
		return "", err
	}
	return cob.Status, nil
}

// Cancel removes an open charge so it can no longer be paid.
func (p *PixClient) Cancel(ctx context.Context, txid string) (bool, error) {
	body := map[string]string{"status": "REMOVIDA_PELO_USUARIO_RECEBEDOR"}
	if err := p.do(ctx, http.MethodPatch, "/v2/cob/"+url.PathEscape(txid), body, nil); err != nil {
		return false, err
	}
	return true, nil
}
