package httpx

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/ariefcatur/bookstore-checkout/internal/checkout"
	"github.com/ariefcatur/bookstore-checkout/internal/orders"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type CheckoutService interface {
	Checkout(ctx context.Context, req checkout.Request) (*checkout.Result, error)
}

type CheckoutHandler struct {
	Service CheckoutService
	Log     *zap.Logger
}

type CartItemReq struct {
	ID       string          `json:"id"`
	Title    string          `json:"title"`
	Price    decimal.Decimal `json:"price"`
	Quantity int             `json:"quantity"`
	ImageURL string          `json:"imageUrl"`
}

type CheckoutReq struct {
	orders.Customer
	Payment      string          `json:"payment"`
	Shipping     decimal.Decimal `json:"shipping"`
	CartItems    []CartItemReq   `json:"cartItems"`
	PaymentToken string          `json:"paymentToken"`
	Installments int             `json:"installments"`
}

type CheckoutResp struct {
	Message          string     `json:"message"`
	OrderID          string     `json:"orderId"`
	PaymentRef       string     `json:"paymentRef"`
	Status           string     `json:"status"`
	Outcome          string     `json:"outcome"`
	Total            string     `json:"total"`
	QRCode           string     `json:"qrCode,omitempty"`
	QRCodeBase64     string     `json:"qrCodeBase64,omitempty"`
	ChargeID         string     `json:"chargeId,omitempty"`
	ReserveExpiresAt *time.Time `json:"reserveExpiresAt,omitempty"`
	TTLSeconds       int        `json:"ttlSeconds"`
}

func (h *CheckoutHandler) Register(r chi.Router) {
	r.Post("/checkout", h.checkout)
}

func (h *CheckoutHandler) checkout(w http.ResponseWriter, r *http.Request) {
	var req CheckoutReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid json"})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 20*time.Second)
	defer cancel()

	res, err := h.Service.Checkout(ctx, req.toRequest())
	if err != nil {
		h.Log.Info("checkout rejected", zap.String("method", req.Payment),
			zap.String("request_id", requestID(r)), zap.Error(err))
		writeError(w, err)
		return
	}

	out := CheckoutResp{
		Message:          res.Message,
		OrderID:          res.OrderID,
		PaymentRef:       res.PaymentRef,
		Status:           string(res.Status),
		Outcome:          string(res.Outcome),
		Total:            res.Total.StringFixed(2),
		ReserveExpiresAt: res.ReserveExpiresAt,
		TTLSeconds:       int(res.TTL.Seconds()),
	}
	if req.method() == orders.MethodPix {
		out.QRCode, out.QRCodeBase64 = qrFromPayload(res.ProviderPayload)
	} else {
		out.ChargeID = res.PaymentRef
	}
	code := http.StatusCreated
	if res.Outcome == checkout.OutcomeProcessing {
		code = http.StatusAccepted
	}
	writeJSON(w, code, out)
}

func (req CheckoutReq) method() orders.PaymentMethod {
	return orders.PaymentMethod(strings.ToUpper(strings.TrimSpace(req.Payment)))
}

func (req CheckoutReq) toRequest() checkout.Request {
	items := make([]checkout.Item, 0, len(req.CartItems))
	for _, it := range req.CartItems {
		items = append(items, checkout.Item{BookID: it.ID, Quantity: it.Quantity, Price: it.Price})
	}
	return checkout.Request{
		Customer:     req.Customer,
		Method:       req.method(),
		Items:        items,
		Shipping:     req.Shipping,
		CardToken:    req.PaymentToken,
		Installments: req.Installments,
	}
}

// qrFromPayload reads the stored Pix payload, which is JSON from the real
// provider and may be a bare copy-paste code otherwise.
func qrFromPayload(payload string) (code, image string) {
	var qr struct {
		QRCode       string `json:"qrCode"`
		QRCodeBase64 string `json:"qrCodeBase64"`
	}
	if err := json.Unmarshal([]byte(payload), &qr); err != nil {
		return payload, ""
	}
	return qr.QRCode, qr.QRCodeBase64
}
