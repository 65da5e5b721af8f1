package efi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ariefcatur/bookstore-checkout/internal/gateway"
	"github.com/ariefcatur/bookstore-checkout/internal/orders"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testOrder() *orders.Order {
	return &orders.Order{
		ID:            "o1",
		PaymentMethod: orders.MethodPix,
		Customer:      orders.Customer{FirstName: "Ana", LastName: "Silva", CPF: "123.456.789-09", Email: "ana@example.com"},
		Items:         []orders.OrderItem{{BookID: "b1", Title: "Dom Casmurro", Quantity: 2, UnitPrice: decimal.RequireFromString("30.00")}},
		Shipping:      decimal.RequireFromString("10.00"),
		Total:         decimal.RequireFromString("70.00"),
	}
}

// tokenEndpoint serves client-credentials tokens and counts how many were issued.
type tokenEndpoint struct {
	t         *testing.T
	expiresIn int
	issued    atomic.Int32
}

func (e *tokenEndpoint) serve(w http.ResponseWriter, r *http.Request) {
	id, secret, ok := r.BasicAuth()
	assert.True(e.t, ok)
	assert.Equal(e.t, "client-id", id)
	assert.Equal(e.t, "client-secret", secret)
	require.NoError(e.t, r.ParseForm())
	assert.Equal(e.t, "client_credentials", r.PostForm.Get("grant_type"))

	n := e.issued.Add(1)
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token": fmt.Sprintf("tkn-%d", n),
		"token_type":   "Bearer",
		"expires_in":   e.expiresIn,
	})
}

func authed(t *testing.T, baseURL string) *http.Client {
	t.Helper()
	hc, err := NewHTTPClient(context.Background(), Auth{
		BaseURL:      baseURL,
		ClientID:     "client-id",
		ClientSecret: "client-secret",
	})
	require.NoError(t, err)
	return hc
}

func TestPixClient(t *testing.T) {
	var cob map[string]any
	tokens := &tokenEndpoint{t: t, expiresIn: 3600}
	r := chi.NewRouter()
	r.Post("/oauth/token", tokens.serve)
	r.Put("/v2/cob/{txid}", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tkn-1", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&cob))
		_ = json.NewEncoder(w).Encode(map[string]any{
			"txid": chi.URLParam(r, "txid"), "status": "ATIVA", "loc": map[string]any{"id": 42},
		})
	})
	r.Get("/v2/loc/42/qrcode", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"qrcode": "000201...", "imagemQrcode": "data:image/png;base64,AAA"})
	})
	r.Get("/v2/cob/{txid}", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"txid": chi.URLParam(r, "txid"), "status": "CONCLUIDA"})
	})
	r.Patch("/v2/cob/{txid}", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"nome":"cobranca_nao_encontrada"}`, http.StatusNotFound)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	c := NewPixClient(authed(t, srv.URL), srv.URL, "pix@store.example", 15*time.Minute)
	ctx := context.Background()

	raw, err := c.CreateCharge(ctx, gateway.ChargeRequest{Order: testOrder(), Ref: "abc123"})
	require.NoError(t, err)
	assert.Equal(t, "abc123", raw.Ref)
	assert.Equal(t, "ATIVA", raw.Status)

	var qr QRPayload
	require.NoError(t, json.Unmarshal([]byte(raw.ProviderPayload), &qr))
	assert.Equal(t, "000201...", qr.QRCode)

	assert.Equal(t, "70.00", cob["valor"].(map[string]any)["original"])
	assert.Equal(t, float64(900), cob["calendario"].(map[string]any)["expiracao"])
	assert.Equal(t, "12345678909", cob["devedor"].(map[string]any)["cpf"])

	st, err := c.Status(ctx, "abc123")
	require.NoError(t, err)
	assert.Equal(t, "CONCLUIDA", st)

	ok, err := c.Cancel(ctx, "abc123")
	assert.False(t, ok)
	var httpErr *HTTPError
	require.True(t, errors.As(err, &httpErr))
	assert.Equal(t, http.StatusNotFound, httpErr.StatusCode)
	assert.Equal(t, int32(1), tokens.issued.Load(), "token is cached across calls")
}

func TestCardClient(t *testing.T) {
	var body map[string]any
	tokens := &tokenEndpoint{t: t, expiresIn: 3600}
	r := chi.NewRouter()
	r.Post("/oauth/token", tokens.serve)
	r.Post("/v1/charge/one-step", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 200, "data": map[string]any{"charge_id": 987654, "status": "approved"}})
	})
	r.Get("/v1/charge/{id}", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 200, "data": map[string]any{"charge_id": 987654, "status": "paid"}})
	})
	r.Put("/v1/charge/{id}/cancel", func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 200})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	c := NewCardClient(authed(t, srv.URL), srv.URL)
	ctx := context.Background()
	o := testOrder()
	o.PaymentMethod = orders.MethodCard

	raw, err := c.CreateCharge(ctx, gateway.ChargeRequest{Order: o, CardToken: "tok", Installments: 3})
	require.NoError(t, err)
	assert.Equal(t, "987654", raw.Ref)
	assert.Equal(t, gateway.StatusPaid, gateway.ParseStatus(raw.Status))

	items := body["items"].([]any)
	require.Len(t, items, 1)
	assert.Equal(t, float64(3000), items[0].(map[string]any)["value"])
	card := body["payment"].(map[string]any)["credit_card"].(map[string]any)
	assert.Equal(t, float64(3), card["installments"])
	assert.Equal(t, "o1", body["metadata"].(map[string]any)["custom_id"])

	st, err := c.Status(ctx, raw.Ref)
	require.NoError(t, err)
	assert.Equal(t, "paid", st)

	ok, err := c.Cancel(ctx, raw.Ref)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = c.CreateCharge(ctx, gateway.ChargeRequest{Order: o})
	assert.Error(t, err)
}

func TestHTTPClient_RefreshesNearExpiry(t *testing.T) {
	// expires_in below the refresh margin: every request needs a new token.
	tokens := &tokenEndpoint{t: t, expiresIn: 10}
	var (
		mu   sync.Mutex
		seen []string
	)
	r := chi.NewRouter()
	r.Post("/oauth/token", tokens.serve)
	r.Get("/v2/cob/{txid}", func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		seen = append(seen, r.Header.Get("Authorization"))
		mu.Unlock()
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "ATIVA"})
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	c := NewPixClient(authed(t, srv.URL), srv.URL, "key", time.Minute)
	for i := 0; i < 2; i++ {
		_, err := c.Status(context.Background(), "abc")
		require.NoError(t, err)
	}
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"Bearer tkn-1", "Bearer tkn-2"}, seen)
}

func TestHTTPClient_TokenFailure(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/oauth/token", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_client"}`, http.StatusUnauthorized)
	})
	srv := httptest.NewServer(r)
	defer srv.Close()

	c := NewCardClient(authed(t, srv.URL), srv.URL)
	_, err := c.Status(context.Background(), "1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "oauth2")
}

func TestHTTPClient_MissingCertificate(t *testing.T) {
	_, err := NewHTTPClient(context.Background(), Auth{
		BaseURL:  "https://pix.example",
		CertFile: "testdata/missing.crt",
		KeyFile:  "testdata/missing.key",
	})
	assert.ErrorContains(t, err, "efi client certificate")
}
