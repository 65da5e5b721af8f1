package httpx

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/ariefcatur/bookstore-checkout/internal/gateway"
	"github.com/ariefcatur/bookstore-checkout/internal/orders"
	"github.com/go-chi/chi/v5"
	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
)

const RoleAdmin = "admin"

// OrderExpirer is satisfied by reaper.Reaper.
type OrderExpirer interface {
	ExpireOrder(ctx context.Context, id string) (*orders.Order, error)
}

// PaymentStatusSource is satisfied by gateway.Router.
type PaymentStatusSource interface {
	Status(ctx context.Context, method orders.PaymentMethod, ref string) (gateway.Status, error)
}

// PaymentApplier is satisfied by payment.Reconciler.
type PaymentApplier interface {
	MarkPaidIfNeeded(ctx context.Context, ref string, status gateway.Status) (bool, error)
}

type AdminHandler struct {
	Expirer  OrderExpirer
	Payments PaymentStatusSource
	Applier  PaymentApplier
	Secret   []byte
	Log      *zap.Logger
}

type SyncResp struct {
	Ref     string `json:"ref"`
	Status  string `json:"status"`
	Updated bool   `json:"updated"`
}

type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

func (h *AdminHandler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.auth)
		r.Post("/admin/orders/{id}/expire", h.expire)
		r.Post("/admin/payments/{method}/{ref}/sync", h.sync)
	})
}

// sync asks the provider for the current status of one charge and applies
// it, for orders whose watcher and webhook both missed the outcome.
func (h *AdminHandler) sync(w http.ResponseWriter, r *http.Request) {
	var method orders.PaymentMethod
	switch chi.URLParam(r, "method") {
	case "pix":
		method = orders.MethodPix
	case "card":
		method = orders.MethodCard
	default:
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid_request", Message: "method must be pix or card"})
		return
	}
	ref := chi.URLParam(r, "ref")

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	status, err := h.Payments.Status(ctx, method, ref)
	if err != nil {
		h.Log.Warn("admin sync: gateway status failed", zap.String("payment_ref", ref), zap.Error(err))
		writeJSON(w, http.StatusBadGateway, errorResp{Error: "gateway_error", Message: "Payment provider unavailable, please retry"})
		return
	}
	updated, err := h.Applier.MarkPaidIfNeeded(ctx, ref, status)
	if err != nil {
		writeError(w, err)
		return
	}
	h.Log.Info("admin synced payment", zap.String("payment_ref", ref), zap.String("method", string(method)),
		zap.Stringer("status", status), zap.Bool("updated", updated), zap.String("request_id", requestID(r)))
	writeJSON(w, http.StatusOK, SyncResp{Ref: ref, Status: status.String(), Updated: updated})
}

func (h *AdminHandler) expire(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	o, err := h.Expirer.ExpireOrder(ctx, orderID)
	if err != nil {
		writeError(w, err)
		return
	}
	h.Log.Info("admin expired order", zap.String("order_id", o.ID), zap.String("request_id", requestID(r)))
	writeJSON(w, http.StatusOK, OrderStatusResp{OrderID: o.ID, Status: string(o.Status), Paid: o.Paid})
}

func (h *AdminHandler) auth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(h.Secret) == 0 {
			writeJSON(w, http.StatusForbidden, errorResp{Error: "admin api disabled"})
			return
		}
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			writeJSON(w, http.StatusUnauthorized, errorResp{Error: "missing bearer token"})
			return
		}
		claims, err := ParseAdminToken(raw, h.Secret)
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, errorResp{Error: "invalid token"})
			return
		}
		if claims.Role != RoleAdmin {
			writeJSON(w, http.StatusForbidden, errorResp{Error: "admin role required"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func ParseAdminToken(raw string, secret []byte) (*AdminClaims, error) {
	token, err := jwt.ParseWithClaims(raw, &AdminClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(*AdminClaims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid admin claims")
	}
	return claims, nil
}

// SignAdminToken issues an HS256 admin token valid for ttl.
func SignAdminToken(subject string, secret []byte, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := AdminClaims{
		Role: RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}
