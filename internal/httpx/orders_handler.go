package httpx

import (
	"context"
	"net/http"
	"time"

	"github.com/ariefcatur/bookstore-checkout/internal/orders"
	"github.com/ariefcatur/bookstore-checkout/internal/redisx"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"
)

type OrderReader interface {
	Get(ctx context.Context, id string) (*orders.Order, error)
}

type BookLister interface {
	ListBooks(ctx context.Context) ([]orders.Book, error)
}

// StatusCache is satisfied by redisx.StatusCache.
type StatusCache interface {
	Get(ctx context.Context, orderID string) (redisx.CachedStatus, bool, error)
	Put(ctx context.Context, orderID string, s redisx.CachedStatus) error
}

type OrdersHandler struct {
	Orders OrderReader
	Books  BookLister
	// Cache may be nil.
	Cache StatusCache
	Log   *zap.Logger
}

type OrderStatusResp struct {
	OrderID          string     `json:"orderId"`
	Status           string     `json:"status"`
	Paid             bool       `json:"paid"`
	ReserveExpiresAt *time.Time `json:"reserveExpiresAt,omitempty"`
}

type BookResp struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Author   string `json:"author"`
	ImageURL string `json:"imageUrl"`
	Price    string `json:"price"`
	Stock    int    `json:"stock"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Get("/orders/{id}", h.getOrder)
	r.Get("/books", h.listBooks)
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	// 1) terminal statuses never change, so a cache hit is final
	if h.Cache != nil {
		if s, ok, err := h.Cache.Get(ctx, orderID); err == nil && ok {
			writeJSON(w, http.StatusOK, OrderStatusResp{OrderID: orderID, Status: s.Status, Paid: s.Paid})
			return
		} else if err != nil {
			h.Log.Debug("status cache unavailable", zap.Error(err))
		}
	}

	// 2) fallback store
	o, err := h.Orders.Get(ctx, orderID)
	if err != nil {
		writeError(w, err)
		return
	}
	if h.Cache != nil && o.Status.Terminal() {
		_ = h.Cache.Put(ctx, orderID, redisx.CachedStatus{Status: string(o.Status), Paid: o.Paid, UpdatedAt: o.UpdatedAt})
	}
	writeJSON(w, http.StatusOK, OrderStatusResp{
		OrderID:          o.ID,
		Status:           string(o.Status),
		Paid:             o.Paid,
		ReserveExpiresAt: o.ReserveExpiresAt,
	})
}

func (h *OrdersHandler) listBooks(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	bs, err := h.Books.ListBooks(ctx)
	if err != nil {
		h.Log.Error("list books", zap.Error(err))
		writeError(w, err)
		return
	}
	out := make([]BookResp, 0, len(bs))
	for _, b := range bs {
		out = append(out, BookResp{
			ID:       b.ID,
			Title:    b.Title,
			Author:   b.Author,
			ImageURL: b.ImageURL,
			Price:    orders.FromCents(b.PriceCents).StringFixed(2),
			Stock:    b.Stock,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func requestID(r *http.Request) string {
	return middleware.GetReqID(r.Context())
}
