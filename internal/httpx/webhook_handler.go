package httpx

import (
	"context"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/ariefcatur/bookstore-checkout/internal/webhook"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const maxWebhookBody = 1 << 20

type WebhookIngester interface {
	Ingest(ctx context.Context, source string, body []byte) (webhook.Result, error)
}

// WebhookEnqueuer is satisfied by webhook.Relay.
type WebhookEnqueuer interface {
	Enqueue(ctx context.Context, source string, body []byte) error
}

type WebhookHandler struct {
	Service WebhookIngester
	// Relay, when set, queues callbacks instead of processing them inline.
	Relay   WebhookEnqueuer
	Limiter *IPRateLimiter
	Log     *zap.Logger
}

func (h *WebhookHandler) Register(r chi.Router) {
	r.Group(func(r chi.Router) {
		if h.Limiter != nil {
			r.Use(h.Limiter.Middleware)
		}
		// The provider appends "/pix" to the registered callback URL.
		r.Post("/webhooks/efi", h.receive)
		r.Post("/webhooks/efi/pix", h.receive)
	})
}

func (h *WebhookHandler) receive(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "unreadable body"})
		return
	}

	if h.Relay != nil {
		if err := h.Relay.Enqueue(r.Context(), "efi", body); err != nil {
			h.Log.Error("webhook enqueue failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, errorResp{Error: "retry later"})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]bool{"queued": true})
		return
	}

	res, err := h.Service.Ingest(r.Context(), "efi", body)
	if err != nil {
		h.Log.Error("webhook processing failed", zap.String("request_id", requestID(r)), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, errorResp{Error: "retry later"})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// IPRateLimiter keeps one token bucket per client host. Buckets idle for
// longer than Idle are dropped on a later lookup.
type IPRateLimiter struct {
	Idle time.Duration

	mu        sync.Mutex
	clients   map[string]*client
	r         rate.Limit
	b         int
	now       func() time.Time
	lastSweep time.Time
}

type client struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func NewIPRateLimiter(r rate.Limit, b int) *IPRateLimiter {
	return &IPRateLimiter{
		Idle:    3 * time.Minute,
		clients: make(map[string]*client),
		r:       r,
		b:       b,
		now:     time.Now,
	}
}

func (i *IPRateLimiter) Limiter(host string) *rate.Limiter {
	i.mu.Lock()
	defer i.mu.Unlock()
	now := i.now()
	if now.Sub(i.lastSweep) >= i.Idle {
		i.sweep(now)
	}
	c, ok := i.clients[host]
	if !ok {
		c = &client{limiter: rate.NewLimiter(i.r, i.b)}
		i.clients[host] = c
	}
	c.lastSeen = now
	return c.limiter
}

func (i *IPRateLimiter) sweep(now time.Time) {
	for host, c := range i.clients {
		if now.Sub(c.lastSeen) > i.Idle {
			delete(i.clients, host)
		}
	}
	i.lastSweep = now
}

// Len reports how many client buckets are held.
func (i *IPRateLimiter) Len() int {
	i.mu.Lock()
	defer i.mu.Unlock()
	return len(i.clients)
}

func (i *IPRateLimiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !i.Limiter(clientHost(r.RemoteAddr)).Allow() {
			writeJSON(w, http.StatusTooManyRequests, errorResp{Error: "too many requests"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// clientHost strips the port; middleware.RealIP may already have left a bare
// address in RemoteAddr.
func clientHost(remoteAddr string) string {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return remoteAddr
	}
	return host
}
