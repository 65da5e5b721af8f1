package httpx

import (
	"net/http"
	"time"

	"github.com/ariefcatur/bookstore-checkout/internal/notify"
	"github.com/ariefcatur/bookstore-checkout/internal/orders"
	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Subscriber is satisfied by notify.Broker.
type Subscriber interface {
	Subscribe(orderID string, timeout time.Duration) *notify.Subscription
}

// StreamHandler pushes the paid event of one order to a websocket client.
type StreamHandler struct {
	Orders  OrderReader
	Events  Subscriber
	Timeout time.Duration
	Log     *zap.Logger
}

type streamMsg struct {
	OrderID string `json:"orderId"`
	Status  string `json:"status"`
	Paid    bool   `json:"paid"`
}

func (h *StreamHandler) Register(r chi.Router) {
	r.Get("/orders/{id}/ws", h.serveWS)
}

func (h *StreamHandler) serveWS(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	if _, err := h.Orders.Get(r.Context(), orderID); err != nil {
		writeError(w, err)
		return
	}

	// Subscribe before reading the status again so a payment landing in
	// between is not missed.
	sub := h.Events.Subscribe(orderID, h.Timeout)
	defer sub.Close()

	o, err := h.Orders.Get(r.Context(), orderID)
	if err != nil {
		writeError(w, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.Log.Debug("websocket upgrade failed", zap.String("order_id", orderID), zap.Error(err))
		return
	}
	defer conn.Close()

	if err := send(conn, streamMsg{OrderID: o.ID, Status: string(o.Status), Paid: o.Paid}); err != nil {
		return
	}
	if o.Status.Terminal() {
		closeNormal(conn, "order "+string(o.Status))
		return
	}

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case ev, ok := <-sub.C:
			if !ok {
				closeNormal(conn, "subscription expired")
				return
			}
			_ = send(conn, streamMsg{OrderID: ev.OrderID, Status: string(orders.StatusConfirmed), Paid: true})
			closeNormal(conn, "order paid")
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}

func send(conn *websocket.Conn, msg streamMsg) error {
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteJSON(msg)
}

func closeNormal(conn *websocket.Conn, reason string) {
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), time.Now().Add(writeWait))
}
