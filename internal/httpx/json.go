package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/ariefcatur/bookstore-checkout/internal/checkout"
	"github.com/ariefcatur/bookstore-checkout/internal/inventory"
	"github.com/ariefcatur/bookstore-checkout/internal/orders"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResp struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

// writeError maps domain errors onto status codes. Anything unknown is a 500
// and its text is not echoed back.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, inventory.ErrInsufficientStock):
		writeJSON(w, http.StatusConflict, errorResp{Error: "insufficient_stock", Message: err.Error()})
	case checkout.IsValidation(err):
		writeJSON(w, http.StatusBadRequest, errorResp{Error: "invalid_request", Message: err.Error()})
	case errors.Is(err, checkout.ErrPaymentDeclined):
		writeJSON(w, http.StatusPaymentRequired, errorResp{Error: "payment_declined", Message: "Payment was declined"})
	case errors.Is(err, checkout.ErrGateway):
		writeJSON(w, http.StatusBadGateway, errorResp{Error: "gateway_error", Message: "Payment provider unavailable, please retry"})
	case errors.Is(err, orders.ErrNotFound):
		writeJSON(w, http.StatusNotFound, errorResp{Error: "not_found"})
	case errors.Is(err, orders.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, errorResp{Error: "invalid_transition", Message: err.Error()})
	default:
		writeJSON(w, http.StatusInternalServerError, errorResp{Error: "internal_error"})
	}
}
