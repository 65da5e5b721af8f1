package orders

import (
	"encoding/json"
	"time"
)

const (
	EventEmailPaidConfirmation = "EmailPaidConfirmation"
	EventEmailAuthorPaid       = "EmailAuthorPaid"
	EventEmailDeclined         = "EmailDeclined"
	EventWebhookReceived       = "WebhookReceived"
)

type Envelope struct {
	EventID       string          `json:"event_id"`
	EventType     string          `json:"event_type"`
	EventVersion  int             `json:"event_version"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Producer      string          `json:"producer"`
	TraceID       string          `json:"trace_id,omitempty"`
	CorrelationID string          `json:"correlation_id,omitempty"`
	Payload       json.RawMessage `json:"payload"`
}

type EmailItem struct {
	BookID     string `json:"book_id"`
	Title      string `json:"title"`
	Qty        int    `json:"qty"`
	PriceCents int64  `json:"price_cents"`
	ImageRef   string `json:"image_ref,omitempty"`
}

// EmailPayload carries everything the external mailer renders from.
type EmailPayload struct {
	OrderID       string      `json:"order_id"`
	To            string      `json:"to"`
	CustomerName  string      `json:"customer_name"`
	PaymentMethod string      `json:"payment_method"`
	PaymentRef    string      `json:"payment_ref,omitempty"`
	TotalCents    int64       `json:"total_cents"`
	ShippingCents int64       `json:"shipping_cents"`
	Items         []EmailItem `json:"items"`
}

type WebhookPayload struct {
	Source  string `json:"source"`
	RawBody []byte `json:"raw_body"`
}
