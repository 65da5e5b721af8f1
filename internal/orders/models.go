package orders

import (
	"time"

	"github.com/shopspring/decimal"
)

type Book struct {
	ID         string
	Title      string
	Author     string
	ImageURL   string
	Stock      int
	PriceCents int64
}

type Customer struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
	Email     string `json:"email"`
	CPF       string `json:"cpf"`
	Phone     string `json:"phone"`
	Address   string `json:"address"`
	Number    string `json:"number"`
	District  string `json:"district"`
	City      string `json:"city"`
	State     string `json:"state"`
	CEP       string `json:"cep"`
}

type Order struct {
	ID               string
	Customer         Customer
	Status           Status
	PaymentMethod    PaymentMethod
	PaymentRef       string // txid (Pix) or chargeId (Card); empty until assigned
	Paid             bool
	PaidAt           *time.Time
	ReserveExpiresAt *time.Time
	Items            []OrderItem
	Total            decimal.Decimal
	Shipping         decimal.Decimal
	ProviderPayload  string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

type OrderItem struct {
	BookID    string
	Quantity  int
	UnitPrice decimal.Decimal
	Title     string
	ImageRef  string
}

// WebhookEvent is an append-only audit row of a raw provider callback.
type WebhookEvent struct {
	ID         string
	PaymentRef string
	Status     string
	RawBody    []byte
	ReceivedAt time.Time
}

// ToCents converts an amount to integer cents, rounding half away from zero.
func ToCents(d decimal.Decimal) int64 {
	return d.Shift(2).Round(0).IntPart()
}

func FromCents(c int64) decimal.Decimal {
	return decimal.New(c, -2)
}
