package gateway

import "strings"

// Status is the closed set of payment outcomes the core understands.
type Status int

const (
	StatusPending Status = iota
	StatusPaid
	StatusDeclined
)

func (s Status) String() string {
	switch s {
	case StatusPaid:
		return "PAID"
	case StatusDeclined:
		return "DECLINED"
	default:
		return "PENDING"
	}
}

// Terminal reports whether polling for this status can stop.
func (s Status) Terminal() bool { return s != StatusPending }

// Provider vocabulary for Pix (cob) and Card (charge) APIs, upper-cased.
var paidSynonyms = map[string]struct{}{
	"PAID":      {},
	"PAGO":      {},
	"APPROVED":  {},
	"CONFIRMED": {},
	"CAPTURED":  {},
	"SETTLED":   {},
	"CONCLUIDA": {},
}

var declinedSynonyms = map[string]struct{}{
	"DECLINED":                        {},
	"FAILED":                          {},
	"UNPAID":                          {},
	"CANCELED":                        {},
	"CANCELLED":                       {},
	"CANCELADA":                       {},
	"REFUNDED":                        {},
	"REVERSED":                        {},
	"ESTORNADA":                       {},
	"EXPIRADA":                        {},
	"REMOVIDA_PELO_USUARIO_RECEBEDOR": {},
	"REMOVIDA_PELO_PSP":               {},
}

// ParseStatus maps a raw provider status string onto Status. Unknown or empty
// values are Pending.
func ParseStatus(raw string) Status {
	s := strings.ToUpper(strings.TrimSpace(raw))
	if _, ok := paidSynonyms[s]; ok {
		return StatusPaid
	}
	if _, ok := declinedSynonyms[s]; ok {
		return StatusDeclined
	}
	return StatusPending
}
