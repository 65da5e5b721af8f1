package orders

type Status string

const (
	StatusCreated   Status = "CREATED"
	StatusReserved  Status = "RESERVED"
	StatusConfirmed Status = "CONFIRMED"
	StatusExpired   Status = "EXPIRED"
	StatusDeclined  Status = "DECLINED"
)

var validNext = map[Status]map[Status]bool{
	StatusCreated:   {StatusReserved: true},
	StatusReserved:  {StatusConfirmed: true, StatusExpired: true, StatusDeclined: true},
	StatusConfirmed: {},
	StatusExpired:   {},
	StatusDeclined:  {},
}

func CanTransition(from, to Status) bool {
	return validNext[from][to]
}

// Terminal reports whether no transition leaves s.
func (s Status) Terminal() bool {
	next, ok := validNext[s]
	return ok && len(next) == 0
}

type PaymentMethod string

const (
	MethodPix  PaymentMethod = "PIX"
	MethodCard PaymentMethod = "CARD"
)
