package domain

const (
	EventOrderCreated     = "OrderCreated"
	EventPaymentCompleted = "PaymentCompleted"
	EventPaymentFailed    = "PaymentFailed"
	EventPaymentCancelled = "PaymentCancelled"
)

// OrderCreated is consumed from the order service. Legs is optional; when it
// is empty the composition is derived from PaymentMethod.
type OrderCreated struct {
	OrderID       string            `json:"order_id"`
	MemberID      string            `json:"member_id"`
	TotalAmount   int64             `json:"total_amount"`
	PaymentMethod string            `json:"payment_method"`
	Legs          []OrderLeg        `json:"legs,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
}

type OrderLeg struct {
	Method   string            `json:"method"`
	Amount   int64             `json:"amount"`
	Metadata map[string]string `json:"metadata,omitempty"`
}

type LegSummary struct {
	Method        Method `json:"method"`
	Amount        int64  `json:"amount"`
	TransactionID string `json:"transaction_id,omitempty"`
	Status        string `json:"status"`
}

type PaymentCompleted struct {
	PaymentID   string       `json:"payment_id"`
	OrderID     string       `json:"order_id"`
	MemberID    string       `json:"member_id"`
	TotalAmount int64        `json:"total_amount"`
	Method      Method       `json:"method"`
	Status      Status       `json:"status"`
	Legs        []LegSummary `json:"legs"`
}

type PaymentFailed struct {
	PaymentID string `json:"payment_id"`
	OrderID   string `json:"order_id"`
	Reason    string `json:"reason"`
}

type PaymentCancelled struct {
	PaymentID string       `json:"payment_id"`
	OrderID   string       `json:"order_id"`
	Reason    string       `json:"reason"`
	Legs      []LegSummary `json:"legs"`
}

func Summarize(legs []Leg) []LegSummary {
	out := make([]LegSummary, 0, len(legs))
	for _, l := range legs {
		out = append(out, LegSummary{
			Method:        l.Method,
			Amount:        l.Amount,
			TransactionID: l.TransactionID,
			Status:        string(l.Status),
		})
	}
	return out
}
