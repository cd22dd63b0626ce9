package domain

import (
	"time"

	payment "github.com/dmehra2102/payment-orchestrator/internal/payment/domain"
)

type SagaState string

const (
	StateStarted      SagaState = "started"
	StateExecuting    SagaState = "executing"
	StateCompensating SagaState = "compensating"
	StateCompleted    SagaState = "completed"
	StateFailed       SagaState = "failed"
)

type Action string

const (
	ActionExecute    Action = "execute"
	ActionCompensate Action = "compensate"
)

// Step is one processor call made during a saga. Index points into the
// payment's leg list.
type Step struct {
	Index   int
	Method  payment.Method
	Action  Action
	OK      bool
	TxID    string
	Message string
	At      time.Time
}

type Saga struct {
	PaymentID string
	OrderID   string
	State     SagaState
	Steps     []Step
}

func NewSaga(paymentID, orderID string) *Saga {
	return &Saga{PaymentID: paymentID, OrderID: orderID, State: StateStarted}
}

func (s *Saga) Record(step Step) {
	if step.At.IsZero() {
		step.At = time.Now().UTC()
	}
	s.Steps = append(s.Steps, step)
}

func (s *Saga) Advance(to SagaState) {
	s.State = to
}

func (s *Saga) StepsFor(a Action) []Step {
	var out []Step
	for _, st := range s.Steps {
		if st.Action == a {
			out = append(out, st)
		}
	}
	return out
}
