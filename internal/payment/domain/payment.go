package domain

import (
	"fmt"
	"slices"
	"time"
)

type Status string

const (
	StatusPending           Status = "pending"
	StatusProcessing        Status = "processing"
	StatusCompleted         Status = "completed"
	StatusFailed            Status = "failed"
	StatusCancelled         Status = "cancelled"
	StatusRefunded          Status = "refunded"
	StatusPartiallyRefunded Status = "partially_refunded"
)

var paymentTransitions = map[Status][]Status{
	StatusPending:    {StatusProcessing},
	StatusProcessing: {StatusCompleted, StatusFailed},
	StatusCompleted:  {StatusCancelled, StatusRefunded, StatusPartiallyRefunded},
}

// Terminal reports whether no further processing can happen for the payment.
// Completed is terminal for processing even though refund/cancel may follow.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusRefunded, StatusPartiallyRefunded:
		return true
	}
	return false
}

type LegStatus string

const (
	LegPending   LegStatus = "pending"
	LegSuccess   LegStatus = "success"
	LegFailed    LegStatus = "failed"
	LegCancelled LegStatus = "cancelled"
)

var legTransitions = map[LegStatus][]LegStatus{
	LegPending: {LegSuccess, LegFailed},
	LegSuccess: {LegCancelled},
}

type Leg struct {
	Method           Method
	Amount           int64
	TransactionID    string
	Status           LegStatus
	Metadata         map[string]string
	ProcessedAmount  int64
	CompensationTxID string
	Message          string
}

func NewLeg(method Method, amount int64, metadata map[string]string) Leg {
	md := make(map[string]string, len(metadata))
	for k, v := range metadata {
		md[k] = v
	}
	return Leg{Method: method, Amount: amount, Status: LegPending, Metadata: md}
}

func (l *Leg) TransitionTo(to LegStatus) error {
	if !slices.Contains(legTransitions[l.Status], to) {
		return fmt.Errorf("%w: leg %s %s -> %s", ErrInvalidTransition, l.Method, l.Status, to)
	}
	l.Status = to
	return nil
}

// Succeed records a successful execute and merges the collaborator metadata.
func (l *Leg) Succeed(txID string, processed int64, metadata map[string]string) error {
	if err := l.TransitionTo(LegSuccess); err != nil {
		return err
	}
	l.TransactionID = txID
	l.ProcessedAmount = processed
	l.Message = ""
	if l.Metadata == nil {
		l.Metadata = map[string]string{}
	}
	for k, v := range metadata {
		l.Metadata[k] = v
	}
	return nil
}

func (l *Leg) Fail(message string) error {
	if err := l.TransitionTo(LegFailed); err != nil {
		return err
	}
	l.Message = message
	return nil
}

func (l *Leg) Cancel(compensationTxID string) error {
	if err := l.TransitionTo(LegCancelled); err != nil {
		return err
	}
	l.CompensationTxID = compensationTxID
	return nil
}

type Payment struct {
	ID            string
	OrderID       string
	MemberID      string
	TotalAmount   int64
	Method        Method
	Status        Status
	Legs          []Leg
	FailureReason string
	CreatedAt     time.Time
	UpdatedAt     time.Time
	CompletedAt   *time.Time
}

// NewPayment builds a pending payment. A single leg gives the payment that
// leg's method, two or more make it composite.
func NewPayment(orderID, memberID string, total int64, legs []Leg) Payment {
	method := MethodComposite
	if len(legs) == 1 {
		method = legs[0].Method
	}
	now := time.Now().UTC()
	return Payment{
		OrderID:     orderID,
		MemberID:    memberID,
		TotalAmount: total,
		Method:      method,
		Status:      StatusPending,
		Legs:        legs,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func (p *Payment) TransitionTo(to Status) error {
	if !slices.Contains(paymentTransitions[p.Status], to) {
		return fmt.Errorf("%w: payment %s -> %s", ErrInvalidTransition, p.Status, to)
	}
	p.Status = to
	p.UpdatedAt = time.Now().UTC()
	return nil
}

func (p *Payment) Complete(at time.Time) error {
	if err := p.TransitionTo(StatusCompleted); err != nil {
		return err
	}
	at = at.UTC()
	p.CompletedAt = &at
	p.FailureReason = ""
	return nil
}

func (p *Payment) Fail(reason string) error {
	if err := p.TransitionTo(StatusFailed); err != nil {
		return err
	}
	p.FailureReason = reason
	return nil
}

func (p Payment) IsComposite() bool {
	return len(p.Legs) > 1
}

func (p Payment) ProcessedAmount() int64 {
	var sum int64
	for _, l := range p.Legs {
		if l.Status == LegSuccess {
			sum += l.ProcessedAmount
		}
	}
	return sum
}
