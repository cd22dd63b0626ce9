package application

import (
	"context"
	"log/slog"

	saga "github.com/dmehra2102/payment-orchestrator/internal/orchestrator/domain"
	"github.com/dmehra2102/payment-orchestrator/internal/payment/domain"
	"github.com/dmehra2102/payment-orchestrator/internal/payment/processor"
)

type Resolver interface {
	Resolve(m domain.Method) (processor.Processor, error)
}

type Outcome struct {
	Success         bool
	Reason          string
	ProcessedAmount int64
	// FailedLeg is the index of the leg that failed, or -1.
	FailedLeg int
	Err       error
}

// Coordinator runs composite payments as a saga: sub-legs in declaration
// order, then the card leg, compensating in reverse on the first failure.
type Coordinator struct {
	log      *slog.Logger
	resolver Resolver
}

func NewCoordinator(log *slog.Logger, resolver Resolver) *Coordinator {
	return &Coordinator{log: log, resolver: resolver}
}

// Run mutates p.Legs in place. It never touches p.Status.
func (c *Coordinator) Run(ctx context.Context, p *domain.Payment) (Outcome, *saga.Saga) {
	s := saga.NewSaga(p.ID, p.OrderID)
	s.Advance(saga.StateExecuting)

	order, ok := executionOrder(p.Legs)
	if !ok {
		s.Advance(saga.StateFailed)
		return Outcome{Reason: "composite payment requires exactly one card leg", FailedLeg: -1,
			Err: &domain.ValidationError{Rule: "composite", Reason: "composite payment requires exactly one card leg"}}, s
	}

	var done []int
	for _, i := range order {
		if lf := c.execute(ctx, s, p, i); lf != nil {
			c.log.Warn("composite leg failed, compensating",
				"order_id", p.OrderID, "method", lf.Method, "reason", lf.Reason, "compensating", len(done))
			c.compensate(ctx, s, p, done, lf.Reason)
			s.Advance(saga.StateFailed)
			return Outcome{Reason: lf.Reason, FailedLeg: i, Err: lf}, s
		}
		done = append(done, i)
	}

	s.Advance(saga.StateCompleted)
	return Outcome{Success: true, ProcessedAmount: p.ProcessedAmount(), FailedLeg: -1}, s
}

// Unwind compensates every successful leg of p, last leg first.
func (c *Coordinator) Unwind(ctx context.Context, p *domain.Payment, reason string) *saga.Saga {
	s := saga.NewSaga(p.ID, p.OrderID)
	order, ok := executionOrder(p.Legs)
	if !ok {
		order = make([]int, len(p.Legs))
		for i := range order {
			order[i] = i
		}
	}
	var succeeded []int
	for _, i := range order {
		if p.Legs[i].Status == domain.LegSuccess {
			succeeded = append(succeeded, i)
		}
	}
	c.compensate(ctx, s, p, succeeded, reason)
	s.Advance(saga.StateCompleted)
	for _, st := range s.StepsFor(saga.ActionCompensate) {
		if !st.OK {
			s.Advance(saga.StateFailed)
			break
		}
	}
	return s
}

// executionOrder lists sub-legs in declaration order followed by the single
// card leg.
func executionOrder(legs []domain.Leg) ([]int, bool) {
	main := -1
	order := make([]int, 0, len(legs))
	for i, l := range legs {
		if l.Method == domain.MethodCard {
			if main >= 0 {
				return nil, false
			}
			main = i
			continue
		}
		order = append(order, i)
	}
	if main < 0 {
		return nil, false
	}
	return append(order, main), true
}

func (c *Coordinator) execute(ctx context.Context, s *saga.Saga, p *domain.Payment, i int) *domain.LegFailure {
	leg := &p.Legs[i]
	step := saga.Step{Index: i, Method: leg.Method, Action: saga.ActionExecute}

	var reason string
	proc, err := c.resolver.Resolve(leg.Method)
	if err != nil {
		reason = err.Error()
	} else {
		res, err := proc.Execute(ctx, processor.ExecuteRequest{
			OrderID:    p.OrderID,
			MemberID:   p.MemberID,
			Amount:     leg.Amount,
			OrderTotal: p.TotalAmount,
			Metadata:   leg.Metadata,
		})
		switch {
		case err != nil:
			reason = err.Error()
		case !res.Success:
			reason = res.Message
		default:
			if err := leg.Succeed(res.TxID, res.ProcessedAmount, res.Metadata); err != nil {
				reason = err.Error()
				break
			}
			step.OK = true
			step.TxID = res.TxID
			s.Record(step)
			return nil
		}
	}

	if leg.Status == domain.LegPending {
		_ = leg.Fail(reason)
	}
	step.Message = reason
	s.Record(step)
	return &domain.LegFailure{Method: leg.Method, Reason: reason}
}

// compensate reverses the legs listed in done, last first. Failures are
// logged and leave the leg in success.
func (c *Coordinator) compensate(ctx context.Context, s *saga.Saga, p *domain.Payment, done []int, reason string) {
	if len(done) == 0 {
		return
	}
	s.Advance(saga.StateCompensating)
	ctx = context.WithoutCancel(ctx)

	for k := len(done) - 1; k >= 0; k-- {
		i := done[k]
		leg := &p.Legs[i]
		step := saga.Step{Index: i, Method: leg.Method, Action: saga.ActionCompensate}

		cerr := c.compensateLeg(ctx, p, leg, reason)
		if cerr != nil {
			step.Message = cerr.Error()
			c.log.Error("compensation failed, leg left unreversed",
				"order_id", p.OrderID, "method", leg.Method, "tx_id", leg.TransactionID, "err", cerr)
		} else {
			step.OK = true
			step.TxID = leg.CompensationTxID
		}
		s.Record(step)
	}
}

func (c *Coordinator) compensateLeg(ctx context.Context, p *domain.Payment, leg *domain.Leg, reason string) error {
	proc, err := c.resolver.Resolve(leg.Method)
	if err != nil {
		return &domain.CompensationError{Method: leg.Method, Reason: err.Error()}
	}
	res, err := proc.Compensate(ctx, processor.CompensateRequest{
		OrderID:  p.OrderID,
		MemberID: p.MemberID,
		Leg:      *leg,
		Reason:   reason,
	})
	if err != nil {
		return &domain.CompensationError{Method: leg.Method, Reason: err.Error()}
	}
	if !res.Success {
		return &domain.CompensationError{Method: leg.Method, Reason: res.Message}
	}
	if err := leg.Cancel(res.TxID); err != nil {
		return &domain.CompensationError{Method: leg.Method, Reason: err.Error()}
	}
	return nil
}
