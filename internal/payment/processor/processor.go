// Package processor executes, validates and compensates single payment legs.
// One Processor exists per leg method; decorators add cross-cutting behaviour
// without changing the contract.
package processor

import (
	"context"
	"fmt"
	"slices"

	"github.com/dmehra2102/payment-orchestrator/internal/payment/domain"
	"github.com/dmehra2102/payment-orchestrator/internal/payment/infrastructure/gateway"
)

type ValidateRequest struct {
	MemberID   string
	Amount     int64
	OrderTotal int64
	Metadata   map[string]string
}

type ValidResult struct {
	OK        bool
	Reason    string
	Available int64
}

type ExecuteRequest struct {
	OrderID    string
	MemberID   string
	Amount     int64
	OrderTotal int64
	Metadata   map[string]string
}

type CompensateRequest struct {
	OrderID  string
	MemberID string
	Leg      domain.Leg
	Reason   string
}

// LegResult reports a business outcome. Success=false is an ordinary result;
// a non-nil error from a Processor means the collaborator could not be
// reached, and callers treat it the same way.
type LegResult struct {
	Success         bool
	TxID            string
	ProcessedAmount int64
	Message         string
	Metadata        map[string]string
}

type Processor interface {
	Method() domain.Method
	// Validate must not change collaborator state.
	Validate(ctx context.Context, req ValidateRequest) (ValidResult, error)
	// Execute is called at most once per leg per attempt and never retries.
	Execute(ctx context.Context, req ExecuteRequest) (LegResult, error)
	// Compensate reverses a successful Execute and tolerates repeats.
	Compensate(ctx context.Context, req CompensateRequest) (LegResult, error)
}

type CardGateway interface {
	Authorize(ctx context.Context, a gateway.CardAuthorization) (gateway.Response, error)
	Cancel(ctx context.Context, txID string, amount int64, reason string) (gateway.Response, error)
}

type PointsLedger interface {
	Balance(ctx context.Context, memberID string) (int64, error)
	Debit(ctx context.Context, memberID string, amount int64, ref string) (gateway.Response, error)
	Credit(ctx context.Context, memberID string, amount int64, ref string) (gateway.Response, error)
}

type CouponLedger interface {
	Check(ctx context.Context, code, memberID string, orderTotal int64) (gateway.CouponCheck, error)
	Redeem(ctx context.Context, r gateway.CouponRedemption) (gateway.Response, error)
	Restore(ctx context.Context, code, memberID string) (gateway.Response, error)
}

type CreditLine interface {
	CheckCredit(ctx context.Context, memberID string) (gateway.CreditCheck, error)
	Open(ctx context.Context, o gateway.CreditOpening) (gateway.Response, error)
	Cancel(ctx context.Context, id, reason string) (gateway.Response, error)
}

// Registry maps a leg method to its processor. It is read-only once built.
type Registry struct {
	byMethod map[domain.Method]Processor
}

func NewRegistry(ps ...Processor) (*Registry, error) {
	r := &Registry{byMethod: make(map[domain.Method]Processor, len(ps))}
	for _, p := range ps {
		m := p.Method()
		if !m.IsLegMethod() {
			return nil, fmt.Errorf("register processor: %w: %q", domain.ErrUnsupportedMethod, m)
		}
		if _, dup := r.byMethod[m]; dup {
			return nil, fmt.Errorf("register processor: duplicate method %s", m)
		}
		r.byMethod[m] = p
	}
	return r, nil
}

func (r *Registry) Resolve(m domain.Method) (Processor, error) {
	if !m.IsLegMethod() {
		return nil, fmt.Errorf("%w: %q", domain.ErrUnsupportedMethod, m)
	}
	p, ok := r.byMethod[m]
	if !ok {
		return nil, fmt.Errorf("%w: no processor for %s", domain.ErrUnsupportedMethod, m)
	}
	return p, nil
}

func (r *Registry) Methods() []domain.Method {
	out := make([]domain.Method, 0, len(r.byMethod))
	for m := range r.byMethod {
		out = append(out, m)
	}
	slices.Sort(out)
	return out
}

func failed(format string, args ...any) LegResult {
	return LegResult{Success: false, Message: fmt.Sprintf(format, args...)}
}
