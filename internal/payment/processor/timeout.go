package processor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dmehra2102/payment-orchestrator/internal/payment/domain"
)

type timeout struct {
	next Processor
	d    time.Duration
}

// WithTimeout bounds every call. A call cut off by the deadline is reported
// as an ordinary failure, not an error.
func WithTimeout(d time.Duration) Middleware {
	return func(next Processor) Processor {
		if d <= 0 {
			return next
		}
		return &timeout{next: next, d: d}
	}
}

func (p *timeout) Method() domain.Method { return p.next.Method() }

func (p *timeout) timedOut(err error) bool {
	return errors.Is(err, context.DeadlineExceeded)
}

func (p *timeout) message() string {
	return fmt.Sprintf("%s leg timed out after %s", p.next.Method(), p.d)
}

func (p *timeout) Validate(ctx context.Context, req ValidateRequest) (ValidResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.d)
	defer cancel()
	res, err := p.next.Validate(ctx, req)
	if p.timedOut(err) {
		return ValidResult{OK: false, Reason: p.message()}, nil
	}
	return res, err
}

// Execute treats only a call that returned the deadline error as failed. A
// result that arrives after the deadline is passed through, so a late
// success is recorded and can be compensated. A gateway that commits an
// authorization after giving up on the caller is not covered here: that
// leg has no transaction id to void and needs reconciliation on the
// gateway's side.
func (p *timeout) Execute(ctx context.Context, req ExecuteRequest) (LegResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.d)
	defer cancel()
	res, err := p.next.Execute(ctx, req)
	if p.timedOut(err) {
		return failed("%s", p.message()), nil
	}
	return res, err
}

func (p *timeout) Compensate(ctx context.Context, req CompensateRequest) (LegResult, error) {
	ctx, cancel := context.WithTimeout(ctx, p.d)
	defer cancel()
	res, err := p.next.Compensate(ctx, req)
	if p.timedOut(err) {
		return failed("%s", p.message()), nil
	}
	return res, err
}
